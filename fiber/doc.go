// Package fiber implements stackful coroutines ("fibers") with explicit
// resume/yield transfer of control, and a pool that recycles them.
//
// A Fiber is backed by a goroutine that is parked between runs. Resume hands
// the goroutine control and blocks until the fiber calls Yield or Suspend or
// its entry returns; the two suspend flavours tell the scheduler whether to
// re-queue the fiber immediately or to leave it with whoever will wake it.
package fiber
