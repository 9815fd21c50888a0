// File: fiber/fiber.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Stackful coroutine built on a parked goroutine. Control moves between the
// resumer and the fiber through an unbuffered channel handoff, so exactly one
// side runs at any moment and the fiber keeps its own stack across
// suspensions.

package fiber

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// State is the lifecycle state of a Fiber.
type State int32

const (
	// Ready: freshly created or reset, never resumed with the current entry.
	Ready State = iota
	// Running: currently executing; at most one per worker.
	Running
	// SuspendForSchedule: yielded and ready to be re-queued immediately.
	SuspendForSchedule
	// SuspendForIO: parked until an external event or timer hands it back.
	SuspendForIO
	// Term: the entry closure returned (or panicked).
	Term
)

func (s State) String() string {
	switch s {
	case Ready:
		return "READY"
	case Running:
		return "RUNNING"
	case SuspendForSchedule:
		return "SUSPEND_FOR_SCHEDULE"
	case SuspendForIO:
		return "SUSPEND_FOR_IO"
	case Term:
		return "TERM"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Suspended reports whether s is one of the two suspend flavours.
func (s State) Suspended() bool {
	return s == SuspendForSchedule || s == SuspendForIO
}

// Func is a fiber entry closure. ctx carries the fiber itself (FromContext)
// and whatever the resumer attached, typically the worker context.
type Func func(ctx context.Context)

var nextID atomic.Uint64

// Fiber is a single cooperatively scheduled coroutine.
type Fiber struct {
	id    uint64
	state atomic.Int32

	// mu serialises Resume calls; it is held for the whole time the fiber runs.
	mu        sync.Mutex
	fn        Func
	owner     *Pool
	started   bool
	closed    bool
	recovered any

	resumeCh chan context.Context
	yieldCh  chan struct{}
	setup    func()
}

// Option configures a Fiber at creation.
type Option func(*Fiber)

// WithThreadSetup runs fn once on the fiber's backing goroutine before the
// first entry executes, e.g. to lock and pin the OS thread the fiber runs on.
func WithThreadSetup(fn func()) Option {
	return func(f *Fiber) { f.setup = fn }
}

// New creates a Ready fiber with entry fn. The backing goroutine is started
// lazily on the first Resume and reused across Reset.
func New(fn Func, opts ...Option) *Fiber {
	f := &Fiber{
		id:       nextID.Add(1),
		fn:       fn,
		resumeCh: make(chan context.Context),
		yieldCh:  make(chan struct{}),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// ID returns the process-unique fiber id.
func (f *Fiber) ID() uint64 { return f.id }

// State returns the current state.
func (f *Fiber) State() State { return State(f.state.Load()) }

// Pool returns the pool that leased f, or nil for a free-standing fiber.
func (f *Fiber) Pool() *Pool { return f.owner }

// Recovered returns the panic value of the last run, if the entry panicked.
func (f *Fiber) Recovered() any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recovered
}

// Resume transfers control into f and blocks until it yields, suspends or
// terminates. It returns the state f handed control back with; callers must
// branch on that value rather than on a later State read, because another
// worker may resume f as soon as this call returns.
//
// Resuming a Running or Term fiber, or one without an entry, panics.
func (f *Fiber) Resume(ctx context.Context) State {
	f.mu.Lock()
	defer f.mu.Unlock()

	st := f.State()
	if st == Running || st == Term || f.closed {
		panic(fmt.Sprintf("fiber %d: resume in state %s", f.id, st))
	}
	if st == Ready && f.fn == nil {
		panic(fmt.Sprintf("fiber %d: resume without entry", f.id))
	}
	if !f.started {
		f.started = true
		go f.loop()
	}

	f.state.Store(int32(Running))
	f.resumeCh <- ctx
	<-f.yieldCh
	return f.State()
}

// Yield suspends the calling fiber as SuspendForSchedule. It must be called
// from inside the fiber's own entry closure.
func (f *Fiber) Yield() {
	f.suspend(SuspendForSchedule)
}

// Suspend parks the calling fiber as SuspendForIO. Whoever arranged the wakeup
// (an event registration or a timer) owns the fiber until it is resumed.
func (f *Fiber) Suspend() {
	f.suspend(SuspendForIO)
}

func (f *Fiber) suspend(st State) {
	if f.State() != Running {
		panic(fmt.Sprintf("fiber %d: suspend in state %s", f.id, f.State()))
	}
	f.state.Store(int32(st))
	f.yieldCh <- struct{}{}
	<-f.resumeCh
}

// Reset rearms f with a new entry without reallocating its goroutine. It is
// legal only on a Ready or Term fiber. A nil fn leaves f idle.
func (f *Fiber) Reset(fn Func) {
	f.mu.Lock()
	defer f.mu.Unlock()

	st := f.State()
	if st != Ready && st != Term {
		panic(fmt.Sprintf("fiber %d: reset in state %s", f.id, st))
	}
	f.fn = fn
	f.recovered = nil
	f.state.Store(int32(Ready))
}

// Closed reports whether Close was called.
func (f *Fiber) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Close stops the backing goroutine. Only idle (Ready or Term) fibers may be
// closed; a closed fiber can no longer be resumed.
func (f *Fiber) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	st := f.State()
	if st != Ready && st != Term {
		panic(fmt.Sprintf("fiber %d: close in state %s", f.id, st))
	}
	f.closed = true
	f.fn = nil
	close(f.resumeCh)
}

func (f *Fiber) loop() {
	if f.setup != nil {
		f.setup()
	}
	for ctx := range f.resumeCh {
		f.run(ctx)
		f.state.Store(int32(Term))
		f.yieldCh <- struct{}{}
	}
}

func (f *Fiber) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			f.recovered = r
		}
	}()
	f.fn(NewContext(ctx, f))
}

func (f *Fiber) String() string {
	return fmt.Sprintf("fiber#%d(%s)", f.id, f.State())
}
