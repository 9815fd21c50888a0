// Package timer provides a thread-safe min-heap of absolute-deadline timers
// with one-shot, recurring and guard-conditioned entries.
//
// The Manager never runs callbacks itself. Its owner polls NextTimer to size
// a blocking wait and collects due callbacks with ListExpired, then runs them
// wherever it likes (the IOManager schedules them as tasks).
package timer
