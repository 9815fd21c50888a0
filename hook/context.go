// File: hook/context.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package hook

import (
	"context"
	"time"

	"github.com/momentics/hioload-fiber/api"
	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/scheduler"
	"github.com/momentics/hioload-fiber/timer"
)

type enabledKey struct{}

// WithEnabled returns ctx with hooking switched on or off for every call made
// with it or a context derived from it.
func WithEnabled(ctx context.Context, on bool) context.Context {
	return context.WithValue(ctx, enabledKey{}, on)
}

// Enabled reports whether hooking is switched on for ctx. It is off unless a
// WithEnabled(true) context is in the chain.
func Enabled(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	on, _ := ctx.Value(enabledKey{}).(bool)
	return on
}

// Reactor is what the hook layer needs from the IOManager driving a worker.
type Reactor interface {
	AddEvent(ctx context.Context, fd int, ev api.Event, cb fiber.Func) error
	CancelEvent(fd int, ev api.Event) error
	CancelAll(fd int) error
	AddTimer(d time.Duration, cb func(), recurring bool) *timer.Timer
	AddConditionTimer(d time.Duration, cb func(), guard timer.Guard, recurring bool) *timer.Timer
	Continue(t scheduler.Task)
}

// reactorFrom returns the reactor of the worker running ctx, if its driver
// is one.
func reactorFrom(ctx context.Context) Reactor {
	w := scheduler.WorkerFromContext(ctx)
	if w == nil {
		return nil
	}
	r, _ := w.Driver().(Reactor)
	return r
}

// active resolves everything a suspending call needs. ok is false when the
// call must go straight to the provider.
func active(ctx context.Context) (r Reactor, self *fiber.Fiber, ok bool) {
	if !Enabled(ctx) {
		return nil, nil, false
	}
	self = fiber.FromContext(ctx)
	if self == nil {
		return nil, nil, false
	}
	r = reactorFrom(ctx)
	return r, self, r != nil
}
