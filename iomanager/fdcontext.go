// File: iomanager/fdcontext.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package iomanager

import (
	"context"
	"sync"

	"github.com/momentics/hioload-fiber/api"
	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/scheduler"
)

// eventContext is the waiter of one direction: a fiber to resume or a
// callback to run, never both.
type eventContext struct {
	fiber *fiber.Fiber
	cb    fiber.Func
}

func (e *eventContext) empty() bool {
	return e.fiber == nil && e.cb == nil
}

func (e *eventContext) task() scheduler.Task {
	if e.cb != nil {
		return scheduler.FuncTask(e.cb)
	}
	return scheduler.FiberTask(e.fiber)
}

// fdContext is the registration state of one fd.
type fdContext struct {
	mu     sync.Mutex
	fd     int
	events api.Event
	read   eventContext
	write  eventContext
}

func (c *fdContext) eventContext(ev api.Event) *eventContext {
	switch ev {
	case api.EventRead:
		return &c.read
	case api.EventWrite:
		return &c.write
	default:
		panic("iomanager: unsupported event " + ev.String())
	}
}

// trigger disarms ev and hands its waiter to s. Must hold c.mu and ev must be
// armed.
func (c *fdContext) trigger(ev api.Event, s *scheduler.Scheduler) {
	if c.events&ev == 0 {
		panic("iomanager: trigger of unarmed event " + ev.String())
	}
	c.events &^= ev
	ec := c.eventContext(ev)
	t := ec.task()
	*ec = eventContext{}
	s.Continue(t)
}

func callbackFunc(cb func()) fiber.Func {
	return func(context.Context) { cb() }
}
