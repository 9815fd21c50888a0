// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package fake

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-fiber/api"
)

// ControlOp is one recorded Reactor.Control call.
type ControlOp struct {
	Op     api.ReactorOp
	Fd     int
	Events api.Event
}

// Reactor is an in-memory api.Reactor. It tracks the interest set with the
// same ADD/MOD/DEL rules as epoll, records every Control call and reports
// readiness only when a test injects it.
type Reactor struct {
	mu       sync.Mutex
	ops      []ControlOp
	interest map[int]api.Event
	pending  []api.ReadyEvent
	signal   chan struct{}
	wakes    int
	closed   bool

	// ControlErr, when set, can veto a Control call before it is applied.
	ControlErr func(op api.ReactorOp, fd int, events api.Event) error
}

// NewReactor creates an empty fake reactor.
func NewReactor() *Reactor {
	return &Reactor{
		interest: make(map[int]api.Event),
		signal:   make(chan struct{}, 1),
	}
}

// Control records the call and applies it to the interest set.
func (r *Reactor) Control(op api.ReactorOp, fd int, events api.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return api.ErrClosed
	}
	if r.ControlErr != nil {
		if err := r.ControlErr(op, fd, events); err != nil {
			return err
		}
	}
	r.ops = append(r.ops, ControlOp{Op: op, Fd: fd, Events: events})

	_, registered := r.interest[fd]
	switch op {
	case api.OpAdd:
		if registered {
			return unix.EEXIST
		}
		r.interest[fd] = events
	case api.OpModify:
		if !registered {
			return unix.ENOENT
		}
		r.interest[fd] = events
	case api.OpDelete:
		if !registered {
			return unix.ENOENT
		}
		delete(r.interest, fd)
	default:
		return api.ErrInvalidArgument
	}
	return nil
}

// Wait returns injected readiness, blocking up to timeout for some to arrive
// or for Wake.
func (r *Reactor) Wait(events []api.ReadyEvent, timeout time.Duration) (int, error) {
	var expire <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expire = t.C
	}
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return 0, api.ErrClosed
		}
		if len(r.pending) > 0 {
			n := copy(events, r.pending)
			r.pending = r.pending[n:]
			r.mu.Unlock()
			return n, nil
		}
		r.mu.Unlock()

		select {
		case <-r.signal:
			r.mu.Lock()
			ready := len(r.pending) > 0
			r.mu.Unlock()
			if !ready {
				return 0, nil
			}
		case <-expire:
			return 0, nil
		}
	}
}

// Wake interrupts one blocked Wait.
func (r *Reactor) Wake() error {
	r.mu.Lock()
	r.wakes++
	r.mu.Unlock()
	r.notify()
	return nil
}

// Close marks the reactor closed.
func (r *Reactor) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.notify()
	return nil
}

// Inject queues a readiness notification for fd, as the kernel would after
// the interest set matched.
func (r *Reactor) Inject(fd int, events api.Event) {
	r.mu.Lock()
	r.pending = append(r.pending, api.ReadyEvent{Fd: fd, Events: events})
	r.mu.Unlock()
	r.notify()
}

// Ops returns a copy of every recorded Control call.
func (r *Reactor) Ops() []ControlOp {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ControlOp(nil), r.ops...)
}

// Interest returns the registered mask of fd.
func (r *Reactor) Interest(fd int) (api.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.interest[fd]
	return ev, ok
}

// Wakes returns how many times Wake was called.
func (r *Reactor) Wakes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wakes
}

func (r *Reactor) notify() {
	select {
	case r.signal <- struct{}{}:
	default:
	}
}
