// File: hook/doio.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The retry/suspend protocol shared by every hooked data call.

package hook

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-fiber/api"
	"github.com/momentics/hioload-fiber/control"
	"github.com/momentics/hioload-fiber/fdmanager"
	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/timer"
)

type ioState int

const (
	stateAttempt ioState = iota
	stateSuspended
	stateRetry
	stateDone
)

// doIO runs call under the hook protocol: EINTR is retried up to the
// configured bound, EAGAIN suspends the fiber until fd is ready in direction
// ev or the fd's timeout of kind elapses (ETIMEDOUT), anything else returns.
func (h *Hooks) doIO(ctx context.Context, fd int, name string, ev api.Event, kind fdmanager.TimeoutKind, call func() (int, error)) (int, error) {
	r, self, ok := active(ctx)
	if !ok {
		return call()
	}
	c := h.fds.Get(fd, false)
	if c == nil {
		return call()
	}
	if c.IsClosed() {
		return -1, unix.EBADF
	}
	if !c.IsSocket() || c.UserNonblock() {
		return call()
	}
	timeout := c.Timeout(kind)

	var (
		n   int
		err error
	)
	state := stateAttempt
	for {
		switch state {
		case stateAttempt, stateRetry:
			if c.IsClosed() {
				return -1, unix.EBADF
			}
			n, err = h.attempt(call)
			if errors.Is(err, unix.EAGAIN) {
				state = stateSuspended
			} else {
				state = stateDone
			}
		case stateSuspended:
			timedOut, werr := h.wait(ctx, r, self, fd, ev, timeout, name)
			switch {
			case werr != nil:
				return -1, unix.EAGAIN
			case timedOut:
				return -1, unix.ETIMEDOUT
			}
			state = stateRetry
		case stateDone:
			return n, err
		}
	}
}

// attempt calls fn, retrying interrupted calls a bounded number of times.
func (h *Hooks) attempt(fn func() (int, error)) (int, error) {
	n, err := fn()
	for i := 0; i < h.maxEINTR && errors.Is(err, unix.EINTR); i++ {
		n, err = fn()
	}
	return n, err
}

// wait parks self until fd is ready in direction ev. A finite timeout arms a
// guarded timer that cancels the registration and reports timedOut; the
// guard dies when wait returns, so a late timer is a no-op. err is set when
// the registration itself failed and nothing was waited for.
func (h *Hooks) wait(ctx context.Context, r Reactor, self *fiber.Fiber, fd int, ev api.Event, timeout time.Duration, name string) (timedOut bool, err error) {
	guard := timer.NewToken()
	defer guard.Release()

	var expired atomic.Bool
	var t *timer.Timer
	if timeout != fdmanager.NoTimeout {
		t = r.AddConditionTimer(timeout, func() {
			if !expired.CompareAndSwap(false, true) {
				return
			}
			h.metrics.Inc(control.HookTimeouts)
			if err := r.CancelEvent(fd, ev); err != nil {
				h.log.Debug("timeout raced with readiness", zap.String("call", name), zap.Int("fd", fd), zap.Error(err))
			}
		}, guard, false)
	}

	if err := r.AddEvent(ctx, fd, ev, nil); err != nil {
		h.log.Warn("add event failed",
			zap.String("call", name), zap.Int("fd", fd), zap.Stringer("event", ev), zap.Error(err))
		if t != nil {
			t.Cancel()
		}
		return false, err
	}

	h.metrics.Inc(control.HookSuspends)
	self.Suspend()

	if t != nil {
		t.Cancel()
	}
	return expired.Load(), nil
}
