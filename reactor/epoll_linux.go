//go:build linux

// File: reactor/epoll_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux epoll(7)-based reactor. Every registration is edge-triggered; the read
// end of a non-blocking self-pipe is registered at creation and drained inside
// Wait, so wakeups never surface as events.

package reactor

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-fiber/api"
)

// epollReactor implements api.Reactor on epoll.
type epollReactor struct {
	epfd   int
	wakeR  int
	wakeW  int
	closed atomic.Bool
}

// New creates an epoll instance together with its wakeup pipe.
func New() (api.Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("reactor: pipe2: %w", err)
	}
	r := &epollReactor{epfd: epfd, wakeR: p[0], wakeW: p[1]}

	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(r.wakeR)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, r.wakeR, &ev); err != nil {
		closeErr := r.Close()
		return nil, multierr.Append(fmt.Errorf("reactor: register wakeup pipe: %w", err), closeErr)
	}
	return r, nil
}

// Control changes the interest set of fd.
func (r *epollReactor) Control(op api.ReactorOp, fd int, events api.Event) error {
	if r.closed.Load() {
		return api.ErrClosed
	}
	if fd < 0 || fd == r.wakeR || fd == r.wakeW {
		return fmt.Errorf("reactor: fd %d: %w", fd, api.ErrInvalidArgument)
	}

	var ctl int
	switch op {
	case api.OpAdd:
		ctl = unix.EPOLL_CTL_ADD
	case api.OpModify:
		ctl = unix.EPOLL_CTL_MOD
	case api.OpDelete:
		ctl = unix.EPOLL_CTL_DEL
	default:
		return fmt.Errorf("reactor: op %d: %w", op, api.ErrInvalidArgument)
	}

	ev := unix.EpollEvent{Events: toEpoll(events) | unix.EPOLLET, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, ctl, fd, &ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl %s fd %d: %w", op, fd, err)
	}
	return nil
}

// Wait blocks for readiness, a wakeup or the timeout. Raw events are
// allocated per call because several workers may wait concurrently.
func (r *epollReactor) Wait(events []api.ReadyEvent, timeout time.Duration) (int, error) {
	if r.closed.Load() {
		return 0, api.ErrClosed
	}
	if len(events) == 0 {
		return 0, fmt.Errorf("reactor: empty event buffer: %w", api.ErrInvalidArgument)
	}
	raw := make([]unix.EpollEvent, len(events))
	ms := timeoutMillis(timeout)

	var n int
	var err error
	for {
		n, err = unix.EpollWait(r.epfd, raw, ms)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		return 0, fmt.Errorf("reactor: epoll_wait: %w", err)
	}

	out := 0
	for i := 0; i < n; i++ {
		fd := int(raw[i].Fd)
		if fd == r.wakeR {
			r.drain()
			continue
		}
		events[out] = api.ReadyEvent{Fd: fd, Events: fromEpoll(raw[i].Events)}
		out++
	}
	return out, nil
}

// Wake writes one byte to the self-pipe. A full pipe already guarantees a
// pending wakeup, so EAGAIN is not an error.
func (r *epollReactor) Wake() error {
	if r.closed.Load() {
		return api.ErrClosed
	}
	for {
		_, err := unix.Write(r.wakeW, []byte{'T'})
		switch {
		case err == nil, errors.Is(err, unix.EAGAIN):
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		default:
			return fmt.Errorf("reactor: wake: %w", err)
		}
	}
}

// Close releases the epoll instance and both pipe ends.
func (r *epollReactor) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	return multierr.Combine(
		unix.Close(r.epfd),
		unix.Close(r.wakeR),
		unix.Close(r.wakeW),
	)
}

func (r *epollReactor) drain() {
	var buf [256]byte
	for {
		n, err := unix.Read(r.wakeR, buf[:])
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil || n <= 0 {
			return
		}
	}
}

func toEpoll(ev api.Event) uint32 {
	var e uint32
	if ev&api.EventRead != 0 {
		e |= unix.EPOLLIN
	}
	if ev&api.EventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func fromEpoll(e uint32) api.Event {
	var ev api.Event
	if e&unix.EPOLLIN != 0 {
		ev |= api.EventRead
	}
	if e&unix.EPOLLOUT != 0 {
		ev |= api.EventWrite
	}
	if e&unix.EPOLLERR != 0 {
		ev |= api.EventError
	}
	if e&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		ev |= api.EventHangup
	}
	return ev
}
