// File: hook/hooks.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

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
	"github.com/momentics/hioload-fiber/iomanager"
	"github.com/momentics/hioload-fiber/scheduler"
)

// DefaultMaxEINTRRetries bounds the immediate retries of an interrupted call.
const DefaultMaxEINTRRetries = 64

// Option configures Hooks.
type Option func(*Hooks)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Hooks) { h.log = l }
}

// WithMetrics enables the suspend and timeout counters.
func WithMetrics(m *control.Metrics) Option {
	return func(h *Hooks) { h.metrics = m }
}

// WithConnectTimeout sets the deadline Connect uses; zero or less waits
// forever.
func WithConnectTimeout(d time.Duration) Option {
	return func(h *Hooks) { h.SetConnectTimeout(d) }
}

// WithMaxEINTRRetries bounds EINTR retries per attempt.
func WithMaxEINTRRetries(n int) Option {
	return func(h *Hooks) {
		if n > 0 {
			h.maxEINTR = n
		}
	}
}

// Hooks is the hooked syscall surface. One instance is shared by every
// worker of a runtime.
type Hooks struct {
	sys            Syscalls
	fds            *fdmanager.Manager
	log            *zap.Logger
	metrics        *control.Metrics
	connectTimeout atomic.Int64
	maxEINTR       int
}

// New creates the hook layer over provider sys and fd registry fds.
func New(sys Syscalls, fds *fdmanager.Manager, opts ...Option) *Hooks {
	h := &Hooks{sys: sys, fds: fds, maxEINTR: DefaultMaxEINTRRetries}
	h.connectTimeout.Store(int64(fdmanager.NoTimeout))
	for _, o := range opts {
		o(h)
	}
	if h.log == nil {
		h.log = zap.NewNop()
	}
	h.log = h.log.Named("hook")
	return h
}

// Fds returns the fd registry.
func (h *Hooks) Fds() *fdmanager.Manager { return h.fds }

// ConnectTimeout returns the deadline Connect applies.
func (h *Hooks) ConnectTimeout() time.Duration {
	return time.Duration(h.connectTimeout.Load())
}

// SetConnectTimeout changes the deadline Connect applies.
func (h *Hooks) SetConnectTimeout(d time.Duration) {
	if d <= 0 {
		d = fdmanager.NoTimeout
	}
	h.connectTimeout.Store(int64(d))
}

// Sleep suspends the calling fiber for the given number of seconds. It
// returns the unslept seconds, which is always zero when hooked.
func (h *Hooks) Sleep(ctx context.Context, seconds uint) uint {
	d := time.Duration(seconds) * time.Second
	if h.sleep(ctx, d) {
		return 0
	}
	req := unix.NsecToTimespec(d.Nanoseconds())
	var rem unix.Timespec
	if err := h.sys.Nanosleep(&req, &rem); err != nil {
		return uint(rem.Sec)
	}
	return 0
}

// Usleep suspends the calling fiber for usec microseconds.
func (h *Hooks) Usleep(ctx context.Context, usec uint32) error {
	d := time.Duration(usec) * time.Microsecond
	if h.sleep(ctx, d) {
		return nil
	}
	req := unix.NsecToTimespec(d.Nanoseconds())
	return h.sys.Nanosleep(&req, nil)
}

// Nanosleep suspends the calling fiber for req. When hooked the wait is never
// interrupted, so rem is zeroed.
func (h *Hooks) Nanosleep(ctx context.Context, req, rem *unix.Timespec) error {
	if req == nil || req.Sec < 0 || req.Nsec < 0 || int64(req.Nsec) >= int64(time.Second) {
		return unix.EINVAL
	}
	if !h.sleep(ctx, time.Duration(req.Nano())) {
		return h.sys.Nanosleep(req, rem)
	}
	if rem != nil {
		*rem = unix.Timespec{}
	}
	return nil
}

func (h *Hooks) sleep(ctx context.Context, d time.Duration) bool {
	r, self, ok := active(ctx)
	if !ok {
		return false
	}
	r.AddTimer(d, func() { r.Continue(scheduler.FiberTask(self)) }, false)
	self.Suspend()
	return true
}

// Socket creates a socket and, when hooked, registers it so later calls on
// it can suspend.
func (h *Hooks) Socket(ctx context.Context, domain, typ, proto int) (int, error) {
	fd, err := h.sys.Socket(domain, typ, proto)
	if err != nil {
		h.log.Debug("socket failed", zap.Error(err))
		return -1, err
	}
	if Enabled(ctx) {
		h.fds.Get(fd, true)
	}
	return fd, nil
}

// Connect connects fd to sa using the default connect timeout.
func (h *Hooks) Connect(ctx context.Context, fd int, sa unix.Sockaddr) error {
	return h.ConnectWithTimeout(ctx, fd, sa, h.ConnectTimeout())
}

// ConnectWithTimeout connects fd to sa. An in-progress connect suspends the
// fiber until fd is writable or timeout elapses (ETIMEDOUT); the outcome is
// then read from SO_ERROR. Zero or negative timeouts wait forever.
func (h *Hooks) ConnectWithTimeout(ctx context.Context, fd int, sa unix.Sockaddr, timeout time.Duration) error {
	r, self, ok := active(ctx)
	if !ok {
		return h.sys.Connect(fd, sa)
	}
	c := h.fds.Get(fd, false)
	if c == nil || c.IsClosed() {
		return unix.EBADF
	}
	if !c.IsSocket() || c.UserNonblock() {
		return h.sys.Connect(fd, sa)
	}

	err := h.sys.Connect(fd, sa)
	if err == nil || !errors.Is(err, unix.EINPROGRESS) {
		return err
	}
	if timeout <= 0 {
		timeout = fdmanager.NoTimeout
	}
	timedOut, werr := h.wait(ctx, r, self, fd, api.EventWrite, timeout, "connect")
	if werr == nil && timedOut {
		return unix.ETIMEDOUT
	}

	soErr, err := h.sys.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soErr != 0 {
		return unix.Errno(soErr)
	}
	return nil
}

// Accept accepts a connection on fd, suspending while none is pending. The
// accepted fd is registered when hooked.
func (h *Hooks) Accept(ctx context.Context, fd int) (int, unix.Sockaddr, error) {
	var from unix.Sockaddr
	nfd, err := h.doIO(ctx, fd, "accept", api.EventRead, fdmanager.RecvTimeout, func() (int, error) {
		n, sa, err := h.sys.Accept(fd)
		from = sa
		return n, err
	})
	if err != nil {
		return -1, nil, err
	}
	if Enabled(ctx) {
		h.fds.Get(nfd, true)
	}
	return nfd, from, nil
}

// Read is read(2).
func (h *Hooks) Read(ctx context.Context, fd int, p []byte) (int, error) {
	return h.doIO(ctx, fd, "read", api.EventRead, fdmanager.RecvTimeout, func() (int, error) {
		return h.sys.Read(fd, p)
	})
}

// Readv is readv(2).
func (h *Hooks) Readv(ctx context.Context, fd int, iovs [][]byte) (int, error) {
	return h.doIO(ctx, fd, "readv", api.EventRead, fdmanager.RecvTimeout, func() (int, error) {
		return h.sys.Readv(fd, iovs)
	})
}

// Recv is recv(2).
func (h *Hooks) Recv(ctx context.Context, fd int, p []byte, flags int) (int, error) {
	n, _, err := h.Recvfrom(ctx, fd, p, flags)
	return n, err
}

// Recvfrom is recvfrom(2).
func (h *Hooks) Recvfrom(ctx context.Context, fd int, p []byte, flags int) (int, unix.Sockaddr, error) {
	var from unix.Sockaddr
	n, err := h.doIO(ctx, fd, "recvfrom", api.EventRead, fdmanager.RecvTimeout, func() (int, error) {
		n, sa, err := h.sys.Recvfrom(fd, p, flags)
		from = sa
		return n, err
	})
	return n, from, err
}

// Recvmsg is recvmsg(2).
func (h *Hooks) Recvmsg(ctx context.Context, fd int, p, oob []byte, flags int) (n, oobn, recvflags int, from unix.Sockaddr, err error) {
	n, err = h.doIO(ctx, fd, "recvmsg", api.EventRead, fdmanager.RecvTimeout, func() (int, error) {
		var rn int
		var rerr error
		rn, oobn, recvflags, from, rerr = h.sys.Recvmsg(fd, p, oob, flags)
		return rn, rerr
	})
	return n, oobn, recvflags, from, err
}

// Write is write(2).
func (h *Hooks) Write(ctx context.Context, fd int, p []byte) (int, error) {
	return h.doIO(ctx, fd, "write", api.EventWrite, fdmanager.SendTimeout, func() (int, error) {
		return h.sys.Write(fd, p)
	})
}

// Writev is writev(2).
func (h *Hooks) Writev(ctx context.Context, fd int, iovs [][]byte) (int, error) {
	return h.doIO(ctx, fd, "writev", api.EventWrite, fdmanager.SendTimeout, func() (int, error) {
		return h.sys.Writev(fd, iovs)
	})
}

// Send is send(2).
func (h *Hooks) Send(ctx context.Context, fd int, p []byte, flags int) (int, error) {
	return h.Sendmsg(ctx, fd, p, nil, nil, flags)
}

// Sendto is sendto(2).
func (h *Hooks) Sendto(ctx context.Context, fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
	return h.Sendmsg(ctx, fd, p, nil, to, flags)
}

// Sendmsg is sendmsg(2).
func (h *Hooks) Sendmsg(ctx context.Context, fd int, p, oob []byte, to unix.Sockaddr, flags int) (int, error) {
	return h.doIO(ctx, fd, "sendmsg", api.EventWrite, fdmanager.SendTimeout, func() (int, error) {
		return h.sys.SendmsgN(fd, p, oob, to, flags)
	})
}

// Close wakes every fiber waiting on fd, forgets its metadata and closes it.
func (h *Hooks) Close(ctx context.Context, fd int) error {
	if !Enabled(ctx) {
		return h.sys.Close(fd)
	}
	if c := h.fds.Get(fd, false); c != nil {
		c.SetClosed(true)
		if r := reactorFrom(ctx); r != nil {
			if err := r.CancelAll(fd); err != nil && !errors.Is(err, iomanager.ErrEventNotArmed) {
				h.log.Warn("cancel waiters on close failed", zap.Int("fd", fd), zap.Error(err))
			}
		}
		h.fds.Del(fd)
	}
	return h.sys.Close(fd)
}

// Fcntl is fcntl(2) for integer arguments. For registered sockets F_GETFL
// reports the O_NONBLOCK the application asked for while F_SETFL keeps
// O_NONBLOCK on the kernel fd whenever the runtime forced it.
func (h *Hooks) Fcntl(ctx context.Context, fd, cmd, arg int) (int, error) {
	switch cmd {
	case unix.F_SETFL:
		c := h.socketCtx(fd)
		if c == nil {
			return h.sys.FcntlInt(uintptr(fd), cmd, arg)
		}
		c.SetUserNonblock(arg&unix.O_NONBLOCK != 0)
		if c.SysNonblock() {
			arg |= unix.O_NONBLOCK
		} else {
			arg &^= unix.O_NONBLOCK
		}
		return h.sys.FcntlInt(uintptr(fd), cmd, arg)
	case unix.F_GETFL:
		flags, err := h.sys.FcntlInt(uintptr(fd), cmd, 0)
		if err != nil {
			return flags, err
		}
		c := h.socketCtx(fd)
		if c == nil {
			return flags, nil
		}
		if c.UserNonblock() {
			return flags | unix.O_NONBLOCK, nil
		}
		return flags &^ unix.O_NONBLOCK, nil
	default:
		return h.sys.FcntlInt(uintptr(fd), cmd, arg)
	}
}

// Ioctl is ioctl(2) for requests taking an int pointer. FIONBIO on a
// registered socket records the application's choice and keeps the kernel fd
// nonblocking when the runtime requires it.
func (h *Hooks) Ioctl(ctx context.Context, fd int, req uint, value int) error {
	if req == FIONBIO {
		if c := h.socketCtx(fd); c != nil {
			c.SetUserNonblock(value != 0)
			if c.SysNonblock() {
				value = 1
			}
		}
	}
	return h.sys.IoctlSetPointerInt(fd, req, value)
}

// Getsockopt is getsockopt(2) for integer options.
func (h *Hooks) Getsockopt(ctx context.Context, fd, level, opt int) (int, error) {
	return h.sys.GetsockoptInt(fd, level, opt)
}

// Setsockopt is setsockopt(2) for integer options.
func (h *Hooks) Setsockopt(ctx context.Context, fd, level, opt, value int) error {
	return h.sys.SetsockoptInt(fd, level, opt, value)
}

// SetsockoptTimeval is setsockopt(2) for timeval options. SO_RCVTIMEO and
// SO_SNDTIMEO also become the deadlines hooked calls on fd suspend with.
func (h *Hooks) SetsockoptTimeval(ctx context.Context, fd, level, opt int, tv *unix.Timeval) error {
	if Enabled(ctx) && level == unix.SOL_SOCKET && (opt == unix.SO_RCVTIMEO || opt == unix.SO_SNDTIMEO) {
		if c := h.fds.Get(fd, false); c != nil {
			kind := fdmanager.RecvTimeout
			if opt == unix.SO_SNDTIMEO {
				kind = fdmanager.SendTimeout
			}
			c.SetTimeout(kind, time.Duration(tv.Nano()))
		}
	}
	return h.sys.SetsockoptTimeval(fd, level, opt, tv)
}

func (h *Hooks) socketCtx(fd int) *fdmanager.FdCtx {
	c := h.fds.Get(fd, false)
	if c == nil || c.IsClosed() || !c.IsSocket() {
		return nil
	}
	return c
}
