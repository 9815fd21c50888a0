// File: fdmanager/fdmanager.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Registry of per-fd metadata consulted by the hook layer: whether the fd is
// a socket, the nonblocking mode the kernel enforces versus the one the
// application asked for, and the receive/send timeouts.

package fdmanager

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// NoTimeout disables the deadline of a direction.
const NoTimeout time.Duration = -1

// TimeoutKind selects the receive or send timeout of an FdCtx.
type TimeoutKind int

const (
	RecvTimeout TimeoutKind = iota
	SendTimeout
)

// Syscalls is the part of the native syscall provider FdCtx needs to
// classify an fd.
type Syscalls interface {
	Fstat(fd int, st *unix.Stat_t) error
	FcntlInt(fd uintptr, cmd, arg int) (int, error)
}

// FdCtx is the metadata of one fd. Fields are atomics so hooked calls on
// different workers can read them without the table lock.
type FdCtx struct {
	fd           int
	isInit       bool
	isSocket     bool
	sysNonblock  atomic.Bool
	userNonblock atomic.Bool
	closed       atomic.Bool
	recvTimeout  atomic.Int64
	sendTimeout  atomic.Int64
}

func newFdCtx(fd int, sys Syscalls, log *zap.Logger) *FdCtx {
	c := &FdCtx{fd: fd}
	c.recvTimeout.Store(int64(NoTimeout))
	c.sendTimeout.Store(int64(NoTimeout))
	c.init(sys, log)
	return c
}

// init classifies the fd and forces O_NONBLOCK on sockets so the hook layer
// observes EAGAIN instead of blocking the worker thread.
func (c *FdCtx) init(sys Syscalls, log *zap.Logger) {
	var st unix.Stat_t
	if err := sys.Fstat(c.fd, &st); err != nil {
		return
	}
	c.isInit = true
	c.isSocket = st.Mode&unix.S_IFMT == unix.S_IFSOCK
	if !c.isSocket {
		return
	}
	flags, err := sys.FcntlInt(uintptr(c.fd), unix.F_GETFL, 0)
	if err != nil {
		log.Warn("fcntl F_GETFL failed", zap.Int("fd", c.fd), zap.Error(err))
		return
	}
	if flags&unix.O_NONBLOCK == 0 {
		if _, err := sys.FcntlInt(uintptr(c.fd), unix.F_SETFL, flags|unix.O_NONBLOCK); err != nil {
			log.Warn("fcntl F_SETFL O_NONBLOCK failed", zap.Int("fd", c.fd), zap.Error(err))
			return
		}
	}
	c.SetSysNonblock(true)
}

// Fd returns the descriptor number.
func (c *FdCtx) Fd() int { return c.fd }

// IsInit reports whether fstat succeeded when the entry was created.
func (c *FdCtx) IsInit() bool { return c.isInit }

// IsSocket reports whether the fd is a socket.
func (c *FdCtx) IsSocket() bool { return c.isSocket }

// IsClosed reports whether the fd went through a hooked close.
func (c *FdCtx) IsClosed() bool { return c.closed.Load() }

// SetClosed marks the fd closed.
func (c *FdCtx) SetClosed(v bool) { c.closed.Store(v) }

// SysNonblock reports whether the runtime forced O_NONBLOCK on the fd.
func (c *FdCtx) SysNonblock() bool { return c.sysNonblock.Load() }

// SetSysNonblock records the kernel-side nonblocking mode.
func (c *FdCtx) SetSysNonblock(v bool) { c.sysNonblock.Store(v) }

// UserNonblock reports whether the application itself asked for O_NONBLOCK.
func (c *FdCtx) UserNonblock() bool { return c.userNonblock.Load() }

// SetUserNonblock records the application's view of O_NONBLOCK.
func (c *FdCtx) SetUserNonblock(v bool) { c.userNonblock.Store(v) }

// Timeout returns the deadline for kind, NoTimeout when unset.
func (c *FdCtx) Timeout(kind TimeoutKind) time.Duration {
	if kind == RecvTimeout {
		return time.Duration(c.recvTimeout.Load())
	}
	return time.Duration(c.sendTimeout.Load())
}

// SetTimeout sets the deadline for kind. Zero or negative durations clear it,
// matching SO_RCVTIMEO/SO_SNDTIMEO where a zero timeval means forever.
func (c *FdCtx) SetTimeout(kind TimeoutKind, d time.Duration) {
	if d <= 0 {
		d = NoTimeout
	}
	if kind == RecvTimeout {
		c.recvTimeout.Store(int64(d))
		return
	}
	c.sendTimeout.Store(int64(d))
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithCapacity sets the initial table size and its growth factor.
func WithCapacity(initial int, growth float64) Option {
	return func(m *Manager) {
		if initial > 0 {
			m.initial = initial
		}
		if growth > 1 {
			m.growth = growth
		}
	}
}

// Manager is the fd-indexed table of FdCtx entries.
type Manager struct {
	mu      sync.RWMutex
	sys     Syscalls
	log     *zap.Logger
	initial int
	growth  float64
	table   []*FdCtx
}

// New creates a manager classifying fds through sys.
func New(sys Syscalls, opts ...Option) *Manager {
	m := &Manager{sys: sys, initial: 64, growth: 1.5}
	for _, o := range opts {
		o(m)
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	m.log = m.log.Named("fdmanager")
	m.table = make([]*FdCtx, m.initial)
	return m
}

// Get returns the entry of fd. With autoCreate a missing entry is created
// and initialised; otherwise nil is returned for unknown fds.
func (m *Manager) Get(fd int, autoCreate bool) *FdCtx {
	if fd < 0 {
		return nil
	}
	m.mu.RLock()
	if fd < len(m.table) {
		if c := m.table[fd]; c != nil || !autoCreate {
			m.mu.RUnlock()
			return c
		}
	} else if !autoCreate {
		m.mu.RUnlock()
		return nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if fd >= len(m.table) {
		size := int(float64(fd) * m.growth)
		if size <= fd {
			size = fd + 1
		}
		grown := make([]*FdCtx, size)
		copy(grown, m.table)
		m.table = grown
	}
	// Another caller may have created it between the two locks.
	if c := m.table[fd]; c != nil {
		return c
	}
	c := newFdCtx(fd, m.sys, m.log)
	m.table[fd] = c
	return c
}

// Del drops the entry of fd. The fd itself is not closed.
func (m *Manager) Del(fd int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fd < 0 || fd >= len(m.table) {
		return
	}
	m.table[fd] = nil
}

// Len returns the current table capacity.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.table)
}

// Count returns the number of live entries.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, c := range m.table {
		if c != nil {
			n++
		}
	}
	return n
}
