// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package fake

import (
	"sync"

	"golang.org/x/sys/unix"
)

// FirstFd is the first descriptor number handed out by Syscalls.Socket.
const FirstFd = 1000

// Syscalls is a scriptable syscall provider. Every method records its call
// and delegates to the matching ...Fn field when set. Without a script the
// provider keeps just enough state to look like a kernel: sockets created by
// Socket or marked with MarkSocket are reported by Fstat, and F_GETFL/F_SETFL
// round-trip per fd. Data calls without a script fail with ENOSYS.
type Syscalls struct {
	mu      sync.Mutex
	calls   map[string]int
	flags   map[int]int
	kinds   map[int]uint32
	nextFd  int
	closed  map[int]bool
	sleeps  []unix.Timespec
	sockopt map[[3]int]int

	ReadFn               func(fd int, p []byte) (int, error)
	WriteFn              func(fd int, p []byte) (int, error)
	ReadvFn              func(fd int, iovs [][]byte) (int, error)
	WritevFn             func(fd int, iovs [][]byte) (int, error)
	RecvfromFn           func(fd int, p []byte, flags int) (int, unix.Sockaddr, error)
	RecvmsgFn            func(fd int, p, oob []byte, flags int) (int, int, int, unix.Sockaddr, error)
	SendmsgNFn           func(fd int, p, oob []byte, to unix.Sockaddr, flags int) (int, error)
	SocketFn             func(domain, typ, proto int) (int, error)
	ConnectFn            func(fd int, sa unix.Sockaddr) error
	AcceptFn             func(fd int) (int, unix.Sockaddr, error)
	CloseFn              func(fd int) error
	GetsockoptIntFn      func(fd, level, opt int) (int, error)
	SetsockoptTimevalFn  func(fd, level, opt int, tv *unix.Timeval) error
	IoctlSetPointerIntFn func(fd int, req uint, value int) error
}

// NewSyscalls creates an unscripted provider.
func NewSyscalls() *Syscalls {
	return &Syscalls{
		calls:   make(map[string]int),
		flags:   make(map[int]int),
		kinds:   make(map[int]uint32),
		closed:  make(map[int]bool),
		sockopt: make(map[[3]int]int),
		nextFd:  FirstFd,
	}
}

// MarkSocket makes Fstat report fd as a socket.
func (s *Syscalls) MarkSocket(fd int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kinds[fd] = unix.S_IFSOCK
}

// MarkFile makes Fstat report fd as a regular file.
func (s *Syscalls) MarkFile(fd int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kinds[fd] = unix.S_IFREG
}

// Calls returns how many times the named method was invoked.
func (s *Syscalls) Calls(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

// Flags returns the file status flags last stored for fd.
func (s *Syscalls) Flags(fd int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags[fd]
}

// Closed reports whether Close was called for fd.
func (s *Syscalls) Closed(fd int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed[fd]
}

// Sleeps returns every interval passed to Nanosleep.
func (s *Syscalls) Sleeps() []unix.Timespec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]unix.Timespec(nil), s.sleeps...)
}

func (s *Syscalls) record(name string) {
	s.mu.Lock()
	s.calls[name]++
	s.mu.Unlock()
}

func (s *Syscalls) Read(fd int, p []byte) (int, error) {
	s.record("read")
	if s.ReadFn != nil {
		return s.ReadFn(fd, p)
	}
	return -1, unix.ENOSYS
}

func (s *Syscalls) Write(fd int, p []byte) (int, error) {
	s.record("write")
	if s.WriteFn != nil {
		return s.WriteFn(fd, p)
	}
	return -1, unix.ENOSYS
}

func (s *Syscalls) Readv(fd int, iovs [][]byte) (int, error) {
	s.record("readv")
	if s.ReadvFn != nil {
		return s.ReadvFn(fd, iovs)
	}
	return -1, unix.ENOSYS
}

func (s *Syscalls) Writev(fd int, iovs [][]byte) (int, error) {
	s.record("writev")
	if s.WritevFn != nil {
		return s.WritevFn(fd, iovs)
	}
	return -1, unix.ENOSYS
}

func (s *Syscalls) Recvfrom(fd int, p []byte, flags int) (int, unix.Sockaddr, error) {
	s.record("recvfrom")
	if s.RecvfromFn != nil {
		return s.RecvfromFn(fd, p, flags)
	}
	return -1, nil, unix.ENOSYS
}

func (s *Syscalls) Recvmsg(fd int, p, oob []byte, flags int) (int, int, int, unix.Sockaddr, error) {
	s.record("recvmsg")
	if s.RecvmsgFn != nil {
		return s.RecvmsgFn(fd, p, oob, flags)
	}
	return -1, 0, 0, nil, unix.ENOSYS
}

func (s *Syscalls) SendmsgN(fd int, p, oob []byte, to unix.Sockaddr, flags int) (int, error) {
	s.record("sendmsg")
	if s.SendmsgNFn != nil {
		return s.SendmsgNFn(fd, p, oob, to, flags)
	}
	return -1, unix.ENOSYS
}

func (s *Syscalls) Socket(domain, typ, proto int) (int, error) {
	s.record("socket")
	if s.SocketFn != nil {
		return s.SocketFn(domain, typ, proto)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fd := s.nextFd
	s.nextFd++
	s.kinds[fd] = unix.S_IFSOCK
	s.flags[fd] = unix.O_RDWR
	return fd, nil
}

func (s *Syscalls) Connect(fd int, sa unix.Sockaddr) error {
	s.record("connect")
	if s.ConnectFn != nil {
		return s.ConnectFn(fd, sa)
	}
	return nil
}

func (s *Syscalls) Accept(fd int) (int, unix.Sockaddr, error) {
	s.record("accept")
	if s.AcceptFn != nil {
		return s.AcceptFn(fd)
	}
	return -1, nil, unix.ENOSYS
}

func (s *Syscalls) Close(fd int) error {
	s.record("close")
	s.mu.Lock()
	s.closed[fd] = true
	s.mu.Unlock()
	if s.CloseFn != nil {
		return s.CloseFn(fd)
	}
	return nil
}

func (s *Syscalls) Fstat(fd int, st *unix.Stat_t) error {
	s.record("fstat")
	s.mu.Lock()
	defer s.mu.Unlock()
	kind, ok := s.kinds[fd]
	if !ok || s.closed[fd] {
		return unix.EBADF
	}
	*st = unix.Stat_t{Mode: kind}
	return nil
}

func (s *Syscalls) FcntlInt(fd uintptr, cmd, arg int) (int, error) {
	s.record("fcntl")
	s.mu.Lock()
	defer s.mu.Unlock()
	switch cmd {
	case unix.F_GETFL:
		return s.flags[int(fd)], nil
	case unix.F_SETFL:
		s.flags[int(fd)] = arg
		return 0, nil
	default:
		return 0, nil
	}
}

func (s *Syscalls) IoctlSetPointerInt(fd int, req uint, value int) error {
	s.record("ioctl")
	if s.IoctlSetPointerIntFn != nil {
		return s.IoctlSetPointerIntFn(fd, req, value)
	}
	return nil
}

func (s *Syscalls) GetsockoptInt(fd, level, opt int) (int, error) {
	s.record("getsockopt")
	if s.GetsockoptIntFn != nil {
		return s.GetsockoptIntFn(fd, level, opt)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sockopt[[3]int{fd, level, opt}], nil
}

func (s *Syscalls) SetsockoptInt(fd, level, opt, value int) error {
	s.record("setsockopt")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sockopt[[3]int{fd, level, opt}] = value
	return nil
}

func (s *Syscalls) SetsockoptTimeval(fd, level, opt int, tv *unix.Timeval) error {
	s.record("setsockopt")
	if s.SetsockoptTimevalFn != nil {
		return s.SetsockoptTimevalFn(fd, level, opt, tv)
	}
	return nil
}

func (s *Syscalls) Nanosleep(req, rem *unix.Timespec) error {
	s.record("nanosleep")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sleeps = append(s.sleeps, *req)
	return nil
}
