//go:build linux

// File: hook/native_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package hook

import "golang.org/x/sys/unix"

type native struct{}

// Native returns the provider that issues real system calls.
func Native() Syscalls { return native{} }

func (native) Fstat(fd int, st *unix.Stat_t) error { return unix.Fstat(fd, st) }

func (native) FcntlInt(fd uintptr, cmd, arg int) (int, error) { return unix.FcntlInt(fd, cmd, arg) }

func (native) Read(fd int, p []byte) (int, error) { return unix.Read(fd, p) }

func (native) Write(fd int, p []byte) (int, error) { return unix.Write(fd, p) }

func (native) Readv(fd int, iovs [][]byte) (int, error) { return unix.Readv(fd, iovs) }

func (native) Writev(fd int, iovs [][]byte) (int, error) { return unix.Writev(fd, iovs) }

func (native) Recvfrom(fd int, p []byte, flags int) (int, unix.Sockaddr, error) {
	return unix.Recvfrom(fd, p, flags)
}

func (native) Recvmsg(fd int, p, oob []byte, flags int) (int, int, int, unix.Sockaddr, error) {
	return unix.Recvmsg(fd, p, oob, flags)
}

func (native) SendmsgN(fd int, p, oob []byte, to unix.Sockaddr, flags int) (int, error) {
	return unix.SendmsgN(fd, p, oob, to, flags)
}

func (native) Socket(domain, typ, proto int) (int, error) { return unix.Socket(domain, typ, proto) }

func (native) Connect(fd int, sa unix.Sockaddr) error { return unix.Connect(fd, sa) }

func (native) Accept(fd int) (int, unix.Sockaddr, error) {
	return unix.Accept4(fd, unix.SOCK_CLOEXEC)
}

func (native) Close(fd int) error { return unix.Close(fd) }

func (native) IoctlSetPointerInt(fd int, req uint, value int) error {
	return unix.IoctlSetPointerInt(fd, req, value)
}

func (native) GetsockoptInt(fd, level, opt int) (int, error) {
	return unix.GetsockoptInt(fd, level, opt)
}

func (native) SetsockoptInt(fd, level, opt, value int) error {
	return unix.SetsockoptInt(fd, level, opt, value)
}

func (native) SetsockoptTimeval(fd, level, opt int, tv *unix.Timeval) error {
	return unix.SetsockoptTimeval(fd, level, opt, tv)
}

func (native) Nanosleep(req, rem *unix.Timespec) error { return unix.Nanosleep(req, rem) }

// FIONBIO is the ioctl request toggling O_NONBLOCK on Linux.
const FIONBIO = 0x5421
