// File: hook/syscalls.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package hook

import (
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-fiber/fdmanager"
)

// Syscalls is the native syscall provider behind every hooked call. Native
// delegates to the kernel; fake.Syscalls scripts results for tests.
type Syscalls interface {
	fdmanager.Syscalls

	Read(fd int, p []byte) (int, error)
	Write(fd int, p []byte) (int, error)
	Readv(fd int, iovs [][]byte) (int, error)
	Writev(fd int, iovs [][]byte) (int, error)
	Recvfrom(fd int, p []byte, flags int) (int, unix.Sockaddr, error)
	Recvmsg(fd int, p, oob []byte, flags int) (n, oobn, recvflags int, from unix.Sockaddr, err error)
	SendmsgN(fd int, p, oob []byte, to unix.Sockaddr, flags int) (int, error)

	Socket(domain, typ, proto int) (int, error)
	Connect(fd int, sa unix.Sockaddr) error
	Accept(fd int) (int, unix.Sockaddr, error)
	Close(fd int) error

	IoctlSetPointerInt(fd int, req uint, value int) error
	GetsockoptInt(fd, level, opt int) (int, error)
	SetsockoptInt(fd, level, opt, value int) error
	SetsockoptTimeval(fd, level, opt int, tv *unix.Timeval) error

	Nanosleep(req, rem *unix.Timespec) error
}
