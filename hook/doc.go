// Package hook turns blocking POSIX calls into cooperative suspensions.
//
// Each hooked call has the shape of its POSIX counterpart and reports errno
// as a returned unix.Errno. Inside a runtime worker with hooking enabled, a
// call on a socket that would block registers interest with the worker's
// IOManager, suspends the calling fiber and retries once the fd is ready or
// its timeout fires. Everywhere else the native provider is called directly.
package hook
