//go:build !linux

// File: hook/native_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package hook

// Native has no kernel provider outside Linux; callers must supply one.
func Native() Syscalls { return nil }

// FIONBIO is the BSD-family ioctl request toggling O_NONBLOCK.
const FIONBIO = 0x8004667e
