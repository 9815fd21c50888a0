//go:build !linux

// File: affinity/affinity_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for unsupported platforms.

package affinity

import "runtime"

func setAffinityPlatform(cpuID int) error {
	return ErrNotSupported
}

func allowedCPUs() []int {
	return cpuRange(runtime.NumCPU())
}
