// File: affinity/affinity.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral API for CPU affinity. Platform-specific implementations are located
// in separate files guarded by build tags.

package affinity

import "errors"

// ErrNotSupported is returned where thread pinning is unavailable.
var ErrNotSupported = errors.New("affinity: not supported on this platform")

// SetAffinity pins the calling OS thread to a logical CPU. The caller must
// already hold the thread with runtime.LockOSThread, otherwise the pin is
// applied to whatever thread the goroutine happens to run on.
func SetAffinity(cpuID int) error {
	if cpuID < 0 {
		return errors.New("affinity: negative cpu id")
	}
	return setAffinityPlatform(cpuID)
}

// CPUFor maps a worker index round-robin onto the CPUs the process may run
// on.
func CPUFor(worker int) int {
	cpus := allowedCPUs()
	if len(cpus) == 0 {
		return 0
	}
	if worker < 0 {
		worker = -worker
	}
	return cpus[worker%len(cpus)]
}

func cpuRange(n int) []int {
	cpus := make([]int, n)
	for i := range cpus {
		cpus[i] = i
	}
	return cpus
}
