// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral helpers shared by the reactor implementations.

package reactor

import (
	"math"
	"time"
)

// DefaultMaxEvents bounds how many readiness notifications one Wait returns.
const DefaultMaxEvents = 256

// timeoutMillis converts a wait timeout to the millisecond argument of the
// kernel call: -1 blocks indefinitely, partial milliseconds round up so a
// short timer is never reported as due early.
func timeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	if d >= time.Duration(math.MaxInt32)*time.Millisecond {
		return math.MaxInt32
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}
