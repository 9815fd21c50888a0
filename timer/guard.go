// File: timer/guard.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package timer

import "sync/atomic"

// Guard gates a conditional timer. The timer only observes it; the operation
// that created it decides when it dies.
type Guard interface {
	Alive() bool
}

// Token is the stock Guard: alive from NewToken until Release.
type Token struct {
	released atomic.Bool
}

// NewToken returns a live token.
func NewToken() *Token { return &Token{} }

// Release invalidates the token. Timers guarded by it become no-ops.
func (t *Token) Release() { t.released.Store(true) }

// Alive reports whether Release has not been called yet.
func (t *Token) Alive() bool { return !t.released.Load() }
