// File: api/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Defines the abstract interface for the edge-triggered readiness multiplexer
// the IOManager blocks in while a worker has nothing else to run.

package api

import "time"

// ReactorOp selects how a Control call changes the interest set of an fd.
type ReactorOp int

const (
	OpAdd ReactorOp = iota
	OpModify
	OpDelete
)

func (op ReactorOp) String() string {
	switch op {
	case OpAdd:
		return "ADD"
	case OpModify:
		return "MOD"
	case OpDelete:
		return "DEL"
	default:
		return "UNKNOWN"
	}
}

// ReadyEvent is one readiness notification returned by Wait.
type ReadyEvent struct {
	Fd     int
	Events Event
}

// Reactor is an edge-triggered readiness multiplexer.
//
// Registrations are edge-triggered: after a notification the interest for a
// direction must be re-armed explicitly, and implementations substituting
// another OS primitive must keep that behaviour.
type Reactor interface {
	// Control adds, modifies or deletes the interest set of fd. For OpDelete
	// the events argument is ignored.
	Control(op ReactorOp, fd int, events Event) error

	// Wait blocks until at least one registered fd is ready, Wake is called,
	// or timeout elapses. A negative timeout blocks indefinitely. Interrupted
	// waits are retried internally. Wakeups are never reported as events.
	Wait(events []ReadyEvent, timeout time.Duration) (int, error)

	// Wake breaks one blocked Wait out of the kernel.
	Wake() error

	// Close releases the multiplexer and its wakeup channel.
	Close() error
}
