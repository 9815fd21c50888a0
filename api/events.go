// File: api/events.go
// Package api defines core event types for hioload-fiber.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

import "strings"

// Event is a bitmask of readiness directions and conditions.
// Read and Write are the only directions a waiter may arm; Error and Hangup
// are reported by a Reactor alongside them.
type Event uint32

const (
	EventNone  Event = 0
	EventRead  Event = 1 << 0
	EventWrite Event = 1 << 1

	EventError  Event = 1 << 2
	EventHangup Event = 1 << 3
)

// Directions masks the armable bits of an Event.
const Directions = EventRead | EventWrite

func (e Event) String() string {
	if e == EventNone {
		return "NONE"
	}
	var parts []string
	if e&EventRead != 0 {
		parts = append(parts, "READ")
	}
	if e&EventWrite != 0 {
		parts = append(parts, "WRITE")
	}
	if e&EventError != 0 {
		parts = append(parts, "ERROR")
	}
	if e&EventHangup != 0 {
		parts = append(parts, "HUP")
	}
	return strings.Join(parts, "|")
}
