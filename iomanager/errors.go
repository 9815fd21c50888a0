// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Error definitions for the IOManager.

package iomanager

import "errors"

var (
	// ErrEventArmed indicates the (fd, direction) pair already has a waiter.
	ErrEventArmed = errors.New("event already armed")

	// ErrEventNotArmed indicates there is nothing registered to delete or cancel.
	ErrEventNotArmed = errors.New("event not armed")

	// ErrInvalidEvent indicates a direction other than exactly read or write.
	ErrInvalidEvent = errors.New("event must be exactly one of read or write")

	// ErrNoFiber indicates AddEvent without a callback outside a running fiber.
	ErrNoFiber = errors.New("add event without callback requires a running fiber")
)
