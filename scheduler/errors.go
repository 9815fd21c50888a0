// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Error definitions for the scheduler.

package scheduler

import "errors"

var (
	// ErrStopped indicates Stop has begun and new work is refused.
	ErrStopped = errors.New("scheduler is stopped")

	// ErrAlreadyStarted indicates Start was called twice.
	ErrAlreadyStarted = errors.New("scheduler already started")

	// ErrInvalidTask indicates a task with neither a fiber nor a callback.
	ErrInvalidTask = errors.New("task has neither fiber nor callback")
)
