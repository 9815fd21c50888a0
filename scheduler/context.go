// File: scheduler/context.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package scheduler

import (
	"context"

	"github.com/momentics/hioload-fiber/fiber"
)

// Worker is the per-thread state of a scheduler: its id, its fiber pool and
// the context every fiber it resumes receives.
type Worker struct {
	ID    int
	Name  string
	sched *Scheduler
	pool  *fiber.Pool
	ctx   context.Context
	root  bool

	fiberOpts []fiber.Option
}

// Scheduler returns the scheduler the worker belongs to.
func (w *Worker) Scheduler() *Scheduler { return w.sched }

// Pool returns the worker's fiber pool.
func (w *Worker) Pool() *fiber.Pool { return w.pool }

// Driver returns the idle/tickle driver of the worker's scheduler.
func (w *Worker) Driver() Driver { return w.sched.driver }

type workerKey struct{}

// WorkerFromContext returns the worker running the caller, or nil outside the
// runtime.
func WorkerFromContext(ctx context.Context) *Worker {
	if ctx == nil {
		return nil
	}
	w, _ := ctx.Value(workerKey{}).(*Worker)
	return w
}

// FromContext returns the scheduler running the caller, or nil.
func FromContext(ctx context.Context) *Scheduler {
	if w := WorkerFromContext(ctx); w != nil {
		return w.sched
	}
	return nil
}
