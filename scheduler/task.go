// File: scheduler/task.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package scheduler

import "github.com/momentics/hioload-fiber/fiber"

// AnyThread lets any worker pick a task up.
const AnyThread = -1

// Task is one unit of work: either an existing fiber to resume or a callback
// that will run on a pooled fiber. Thread pins it to a worker id.
type Task struct {
	Fiber  *fiber.Fiber
	Func   fiber.Func
	Thread int
}

// FiberTask resumes f on any worker.
func FiberTask(f *fiber.Fiber) Task {
	return Task{Fiber: f, Thread: AnyThread}
}

// FuncTask runs fn on a pooled fiber of any worker.
func FuncTask(fn fiber.Func) Task {
	return Task{Func: fn, Thread: AnyThread}
}

// On pins the task to worker id.
func (t Task) On(thread int) Task {
	t.Thread = thread
	return t
}

func (t Task) valid() bool {
	return t.Fiber != nil || t.Func != nil
}
