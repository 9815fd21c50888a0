package scheduler_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-fiber/control"
	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/scheduler"
)

func newScheduler(t *testing.T, threads int, opts ...scheduler.Option) *scheduler.Scheduler {
	t.Helper()
	return scheduler.New(scheduler.Config{
		Name:       "test",
		Threads:    threads,
		IdlePoll:   5 * time.Millisecond,
		PoolSize:   4,
		PoolGrowth: 1.5,
	}, nil, opts...)
}

func TestStopDrainsQueuedTasks(t *testing.T) {
	s := newScheduler(t, 3)

	var done atomic.Int32
	for i := 0; i < 200; i++ {
		require.NoError(t, s.Schedule(scheduler.FuncTask(func(context.Context) {
			done.Add(1)
		})))
	}
	require.NoError(t, s.Start())
	s.Stop()

	assert.EqualValues(t, 200, done.Load())
	assert.Zero(t, s.Stats().Queued)
	assert.Zero(t, s.Stats().Active)
}

func TestScheduleAfterStopIsRejected(t *testing.T) {
	s := newScheduler(t, 1)
	require.NoError(t, s.Start())
	s.Stop()

	assert.ErrorIs(t, s.Schedule(scheduler.FuncTask(func(context.Context) {})), scheduler.ErrStopped)
	assert.ErrorIs(t, s.Start(), scheduler.ErrStopped)
}

func TestStartTwice(t *testing.T) {
	s := newScheduler(t, 1)
	require.NoError(t, s.Start())
	defer s.Stop()
	assert.ErrorIs(t, s.Start(), scheduler.ErrAlreadyStarted)
}

func TestInvalidTask(t *testing.T) {
	s := newScheduler(t, 1)
	assert.ErrorIs(t, s.Schedule(scheduler.Task{Thread: scheduler.AnyThread}), scheduler.ErrInvalidTask)
	assert.Panics(t, func() { s.Continue(scheduler.Task{}) })
}

func TestYieldedFiberIsRequeued(t *testing.T) {
	s := newScheduler(t, 2)
	require.NoError(t, s.Start())

	var steps atomic.Int32
	require.NoError(t, s.Schedule(scheduler.FuncTask(func(ctx context.Context) {
		self := fiber.FromContext(ctx)
		for i := 0; i < 3; i++ {
			steps.Add(1)
			self.Yield()
		}
		steps.Add(1)
	})))
	s.Stop()
	assert.EqualValues(t, 4, steps.Load())
}

func TestThreadAffinity(t *testing.T) {
	s := newScheduler(t, 3)
	require.NoError(t, s.Start())

	var mu sync.Mutex
	seen := map[int]int{}
	for i := 0; i < 30; i++ {
		require.NoError(t, s.Schedule(scheduler.FuncTask(func(ctx context.Context) {
			w := scheduler.WorkerFromContext(ctx)
			mu.Lock()
			seen[w.ID]++
			mu.Unlock()
		}).On(1)))
	}
	s.Stop()

	assert.Equal(t, map[int]int{1: 30}, seen)
}

func TestSuspendedFiberResumedByContinue(t *testing.T) {
	s := newScheduler(t, 2)
	require.NoError(t, s.Start())

	parked := make(chan *fiber.Fiber, 1)
	var finished atomic.Bool
	require.NoError(t, s.Schedule(scheduler.FuncTask(func(ctx context.Context) {
		self := fiber.FromContext(ctx)
		parked <- self
		self.Suspend()
		finished.Store(true)
	})))

	f := <-parked
	require.Eventually(t, func() bool { return f.State() == fiber.SuspendForIO }, time.Second, time.Millisecond)
	assert.False(t, finished.Load())

	s.Continue(scheduler.FiberTask(f))
	s.Stop()
	assert.True(t, finished.Load())
}

func TestPanickingTaskDoesNotKillWorker(t *testing.T) {
	m := control.NewMetrics("test")
	s := newScheduler(t, 1, scheduler.WithMetrics(m))
	require.NoError(t, s.Start())

	var after atomic.Bool
	require.NoError(t, s.Schedule(scheduler.FuncTask(func(context.Context) { panic("boom") })))
	require.NoError(t, s.Schedule(scheduler.FuncTask(func(context.Context) { after.Store(true) })))
	s.Stop()

	assert.True(t, after.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FiberPanics))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.TasksExecuted))
}

func TestUseCallerRunsOnStop(t *testing.T) {
	s := scheduler.New(scheduler.Config{
		Threads:   1,
		UseCaller: true,
		IdlePoll:  5 * time.Millisecond,
	}, nil)
	require.NoError(t, s.Start())

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Schedule(scheduler.FuncTask(func(ctx context.Context) {
			assert.Equal(t, 0, scheduler.WorkerFromContext(ctx).ID)
			ran.Add(1)
		})))
	}
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, ran.Load())

	s.Stop()
	assert.EqualValues(t, 5, ran.Load())
}

func TestWorkerContext(t *testing.T) {
	type key struct{}
	base := context.WithValue(context.Background(), key{}, "base")
	s := newScheduler(t, 1, scheduler.WithBaseContext(base))
	require.NoError(t, s.Start())

	got := make(chan any, 1)
	var sched *scheduler.Scheduler
	require.NoError(t, s.Schedule(scheduler.FuncTask(func(ctx context.Context) {
		sched = scheduler.FromContext(ctx)
		got <- ctx.Value(key{})
	})))
	assert.Equal(t, "base", <-got)
	s.Stop()
	assert.Same(t, s, sched)
	assert.Nil(t, scheduler.WorkerFromContext(context.Background()))
}

func TestFreeStandingFiberClosedAtTerm(t *testing.T) {
	s := newScheduler(t, 1)
	require.NoError(t, s.Start())

	var ran atomic.Bool
	f := fiber.New(func(context.Context) { ran.Store(true) })
	require.NoError(t, s.Schedule(scheduler.FiberTask(f)))
	s.Stop()

	assert.True(t, ran.Load())
	assert.Equal(t, fiber.Term, f.State())
	assert.True(t, f.Closed())
}

func TestAcceptedTasksRunDespiteConcurrentStop(t *testing.T) {
	for i := 0; i < 50; i++ {
		s := newScheduler(t, 2)
		require.NoError(t, s.Start())

		var accepted, executed atomic.Int32
		var wg sync.WaitGroup
		for p := 0; p < 4; p++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					err := s.Schedule(scheduler.FuncTask(func(context.Context) { executed.Add(1) }))
					if err != nil {
						assert.ErrorIs(t, err, scheduler.ErrStopped)
						return
					}
					accepted.Add(1)
				}
			}()
		}
		time.Sleep(time.Millisecond)
		s.Stop()
		wg.Wait()

		require.Equal(t, accepted.Load(), executed.Load(), "iteration %d", i)
	}
}
