package iomanager_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-fiber/api"
	"github.com/momentics/hioload-fiber/fake"
	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/iomanager"
	"github.com/momentics/hioload-fiber/scheduler"
)

func testConfig(threads int) iomanager.Config {
	return iomanager.Config{
		Scheduler: scheduler.Config{
			Name:       "io",
			Threads:    threads,
			IdlePoll:   5 * time.Millisecond,
			PoolSize:   4,
			PoolGrowth: 1.5,
		},
		MaxTimeout:      20 * time.Millisecond,
		MaxEvents:       16,
		InitialContexts: 8,
	}
}

func newFake(t *testing.T, threads int) (*iomanager.IOManager, *fake.Reactor) {
	t.Helper()
	r := fake.NewReactor()
	m, err := iomanager.New(testConfig(threads), iomanager.WithReactor(r))
	require.NoError(t, err)
	return m, r
}

func TestSingleRegistrationPerDirection(t *testing.T) {
	m, r := newFake(t, 1)

	require.NoError(t, m.AddEventFunc(5, api.EventRead, func() {}))
	err := m.AddEventFunc(5, api.EventRead, func() {})
	assert.ErrorIs(t, err, iomanager.ErrEventArmed)

	require.NoError(t, m.AddEventFunc(5, api.EventWrite, func() {}))
	assert.Equal(t, 2, m.PendingEvents())
	assert.Equal(t, api.EventRead|api.EventWrite, m.Armed(5))

	assert.Equal(t, []fake.ControlOp{
		{Op: api.OpAdd, Fd: 5, Events: api.EventRead},
		{Op: api.OpModify, Fd: 5, Events: api.EventRead | api.EventWrite},
	}, r.Ops())

	require.NoError(t, m.DelEvent(5, api.EventRead))
	require.NoError(t, m.DelEvent(5, api.EventWrite))
	assert.Zero(t, m.PendingEvents())
	assert.ErrorIs(t, m.DelEvent(5, api.EventRead), iomanager.ErrEventNotArmed)
	require.NoError(t, m.Close())
}

func TestDelEventDoesNotWake(t *testing.T) {
	m, r := newFake(t, 1)
	require.NoError(t, m.Start())

	var called atomic.Bool
	require.NoError(t, m.AddEventFunc(9, api.EventRead, func() { called.Store(true) }))
	require.NoError(t, m.DelEvent(9, api.EventRead))

	ops := r.Ops()
	assert.Equal(t, fake.ControlOp{Op: api.OpDelete, Fd: 9, Events: api.EventNone}, ops[len(ops)-1])
	require.NoError(t, m.Close())
	assert.False(t, called.Load())
}

func TestInvalidEvent(t *testing.T) {
	m, _ := newFake(t, 1)
	assert.ErrorIs(t, m.AddEventFunc(3, api.EventRead|api.EventWrite, func() {}), iomanager.ErrInvalidEvent)
	assert.ErrorIs(t, m.CancelEvent(3, api.EventError), iomanager.ErrInvalidEvent)
	assert.ErrorIs(t, m.CancelAll(3), iomanager.ErrEventNotArmed)
	assert.ErrorIs(t, m.CancelAll(100000), iomanager.ErrEventNotArmed)
	require.NoError(t, m.Close())
}

func TestAddEventWithoutFiberPanics(t *testing.T) {
	m, _ := newFake(t, 1)
	assert.Panics(t, func() {
		_ = m.AddEvent(context.Background(), 4, api.EventRead, nil)
	})
	assert.Zero(t, m.PendingEvents())
	require.NoError(t, m.Close())
}

func TestReactorErrorIsStructured(t *testing.T) {
	m, r := newFake(t, 1)
	r.ControlErr = func(api.ReactorOp, int, api.Event) error { return unix.EPERM }

	err := m.AddEventFunc(6, api.EventRead, func() {})
	require.Error(t, err)
	var apiErr *api.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, api.ErrCodeReactor, apiErr.Code)
	assert.ErrorIs(t, err, unix.EPERM)
	assert.Equal(t, api.EventNone, m.Armed(6))
	assert.Zero(t, m.PendingEvents())

	r.ControlErr = nil
	require.NoError(t, m.Close())
}

func TestReadinessTriggersExactlyOnce(t *testing.T) {
	m, r := newFake(t, 2)
	require.NoError(t, m.Start())

	var fired atomic.Int32
	require.NoError(t, m.AddEventFunc(7, api.EventRead, func() { fired.Add(1) }))

	r.Inject(7, api.EventRead)
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, time.Millisecond)

	r.Inject(7, api.EventRead)
	time.Sleep(30 * time.Millisecond)
	assert.EqualValues(t, 1, fired.Load())
	assert.Equal(t, api.EventNone, m.Armed(7))
	assert.Zero(t, m.PendingEvents())
	require.NoError(t, m.Close())
}

func TestPartialReadinessRearmsTheRest(t *testing.T) {
	m, r := newFake(t, 1)
	require.NoError(t, m.Start())

	var reads, writes atomic.Int32
	require.NoError(t, m.AddEventFunc(8, api.EventRead, func() { reads.Add(1) }))
	require.NoError(t, m.AddEventFunc(8, api.EventWrite, func() { writes.Add(1) }))

	r.Inject(8, api.EventWrite)
	require.Eventually(t, func() bool { return writes.Load() == 1 }, time.Second, time.Millisecond)
	assert.Zero(t, reads.Load())
	assert.Equal(t, api.EventRead, m.Armed(8))
	interest, ok := r.Interest(8)
	require.True(t, ok)
	assert.Equal(t, api.EventRead, interest)

	require.NoError(t, m.CancelEvent(8, api.EventRead))
	require.Eventually(t, func() bool { return reads.Load() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, m.Close())
}

func TestHangupWakesEveryArmedDirection(t *testing.T) {
	m, r := newFake(t, 1)
	require.NoError(t, m.Start())

	var woke atomic.Int32
	require.NoError(t, m.AddEventFunc(11, api.EventRead, func() { woke.Add(1) }))
	require.NoError(t, m.AddEventFunc(11, api.EventWrite, func() { woke.Add(1) }))

	r.Inject(11, api.EventHangup)
	require.Eventually(t, func() bool { return woke.Load() == 2 }, time.Second, time.Millisecond)
	_, registered := r.Interest(11)
	assert.False(t, registered)
	require.NoError(t, m.Close())
}

func TestCancelAllWakesBoth(t *testing.T) {
	m, r := newFake(t, 1)
	require.NoError(t, m.Start())

	var woke atomic.Int32
	require.NoError(t, m.AddEventFunc(12, api.EventRead, func() { woke.Add(1) }))
	require.NoError(t, m.AddEventFunc(12, api.EventWrite, func() { woke.Add(1) }))

	require.NoError(t, m.CancelAll(12))
	require.Eventually(t, func() bool { return woke.Load() == 2 }, time.Second, time.Millisecond)
	assert.Zero(t, m.PendingEvents())
	assert.ErrorIs(t, m.CancelAll(12), iomanager.ErrEventNotArmed)

	ops := r.Ops()
	assert.Equal(t, api.OpDelete, ops[len(ops)-1].Op)
	require.NoError(t, m.Close())
}

func TestFiberWaiterIsResumed(t *testing.T) {
	m, r := newFake(t, 2)
	require.NoError(t, m.Start())

	armed := make(chan struct{})
	var resumed atomic.Bool
	require.NoError(t, m.Schedule(scheduler.FuncTask(func(ctx context.Context) {
		assert.Same(t, m, iomanager.FromContext(ctx))
		err := iomanager.FromContext(ctx).AddEvent(ctx, 13, api.EventRead, nil)
		close(armed)
		if !assert.NoError(t, err) {
			return
		}
		fiber.FromContext(ctx).Suspend()
		resumed.Store(true)
	})))

	<-armed
	time.Sleep(10 * time.Millisecond)
	assert.False(t, resumed.Load())

	r.Inject(13, api.EventRead)
	require.Eventually(t, resumed.Load, time.Second, time.Millisecond)
	require.NoError(t, m.Close())
}

func TestTimersRunAsTasks(t *testing.T) {
	m, _ := newFake(t, 1)
	require.NoError(t, m.Start())

	done := make(chan struct{})
	start := time.Now()
	m.AddTimer(15*time.Millisecond, func() { close(done) }, false)
	select {
	case <-done:
		assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
	require.NoError(t, m.Close())
}

func TestStopWaitsForArmedEvents(t *testing.T) {
	m, r := newFake(t, 1)
	require.NoError(t, m.Start())

	var fired atomic.Bool
	require.NoError(t, m.AddEventFunc(14, api.EventRead, func() { fired.Store(true) }))

	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("stop returned with an armed event")
	case <-time.After(50 * time.Millisecond):
	}

	r.Inject(14, api.EventRead)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return after the event fired")
	}
	assert.True(t, fired.Load())
	require.NoError(t, m.Close())
}

func TestTickleOnlyWhenIdle(t *testing.T) {
	m, r := newFake(t, 1)
	m.Tickle()
	assert.Zero(t, r.Wakes())
	require.NoError(t, m.Close())
}

func TestSetMaxTimeout(t *testing.T) {
	m, _ := newFake(t, 1)
	m.SetMaxTimeout(time.Second)
	assert.Equal(t, time.Second, m.MaxTimeout())
	m.SetMaxTimeout(0)
	assert.Equal(t, time.Second, m.MaxTimeout())
	require.NoError(t, m.Close())
}
