// File: iomanager/iomanager.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// IOManager is a Scheduler whose idle workers block in the readiness reactor
// instead of sleeping, and a TimerManager whose earliest deadline bounds that
// wait. Fibers register interest in one direction of an fd, suspend, and are
// re-queued exactly once when the reactor reports readiness or the
// registration is cancelled.

package iomanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/momentics/hioload-fiber/api"
	"github.com/momentics/hioload-fiber/control"
	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/reactor"
	"github.com/momentics/hioload-fiber/scheduler"
	"github.com/momentics/hioload-fiber/timer"
)

// Config configures an IOManager.
type Config struct {
	Scheduler       scheduler.Config
	MaxTimeout      time.Duration
	MaxEvents       int
	InitialContexts int
}

// ConfigFrom maps the runtime config onto an IOManager Config.
func ConfigFrom(c *control.Config) Config {
	return Config{
		Scheduler:       scheduler.ConfigFrom(c.Scheduler, c.Pool),
		MaxTimeout:      c.IO.MaxTimeout,
		MaxEvents:       c.IO.MaxEvents,
		InitialContexts: c.IO.InitialContexts,
	}
}

type options struct {
	log     *zap.Logger
	metrics *control.Metrics
	reactor api.Reactor
	clock   clock.Clock
	base    context.Context
}

// Option configures optional collaborators.
type Option func(*options)

// WithLogger sets the logger shared with the embedded scheduler.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithMetrics enables prometheus counters.
func WithMetrics(m *control.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithReactor replaces the epoll reactor, typically with fake.Reactor.
func WithReactor(r api.Reactor) Option {
	return func(o *options) { o.reactor = r }
}

// WithClock sets the timer clock.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithBaseContext sets the context worker contexts derive from.
func WithBaseContext(ctx context.Context) Option {
	return func(o *options) { o.base = ctx }
}

// IOManager unifies fd readiness and timers under one scheduler.
type IOManager struct {
	*scheduler.Scheduler
	*timer.Manager

	reactor    api.Reactor
	log        *zap.Logger
	metrics    *control.Metrics
	maxTimeout atomic.Int64
	maxEvents  int

	mu       sync.RWMutex
	contexts []*fdContext

	pending atomic.Int64
	closed  atomic.Bool
}

// New creates an IOManager. Workers are launched by Start.
func New(cfg Config, opts ...Option) (*IOManager, error) {
	o := options{clock: clock.New(), base: context.Background()}
	for _, fn := range opts {
		fn(&o)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = 5 * time.Second
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = reactor.DefaultMaxEvents
	}
	if cfg.InitialContexts <= 0 {
		cfg.InitialContexts = 32
	}
	if o.reactor == nil {
		r, err := reactor.New()
		if err != nil {
			return nil, err
		}
		o.reactor = r
	}

	m := &IOManager{
		reactor:   o.reactor,
		log:       o.log.Named("iomanager"),
		metrics:   o.metrics,
		maxEvents: cfg.MaxEvents,
	}
	m.maxTimeout.Store(int64(cfg.MaxTimeout))
	m.Manager = timer.NewManager(timer.WithClock(o.clock), timer.WithOnFront(m.Tickle))
	m.Scheduler = scheduler.New(cfg.Scheduler, m,
		scheduler.WithLogger(o.log),
		scheduler.WithMetrics(o.metrics),
		scheduler.WithBaseContext(o.base),
	)
	m.resize(cfg.InitialContexts)
	return m, nil
}

// FromContext returns the IOManager driving the calling worker, or nil.
func FromContext(ctx context.Context) *IOManager {
	w := scheduler.WorkerFromContext(ctx)
	if w == nil {
		return nil
	}
	m, _ := w.Driver().(*IOManager)
	return m
}

// MaxTimeout returns the cap on a single reactor wait.
func (m *IOManager) MaxTimeout() time.Duration {
	return time.Duration(m.maxTimeout.Load())
}

// SetMaxTimeout changes the cap on a single reactor wait; idle workers pick
// it up on their next wait.
func (m *IOManager) SetMaxTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	m.maxTimeout.Store(int64(d))
	m.Tickle()
}

// PendingEvents returns the number of armed directions across all fds.
func (m *IOManager) PendingEvents() int {
	return int(m.pending.Load())
}

// Armed returns the directions currently armed on fd.
func (m *IOManager) Armed(fd int) api.Event {
	c := m.lookup(fd, false)
	if c == nil {
		return api.EventNone
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events
}

// resize grows the context table to size entries. Must hold m.mu for writing
// or be called before the manager is shared.
func (m *IOManager) resize(size int) {
	if size <= len(m.contexts) {
		return
	}
	grown := make([]*fdContext, size)
	copy(grown, m.contexts)
	for i := len(m.contexts); i < size; i++ {
		grown[i] = &fdContext{fd: i}
	}
	m.contexts = grown
}

func (m *IOManager) lookup(fd int, create bool) *fdContext {
	if fd < 0 {
		return nil
	}
	m.mu.RLock()
	if fd < len(m.contexts) {
		c := m.contexts[fd]
		m.mu.RUnlock()
		return c
	}
	m.mu.RUnlock()
	if !create {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	size := fd + fd/2
	if size <= fd {
		size = fd + 1
	}
	m.resize(size)
	return m.contexts[fd]
}

func (m *IOManager) reactorError(op api.ReactorOp, fd int, ev api.Event, err error) error {
	m.log.Error("reactor control failed",
		zap.Stringer("op", op), zap.Int("fd", fd), zap.Stringer("events", ev), zap.Error(err))
	return api.NewError(api.ErrCodeReactor, "reactor control failed").
		WithContext("op", op.String()).
		WithContext("fd", fd).
		WithCause(err)
}

// AddEvent arms one direction of fd. With a nil cb the fiber running the
// caller (fiber.FromContext) becomes the waiter and must suspend right after.
// A direction that is already armed is rejected with ErrEventArmed.
func (m *IOManager) AddEvent(ctx context.Context, fd int, ev api.Event, cb fiber.Func) error {
	if ev != api.EventRead && ev != api.EventWrite {
		return ErrInvalidEvent
	}
	if fd < 0 {
		return fmt.Errorf("iomanager: fd %d: %w", fd, api.ErrInvalidArgument)
	}
	var waiter *fiber.Fiber
	if cb == nil {
		waiter = fiber.FromContext(ctx)
		if waiter == nil || waiter.State() != fiber.Running {
			panic(ErrNoFiber)
		}
	}

	c := m.lookup(fd, true)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.events&ev != 0 {
		return fmt.Errorf("iomanager: fd %d %s: %w", fd, ev, ErrEventArmed)
	}
	op := api.OpAdd
	if c.events != api.EventNone {
		op = api.OpModify
	}
	if err := m.reactor.Control(op, fd, c.events|ev); err != nil {
		return m.reactorError(op, fd, c.events|ev, err)
	}

	m.pending.Add(1)
	m.metrics.Inc(control.EventsArmed)
	m.metrics.AddPending(1)

	c.events |= ev
	ec := c.eventContext(ev)
	if !ec.empty() {
		panic(fmt.Sprintf("iomanager: fd %d %s has a stale waiter", fd, ev))
	}
	if cb != nil {
		ec.cb = cb
	} else {
		ec.fiber = waiter
	}
	return nil
}

// AddEventFunc is AddEvent with a plain callback.
func (m *IOManager) AddEventFunc(fd int, ev api.Event, cb func()) error {
	return m.AddEvent(context.Background(), fd, ev, callbackFunc(cb))
}

// DelEvent disarms one direction of fd without waking its waiter.
func (m *IOManager) DelEvent(fd int, ev api.Event) error {
	return m.disarm(fd, ev, false)
}

// CancelEvent disarms one direction of fd and wakes its waiter, which then
// observes whatever state the fd is in.
func (m *IOManager) CancelEvent(fd int, ev api.Event) error {
	return m.disarm(fd, ev, true)
}

func (m *IOManager) disarm(fd int, ev api.Event, wake bool) error {
	if ev != api.EventRead && ev != api.EventWrite {
		return ErrInvalidEvent
	}
	c := m.lookup(fd, false)
	if c == nil {
		return fmt.Errorf("iomanager: fd %d %s: %w", fd, ev, ErrEventNotArmed)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.events&ev == 0 {
		return fmt.Errorf("iomanager: fd %d %s: %w", fd, ev, ErrEventNotArmed)
	}
	left := c.events &^ ev
	op := api.OpDelete
	if left != api.EventNone {
		op = api.OpModify
	}
	if err := m.reactor.Control(op, fd, left); err != nil {
		return m.reactorError(op, fd, left, err)
	}

	m.pending.Add(-1)
	m.metrics.AddPending(-1)
	if wake {
		m.metrics.Inc(control.EventsCancelled)
		c.trigger(ev, m.Scheduler)
		return nil
	}
	c.events = left
	*c.eventContext(ev) = eventContext{}
	return nil
}

// CancelAll removes fd from the reactor and wakes every waiter on it.
func (m *IOManager) CancelAll(fd int) error {
	c := m.lookup(fd, false)
	if c == nil {
		return fmt.Errorf("iomanager: fd %d: %w", fd, ErrEventNotArmed)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.events == api.EventNone {
		return fmt.Errorf("iomanager: fd %d: %w", fd, ErrEventNotArmed)
	}
	if err := m.reactor.Control(api.OpDelete, fd, api.EventNone); err != nil {
		return m.reactorError(api.OpDelete, fd, c.events, err)
	}
	for _, ev := range []api.Event{api.EventRead, api.EventWrite} {
		if c.events&ev != 0 {
			m.pending.Add(-1)
			m.metrics.AddPending(-1)
			m.metrics.Inc(control.EventsCancelled)
			c.trigger(ev, m.Scheduler)
		}
	}
	return nil
}

// Tickle wakes a worker blocked in the reactor. Busy workers re-check the
// queue on their own, so nothing is written when none is idle.
func (m *IOManager) Tickle() {
	if !m.HasIdleThreads() {
		return
	}
	if err := m.reactor.Wake(); err != nil && !errors.Is(err, api.ErrClosed) {
		m.log.Warn("reactor wake failed", zap.Error(err))
		return
	}
	m.metrics.Inc(control.Tickles)
}

// Stopping holds once the scheduler drained and no timer or armed event
// could produce more work.
func (m *IOManager) Stopping() bool {
	return m.Scheduler.Stopping() && !m.HasTimer() && m.pending.Load() == 0
}

// Idle is the body of every worker's idle fiber: block in the reactor for at
// most min(next timer, MaxTimeout), queue due timer callbacks, trigger ready
// directions, then yield so the worker runs what was queued.
func (m *IOManager) Idle(ctx context.Context) {
	self := fiber.FromContext(ctx)
	events := make([]api.ReadyEvent, m.maxEvents)

	for !m.Stopping() {
		timeout := m.NextTimer()
		if limit := m.MaxTimeout(); timeout > limit {
			timeout = limit
		}
		n, err := m.reactor.Wait(events, timeout)
		if err != nil {
			if errors.Is(err, api.ErrClosed) {
				m.log.Error("reactor closed under a running worker")
				return
			}
			m.log.Error("reactor wait failed", zap.Error(err))
		}

		for _, cb := range m.ListExpired(nil) {
			m.metrics.Inc(control.TimersFired)
			m.Continue(scheduler.FuncTask(callbackFunc(cb)))
		}
		for i := 0; i < n; i++ {
			m.dispatch(events[i])
		}
		self.Yield()
	}
}

func (m *IOManager) dispatch(rev api.ReadyEvent) {
	c := m.lookup(rev.Fd, false)
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	got := rev.Events
	if got&(api.EventError|api.EventHangup) != 0 {
		got |= c.events & api.Directions
	}
	fired := got & c.events & api.Directions
	if fired == api.EventNone {
		return
	}
	left := c.events &^ fired
	op := api.OpDelete
	if left != api.EventNone {
		op = api.OpModify
	}
	if err := m.reactor.Control(op, rev.Fd, left); err != nil {
		m.log.Error("reactor re-arm failed",
			zap.Stringer("op", op), zap.Int("fd", rev.Fd), zap.Error(err))
		return
	}
	for _, ev := range []api.Event{api.EventRead, api.EventWrite} {
		if fired&ev != 0 {
			m.pending.Add(-1)
			m.metrics.AddPending(-1)
			m.metrics.Inc(control.EventsFired)
			c.trigger(ev, m.Scheduler)
		}
	}
}

// Close stops the scheduler and releases the reactor.
func (m *IOManager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.Stop()
	var errs error
	if n := m.pending.Load(); n != 0 {
		errs = multierr.Append(errs, fmt.Errorf("iomanager: %d events still armed at close", n))
	}
	return multierr.Append(errs, m.reactor.Close())
}
