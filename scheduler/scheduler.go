// File: scheduler/scheduler.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// N:M scheduler: a FIFO task queue shared by a fixed set of workers, each of
// which resumes fibers one at a time and falls back to an idle fiber when the
// queue has nothing for it.

package scheduler

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"go.uber.org/zap"

	"github.com/momentics/hioload-fiber/affinity"
	"github.com/momentics/hioload-fiber/control"
	"github.com/momentics/hioload-fiber/fiber"
)

// Driver supplies the parts of the worker loop that depend on what the
// workers wait for. The base scheduler is its own driver; the IOManager
// replaces it to block in the reactor instead.
type Driver interface {
	// Tickle wakes one idle worker.
	Tickle()
	// Idle is the body of every worker's idle fiber. It must Yield back to the
	// worker loop whenever work may be available and return once Stopping
	// holds; the worker exits when its idle fiber terminates.
	Idle(ctx context.Context)
	// Stopping reports whether the worker loops may exit.
	Stopping() bool
}

// Config configures a Scheduler.
type Config struct {
	Name    string
	Threads int
	// UseCaller counts the goroutine calling Stop as worker 0: it runs no
	// tasks until Stop, which then drains the queue on it.
	UseCaller bool
	PinCPUs   bool
	IdlePoll  time.Duration

	PoolSize   int
	PoolGrowth float64
}

// ConfigFrom maps the runtime config sections onto a scheduler Config.
func ConfigFrom(sc control.SchedulerConfig, pc control.PoolConfig) Config {
	return Config{
		Name:       sc.Name,
		Threads:    sc.Threads,
		UseCaller:  sc.UseCaller,
		PinCPUs:    sc.PinCPUs,
		IdlePoll:   sc.IdlePoll,
		PoolSize:   pc.InitialSize,
		PoolGrowth: pc.GrowthFactor,
	}
}

// Option configures optional collaborators.
type Option func(*Scheduler)

// WithLogger sets the logger; the scheduler names itself after Config.Name.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithMetrics enables prometheus counters.
func WithMetrics(m *control.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithBaseContext sets the context every worker context derives from.
func WithBaseContext(ctx context.Context) Option {
	return func(s *Scheduler) { s.base = ctx }
}

// Stats is a point-in-time snapshot of the scheduler.
type Stats struct {
	Name     string
	Workers  int
	Active   int
	Idle     int
	Queued   int
	Stopping bool
}

// Scheduler multiplexes fibers onto worker goroutines locked to OS threads.
type Scheduler struct {
	name    string
	cfg     Config
	driver  Driver
	log     *zap.Logger
	metrics *control.Metrics
	base    context.Context

	mu    sync.Mutex
	tasks *queue.Queue // of Task

	workers []*Worker
	root    *fiber.Fiber
	notify  chan struct{}

	active  atomic.Int32
	idle    atomic.Int32
	started atomic.Bool
	stop    atomic.Bool
	wg      sync.WaitGroup
}

// New creates a scheduler. A nil driver selects the base idle behaviour.
func New(cfg Config, driver Driver, opts ...Option) *Scheduler {
	if cfg.Threads <= 0 {
		cfg.Threads = 1
	}
	if cfg.Name == "" {
		cfg.Name = "fiber"
	}
	if cfg.IdlePoll <= 0 {
		cfg.IdlePoll = 100 * time.Millisecond
	}
	s := &Scheduler{
		name:   cfg.Name,
		cfg:    cfg,
		driver: driver,
		base:   context.Background(),
		tasks:  queue.New(),
		notify: make(chan struct{}, cfg.Threads),
	}
	if s.driver == nil {
		s.driver = s
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	s.log = s.log.Named(s.name)

	s.workers = make([]*Worker, cfg.Threads)
	for i := range s.workers {
		var fopts []fiber.Option
		if cfg.PinCPUs {
			fopts = append(fopts, fiber.WithThreadSetup(s.pinner(i)))
		}
		w := &Worker{
			ID:        i,
			Name:      fmt.Sprintf("%s_%d", s.name, i),
			sched:     s,
			pool:      fiber.NewPool(cfg.PoolSize, cfg.PoolGrowth, fopts...),
			root:      cfg.UseCaller && i == 0,
			fiberOpts: fopts,
		}
		w.ctx = context.WithValue(s.base, workerKey{}, w)
		s.workers[i] = w
	}
	return s
}

// Name returns the scheduler name.
func (s *Scheduler) Name() string { return s.name }

// Driver returns the active driver.
func (s *Scheduler) Driver() Driver { return s.driver }

// Logger returns the scheduler's named logger.
func (s *Scheduler) Logger() *zap.Logger { return s.log }

// Metrics returns the collectors, possibly nil.
func (s *Scheduler) Metrics() *control.Metrics { return s.metrics }

// Start launches the worker goroutines. In use-caller mode worker 0 is
// prepared as a root fiber that Stop runs.
func (s *Scheduler) Start() error {
	if s.stop.Load() {
		return ErrStopped
	}
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	for _, w := range s.workers {
		if w.root {
			w := w
			s.root = fiber.New(func(context.Context) { s.run(w) }, w.fiberOpts...)
			continue
		}
		s.wg.Add(1)
		go func(w *Worker) {
			defer s.wg.Done()
			s.run(w)
		}(w)
	}
	s.log.Info("scheduler started",
		zap.Int("threads", len(s.workers)),
		zap.Bool("use_caller", s.cfg.UseCaller))
	return nil
}

// pinner returns the thread setup of every fiber owned by worker: lock the
// fiber goroutine to its OS thread and pin that thread to the worker's CPU.
// The thread stays locked so it exits with the fiber goroutine instead of
// returning to the Go runtime with a narrowed mask.
func (s *Scheduler) pinner(worker int) func() {
	cpu := affinity.CPUFor(worker)
	name := fmt.Sprintf("%s_%d", s.name, worker)
	return func() {
		runtime.LockOSThread()
		if err := affinity.SetAffinity(cpu); err != nil {
			s.log.Warn("cpu pinning failed", zap.String("worker", name), zap.Int("cpu", cpu), zap.Error(err))
		}
	}
}

// Stop refuses new work, wakes every worker and waits until the queue is
// drained and every worker loop has returned. In use-caller mode the calling
// goroutine runs worker 0 until then.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	first := s.stop.CompareAndSwap(false, true)
	s.mu.Unlock()
	if !first {
		s.wg.Wait()
		return
	}
	s.log.Info("scheduler stopping")
	for range s.workers {
		s.driver.Tickle()
	}
	if s.root != nil {
		if st := s.root.Resume(context.Background()); st != fiber.Term {
			s.log.Error("root fiber did not terminate", zap.Stringer("state", st))
		}
		s.root.Close()
	}
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

// Schedule queues external work. It fails with ErrStopped once Stop began.
func (s *Scheduler) Schedule(t Task) error {
	if !t.valid() {
		return ErrInvalidTask
	}
	return s.push(t, true)
}

// Continue queues work the runtime already owns: a yielded fiber, an I/O
// waiter whose event fired, a timer callback. It is accepted during Stop so
// that in-flight work drains.
func (s *Scheduler) Continue(t Task) {
	if !t.valid() {
		panic(ErrInvalidTask)
	}
	_ = s.push(t, false)
}

// push appends t. External work is checked against stop under the queue lock,
// which Stop also takes, so an accepted task is always seen by Stopping.
func (s *Scheduler) push(t Task, external bool) error {
	s.mu.Lock()
	if external && s.stop.Load() {
		s.mu.Unlock()
		return ErrStopped
	}
	wasEmpty := s.tasks.Length() == 0
	s.tasks.Add(t)
	s.mu.Unlock()

	s.metrics.Inc(control.TasksScheduled)
	if wasEmpty {
		s.driver.Tickle()
	}
	return nil
}

// take removes the first task runnable on worker id. Tasks pinned elsewhere
// keep their relative order. tickle reports that another worker should look
// at the queue.
func (s *Scheduler) take(id int) (task Task, ok, tickle bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.tasks.Length()
	for i := 0; i < n; i++ {
		t := s.tasks.Remove().(Task)
		if !ok && (t.Thread == AnyThread || t.Thread == id) {
			task, ok = t, true
			continue
		}
		if t.Thread != AnyThread && t.Thread != id {
			tickle = true
		}
		s.tasks.Add(t)
	}
	if ok {
		s.active.Add(1)
		if s.tasks.Length() > 0 {
			tickle = true
		}
	}
	return task, ok, tickle
}

func (s *Scheduler) run(w *Worker) {
	log := s.log.With(zap.String("worker", w.Name))
	log.Debug("worker running")

	idle := fiber.New(s.driver.Idle, w.fiberOpts...)
	defer func() {
		idle.Close()
		w.pool.Close()
		log.Debug("worker exited")
	}()

	for {
		task, ok, tickle := s.take(w.ID)
		if tickle {
			s.driver.Tickle()
		}
		if ok {
			s.execute(w, log, task)
			continue
		}
		if idle.State() == fiber.Term {
			if r := idle.Recovered(); r != nil {
				log.Error("idle fiber panicked", zap.Any("panic", r))
			}
			return
		}
		s.idle.Add(1)
		idle.Resume(w.ctx)
		s.idle.Add(-1)
	}
}

func (s *Scheduler) execute(w *Worker, log *zap.Logger, t Task) {
	defer s.active.Add(-1)

	f := t.Fiber
	if f == nil {
		f = w.pool.Acquire(t.Func)
	}
	st := f.Resume(w.ctx)
	s.metrics.Inc(control.TasksExecuted)

	switch st {
	case fiber.Term:
		if r := f.Recovered(); r != nil {
			s.metrics.Inc(control.FiberPanics)
			log.Error("fiber panicked", zap.Uint64("fiber", f.ID()), zap.Any("panic", r))
		}
		if p := f.Pool(); p != nil {
			p.Release(f)
		} else {
			f.Close()
		}
	case fiber.SuspendForSchedule:
		s.Continue(FiberTask(f))
	case fiber.SuspendForIO:
		// Owned by the event or timer that will wake it.
	}
}

// Tickle is the base wakeup: it signals one idle worker.
func (s *Scheduler) Tickle() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Idle is the base idle fiber body: wait for a tickle or the poll interval,
// then hand control back to the worker loop.
func (s *Scheduler) Idle(ctx context.Context) {
	self := fiber.FromContext(ctx)
	t := time.NewTimer(s.cfg.IdlePoll)
	defer t.Stop()
	for !s.driver.Stopping() {
		select {
		case <-s.notify:
		case <-t.C:
		}
		t.Reset(s.cfg.IdlePoll)
		self.Yield()
	}
}

// Stopping is the base condition: Stop was requested, the queue is empty and
// no task is running.
func (s *Scheduler) Stopping() bool {
	if !s.stop.Load() {
		return false
	}
	s.mu.Lock()
	empty := s.tasks.Length() == 0
	s.mu.Unlock()
	return empty && s.active.Load() == 0
}

// HasIdleThreads reports whether some worker is parked in its idle fiber.
func (s *Scheduler) HasIdleThreads() bool { return s.idle.Load() > 0 }

// Stats returns a snapshot of queue and worker counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	queued := s.tasks.Length()
	s.mu.Unlock()
	return Stats{
		Name:     s.name,
		Workers:  len(s.workers),
		Active:   int(s.active.Load()),
		Idle:     int(s.idle.Load()),
		Queued:   queued,
		Stopping: s.stop.Load(),
	}
}
