// File: facade/runtime.go
// Unified facade layer for hioload-fiber.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Runtime aggregates the components of the fiber runtime behind a single
// entry point: configuration store, logger, metrics, fd registry, IOManager
// (scheduler + timers + reactor) and the hooked syscall layer. Reloaded
// configuration is pushed to the live components through the store.

package facade

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/momentics/hioload-fiber/api"
	"github.com/momentics/hioload-fiber/control"
	"github.com/momentics/hioload-fiber/fdmanager"
	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/hook"
	"github.com/momentics/hioload-fiber/internal/logging"
	"github.com/momentics/hioload-fiber/iomanager"
	"github.com/momentics/hioload-fiber/scheduler"
)

type options struct {
	log     *zap.Logger
	reactor api.Reactor
	sys     hook.Syscalls
}

// Option overrides a collaborator the runtime would otherwise build itself.
type Option func(*options)

// WithLogger replaces the logger built from the log config section.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithReactor replaces the platform readiness backend.
func WithReactor(r api.Reactor) Option {
	return func(o *options) { o.reactor = r }
}

// WithSyscalls replaces the native syscall provider.
func WithSyscalls(s hook.Syscalls) Option {
	return func(o *options) { o.sys = s }
}

// Runtime is the main facade type.
type Runtime struct {
	store   *control.Store
	log     *zap.Logger
	metrics *control.Metrics
	probes  *control.DebugProbes
	fds     *fdmanager.Manager
	io      *iomanager.IOManager
	hooks   *hook.Hooks

	mu      sync.Mutex
	started bool
	stopped bool
}

// Ensure compliance with api.GracefulShutdown.
var _ api.GracefulShutdown = (*Runtime)(nil)

// New wires a runtime for cfg, or the defaults when cfg is nil. Workers are
// not launched until Start.
func New(cfg *control.Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		cfg = control.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("facade: invalid config: %w", err)
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.log == nil {
		l, err := logging.New(cfg.Log)
		if err != nil {
			return nil, err
		}
		o.log = l
	}
	if o.sys == nil {
		o.sys = hook.Native()
		if o.sys == nil {
			return nil, fmt.Errorf("facade: native syscalls: %w", api.ErrNotSupported)
		}
	}

	rt := &Runtime{
		store:  control.NewStore(cfg),
		log:    o.log,
		probes: control.NewDebugProbes(),
	}
	if cfg.Metrics.Enabled {
		rt.metrics = control.NewMetrics(cfg.Metrics.Namespace)
	}

	rt.fds = fdmanager.New(o.sys,
		fdmanager.WithLogger(rt.log),
		fdmanager.WithCapacity(cfg.FD.InitialCapacity, cfg.FD.GrowthFactor),
	)

	ioOpts := []iomanager.Option{
		iomanager.WithLogger(rt.log),
		iomanager.WithMetrics(rt.metrics),
		iomanager.WithBaseContext(hook.WithEnabled(context.Background(), cfg.Hook.Enabled)),
	}
	if o.reactor != nil {
		ioOpts = append(ioOpts, iomanager.WithReactor(o.reactor))
	}
	io, err := iomanager.New(iomanager.ConfigFrom(cfg), ioOpts...)
	if err != nil {
		return nil, fmt.Errorf("facade: iomanager: %w", err)
	}
	rt.io = io

	rt.hooks = hook.New(o.sys, rt.fds,
		hook.WithLogger(rt.log),
		hook.WithMetrics(rt.metrics),
		hook.WithConnectTimeout(cfg.Hook.ConnectTimeout),
		hook.WithMaxEINTRRetries(cfg.Hook.MaxEINTRRetries),
	)

	rt.store.OnReload(rt.apply)
	rt.registerProbes()
	return rt, nil
}

// apply pushes the tunables that can change on a live runtime.
func (rt *Runtime) apply(cfg *control.Config) {
	rt.io.SetMaxTimeout(cfg.IO.MaxTimeout)
	rt.hooks.SetConnectTimeout(cfg.Hook.ConnectTimeout)
	rt.log.Info("configuration reloaded",
		zap.Duration("max_timeout", cfg.IO.MaxTimeout),
		zap.Duration("connect_timeout", cfg.Hook.ConnectTimeout),
	)
}

func (rt *Runtime) registerProbes() {
	rt.probes.RegisterProbe("scheduler", func() any { return rt.io.Stats() })
	rt.probes.RegisterProbe("iomanager.pending_events", func() any { return rt.io.PendingEvents() })
	rt.probes.RegisterProbe("iomanager.max_timeout", func() any { return rt.io.MaxTimeout().String() })
	rt.probes.RegisterProbe("timers.pending", func() any { return rt.io.HasTimer() })
	rt.probes.RegisterProbe("fdmanager.registered", func() any { return rt.fds.Count() })
	control.RegisterPlatformProbes(rt.probes)
}

// Start launches the worker threads. Subsequent calls have no effect.
func (rt *Runtime) Start() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.stopped {
		return scheduler.ErrStopped
	}
	if rt.started {
		return nil
	}
	if err := rt.io.Start(); err != nil {
		return err
	}
	rt.started = true
	rt.log.Info("runtime started",
		zap.String("name", rt.io.Name()),
		zap.Int("threads", rt.io.Stats().Workers),
	)
	return nil
}

// Stop drains queued work, waits for pending timers and armed events, then
// releases the reactor. Calling Stop twice is a no-op.
func (rt *Runtime) Stop() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.stopped {
		return nil
	}
	rt.stopped = true
	err := rt.io.Close()
	rt.log.Info("runtime stopped", zap.Error(err))
	_ = rt.log.Sync()
	return err
}

// Shutdown implements api.GracefulShutdown by delegating to Stop().
func (rt *Runtime) Shutdown() error {
	return rt.Stop()
}

// Go runs fn in a fiber on any worker.
func (rt *Runtime) Go(fn fiber.Func) error {
	return rt.io.Schedule(scheduler.FuncTask(fn))
}

// GoOn runs fn in a fiber on worker thread.
func (rt *Runtime) GoOn(thread int, fn fiber.Func) error {
	return rt.io.Schedule(scheduler.FuncTask(fn).On(thread))
}

// Schedule enqueues a prepared task.
func (rt *Runtime) Schedule(t scheduler.Task) error {
	return rt.io.Schedule(t)
}

// Reconfigure applies fn to the active configuration and pushes the result
// to the running components. Sizing fields only take effect on a new runtime.
func (rt *Runtime) Reconfigure(fn func(*control.Config)) error {
	return rt.store.Update(fn)
}

// Config returns a copy of the active configuration.
func (rt *Runtime) Config() *control.Config { return rt.store.Snapshot() }

// OnReload registers fn to run after every successful Reconfigure.
func (rt *Runtime) OnReload(fn func(*control.Config)) { rt.store.OnReload(fn) }

// IO returns the IOManager driving the workers.
func (rt *Runtime) IO() *iomanager.IOManager { return rt.io }

// Hooks returns the hooked syscall layer.
func (rt *Runtime) Hooks() *hook.Hooks { return rt.hooks }

// Fds returns the fd registry.
func (rt *Runtime) Fds() *fdmanager.Manager { return rt.fds }

// Metrics returns the collectors, nil when metrics are disabled.
func (rt *Runtime) Metrics() *control.Metrics { return rt.metrics }

// Logger returns the runtime logger.
func (rt *Runtime) Logger() *zap.Logger { return rt.log }

// Probes returns the debug probe registry for custom probes.
func (rt *Runtime) Probes() *control.DebugProbes { return rt.probes }

// DumpState evaluates every debug probe.
func (rt *Runtime) DumpState() map[string]any { return rt.probes.DumpState() }
