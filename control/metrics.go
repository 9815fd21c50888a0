// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics collector for system-level monitoring.
// Counters are prometheus collectors registered on a private registry; every
// method is safe to call on a nil *Metrics so components can run without them.

package control

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the runtime's prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	TasksScheduled  prometheus.Counter
	TasksExecuted   prometheus.Counter
	FiberPanics     prometheus.Counter
	EventsArmed     prometheus.Counter
	EventsFired     prometheus.Counter
	EventsCancelled prometheus.Counter
	PendingEvents   prometheus.Gauge
	TimersFired     prometheus.Counter
	Tickles         prometheus.Counter
	HookSuspends    prometheus.Counter
	HookTimeouts    prometheus.Counter
}

// NewMetrics creates and registers all collectors under namespace.
func NewMetrics(namespace string) *Metrics {
	counter := func(subsystem, name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		})
	}
	m := &Metrics{
		registry:        prometheus.NewRegistry(),
		TasksScheduled:  counter("scheduler", "tasks_scheduled_total", "Tasks appended to the scheduler queue."),
		TasksExecuted:   counter("scheduler", "tasks_executed_total", "Fiber and callback tasks resumed by a worker."),
		FiberPanics:     counter("scheduler", "fiber_panics_total", "Fiber entry closures that terminated with a panic."),
		EventsArmed:     counter("iomanager", "events_armed_total", "Fd directions registered with the reactor."),
		EventsFired:     counter("iomanager", "events_fired_total", "Fd directions triggered by readiness."),
		EventsCancelled: counter("iomanager", "events_cancelled_total", "Fd directions triggered by cancellation."),
		PendingEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "iomanager",
			Name:      "pending_events",
			Help:      "Armed fd directions not yet triggered or deleted.",
		}),
		TimersFired:  counter("timer", "fired_total", "Expired timer callbacks dispatched."),
		Tickles:      counter("iomanager", "tickles_total", "Reactor wakeups written to the self-pipe."),
		HookSuspends: counter("hook", "suspends_total", "Hooked calls that suspended on would-block."),
		HookTimeouts: counter("hook", "timeouts_total", "Hooked calls that failed with ETIMEDOUT."),
	}
	m.registry.MustRegister(
		m.TasksScheduled, m.TasksExecuted, m.FiberPanics,
		m.EventsArmed, m.EventsFired, m.EventsCancelled, m.PendingEvents,
		m.TimersFired, m.Tickles, m.HookSuspends, m.HookTimeouts,
	)
	return m
}

// Registry exposes the registry for an HTTP handler or a gatherer.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Inc increments c when metrics are enabled.
func (m *Metrics) Inc(c func(*Metrics) prometheus.Counter) {
	if m == nil {
		return
	}
	c(m).Inc()
}

// AddPending moves the pending events gauge by delta.
func (m *Metrics) AddPending(delta float64) {
	if m == nil {
		return
	}
	m.PendingEvents.Add(delta)
}

// Counter selectors for Inc.
func TasksScheduled(m *Metrics) prometheus.Counter  { return m.TasksScheduled }
func TasksExecuted(m *Metrics) prometheus.Counter   { return m.TasksExecuted }
func FiberPanics(m *Metrics) prometheus.Counter     { return m.FiberPanics }
func EventsArmed(m *Metrics) prometheus.Counter     { return m.EventsArmed }
func EventsFired(m *Metrics) prometheus.Counter     { return m.EventsFired }
func EventsCancelled(m *Metrics) prometheus.Counter { return m.EventsCancelled }
func TimersFired(m *Metrics) prometheus.Counter     { return m.TimersFired }
func Tickles(m *Metrics) prometheus.Counter         { return m.Tickles }
func HookSuspends(m *Metrics) prometheus.Counter    { return m.HookSuspends }
func HookTimeouts(m *Metrics) prometheus.Counter    { return m.HookTimeouts }
