// File: timer/timer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package timer

import (
	"container/heap"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Infinite is returned by NextTimer when no timer is pending.
const Infinite time.Duration = math.MaxInt64

// Timer is a single heap entry. All fields are guarded by the manager lock.
type Timer struct {
	mgr       *Manager
	deadline  time.Time
	interval  time.Duration
	recurring bool
	cb        func()
	guard     Guard
	cancelled bool
	seq       uint64
	index     int // position in the heap, -1 once popped
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock, typically with clock.NewMock in tests.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithOnFront installs the hook invoked, outside the lock, when a newly
// inserted timer becomes the earliest one. It fires at most once between two
// NextTimer calls.
func WithOnFront(fn func()) Option {
	return func(m *Manager) { m.onFront = fn }
}

// Manager is a mutex-guarded min-heap of timers ordered by deadline, ties
// broken by insertion order. Cancellation is lazy: cancelled entries stay in
// the heap until they reach the root.
type Manager struct {
	mu      sync.Mutex
	clock   clock.Clock
	heap    timerHeap
	seq     uint64
	live    int
	tickled bool
	onFront func()
}

// NewManager creates an empty timer manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{clock: clock.New()}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Clock returns the manager's time source.
func (m *Manager) Clock() clock.Clock { return m.clock }

// AddTimer schedules cb to run after d, and every d afterwards when recurring.
func (m *Manager) AddTimer(d time.Duration, cb func(), recurring bool) *Timer {
	return m.add(d, cb, nil, recurring)
}

// AddConditionTimer is AddTimer gated on guard: once guard is no longer alive
// the timer is dropped without running cb.
func (m *Manager) AddConditionTimer(d time.Duration, cb func(), guard Guard, recurring bool) *Timer {
	return m.add(d, cb, guard, recurring)
}

func (m *Manager) add(d time.Duration, cb func(), guard Guard, recurring bool) *Timer {
	if d < 0 {
		d = 0
	}
	t := &Timer{
		mgr:       m,
		interval:  d,
		recurring: recurring,
		cb:        cb,
		guard:     guard,
		index:     -1,
	}
	m.mu.Lock()
	t.deadline = m.clock.Now().Add(d)
	m.insertLocked(t)
	front := t.index == 0 && !m.tickled
	if front {
		m.tickled = true
	}
	m.mu.Unlock()

	if front && m.onFront != nil {
		m.onFront()
	}
	return t
}

func (m *Manager) insertLocked(t *Timer) {
	m.seq++
	t.seq = m.seq
	heap.Push(&m.heap, t)
	m.live++
}

// NextTimer returns the time until the earliest live timer, zero when it is
// already due, or Infinite when none is pending.
func (m *Manager) NextTimer() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tickled = false
	for len(m.heap) > 0 && m.heap[0].cancelled {
		heap.Pop(&m.heap)
	}
	if len(m.heap) == 0 {
		return Infinite
	}
	d := m.heap[0].deadline.Sub(m.clock.Now())
	if d < 0 {
		return 0
	}
	return d
}

// ListExpired appends the callbacks of every timer due at or before now to out
// and returns the extended slice. Recurring timers are re-inserted at now plus
// their interval. Conditional timers whose guard died are dropped; those still
// alive get a callback that re-checks the guard when it finally runs.
func (m *Manager) ListExpired(out []func()) []func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	var again []*Timer
	for len(m.heap) > 0 && !m.heap[0].deadline.After(now) {
		t := heap.Pop(&m.heap).(*Timer)
		if t.cancelled {
			continue
		}
		if t.guard != nil && !t.guard.Alive() {
			t.cancelled = true
			m.live--
			continue
		}
		out = append(out, t.callback())
		if t.recurring {
			t.deadline = now.Add(t.interval)
			again = append(again, t)
		} else {
			m.live--
		}
	}
	for _, t := range again {
		m.live--
		m.insertLocked(t)
	}
	return out
}

// HasTimer reports whether any live timer is pending.
func (m *Manager) HasTimer() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live > 0
}

func (t *Timer) callback() func() {
	cb, guard := t.cb, t.guard
	if guard == nil {
		return cb
	}
	return func() {
		if guard.Alive() {
			cb()
		}
	}
}

// Cancel stops the timer. It returns false when the timer already fired (one
// shot) or was cancelled before.
func (t *Timer) Cancel() bool {
	m := t.mgr
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.cancelled || t.index < 0 {
		return false
	}
	t.cancelled = true
	t.cb = nil
	m.live--
	return true
}

// Refresh pushes the deadline to now plus the interval.
func (t *Timer) Refresh() bool {
	m := t.mgr
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.cancelled || t.index < 0 {
		return false
	}
	t.deadline = m.clock.Now().Add(t.interval)
	heap.Fix(&m.heap, t.index)
	return true
}

// Reset changes the interval to d. With fromNow the new deadline counts from
// the current time, otherwise from the original start of the period.
func (t *Timer) Reset(d time.Duration, fromNow bool) bool {
	m := t.mgr
	m.mu.Lock()

	if t.cancelled || t.index < 0 {
		m.mu.Unlock()
		return false
	}
	if d == t.interval && !fromNow {
		m.mu.Unlock()
		return true
	}
	start := t.deadline.Add(-t.interval)
	if fromNow {
		start = m.clock.Now()
	}
	t.interval = d
	t.deadline = start.Add(d)
	heap.Fix(&m.heap, t.index)
	front := t.index == 0 && !m.tickled
	if front {
		m.tickled = true
	}
	m.mu.Unlock()

	if front && m.onFront != nil {
		m.onFront()
	}
	return true
}

// timerHeap implements heap.Interface over deadlines.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
