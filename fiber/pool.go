// File: fiber/pool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Per-worker pool that recycles fibers (and their parked goroutines) so that
// callback tasks do not pay for a fresh stack each time.

package fiber

import (
	"fmt"
	"math"
	"sync"

	"github.com/eapache/queue"
)

// DefaultGrowthFactor is the multiplier applied to the pool size when an
// Acquire finds no idle fiber.
const DefaultGrowthFactor = 1.5

// Pool recycles fibers. Each scheduler worker owns one; fibers remember their
// pool so Release always returns them to the pool that leased them.
type Pool struct {
	mu     sync.Mutex
	growth float64
	idle   *queue.Queue // of *Fiber, FIFO: acquire from the head, release to the tail
	all    map[*Fiber]struct{}
	opts   []Option
	closed bool
}

// NewPool creates a pool pre-populated with size idle fibers. A growth factor
// of 1 or less falls back to DefaultGrowthFactor. opts apply to every fiber
// the pool creates.
func NewPool(size int, growth float64, opts ...Option) *Pool {
	if growth <= 1 {
		growth = DefaultGrowthFactor
	}
	p := &Pool{
		growth: growth,
		opts:   opts,
		idle:   queue.New(),
		all:    make(map[*Fiber]struct{}, size),
	}
	p.createFibers(size)
	return p
}

// Acquire leases an idle fiber rearmed with fn, growing the pool when empty.
func (p *Pool) Acquire(fn Func) *Fiber {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.idle.Length() == 0 {
		total := len(p.all)
		grown := int(math.Ceil(float64(total) * p.growth))
		if grown <= total {
			grown = total + 1
		}
		p.createFibers(grown - total)
	}
	f := p.idle.Remove().(*Fiber)
	f.Reset(fn)
	return f
}

// Release returns a terminated fiber to the idle queue. Releasing a fiber that
// is still running or suspended is a programming error and panics: a fiber
// parked on I/O is owned by its pending event or timer.
func (p *Pool) Release(f *Fiber) {
	st := f.State()
	if st != Term && st != Ready {
		panic(fmt.Sprintf("fiber pool: release of %s", f))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.all[f]; !ok {
		panic(fmt.Sprintf("fiber pool: release of foreign %s", f))
	}
	if p.closed {
		delete(p.all, f)
		f.Close()
		return
	}
	f.Reset(nil)
	p.idle.Add(f)
}

// Resize grows the pool to n entries, or shrinks it by evicting idle fibers
// only; leased fibers are never evicted, so the result may stay above n.
func (p *Pool) Resize(n int) {
	if n < 0 {
		n = 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	total := len(p.all)
	switch {
	case n > total:
		p.createFibers(n - total)
	case n < total:
		for remove := total - n; remove > 0 && p.idle.Length() > 0; remove-- {
			f := p.idle.Remove().(*Fiber)
			delete(p.all, f)
			f.Close()
		}
	}
}

// IdleCount returns the number of fibers available for Acquire.
func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idle.Length()
}

// TotalCount returns idle plus leased fibers.
func (p *Pool) TotalCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.all)
}

// LeasedCount returns fibers acquired and not yet released.
func (p *Pool) LeasedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.all) - p.idle.Length()
}

// Close stops every idle fiber. Fibers still leased are closed when they are
// released.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for p.idle.Length() > 0 {
		f := p.idle.Remove().(*Fiber)
		delete(p.all, f)
		f.Close()
	}
}

func (p *Pool) createFibers(count int) {
	for i := 0; i < count; i++ {
		f := New(nil, p.opts...)
		f.owner = p
		p.idle.Add(f)
		p.all[f] = struct{}{}
	}
}
