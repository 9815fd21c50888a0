package fiber_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-fiber/fiber"
)

// assertConserved checks the pool against the number of fibers the test
// itself still holds, independent of the pool's own lease counter.
func assertConserved(t *testing.T, p *fiber.Pool, outstanding int) {
	t.Helper()
	assert.Equal(t, p.TotalCount(), p.IdleCount()+outstanding)
	assert.Equal(t, outstanding, p.LeasedCount())
}

func TestPoolAcquireRelease(t *testing.T) {
	p := fiber.NewPool(2, 1.5)
	defer p.Close()

	ran := false
	f := p.Acquire(func(context.Context) { ran = true })
	assert.Same(t, p, f.Pool())
	assert.Equal(t, 1, p.IdleCount())
	assert.Equal(t, 1, p.LeasedCount())
	assertConserved(t, p, 1)

	require.Equal(t, fiber.Term, f.Resume(context.Background()))
	assert.True(t, ran)

	p.Release(f)
	assert.Equal(t, 2, p.IdleCount())
	assert.Equal(t, 0, p.LeasedCount())
	assert.Equal(t, fiber.Ready, f.State())
	assertConserved(t, p, 0)
}

func TestPoolGrowsWhenEmpty(t *testing.T) {
	p := fiber.NewPool(2, 1.5)
	defer p.Close()

	var leased []*fiber.Fiber
	for i := 0; i < 3; i++ {
		leased = append(leased, p.Acquire(func(context.Context) {}))
	}
	// 2 -> ceil(2*1.5) = 3
	assert.Equal(t, 3, p.TotalCount())
	assertConserved(t, p, 3)

	leased = append(leased, p.Acquire(func(context.Context) {}))
	// 3 -> ceil(3*1.5) = 5
	assert.Equal(t, 5, p.TotalCount())
	assert.Equal(t, 4, p.LeasedCount())

	for _, f := range leased {
		f.Resume(context.Background())
		p.Release(f)
	}
	assert.Equal(t, 5, p.IdleCount())
	assertConserved(t, p, 0)
}

func TestPoolGrowsFromZero(t *testing.T) {
	p := fiber.NewPool(0, 1.5)
	defer p.Close()

	f := p.Acquire(func(context.Context) {})
	assert.Equal(t, 1, p.TotalCount())
	f.Resume(context.Background())
	p.Release(f)
}

func TestPoolReleaseSuspendedPanics(t *testing.T) {
	p := fiber.NewPool(1, 1.5)
	defer p.Close()

	f := p.Acquire(func(ctx context.Context) { fiber.FromContext(ctx).Suspend() })
	require.Equal(t, fiber.SuspendForIO, f.Resume(context.Background()))
	assert.Panics(t, func() { p.Release(f) })

	require.Equal(t, fiber.Term, f.Resume(context.Background()))
	p.Release(f)
	assertConserved(t, p, 0)
}

func TestPoolReleaseForeignPanics(t *testing.T) {
	p := fiber.NewPool(1, 1.5)
	defer p.Close()

	stray := fiber.New(func(context.Context) {})
	defer stray.Close()
	assert.Panics(t, func() { p.Release(stray) })
}

func TestPoolResizeEvictsIdleOnly(t *testing.T) {
	p := fiber.NewPool(4, 1.5)
	defer p.Close()

	a := p.Acquire(func(context.Context) {})
	b := p.Acquire(func(context.Context) {})

	p.Resize(0)
	assert.Equal(t, 2, p.TotalCount())
	assert.Equal(t, 0, p.IdleCount())
	assertConserved(t, p, 2)

	p.Resize(6)
	assert.Equal(t, 6, p.TotalCount())
	assert.Equal(t, 4, p.IdleCount())

	for _, f := range []*fiber.Fiber{a, b} {
		f.Resume(context.Background())
		p.Release(f)
	}
	assertConserved(t, p, 0)
}

func TestPoolCloseClosesLateReleases(t *testing.T) {
	p := fiber.NewPool(1, 1.5)

	f := p.Acquire(func(context.Context) {})
	p.Close()
	assert.Equal(t, 1, p.TotalCount())

	f.Resume(context.Background())
	p.Release(f)
	assert.Equal(t, 0, p.TotalCount())
	assert.Panics(t, func() { f.Resume(context.Background()) })
}

func TestPoolFibersCarryOptions(t *testing.T) {
	var setups atomic.Int32
	p := fiber.NewPool(2, 1.5, fiber.WithThreadSetup(func() { setups.Add(1) }))
	defer p.Close()

	for i := 0; i < 3; i++ {
		f := p.Acquire(func(context.Context) {})
		f.Resume(context.Background())
		p.Release(f)
	}
	f := p.Acquire(func(context.Context) {})
	g := p.Acquire(func(context.Context) {})
	f.Resume(context.Background())
	g.Resume(context.Background())
	p.Release(f)
	p.Release(g)

	assert.EqualValues(t, 2, setups.Load())
	assertConserved(t, p, 0)
}
