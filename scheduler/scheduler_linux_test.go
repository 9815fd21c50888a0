//go:build linux

package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-fiber/affinity"
	"github.com/momentics/hioload-fiber/scheduler"
)

func TestPinnedWorkerRunsEveryFiberOnItsCPU(t *testing.T) {
	s := scheduler.New(scheduler.Config{
		Name:       "pinned",
		Threads:    1,
		IdlePoll:   5 * time.Millisecond,
		PoolSize:   2,
		PoolGrowth: 1.5,
		PinCPUs:    true,
	}, nil)
	require.NoError(t, s.Start())

	cpu := affinity.CPUFor(0)
	masks := make(chan unix.CPUSet, 16)
	for i := 0; i < cap(masks); i++ {
		require.NoError(t, s.Schedule(scheduler.FuncTask(func(context.Context) {
			var set unix.CPUSet
			if err := unix.SchedGetaffinity(0, &set); err == nil {
				masks <- set
			}
		})))
	}
	s.Stop()
	close(masks)

	n := 0
	for set := range masks {
		n++
		assert.Equal(t, 1, set.Count())
		assert.True(t, set.IsSet(cpu))
	}
	assert.Equal(t, 16, n)
}
