//go:build linux

package iomanager_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-fiber/api"
	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/iomanager"
	"github.com/momentics/hioload-fiber/scheduler"
)

func TestEpollReadinessResumesFiber(t *testing.T) {
	m, err := iomanager.New(testConfig(2))
	require.NoError(t, err)
	require.NoError(t, m.Start())

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	got := make(chan string, 1)
	require.NoError(t, m.Schedule(scheduler.FuncTask(func(ctx context.Context) {
		buf := make([]byte, 16)
		for {
			n, err := unix.Read(fds[0], buf)
			if err == unix.EAGAIN {
				if !assert.NoError(t, m.AddEvent(ctx, fds[0], api.EventRead, nil)) {
					return
				}
				fiber.FromContext(ctx).Suspend()
				continue
			}
			if !assert.NoError(t, err) {
				return
			}
			got <- string(buf[:n])
			return
		}
	})))

	time.Sleep(20 * time.Millisecond)
	_, err = unix.Write(fds[1], []byte("ping"))
	require.NoError(t, err)

	select {
	case s := <-got:
		assert.Equal(t, "ping", s)
	case <-time.After(2 * time.Second):
		t.Fatal("fiber not resumed by epoll readiness")
	}
	require.NoError(t, m.Close())
}
