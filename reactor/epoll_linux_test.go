//go:build linux

package reactor_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-fiber/api"
	"github.com/momentics/hioload-fiber/reactor"
)

func newReactor(t *testing.T) api.Reactor {
	t.Helper()
	r, err := reactor.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func newPipe(t *testing.T) (int, int) {
	t.Helper()
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() {
		unix.Close(p[0])
		unix.Close(p[1])
	})
	return p[0], p[1]
}

func TestWaitReportsReadReadiness(t *testing.T) {
	r := newReactor(t)
	rd, wr := newPipe(t)

	require.NoError(t, r.Control(api.OpAdd, rd, api.EventRead))
	_, err := unix.Write(wr, []byte("x"))
	require.NoError(t, err)

	buf := make([]api.ReadyEvent, 8)
	n, err := r.Wait(buf, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, rd, buf[0].Fd)
	assert.NotZero(t, buf[0].Events&api.EventRead)
}

func TestRegistrationIsEdgeTriggered(t *testing.T) {
	r := newReactor(t)
	rd, wr := newPipe(t)

	require.NoError(t, r.Control(api.OpAdd, rd, api.EventRead))
	_, err := unix.Write(wr, []byte("x"))
	require.NoError(t, err)

	buf := make([]api.ReadyEvent, 8)
	n, err := r.Wait(buf, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Nothing new arrived and nothing was read: no second notification.
	n, err = r.Wait(buf, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Re-arming reports the still pending data again.
	require.NoError(t, r.Control(api.OpModify, rd, api.EventRead))
	n, err = r.Wait(buf, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWakeIsNotReportedAsEvent(t *testing.T) {
	r := newReactor(t)

	done := make(chan int, 1)
	go func() {
		buf := make([]api.ReadyEvent, 8)
		n, err := r.Wait(buf, 10*time.Second)
		assert.NoError(t, err)
		done <- n
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, r.Wake())
	select {
	case n := <-done:
		assert.Zero(t, n)
	case <-time.After(5 * time.Second):
		t.Fatal("wake did not interrupt wait")
	}
}

func TestWakeIsIdempotentUnderLoad(t *testing.T) {
	r := newReactor(t)
	for i := 0; i < 100000; i++ {
		require.NoError(t, r.Wake())
	}
	buf := make([]api.ReadyEvent, 8)
	n, err := r.Wait(buf, time.Second)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWaitTimeout(t *testing.T) {
	r := newReactor(t)
	start := time.Now()
	n, err := r.Wait(make([]api.ReadyEvent, 1), 30*time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestHangupOnPeerClose(t *testing.T) {
	r := newReactor(t)
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])

	require.NoError(t, r.Control(api.OpAdd, fds[0], api.EventRead))
	require.NoError(t, unix.Close(fds[1]))

	buf := make([]api.ReadyEvent, 8)
	n, err := r.Wait(buf, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.NotZero(t, buf[0].Events&(api.EventHangup|api.EventRead))
}

func TestControlErrors(t *testing.T) {
	r := newReactor(t)
	rd, _ := newPipe(t)

	require.NoError(t, r.Control(api.OpAdd, rd, api.EventRead))
	err := r.Control(api.OpAdd, rd, api.EventRead)
	assert.ErrorIs(t, err, unix.EEXIST)

	require.NoError(t, r.Control(api.OpDelete, rd, api.EventNone))
	assert.ErrorIs(t, r.Control(api.OpModify, rd, api.EventRead), unix.ENOENT)
	assert.ErrorIs(t, r.Control(api.OpAdd, -1, api.EventRead), api.ErrInvalidArgument)
}

func TestCloseIsIdempotent(t *testing.T) {
	r, err := reactor.New()
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.ErrorIs(t, r.Wake(), api.ErrClosed)
	_, err = r.Wait(make([]api.ReadyEvent, 1), 0)
	assert.ErrorIs(t, err, api.ErrClosed)
}
