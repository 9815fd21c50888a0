package fake_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-fiber/api"
	"github.com/momentics/hioload-fiber/fake"
)

func TestReactorFollowsEpollRules(t *testing.T) {
	r := fake.NewReactor()
	assert.ErrorIs(t, r.Control(api.OpModify, 3, api.EventRead), unix.ENOENT)
	require.NoError(t, r.Control(api.OpAdd, 3, api.EventRead))
	assert.ErrorIs(t, r.Control(api.OpAdd, 3, api.EventWrite), unix.EEXIST)
	require.NoError(t, r.Control(api.OpModify, 3, api.EventRead|api.EventWrite))

	ev, ok := r.Interest(3)
	require.True(t, ok)
	assert.Equal(t, api.EventRead|api.EventWrite, ev)

	require.NoError(t, r.Control(api.OpDelete, 3, api.EventNone))
	_, ok = r.Interest(3)
	assert.False(t, ok)
	assert.Len(t, r.Ops(), 5)
}

func TestReactorWaitAndWake(t *testing.T) {
	r := fake.NewReactor()
	events := make([]api.ReadyEvent, 4)

	n, err := r.Wait(events, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, n)

	go func() {
		time.Sleep(5 * time.Millisecond)
		_ = r.Wake()
	}()
	n, err = r.Wait(events, -1)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, r.Wakes())

	r.Inject(7, api.EventWrite)
	n, err = r.Wait(events, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, api.ReadyEvent{Fd: 7, Events: api.EventWrite}, events[0])

	require.NoError(t, r.Close())
	_, err = r.Wait(events, -1)
	assert.ErrorIs(t, err, api.ErrClosed)
	assert.ErrorIs(t, r.Control(api.OpAdd, 1, api.EventRead), api.ErrClosed)
}

func TestSyscallsDefaults(t *testing.T) {
	s := fake.NewSyscalls()
	fd, err := s.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	assert.Equal(t, fake.FirstFd, fd)

	var st unix.Stat_t
	require.NoError(t, s.Fstat(fd, &st))
	assert.EqualValues(t, unix.S_IFSOCK, st.Mode&unix.S_IFMT)
	assert.ErrorIs(t, s.Fstat(fd+1, &st), unix.EBADF)

	_, err = s.FcntlInt(uintptr(fd), unix.F_SETFL, unix.O_RDWR|unix.O_NONBLOCK)
	require.NoError(t, err)
	assert.Equal(t, unix.O_RDWR|unix.O_NONBLOCK, s.Flags(fd))

	_, err = s.Read(fd, nil)
	assert.ErrorIs(t, err, unix.ENOSYS)

	require.NoError(t, s.Close(fd))
	assert.True(t, s.Closed(fd))
	assert.ErrorIs(t, s.Fstat(fd, &st), unix.EBADF)
	assert.Equal(t, 1, s.Calls("read"))
}
