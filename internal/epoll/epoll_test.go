package epoll

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestWaitReportsReadyFD(t *testing.T) {
	p, err := Open()
	require.NoError(t, err)
	defer p.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	require.NoError(t, p.Add(fds[0], 42, EventIn))

	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)

	events, err := p.Wait(time.Second)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(42), events[0].Data)
	assert.NotZero(t, events[0].Flags&EventIn)
}

func TestWaitTimesOutWithNoActivity(t *testing.T) {
	p, err := Open()
	require.NoError(t, err)
	defer p.Close()

	start := time.Now()
	events, err := p.Wait(50 * time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestWakeInterruptsBlockedWait(t *testing.T) {
	p, err := Open()
	require.NoError(t, err)
	defer p.Close()

	done := make(chan struct{})
	go func() {
		events, err := p.Wait(5 * time.Second)
		assert.NoError(t, err)
		assert.Empty(t, events)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.Wake())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Wake")
	}
}

func TestRemoveStopsReporting(t *testing.T) {
	p, err := Open()
	require.NoError(t, err)
	defer p.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	require.NoError(t, p.Add(fds[0], 7, EventIn))
	require.NoError(t, p.Remove(fds[0]))

	_, err = unix.Write(fds[1], []byte("y"))
	require.NoError(t, err)

	events, err := p.Wait(50 * time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, events)
}
