package connector

import (
	"context"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ocx/connector/internal/config"
	"github.com/ocx/connector/internal/consumer"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResolveListenAddrIPv4(t *testing.T) {
	sa, family, err := resolveListenAddr("127.0.0.1:0")
	require.NoError(t, err)
	assert.Equal(t, unix.AF_INET, family)
	_, ok := sa.(*unix.SockaddrInet4)
	assert.True(t, ok)
}

func TestResolveListenAddrWildcard(t *testing.T) {
	sa, family, err := resolveListenAddr(":0")
	require.NoError(t, err)
	assert.Equal(t, unix.AF_INET, family)
	_, ok := sa.(*unix.SockaddrInet4)
	assert.True(t, ok)
}

func TestBindListenersReturnsOneFDPerAddr(t *testing.T) {
	fds, err := bindListeners([]string{"127.0.0.1:0", "127.0.0.1:0"}, 16, 0, time.Millisecond, discardLogger())
	require.NoError(t, err)
	defer func() {
		for _, fd := range fds {
			_ = unix.Close(fd)
		}
	}()
	assert.Len(t, fds, 2)
	for _, fd := range fds {
		assert.GreaterOrEqual(t, fd, 0)
	}
}

func TestConnectorAcceptsAndForwardsFrame(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		Listeners:         []string{"127.0.0.1:0"},
		MaxClients:        8,
		ControlSocketPath: filepath.Join(dir, "control.sock"),
		BindRetries:       0,
		BindRetryInterval: time.Millisecond,
		ListenBacklog:     16,
	}

	strat := consumer.NewRecorder()
	gen := consumer.NewRecorder()

	c, err := New(cfg, discardLogger(), Options{Stratifier: strat, Generator: gen})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)

	la, err := unix.Getsockname(c.listenerFDs[0])
	require.NoError(t, err)
	inet4, ok := la.(*unix.SockaddrInet4)
	require.True(t, ok)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(inet4.Port)))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(`{"hello":"world"}` + "\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(strat.Snapshot()) == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
