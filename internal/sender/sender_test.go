package sender

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ocx/connector/internal/clienttable"
	"github.com/ocx/connector/internal/consumer"
	"github.com/ocx/connector/internal/ident"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// socketPair returns one end of a connected unix socket pair as a raw
// non-blocking fd, and the other end as a *net.UnixConn on the test side to
// read what was written.
func socketPair(t *testing.T) (fd int, peer *net.UnixConn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))

	f := os.NewFile(uintptr(fds[1]), "")
	conn, err := net.FileConn(f)
	require.NoError(t, err)
	_ = f.Close()
	uc, ok := conn.(*net.UnixConn)
	require.True(t, ok)
	return fds[0], uc
}

func TestSendClientWritesFullBuffer(t *testing.T) {
	tbl := clienttable.New(1)
	rec := tbl.Recruit()
	fd, peer := socketPair(t)
	defer peer.Close()
	rec.Fd = fd
	id := tbl.Insert(rec)

	s := New(tbl, func(int) {}, consumer.NewRecorder(), discardLogger())
	s.SendClient(id, []byte("hello\n"))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()

	buf := make([]byte, 16)
	peer.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	n, err := peer.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(buf[:n]))

	cancel()
	<-done
}

func TestSendClientUnresolvedIDNotifiesStratifier(t *testing.T) {
	tbl := clienttable.New(1)
	rec := consumer.NewRecorder()
	s := New(tbl, func(int) {}, rec, discardLogger())

	s.SendClient(999, []byte("{}\n"))

	assert.Equal(t, []uint64{999}, rec.Drops)
}

func TestSendClientPassthroughResolvesParent(t *testing.T) {
	tbl := clienttable.New(1)
	parent := tbl.Recruit()
	fd, peer := socketPair(t)
	defer peer.Close()
	parent.Fd = fd
	parentID := tbl.Insert(parent)

	s := New(tbl, func(int) {}, consumer.NewRecorder(), discardLogger())
	subID := ident.Encode(uint32(parentID), 7)
	s.SendClient(subID, []byte("{\"client_id\":7}\n"))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go s.Run(ctx)

	buf := make([]byte, 64)
	peer.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	n, err := peer.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "{\"client_id\":7}\n", string(buf[:n]))
}
