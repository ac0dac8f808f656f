// Package receiver implements the connector's single-goroutine,
// readiness-driven accept+read loop: it owns the event poller, accepts new
// TCP connections up to a configured capacity, reads and frames inbound
// JSON records, decorates them with identity metadata, and forwards them
// to the appropriate consumer.
package receiver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ocx/connector/internal/clienttable"
	"github.com/ocx/connector/internal/consumer"
	"github.com/ocx/connector/internal/epoll"
	"github.com/ocx/connector/internal/ident"
	"github.com/ocx/connector/internal/sender"
	"github.com/ocx/connector/internal/wire"
)

const pollTimeout = 1 * time.Second

// invalidJSONMessage is written back to a client, verbatim, before it is
// dropped for sending an unparseable frame.
const invalidJSONMessage = "Invalid JSON, disconnecting\n"

// Hooks lets the connector observe receiver events for metrics without the
// receiver importing the metrics package directly. Every field defaults to
// a no-op and may be left nil.
type Hooks struct {
	OnAccept     func()
	OnInvalidate func()
	OnForward    func(n int)
	OnParseError func()
}

func (h Hooks) accept() {
	if h.OnAccept != nil {
		h.OnAccept()
	}
}
func (h Hooks) invalidate() {
	if h.OnInvalidate != nil {
		h.OnInvalidate()
	}
}
func (h Hooks) forward(n int) {
	if h.OnForward != nil {
		h.OnForward(n)
	}
}
func (h Hooks) parseError() {
	if h.OnParseError != nil {
		h.OnParseError()
	}
}

// Receiver owns the poller and the accept/read event loop.
type Receiver struct {
	table       *clienttable.Table
	poller      *epoll.Poller
	listenerFDs []int
	maxClients  int

	processPassthrough bool
	stratifier         consumer.Sink
	generator          consumer.Sink
	sender             *sender.Runner
	log                *slog.Logger
	hooks              Hooks

	accepting atomic.Bool
}

// New constructs a Receiver. listenerFDs are raw, already-bound, already
// non-blocking listening sockets; their index in this slice is the value
// registered as their epoll user data, per the identifier-encoding
// convention that direct client ids start at len(listenerFDs).
func New(table *clienttable.Table, listenerFDs []int, maxClients int, processPassthrough bool,
	stratifier, generator consumer.Sink, snd *sender.Runner, log *slog.Logger, hooks Hooks) (*Receiver, error) {

	poller, err := epoll.Open()
	if err != nil {
		return nil, fmt.Errorf("receiver: open poller: %w", err)
	}
	r := &Receiver{
		table:              table,
		poller:             poller,
		listenerFDs:        listenerFDs,
		maxClients:         maxClients,
		processPassthrough: processPassthrough,
		stratifier:         stratifier,
		generator:          generator,
		sender:             snd,
		log:                log,
		hooks:              hooks,
	}
	for i, fd := range listenerFDs {
		if err := poller.Add(fd, uint64(i), epoll.EventIn); err != nil {
			_ = poller.Close()
			return nil, fmt.Errorf("receiver: register listener %d: %w", i, err)
		}
	}
	return r, nil
}

// SetAccept toggles whether new connections are accepted. Wired to the
// control loop's accept/reject commands.
func (r *Receiver) SetAccept(v bool) {
	r.accepting.Store(v)
	_ = r.poller.Wake()
}

// Close releases the poller.
func (r *Receiver) Close() error {
	return r.poller.Close()
}

// Run drives the event loop until ctx is canceled or a fatal poller error
// occurs.
func (r *Receiver) Run(ctx context.Context) error {
	for !r.accepting.Load() {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(50 * time.Millisecond):
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		events, err := r.poller.Wait(pollTimeout)
		if err != nil {
			return fmt.Errorf("receiver: fatal poller error: %w", err)
		}
		for _, ev := range events {
			if ev.Data < uint64(len(r.listenerFDs)) {
				r.acceptPath(int(ev.Data))
				continue
			}
			r.dispatchClientEvent(ev)
		}
	}
}

func (r *Receiver) dispatchClientEvent(ev epoll.Event) {
	rec, ok := r.table.RefByID(ev.Data)
	if !ok {
		r.log.Debug("receiver: event for unknown client id", slog.Uint64("id", ev.Data))
		return
	}
	defer r.table.Unref(rec)

	switch {
	case ev.Flags&epoll.EventIn != 0:
		r.parsePath(rec)
	case ev.Flags&epoll.EventErr != 0:
		errno := socketError(rec.Fd)
		if errno != 0 && errno != unix.ECONNRESET {
			r.log.Warn("receiver: socket error", slog.Uint64("client_id", rec.ID), slog.String("errno", errno.Error()))
		}
		r.drop(rec)
	case ev.Flags&(epoll.EventHup|epoll.EventRDHup) != 0:
		r.drop(rec)
	}
}

func socketError(fd int) unix.Errno {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return 0
	}
	return unix.Errno(errno)
}

// acceptPath handles one readable listener: refuses at capacity or when
// the accept gate is closed, otherwise recruits a record, accepts the
// connection, and registers it with the poller.
func (r *Receiver) acceptPath(listenerIdx int) {
	if !r.accepting.Load() {
		return
	}
	if r.table.LiveCount() >= r.maxClients {
		r.log.Debug("receiver: at capacity, refusing accept", slog.Int("max_clients", r.maxClients))
		return
	}

	connFD, sa, err := unix.Accept4(r.listenerFDs[listenerIdx], unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			r.log.Warn("receiver: accept failed", slog.String("error", err.Error()))
		}
		return
	}

	addrText, ok := printableAddr(sa)
	if !ok {
		r.log.Warn("receiver: unsupported address family, dropping connection")
		_ = unix.Close(connFD)
		return
	}
	_ = unix.SetsockoptInt(connFD, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)

	rec := r.table.Recruit()
	rec.Listener = listenerIdx
	rec.AddrText = addrText
	rec.BufOfs = 0
	rec.Passthrough = false
	id := r.table.Insert(rec)

	if err := r.poller.Add(connFD, id, epoll.EventIn|epoll.EventRDHup); err != nil {
		r.log.Warn("receiver: register new client failed", slog.String("error", err.Error()))
		r.table.Invalidate(rec, nil)
		_ = unix.Close(connFD)
		return
	}
	r.table.IncRef(rec) // poller registration holds one ref
	rec.Fd = connFD      // written only after registration, before the id is visible elsewhere

	r.hooks.accept()
}

func printableAddr(sa unix.Sockaddr) (string, bool) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IP(a.Addr[:])
		return fmt.Sprintf("%s:%d", ip.String(), a.Port), true
	case *unix.SockaddrInet6:
		ip := net.IP(a.Addr[:])
		return fmt.Sprintf("[%s]:%d", ip.String(), a.Port), true
	default:
		return "", false
	}
}

// parsePath reads available bytes into rec's buffer and extracts every
// complete LF-terminated record, forwarding each to the appropriate
// consumer.
func (r *Receiver) parsePath(rec *clienttable.Record) {
	if r.table.IsInvalid(rec) {
		return
	}
	if rec.BufOfs > clienttable.MaxMsgSize {
		r.drop(rec)
		return
	}

	n, err := unix.Read(rec.Fd, rec.Buf[rec.BufOfs:])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		r.drop(rec)
		return
	}
	if n == 0 {
		// Matches the source's treatment of a zero-byte nonblocking read:
		// no forward progress this tick, state is preserved for the next.
		return
	}
	rec.BufOfs += n

	records, consumed, oversized := wire.SplitLines(rec.Buf[:rec.BufOfs], clienttable.MaxMsgSize)
	if consumed > 0 {
		copy(rec.Buf[:], rec.Buf[consumed:rec.BufOfs])
		rec.BufOfs -= consumed
	}
	for _, line := range records {
		r.handleRecord(rec, line)
	}
	if oversized {
		r.drop(rec)
	}
}

func (r *Receiver) handleRecord(rec *clienttable.Record, line []byte) {
	frame, err := wire.Parse(line)
	if err != nil {
		r.hooks.parseError()
		_, _ = unix.Write(rec.Fd, []byte(invalidJSONMessage))
		r.drop(rec)
		return
	}

	if rec.Passthrough {
		sub, _ := frame.GetUint64("client_id")
		_ = frame.Delete("client_id")
		_ = frame.Set("client_id", ident.Encode(uint32(rec.ID), uint32(sub)))
	} else {
		_ = frame.Set("client_id", rec.ID)
		_ = frame.Set("address", rec.AddrText)
	}
	_ = frame.Set("server", rec.Listener)

	if r.table.IsInvalid(rec) {
		return
	}
	sink := r.stratifier
	if r.processPassthrough {
		sink = r.generator
	}
	if err := sink.Forward(rec.Listener, rec.ID, frame.WithTrailingLF()); err != nil {
		r.log.Warn("receiver: forward failed", slog.Uint64("client_id", rec.ID), slog.String("error", err.Error()))
		return
	}
	r.hooks.forward(1)
}

// drop invalidates rec, deregisters its fd, and notifies the owning
// consumer per the per-client-fatal error contract.
func (r *Receiver) drop(rec *clienttable.Record) {
	wasPassthrough := rec.Passthrough
	id := rec.ID
	fd := r.table.Invalidate(rec, func(fd int) { _ = r.poller.Remove(fd) })
	if fd < 0 {
		return // already invalidated by another path
	}
	r.hooks.invalidate()
	if wasPassthrough {
		r.generator.TerminatePassthrough(id)
	} else {
		r.stratifier.DropClient(id)
	}
}
