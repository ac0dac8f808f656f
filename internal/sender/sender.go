// Package sender implements the connector's asynchronous, non-blocking
// outbound write path: a submission list fed by any goroutine, spliced
// into a working list that only the sender's own goroutine examines, with
// partial writes retried until drained or the target client dies.
//
// The source's sender_lock/sender_cond pairing (a pthread mutex + a
// condition variable with a 10ms timed wait) is expressed here as a
// mutex-guarded list plus a buffered notify channel: SendClient sends a
// non-blocking notification and the run loop selects on that channel with
// a 10ms fallback, which gives the same "wake promptly on new work, keep
// retrying partial writes even with no new work" behavior without needing
// a condition variable with a timeout, which sync.Cond does not support
// directly.
package sender

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ocx/connector/internal/clienttable"
	"github.com/ocx/connector/internal/consumer"
	"github.com/ocx/connector/internal/ident"
)

const tick = 10 * time.Millisecond

type pendingSend struct {
	buf    []byte
	ofs    int
	record *clienttable.Record
}

// Stats is a snapshot of the sender's current load, mirrored into metrics
// and into the control loop's stats document.
type Stats struct {
	Queued       int
	QueuedBytes  int64
	Generated    uint64
	DelayedTicks uint64
}

// Runner owns the outbound write path for one connector instance.
type Runner struct {
	table      *clienttable.Table
	deregister func(fd int)
	stratifier consumer.Sink
	log        *slog.Logger

	submitMu   sync.Mutex
	submission *list.List
	notify     chan struct{}

	working *list.List

	queued       int
	queuedBytes  int64
	generated    uint64
	delayedTicks uint64
}

// New constructs a Sender. deregister is called (under the client table's
// lock, via Invalidate) to remove a dying client's fd from the poller.
// stratifier receives drop notices when a submitted id cannot be resolved.
func New(table *clienttable.Table, deregister func(fd int), stratifier consumer.Sink, log *slog.Logger) *Runner {
	return &Runner{
		table:      table,
		deregister: deregister,
		stratifier: stratifier,
		log:        log,
		submission: list.New(),
		working:    list.New(),
		notify:     make(chan struct{}, 1),
	}
}

// SendClient submits buf to the client named by id, resolving passthrough
// sub-ids to their parent connection per the identifier encoding. It takes
// ownership of buf.
func (s *Runner) SendClient(id uint64, buf []byte) {
	if len(buf) == 0 {
		return
	}

	parent, sub, passthrough := ident.Decode(id)

	var rec *clienttable.Record
	if passthrough {
		r, ok := s.table.RefByID(uint64(parent))
		if !ok {
			if direct, ok2 := s.table.RefByID(uint64(sub)); ok2 {
				s.table.Invalidate(direct, s.deregister)
				s.table.Unref(direct)
			} else {
				s.stratifier.DropClient(id)
			}
			return
		}
		rec = r
	} else {
		r, ok := s.table.RefByID(id)
		if !ok {
			s.stratifier.DropClient(id)
			return
		}
		rec = r
	}

	s.submitMu.Lock()
	s.submission.PushBack(&pendingSend{buf: buf, record: rec})
	s.generated++
	s.submitMu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Run drives the sender until ctx is canceled. It always returns nil; a
// canceled context is the only exit path, matching the spec's
// "Sender suspends in the condition wait" shutdown model.
func (s *Runner) Run(ctx context.Context) error {
	for {
		var next *list.Element
		for e := s.working.Front(); e != nil; e = next {
			next = e.Next()
			ps := e.Value.(*pendingSend)
			if s.sendOne(ps) {
				s.working.Remove(e)
				s.table.Unref(ps.record)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.notify:
		case <-time.After(tick):
			s.submitMu.Lock()
			s.delayedTicks++
			s.submitMu.Unlock()
		}

		s.submitMu.Lock()
		s.queued = s.working.Len() + s.submission.Len()
		s.queuedBytes = s.remainingBytesLocked()
		s.working.PushBackList(s.submission)
		s.submission.Init()
		s.submitMu.Unlock()
	}
}

// remainingBytesLocked must be called with submitMu held; it is also safe
// to call it against s.working from the sender's own goroutine since that
// list is never touched by any other goroutine.
func (s *Runner) remainingBytesLocked() int64 {
	var total int64
	for e := s.working.Front(); e != nil; e = e.Next() {
		ps := e.Value.(*pendingSend)
		total += int64(len(ps.buf) - ps.ofs)
	}
	for e := s.submission.Front(); e != nil; e = e.Next() {
		ps := e.Value.(*pendingSend)
		total += int64(len(ps.buf) - ps.ofs)
	}
	return total
}

// sendOne attempts to drain ps. It returns true when the send is finished
// (fully written, or the target is dead) and false when the caller should
// retry on the next tick.
func (s *Runner) sendOne(ps *pendingSend) bool {
	rec := ps.record
	if s.table.IsInvalid(rec) {
		return true
	}

	for ps.ofs < len(ps.buf) {
		n, err := unix.Write(rec.Fd, ps.buf[ps.ofs:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return false
			}
			s.log.Warn("sender: write failed, invalidating client",
				slog.Uint64("client_id", rec.ID), slog.String("error", err.Error()))
			s.table.Invalidate(rec, s.deregister)
			return true
		}
		if n == 0 {
			return false
		}
		ps.ofs += n
	}
	return true
}

// Stats returns a snapshot of the sender's current queued load.
func (s *Runner) Stats() Stats {
	s.submitMu.Lock()
	defer s.submitMu.Unlock()
	return Stats{
		Queued:       s.queued,
		QueuedBytes:  s.queuedBytes,
		Generated:    s.generated,
		DelayedTicks: s.delayedTicks,
	}
}
