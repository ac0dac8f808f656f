// Package control implements the connector's administrative command
// loop: a unix-domain listener that accepts textual commands from an
// operator tool, dispatches outbound consumer→client frames, and emits a
// periodic stats snapshot while running as a whole-process passthrough
// generator. The accept/dispatch shape follows the goroutine-per-
// connection unix socket server architecture documented in
// internal/other_examples' nabbar-golib socket/unix package doc, adapted
// from its callback-driven design to direct method dispatch.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ocx/connector/internal/clienttable"
	"github.com/ocx/connector/internal/ident"
	"github.com/ocx/connector/internal/sender"
	"github.com/ocx/connector/internal/telemetry"
	"github.com/ocx/connector/internal/wire"
)

// Accepter toggles whether the receiver accepts new connections.
type Accepter interface {
	SetAccept(v bool)
}

// CountStats reports client table occupancy for the stats document.
type CountStats struct {
	LiveCount    int
	DeadCount    int
	TotalCount   uint64
	TotalDropped uint64
}

// StatsSource supplies the numbers that make up a stats document.
type StatsSource interface {
	Counts() CountStats
	SendStats() sender.Stats
}

// Loop is the control channel: it owns the unix-domain listener and
// dispatches every accepted connection's commands.
type Loop struct {
	table       *clienttable.Table
	sender      *sender.Runner
	accepter    Accepter
	stats       StatsSource
	listenerFDs []int
	publisher   *telemetry.Publisher
	wholeProcessPassthrough bool

	log       *slog.Logger
	logLevel  *slog.LevelVar
	startedAt time.Time

	mu       sync.Mutex
	listener *net.UnixListener
}

// New constructs a Loop. logLevel, if non-nil, is updated by the
// loglevel=<n> command.
func New(table *clienttable.Table, snd *sender.Runner, accepter Accepter, stats StatsSource,
	listenerFDs []int, publisher *telemetry.Publisher, wholeProcessPassthrough bool,
	log *slog.Logger, logLevel *slog.LevelVar) *Loop {
	return &Loop{
		table:                   table,
		sender:                  snd,
		accepter:                accepter,
		stats:                   stats,
		listenerFDs:             listenerFDs,
		publisher:               publisher,
		wholeProcessPassthrough: wholeProcessPassthrough,
		log:                     log,
		logLevel:                logLevel,
		startedAt:               time.Now(),
	}
}

// Run binds socketPath and serves connections until ctx is canceled or a
// "shutdown" command is received.
func (l *Loop) Run(ctx context.Context, socketPath string) error {
	_ = os.Remove(socketPath)
	addr, err := net.ResolveUnixAddr("unix", socketPath)
	if err != nil {
		return fmt.Errorf("control: resolve %s: %w", socketPath, err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("control: listen %s: %w", socketPath, err)
	}
	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()
	defer ln.Close()
	defer os.Remove(socketPath)

	shutdown := make(chan struct{})
	var wg sync.WaitGroup

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	if l.wholeProcessPassthrough {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.statsTicker(ctx)
		}()
	}

	for {
		conn, err := ln.AcceptUnix()
		if err != nil {
			select {
			case <-ctx.Done():
				wg.Wait()
				return nil
			case <-shutdown:
				wg.Wait()
				return nil
			default:
			}
			l.log.Warn("control: accept failed", slog.String("error", err.Error()))
			continue
		}

		wg.Add(1)
		go func(c *net.UnixConn) {
			defer wg.Done()
			defer c.Close()
			if l.serveConn(ctx, c) {
				close(shutdown)
				ln.Close()
			}
		}(conn)
	}
}

// serveConn handles one control connection's commands, returning true if
// it received a shutdown command.
func (l *Loop) serveConn(ctx context.Context, conn *net.UnixConn) bool {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, clienttable.MaxMsgSize), clienttable.MaxMsgSize)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if l.dispatch(conn, line) {
			return true
		}
	}
	return false
}

// dispatch handles a single command line. Returns true if it was
// "shutdown".
func (l *Loop) dispatch(conn *net.UnixConn, line string) bool {
	switch {
	case strings.HasPrefix(line, "{"):
		l.processOutbound(line)
	case strings.HasPrefix(line, "dropclient="):
		l.handleDropClient(line)
	case strings.HasPrefix(line, "passthrough="):
		l.handlePassthrough(line)
	case line == "ping":
		l.reply(conn, "pong\n")
	case line == "accept":
		l.accepter.SetAccept(true)
	case line == "reject":
		l.accepter.SetAccept(false)
	case line == "stats":
		l.reply(conn, l.statsJSON(0)+"\n")
	case strings.HasPrefix(line, "loglevel="):
		l.handleLogLevel(line)
	case strings.HasPrefix(line, "getxfd "):
		l.handleGetXFD(conn, line)
	case line == "shutdown":
		return true
	default:
		l.log.Debug("control: unrecognized command", slog.String("line", line))
	}
	return false
}

// processOutbound parses a JSON frame, narrows a passthrough sub-id back
// to its low 32 bits for the downstream client's view, and submits it to
// the sender.
func (l *Loop) processOutbound(line string) {
	frame, err := wire.Parse([]byte(line))
	if err != nil {
		l.log.Warn("control: malformed outbound frame", slog.String("error", err.Error()))
		return
	}
	rawID, ok := frame.GetUint64("client_id")
	if !ok {
		l.log.Warn("control: outbound frame missing client_id")
		return
	}

	targetID := rawID
	if ident.IsPassthrough(rawID) {
		parent, sub, _ := ident.Decode(rawID)
		_ = frame.Delete("client_id")
		_ = frame.Set("client_id", sub)
		targetID = uint64(parent)
	}
	l.sender.SendClient(targetID, frame.WithTrailingLF())
}

func (l *Loop) handleDropClient(line string) {
	id, ok := parseIntSuffix(line, "dropclient=")
	if !ok {
		return
	}
	if ident.IsPassthrough(id) {
		l.log.Debug("control: refusing to drop passthrough sub-client directly", slog.Uint64("id", id))
		return
	}
	rec, ok := l.table.RefByID(id)
	if !ok {
		return
	}
	l.table.Invalidate(rec, nil)
	l.table.Unref(rec)
}

func (l *Loop) handlePassthrough(line string) {
	id, ok := parseIntSuffix(line, "passthrough=")
	if !ok {
		return
	}
	rec, ok := l.table.RefByID(id)
	if !ok {
		return
	}
	rec.Passthrough = true
	l.table.Unref(rec)
	l.sender.SendClient(id, []byte(`{"result":true}`+"\n"))
}

func (l *Loop) handleLogLevel(line string) {
	if l.logLevel == nil {
		return
	}
	raw := strings.TrimPrefix(line, "loglevel=")
	n, err := strconv.Atoi(raw)
	if err != nil {
		return
	}
	l.logLevel.Set(slog.Level(n))
}

// handleGetXFD hands out a listener socket over the control channel via
// SCM_RIGHTS file descriptor passing.
func (l *Loop) handleGetXFD(conn *net.UnixConn, line string) {
	raw := strings.TrimPrefix(line, "getxfd ")
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 || n >= len(l.listenerFDs) {
		l.log.Warn("control: getxfd out of range", slog.String("arg", raw))
		return
	}
	rights := unix.UnixRights(l.listenerFDs[n])
	if _, _, err := conn.WriteMsgUnix([]byte("ok\n"), rights, nil); err != nil {
		l.log.Warn("control: getxfd send failed", slog.String("error", err.Error()))
	}
}

func (l *Loop) reply(conn *net.UnixConn, s string) {
	_, _ = conn.Write([]byte(s))
}

func (l *Loop) statsJSON(runtimeSeconds int64) string {
	counts := l.stats.Counts()
	ss := l.stats.SendStats()

	doc := map[string]any{
		"clients": map[string]any{"count": counts.LiveCount, "memory": 0, "generated": counts.TotalCount},
		"dead":    map[string]any{"count": counts.DeadCount, "memory": 0, "generated": counts.TotalDropped},
		"sends":   map[string]any{"count": ss.Queued, "memory": ss.QueuedBytes, "generated": ss.Generated},
		"delays":  map[string]any{"count": ss.Queued, "memory": ss.QueuedBytes, "generated": ss.DelayedTicks},
	}
	if runtimeSeconds > 0 {
		doc["runtime"] = runtimeSeconds
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// statsTicker emits the stats document to the log once a minute, and to
// the telemetry publisher if one is configured, while running in
// whole-process passthrough mode.
func (l *Loop) statsTicker(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runtime := int64(time.Since(l.startedAt).Seconds())
			doc := l.statsJSON(runtime)
			l.log.Info("control: periodic stats", slog.String("stats", doc))
			if l.publisher != nil {
				l.publisher.Publish(ctx, runtime, []byte(doc))
			}
		}
	}
}

func parseIntSuffix(line, prefix string) (uint64, bool) {
	raw := strings.TrimPrefix(line, prefix)
	n, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
