// Package connector wires the client table, event poller, Receiver,
// Sender, and Control loop into one runnable service, the same
// construct-then-run orchestration internal/federation and cmd/socket-
// gateway use to assemble their own goroutine sets behind a single
// context.Context and sync.WaitGroup.
package connector

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ocx/connector/internal/clienttable"
	"github.com/ocx/connector/internal/config"
	"github.com/ocx/connector/internal/consumer"
	"github.com/ocx/connector/internal/control"
	"github.com/ocx/connector/internal/metrics"
	"github.com/ocx/connector/internal/receiver"
	"github.com/ocx/connector/internal/sender"
	"github.com/ocx/connector/internal/telemetry"
)

// Connector owns every long-lived goroutine the service runs.
type Connector struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *metrics.Metrics

	table      *clienttable.Table
	stratifier consumer.Sink
	generator  consumer.Sink

	listenerFDs []int
	receiver    *receiver.Receiver
	sender      *sender.Runner
	control     *control.Loop

	sweepInterval   time.Duration
	prevGenerated   uint64
	prevDelayedTick uint64
}

// Options carries the dependencies that come from outside configuration:
// the two consumer sinks and an optional telemetry publisher.
type Options struct {
	Stratifier consumer.Sink
	Generator  consumer.Sink
	Publisher  *telemetry.Publisher
	LogLevel   *slog.LevelVar
}

// New binds every configured listener, constructs the client table,
// metrics, Receiver, Sender and Control loop. Binding is retried per
// cfg.BindRetries/BindRetryInterval.
func New(cfg *config.Config, log *slog.Logger, opts Options) (*Connector, error) {
	m := metrics.New()

	table := clienttable.New(uint64(len(cfg.Listeners)))

	fds, err := bindListeners(cfg.Listeners, cfg.ListenBacklog, cfg.BindRetries, cfg.BindRetryInterval, log)
	if err != nil {
		return nil, err
	}

	hooks := receiver.Hooks{
		OnAccept:     m.IncClientsAccepted,
		OnInvalidate: m.IncClientsDropped,
		OnForward:    func(n int) { m.IncFramesForwarded() },
		OnParseError: m.IncParseErrors,
	}

	snd := sender.New(table, func(fd int) { _ = unix.Close(fd) }, opts.Stratifier, log)

	recv, err := receiver.New(table, fds, cfg.MaxClients, cfg.Passthrough, opts.Stratifier, opts.Generator, snd, log, hooks)
	if err != nil {
		return nil, fmt.Errorf("connector: construct receiver: %w", err)
	}

	c := &Connector{
		cfg:           cfg,
		log:           log,
		metrics:       m,
		table:         table,
		stratifier:    opts.Stratifier,
		generator:     opts.Generator,
		listenerFDs:   fds,
		receiver:      recv,
		sender:        snd,
		sweepInterval: time.Second,
	}

	c.control = control.New(table, snd, recv, c, fds, opts.Publisher, cfg.Passthrough, log, opts.LogLevel)
	return c, nil
}

// Counts implements control.StatsSource.
func (c *Connector) Counts() control.CountStats {
	return control.CountStats{
		LiveCount:    c.table.LiveCount(),
		DeadCount:    c.table.DeadCount(),
		TotalCount:   c.table.TotalAccepted(),
		TotalDropped: c.table.TotalInvalidated(),
	}
}

// SendStats implements control.StatsSource.
func (c *Connector) SendStats() sender.Stats {
	return c.sender.Stats()
}

// Metrics returns the Prometheus registry-backed metrics instance, for
// cmd/connector to expose over an HTTP scrape endpoint.
func (c *Connector) Metrics() *metrics.Metrics { return c.metrics }

// Run starts the Receiver, Sender, sweeper, and Control loop and blocks
// until ctx is canceled or a fatal error occurs in any of them.
func (c *Connector) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 3)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := c.receiver.Run(ctx); err != nil {
			errCh <- fmt.Errorf("receiver: %w", err)
			cancel()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := c.sender.Run(ctx); err != nil {
			errCh <- fmt.Errorf("sender: %w", err)
			cancel()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.sweepLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := c.control.Run(ctx, c.cfg.ControlSocketPath); err != nil {
			errCh <- fmt.Errorf("control: %w", err)
		}
		// A "shutdown" command ends the control loop; stop everything else too.
		cancel()
	}()

	c.receiver.SetAccept(true)

	wg.Wait()
	close(errCh)
	_ = c.receiver.Close()

	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

// sweepLoop periodically reclaims dead records with no outstanding
// references, closing their sockets and returning them to the recycled
// list, and refreshes the occupancy gauges.
func (c *Connector) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.table.SweepDead(func(fd int) { _ = unix.Close(fd) })
			c.metrics.SetLiveClients(c.table.LiveCount())
			c.metrics.SetDeadClients(c.table.DeadCount())
			ss := c.sender.Stats()
			c.metrics.SetSendsQueued(ss.Queued, ss.QueuedBytes)
			c.metrics.AddSendsGenerated(ss.Generated - c.prevGenerated)
			c.metrics.AddSendsDelayed(ss.DelayedTicks - c.prevDelayedTick)
			c.prevGenerated = ss.Generated
			c.prevDelayedTick = ss.DelayedTicks
		}
	}
}

// bindListeners binds and listens on each address, returning raw
// non-blocking, close-on-exec listening socket fds in the same order as
// addrs. Each bind is retried up to retries times at interval, matching
// the source's bind-retry loop for a listener racing other processes
// during a restart.
func bindListeners(addrs []string, backlog, retries int, interval time.Duration, log *slog.Logger) ([]int, error) {
	fds := make([]int, 0, len(addrs))
	for _, addr := range addrs {
		fd, err := bindOne(addr, backlog, retries, interval, log)
		if err != nil {
			for _, f := range fds {
				_ = unix.Close(f)
			}
			return nil, err
		}
		fds = append(fds, fd)
	}
	return fds, nil
}

func bindOne(addr string, backlog, retries int, interval time.Duration, log *slog.Logger) (int, error) {
	sa, family, err := resolveListenAddr(addr)
	if err != nil {
		return -1, fmt.Errorf("connector: resolve listener %s: %w", addr, err)
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			return -1, fmt.Errorf("connector: socket %s: %w", addr, err)
		}
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)

		if err := unix.Bind(fd, sa); err != nil {
			_ = unix.Close(fd)
			lastErr = err
			log.Warn("connector: bind failed, retrying", slog.String("addr", addr), slog.Int("attempt", attempt), slog.String("error", err.Error()))
			time.Sleep(interval)
			continue
		}
		if err := unix.Listen(fd, backlog); err != nil {
			_ = unix.Close(fd)
			return -1, fmt.Errorf("connector: listen %s: %w", addr, err)
		}
		return fd, nil
	}
	return -1, fmt.Errorf("connector: bind %s failed after %d attempts: %w", addr, retries+1, lastErr)
}

// resolveListenAddr turns a "host:port" string into a raw sockaddr and
// the socket family to create, supporting both IPv4 and IPv6 listeners.
func resolveListenAddr(addr string) (unix.Sockaddr, int, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, 0, err
	}

	if ip4 := tcpAddr.IP.To4(); ip4 != nil {
		var a [4]byte
		copy(a[:], ip4)
		return &unix.SockaddrInet4{Port: tcpAddr.Port, Addr: a}, unix.AF_INET, nil
	}

	var a [16]byte
	ip16 := tcpAddr.IP.To16()
	if ip16 == nil {
		// An empty host (":3333") resolves to an unspecified IPv4
		// address by default, matching the source's INADDR_ANY default.
		return &unix.SockaddrInet4{Port: tcpAddr.Port}, unix.AF_INET, nil
	}
	copy(a[:], ip16)
	return &unix.SockaddrInet6{Port: tcpAddr.Port, Addr: a}, unix.AF_INET6, nil
}
