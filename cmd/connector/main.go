// Command connector runs the TCP connection multiplexer: it loads
// configuration, constructs the connector, and serves until it receives
// SIGINT/SIGTERM or a "shutdown" command on its control socket.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/ocx/connector/internal/config"
	"github.com/ocx/connector/internal/connector"
	"github.com/ocx/connector/internal/consumer"
	"github.com/ocx/connector/internal/telemetry"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, continuing with process environment")
	}

	configPath := flag.String("config", "connector.yaml", "path to the connector's YAML config file")
	flag.Parse()

	levelVar := &slog.LevelVar{}
	handlerOpts := &slog.HandlerOptions{Level: levelVar}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		// No config file yet is not fatal during local development; fall
		// back to defaults applied against an empty document.
		slog.Warn("connector: config load failed, using defaults", slog.String("error", err.Error()))
		cfg = &config.Config{}
		applyZeroValueDefaults(cfg)
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, handlerOpts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, handlerOpts)
	}
	log := slog.New(handler)
	levelVar.Set(parseLevel(cfg.LogLevel))

	var publisher *telemetry.Publisher
	if cfg.Telemetry.Enabled {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Telemetry.RedisAddr})
		adapter := telemetry.NewRedisAdapter(func(ctx context.Context, channel string, message interface{}) error {
			return rdb.Publish(ctx, channel, message).Err()
		})
		publisher = telemetry.New(adapter, cfg.Telemetry.Channel, log)
	}

	conn, err := connector.New(cfg, log, connector.Options{
		Stratifier: consumer.NewRecorder(),
		Generator:  consumer.NewRecorder(),
		Publisher:  publisher,
		LogLevel:   levelVar,
	})
	if err != nil {
		log.Error("connector: startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, conn, log)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		s := <-sig
		log.Info("connector: received signal, shutting down", slog.String("signal", s.String()))
		cancel()
	}()

	if err := conn.Run(ctx); err != nil {
		log.Error("connector: exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log.Info("connector: shutdown complete")
}

func serveMetrics(addr string, conn *connector.Connector, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(conn.Metrics().Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Warn("connector: metrics server stopped", slog.String("error", err.Error()))
	}
}

func applyZeroValueDefaults(cfg *config.Config) {
	cfg.Listeners = []string{":3333"}
	cfg.MaxClients = 65536
	cfg.ControlSocketPath = "/tmp/connector.sock"
	cfg.LogLevel = "info"
	cfg.LogFormat = "text"
	cfg.BindRetries = 25
	cfg.BindRetryInterval = 5 * time.Second
	cfg.ListenBacklog = 8192
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
