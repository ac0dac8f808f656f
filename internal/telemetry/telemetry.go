// Package telemetry implements an optional, best-effort publisher of the
// connector's periodic stats snapshot to an external sink. It is never
// load-bearing: a missing or failing sink degrades to a local log line,
// the same graceful-fallback idiom internal/fabric/redis_event_bus.go uses
// for its Publish method, and the connector's behavior is identical with
// or without telemetry configured.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Snapshot is the payload published on each periodic tick. Fields mirror
// the control loop's stats document.
type Snapshot struct {
	ID      string          `json:"id"`
	Runtime int64           `json:"runtime"`
	Stats   json.RawMessage `json:"stats"`
}

// PubSubClient is a minimal interface any Redis library (go-redis,
// redigo) can satisfy, matching internal/fabric/redis_event_bus.go's
// RedisPubSubClient — the publisher never imports a concrete driver type,
// so cmd/connector is free to inject whichever client it constructs.
type PubSubClient interface {
	Publish(ctx context.Context, channel string, message []byte) error
}

// Publisher publishes periodic stats snapshots to a channel on client.
// A nil client is valid and turns every Publish call into a no-op so that
// telemetry can be wired unconditionally and simply left unconfigured.
type Publisher struct {
	client  PubSubClient
	channel string
	log     *slog.Logger
}

// New constructs a Publisher. If client is nil, Publish always succeeds
// locally without attempting any network call.
func New(client PubSubClient, channel string, log *slog.Logger) *Publisher {
	if channel == "" {
		channel = "connector:stats"
	}
	return &Publisher{client: client, channel: channel, log: log}
}

// Publish serializes snapshot and sends it to the configured channel. On
// failure (or when no client is configured) it logs at warn/debug and
// returns; it reports no error, so a telemetry failure never propagates as
// a connector error.
func (p *Publisher) Publish(ctx context.Context, runtime int64, stats []byte) {
	snap := Snapshot{ID: uuid.New().String(), Runtime: runtime, Stats: stats}
	data, err := json.Marshal(snap)
	if err != nil {
		p.log.Warn("telemetry: marshal snapshot failed", slog.String("error", err.Error()))
		return
	}

	if p.client == nil {
		p.log.Debug("telemetry: no sink configured, snapshot logged only", slog.String("id", snap.ID))
		return
	}
	if err := p.client.Publish(ctx, p.channel, data); err != nil {
		p.log.Warn("telemetry: publish failed, snapshot retained in logs only",
			slog.String("id", snap.ID), slog.String("error", err.Error()))
	}
}

// redisAdapter adapts *redis.Client's Publish method to PubSubClient
// without this package importing go-redis directly, so cmd/connector can
// hand in the concrete client type it constructs.
type redisAdapter struct {
	publish func(ctx context.Context, channel string, message interface{}) error
}

func (r redisAdapter) Publish(ctx context.Context, channel string, message []byte) error {
	if err := r.publish(ctx, channel, message); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// NewRedisAdapter wraps a go-redis v9 *redis.Client-shaped Publish method
// (the only method this package needs) into a PubSubClient.
func NewRedisAdapter(publish func(ctx context.Context, channel string, message interface{}) error) PubSubClient {
	return redisAdapter{publish: publish}
}
