// Package metrics exposes the connector's stats surface (live/dead client
// counts, queued sends, cumulative delay) as Prometheus gauges and
// counters, constructed the same way internal/escrow/metrics.go builds its
// vectors: promauto registration at construction time, one method per
// recorded event so call sites never touch a *prometheus.GaugeVec
// directly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every gauge/counter the connector records.
type Metrics struct {
	registry *prometheus.Registry

	liveClients     prometheus.Gauge
	deadClients     prometheus.Gauge
	clientsAccepted prometheus.Counter
	clientsDropped  prometheus.Counter

	sendsQueued      prometheus.Gauge
	sendsQueuedBytes prometheus.Gauge
	sendsGenerated   prometheus.Counter
	sendsDelayed     prometheus.Counter

	framesForwarded prometheus.Counter
	parseErrors     prometheus.Counter
}

// New constructs a fresh Prometheus registry and registers every metric
// against it — each Metrics instance owns its own registry rather than the
// global default, so multiple connector instances (or test cases) in the
// same process never collide on metric names.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		liveClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "connector_clients_live",
			Help: "Number of clients currently reachable by id lookup.",
		}),
		deadClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "connector_clients_dead",
			Help: "Number of clients invalidated but not yet swept.",
		}),
		clientsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "connector_clients_accepted_total",
			Help: "Cumulative number of accepted client connections.",
		}),
		clientsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "connector_clients_dropped_total",
			Help: "Cumulative number of invalidated client connections.",
		}),
		sendsQueued: factory.NewGauge(prometheus.GaugeOpts{
			Name: "connector_sends_queued",
			Help: "Number of pending outbound sends not yet fully written.",
		}),
		sendsQueuedBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "connector_sends_queued_bytes",
			Help: "Total bytes remaining across all pending outbound sends.",
		}),
		sendsGenerated: factory.NewCounter(prometheus.CounterOpts{
			Name: "connector_sends_generated_total",
			Help: "Cumulative number of outbound sends submitted.",
		}),
		sendsDelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "connector_sends_delayed_ticks_total",
			Help: "Cumulative number of sender ticks that found no new submissions.",
		}),
		framesForwarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "connector_frames_forwarded_total",
			Help: "Cumulative number of inbound frames forwarded to a consumer.",
		}),
		parseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "connector_parse_errors_total",
			Help: "Cumulative number of inbound frames that failed JSON parsing.",
		}),
	}
}

func (m *Metrics) SetLiveClients(n int)  { m.liveClients.Set(float64(n)) }
func (m *Metrics) SetDeadClients(n int)  { m.deadClients.Set(float64(n)) }
func (m *Metrics) IncClientsAccepted()   { m.clientsAccepted.Inc() }
func (m *Metrics) IncClientsDropped()    { m.clientsDropped.Inc() }

func (m *Metrics) SetSendsQueued(count int, bytes int64) {
	m.sendsQueued.Set(float64(count))
	m.sendsQueuedBytes.Set(float64(bytes))
}
func (m *Metrics) AddSendsGenerated(delta uint64) { m.sendsGenerated.Add(float64(delta)) }
func (m *Metrics) AddSendsDelayed(delta uint64)   { m.sendsDelayed.Add(float64(delta)) }
func (m *Metrics) IncFramesForwarded()            { m.framesForwarded.Inc() }
func (m *Metrics) IncParseErrors()                { m.parseErrors.Inc() }

// Registry returns the Prometheus registry this instance's metrics were
// registered against, for cmd/connector to expose over an HTTP scrape
// endpoint.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
