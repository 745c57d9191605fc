// Package metrics exposes relay counters to Prometheus.
//
// All methods are safe on a nil *Metrics so components can run without a
// metrics backend in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons.
const (
	DropReasonRateLimited    = "rate_limited"
	DropReasonMalformed      = "malformed"
	DropReasonUnknownEvent   = "unknown_event"
	DropReasonUnknownTarget  = "unknown_target"
	DropReasonUnknownRoom    = "unknown_room"
	DropReasonRoomFull       = "room_full"
	DropReasonNotHost        = "not_host"
	DropReasonSendBufferFull = "send_buffer_full"
	DropReasonEncodeFailed   = "encode_failed"
	DropReasonNotConnected   = "not_connected"
	DropReasonOther          = "other"
)

const namespace = "roomrelay"

// Metrics holds the relay's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	connections prometheus.Gauge
	events      *prometheus.CounterVec
	drops       *prometheus.CounterVec
	relayed     *prometheus.CounterVec
}

// New creates the collectors and registers them with a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live client connections.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Inbound events dispatched, by event name.",
		}, []string{"event"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_total",
			Help:      "Inbound or outbound events dropped, by reason.",
		}, []string{"reason"}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relayed_total",
			Help:      "Signaling messages forwarded, by kind.",
		}, []string{"kind"}),
	}
	m.registry.MustRegister(m.connections, m.events, m.drops, m.relayed)
	return m
}

// TrackRooms registers a gauge that reports fn on every scrape.
func (m *Metrics) TrackRooms(fn func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_rooms",
		Help:      "Rooms with at least one member.",
	}, fn))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) Event(name string) {
	if m != nil {
		m.events.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) Drop(reason string) {
	if m != nil {
		m.drops.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Relayed(kind string) {
	if m != nil {
		m.relayed.WithLabelValues(kind).Inc()
	}
}

// Counters for tests.

func (m *Metrics) EventCounter(name string) prometheus.Counter {
	return m.events.WithLabelValues(name)
}

func (m *Metrics) DropCounter(reason string) prometheus.Counter {
	return m.drops.WithLabelValues(reason)
}

func (m *Metrics) RelayedCounter(kind string) prometheus.Counter {
	return m.relayed.WithLabelValues(kind)
}

func (m *Metrics) ConnectionsGauge() prometheus.Gauge {
	return m.connections
}
