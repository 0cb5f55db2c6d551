// Package ops exposes the bridge's operational surface: Prometheus
// instruments and a small HTTP server for health, metrics, and read-only
// session listing.
package ops

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the bridge's Prometheus instruments on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter
	PostsCreated   prometheus.Counter
	PostsUpdated   prometheus.Counter
	PostsDeleted   prometheus.Counter
	AgentEvents    *prometheus.CounterVec
	FlushDuration  prometheus.Histogram
}

// NewMetrics creates the instrument set on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "threadbridge",
			Name:      "sessions_active",
			Help:      "Live agent sessions.",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "threadbridge",
			Name:      "sessions_total",
			Help:      "Sessions started since the bridge came up.",
		}),
		PostsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "threadbridge",
			Subsystem: "platform",
			Name:      "posts_created_total",
			Help:      "Chat posts created by the bridge.",
		}),
		PostsUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "threadbridge",
			Subsystem: "platform",
			Name:      "posts_updated_total",
			Help:      "Chat post edits issued by the bridge.",
		}),
		PostsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "threadbridge",
			Subsystem: "platform",
			Name:      "posts_deleted_total",
			Help:      "Chat posts deleted by the bridge.",
		}),
		AgentEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "threadbridge",
			Subsystem: "agent",
			Name:      "events_total",
			Help:      "Agent stream events by type.",
		}, []string{"type"}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "threadbridge",
			Name:      "flush_duration_seconds",
			Help:      "Latency of one streaming-buffer flush.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
	}

	m.registry.MustRegister(
		m.SessionsActive,
		m.SessionsTotal,
		m.PostsCreated,
		m.PostsUpdated,
		m.PostsDeleted,
		m.AgentEvents,
		m.FlushDuration,
	)
	return m
}

// Handler returns the scrape endpoint for this metric set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
