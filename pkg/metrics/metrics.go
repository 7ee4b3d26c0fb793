// Package metrics holds the Prometheus collectors of the server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "checkboxes"

// Metrics is one registry plus the collectors registered on it. Each server
// gets its own, so tests can run several side by side.
type Metrics struct {
	Registry *prometheus.Registry

	Toggles         prometheus.Counter
	RejectedFrames  *prometheus.CounterVec
	Evictions       prometheus.Counter
	PersistFailures prometheus.Counter
	PersistDuration prometheus.Histogram
	ResidentPages   prometheus.Gauge
	InFlight        prometheus.Gauge
	Clock           prometheus.Gauge
	Sessions        prometheus.Gauge
	DroppedSessions prometheus.Counter
	Snapshots       *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Toggles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "toggles_total",
			Help: "Toggles applied and assigned a time.",
		}),
		RejectedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rejected_frames_total",
			Help: "Client frames answered with an error or dropped, by error code.",
		}, []string{"code"}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "page_evictions_total",
			Help: "Transient pages evicted from the cache.",
		}),
		PersistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "page_persist_failures_total",
			Help: "Evicted pages that could not be merged into durable storage.",
		}),
		PersistDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "page_persist_duration_seconds",
			Help:    "Time to merge and write one evicted page.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		ResidentPages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "resident_pages",
			Help: "Transient pages currently cached.",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "persists_in_flight",
			Help: "Evicted pages still being written.",
		}),
		Clock: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "clock",
			Help: "The last assigned logical time.",
		}),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions",
			Help: "Connected sync sessions.",
		}),
		DroppedSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "dropped_sessions_total",
			Help: "Sessions disconnected because they could not keep up with broadcasts.",
		}),
		Snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "snapshot_requests_total",
			Help: "Bulk page snapshot requests by response status.",
		}, []string{"status"}),
	}
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Toggles, m.RejectedFrames, m.Evictions, m.PersistFailures, m.PersistDuration,
		m.ResidentPages, m.InFlight, m.Clock, m.Sessions, m.DroppedSessions, m.Snapshots,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
