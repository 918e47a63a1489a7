// Package metrics holds the Prometheus instruments for the sync engine and
// the local server. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const MetricsNamespace = "stow"

// Serve sources.
const (
	SourceCache   = "cache"
	SourceNetwork = "network"
	SourceError   = "error"
)

// Job and fetch outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeNotModified = "not_modified"
	OutcomeSkipped     = "skipped"
	OutcomeFailed      = "failed"
	OutcomeCancelled   = "cancelled"
)

type Metrics struct {
	ServeTotal         *prometheus.CounterVec
	FetchTotal         *prometheus.CounterVec
	FetchBytesTotal    prometheus.Counter
	JobsInFlight       prometheus.Gauge
	JobsCompletedTotal *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers every instrument on reg. A nil reg gets a fresh registry so
// that several engines can live in one process.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		ServeTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: "interceptor",
			Name:      "serve_total",
			Help:      "Resource requests answered by the local server, by source",
		}, []string{"source"}),
		FetchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "fetch_total",
			Help:      "Remote fetch attempts by resource kind and outcome",
		}, []string{"kind", "outcome"}),
		FetchBytesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "fetch_bytes_total",
			Help:      "Bytes received from remote origins",
		}),
		JobsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Name:      "jobs_in_flight",
			Help:      "Fetch jobs currently executing",
		}),
		JobsCompletedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "jobs_completed_total",
			Help:      "Fetch jobs finished, by outcome",
		}, []string{"outcome"}),
		gatherer: reg,
	}
}

func (m *Metrics) Served(source string) {
	if m == nil {
		return
	}
	m.ServeTotal.WithLabelValues(source).Inc()
}

func (m *Metrics) Fetched(kind, outcome string, bytes int) {
	if m == nil {
		return
	}
	m.FetchTotal.WithLabelValues(kind, outcome).Inc()
	if bytes > 0 {
		m.FetchBytesTotal.Add(float64(bytes))
	}
}

func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.JobsInFlight.Inc()
}

func (m *Metrics) JobFinished(outcome string) {
	if m == nil {
		return
	}
	m.JobsInFlight.Dec()
	m.JobsCompletedTotal.WithLabelValues(outcome).Inc()
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
