// Package metrics defines the Prometheus collectors of the sync service.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relaycache"

type Metrics struct {
	registry *prometheus.Registry

	FramesReceived *prometheus.CounterVec
	QueryDuration  *prometheus.HistogramVec
	EventsSynced   *prometheus.CounterVec
	SyncFailures   *prometheus.CounterVec
	RunDuration    prometheus.Histogram
	GateDecisions  *prometheus.CounterVec
	RelayClients   prometheus.Gauge
}

// New creates the collectors and registers them on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		FramesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "frames_received_total",
				Help:      "Inbound relay frames by classified type",
			},
			[]string{"type"},
		),
		QueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "query_duration_seconds",
				Help:      "Time spent on one relay of a query, by how it ended",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		EventsSynced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "events_total",
				Help:      "Events fetched from upstreams, split into newly stored and duplicates",
			},
			[]string{"label", "result"},
		),
		SyncFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "failures_total",
				Help:      "Failed (upstream, filter) pairs",
			},
			[]string{"upstream", "label"},
		),
		RunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "run_duration_seconds",
				Help:      "Duration of complete pipeline runs",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		),
		GateDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "policy",
				Name:      "decisions_total",
				Help:      "Write-policy decisions by action",
			},
			[]string{"action"},
		),
		RelayClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "cacherelay",
				Name:      "clients",
				Help:      "Connected cache-relay clients",
			},
		),
	}

	m.registry.MustRegister(
		m.FramesReceived,
		m.QueryDuration,
		m.EventsSynced,
		m.SyncFailures,
		m.RunDuration,
		m.GateDecisions,
		m.RelayClients,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveFrame(frameType string) {
	if m == nil {
		return
	}
	if frameType == "" {
		frameType = "unrecognized"
	}
	m.FramesReceived.WithLabelValues(frameType).Inc()
}

func (m *Metrics) ObserveQuery(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.QueryDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveSynced(label string, stored, duplicates int) {
	if m == nil {
		return
	}
	m.EventsSynced.WithLabelValues(label, "stored").Add(float64(stored))
	m.EventsSynced.WithLabelValues(label, "duplicate").Add(float64(duplicates))
}

func (m *Metrics) ObserveSyncFailure(upstream, label string) {
	if m == nil {
		return
	}
	m.SyncFailures.WithLabelValues(upstream, label).Inc()
}

func (m *Metrics) ObserveRun(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RunDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveDecision(action string) {
	if m == nil {
		return
	}
	m.GateDecisions.WithLabelValues(action).Inc()
}

func (m *Metrics) SetRelayClients(n int) {
	if m == nil {
		return
	}
	m.RelayClients.Set(float64(n))
}
