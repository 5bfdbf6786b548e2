package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/cybotrack/internal/tracker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cybotrack"

// Sync run results.
const (
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
	RunSkipped   = "skipped"
)

// Metrics owns a private registry with the tracker's collectors.
type Metrics struct {
	registry          *prometheus.Registry
	outboxEnqueued    *prometheus.CounterVec
	syncTransitions   *prometheus.CounterVec
	syncRuns          *prometheus.CounterVec
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	activeSubscribers prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		outboxEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_enqueued_total",
			Help:      "Outbox writes by entity type and operation.",
		}, []string{"entity_type", "operation"}),
		syncTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_transitions_total",
			Help:      "Outbox status transitions by target status.",
		}, []string{"status"}),
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Sync engine passes by result.",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		activeSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_subscribers",
			Help:      "Number of open event streams.",
		}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.outboxEnqueued,
		m.syncTransitions,
		m.syncRuns,
		m.httpRequests,
		m.httpDuration,
		m.activeSubscribers,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// OutboxEnqueued implements tracker.Observer.
func (m *Metrics) OutboxEnqueued(entityType tracker.EntityType, operation tracker.Operation) {
	m.outboxEnqueued.WithLabelValues(string(entityType), string(operation)).Inc()
}

// SyncStatusChanged implements tracker.Observer.
func (m *Metrics) SyncStatusChanged(status tracker.SyncStatus) {
	m.syncTransitions.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) RecordSyncRun(result string) {
	m.syncRuns.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func (m *Metrics) IncrementSubscribers() {
	m.activeSubscribers.Inc()
}

func (m *Metrics) DecrementSubscribers() {
	m.activeSubscribers.Dec()
}
