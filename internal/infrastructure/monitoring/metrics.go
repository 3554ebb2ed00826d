// Package monitoring exposes Prometheus metrics for the workspace
// sync backend and a gin middleware that records HTTP traffic.
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Workspace metrics
	WorkspacesOpen  prometheus.Gauge
	WorkspacesTotal prometheus.Counter
	ClientsAttached prometheus.Gauge

	// Event routing metrics
	EventsRouted   *prometheus.CounterVec // label: kind
	EventsBuffered prometheus.Counter
	EventsDropped  prometheus.Counter
	EventsDrained  prometheus.Counter

	// Slot metrics
	SlotsActive prometheus.Gauge
	SlotsTotal  prometheus.Counter

	// Sync store metrics
	SyncWrites    *prometheus.CounterVec // label: op
	SyncErrors    *prometheus.CounterVec // label: op
	SyncDuration  *prometheus.HistogramVec
	VacuumRuns    prometheus.Counter
	VacuumDeleted *prometheus.CounterVec // label: table

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec // labels: direction, type

	startTime time.Time
}

// NewMetrics creates and registers all metrics on a private registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		}, []string{"method", "path", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),

		WorkspacesOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "workspaces_open",
			Help: "Workspaces currently registered",
		}),
		WorkspacesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "workspaces_created_total",
			Help: "Workspaces created since start",
		}),
		ClientsAttached: factory.NewGauge(prometheus.GaugeOpts{
			Name: "workspace_clients_attached",
			Help: "Live clients attached across all workspaces",
		}),

		EventsRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "events_routed_total",
			Help: "Events routed live to subscribers, by kind",
		}, []string{"kind"}),
		EventsBuffered: factory.NewCounter(prometheus.CounterOpts{
			Name: "events_buffered_total",
			Help: "Events appended to a detached workspace buffer",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "events_dropped_total",
			Help: "Events dropped because a workspace buffer was full",
		}),
		EventsDrained: factory.NewCounter(prometheus.CounterOpts{
			Name: "events_drained_total",
			Help: "Buffered events handed to an attaching client",
		}),

		SlotsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "slots_active",
			Help: "Slots with a streaming agent session",
		}),
		SlotsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "slots_created_total",
			Help: "Slots created since start",
		}),

		SyncWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_writes_total",
			Help: "Sync store writes by operation",
		}, []string{"op"}),
		SyncErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_errors_total",
			Help: "Sync store failures by operation",
		}, []string{"op"}),
		SyncDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sync_op_duration_seconds",
			Help:    "Sync store operation latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		VacuumRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "sync_vacuum_runs_total",
			Help: "Vacuum passes completed",
		}),
		VacuumDeleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_vacuum_deleted_total",
			Help: "Rows deleted by vacuum, by table",
		}, []string{"table"}),

		WSConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ws_connections",
			Help: "Open WebSocket connections",
		}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_messages_total",
			Help: "WebSocket messages by direction and type",
		}, []string{"direction", "type"}),

		startTime: time.Now(),
	}
}

// Handler returns the Prometheus scrape handler for this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest records a completed HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordSyncOp records a sync store operation outcome
func (m *Metrics) RecordSyncOp(op string, duration time.Duration, err error) {
	m.SyncWrites.WithLabelValues(op).Inc()
	m.SyncDuration.WithLabelValues(op).Observe(duration.Seconds())
	if err != nil {
		m.SyncErrors.WithLabelValues(op).Inc()
	}
}

// Uptime returns time since metrics initialization
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}
