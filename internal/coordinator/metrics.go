package coordinator

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AltairaLabs/research-coordinator/internal/coordinator/store"
)

const metricsNamespace = "research"

// Metrics holds the per-instance collectors. Each Instance owns its own
// registry so several instances can live in one test process.
type Metrics struct {
	registry *prometheus.Registry
	labels   prometheus.Labels

	tasksCreated        prometheus.Counter
	tasksFinished       *prometheus.CounterVec
	activeConnections   prometheus.Gauge
	connectionsRejected *prometheus.CounterVec
	busEvents           *prometheus.CounterVec
	rateLimitRejections *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors for one instance
func NewMetrics(instanceID string) *Metrics {
	labels := prometheus.Labels{"instance": instanceID}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		labels:   labels,
		tasksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "tasks_created_total",
			Help:        "Research tasks created on this instance.",
			ConstLabels: labels,
		}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "tasks_finished_total",
			Help:        "Research tasks that reached a terminal status, by status.",
			ConstLabels: labels,
		}, []string{"status"}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "active_connections",
			Help:        "Live client connections held by this instance.",
			ConstLabels: labels,
		}),
		connectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "connections_rejected_total",
			Help:        "Connection attempts rejected, by reason.",
			ConstLabels: labels,
		}, []string{"reason"}),
		busEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "bus_events_total",
			Help:        "Event bus traffic, by direction.",
			ConstLabels: labels,
		}, []string{"direction"}),
		rateLimitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "rate_limit_rejections_total",
			Help:        "Requests rejected by the rate limiter, by operation and tier.",
			ConstLabels: labels,
		}, []string{"operation", "tier"}),
	}
	m.registry.MustRegister(
		m.tasksCreated,
		m.tasksFinished,
		m.activeConnections,
		m.connectionsRejected,
		m.busEvents,
		m.rateLimitRejections,
	)
	return m
}

// Registry exposes the underlying registry (tests, custom exporters)
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// watchWriter exports the durable write-behind counters
func (m *Metrics) watchWriter(stats func() store.WriterStats) {
	for name, pick := range map[string]func(store.WriterStats) uint64{
		"written": func(s store.WriterStats) uint64 { return s.Written },
		"failed":  func(s store.WriterStats) uint64 { return s.Failed },
		"dropped": func(s store.WriterStats) uint64 { return s.Dropped },
	} {
		m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "durable_writes_" + name + "_total",
			Help:        "Durable write-behind operations " + name + ".",
			ConstLabels: m.labels,
		}, func() float64 { return float64(pick(stats())) }))
	}
}

// The helpers below are nil-safe so components work without metrics.

func (m *Metrics) taskCreated() {
	if m != nil {
		m.tasksCreated.Inc()
	}
}

func (m *Metrics) taskFinished(status TaskStatus) {
	if m != nil {
		m.tasksFinished.WithLabelValues(string(status)).Inc()
	}
}

func (m *Metrics) connectionOpened() {
	if m != nil {
		m.activeConnections.Inc()
	}
}

func (m *Metrics) connectionClosed() {
	if m != nil {
		m.activeConnections.Dec()
	}
}

func (m *Metrics) connectionRejected(reason string) {
	if m != nil {
		m.connectionsRejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) busEvent(direction string) {
	if m != nil {
		m.busEvents.WithLabelValues(direction).Inc()
	}
}

func (m *Metrics) rateLimited(op, tier string) {
	if m != nil {
		m.rateLimitRejections.WithLabelValues(op, tier).Inc()
	}
}
