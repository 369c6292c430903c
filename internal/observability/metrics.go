package observability

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	tasksProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskd",
			Subsystem: "tasks",
			Name:      "processed_total",
			Help:      "Total tasks processed by the worker pool.",
		},
		[]string{"algorithm", "outcome"},
	)
	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "taskd",
			Subsystem: "tasks",
			Name:      "duration_seconds",
			Help:      "Digest computation duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"algorithm"},
	)
	connectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "taskd",
			Subsystem: "connections",
			Name:      "active",
			Help:      "Currently open client connections.",
		},
	)
	connectionErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskd",
			Subsystem: "connections",
			Name:      "errors_total",
			Help:      "Connections closed because of a read, decode, dispatch or write failure.",
		},
		[]string{"kind"},
	)
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "taskd",
			Subsystem: "dispatch",
			Name:      "queue_depth",
			Help:      "Work items waiting in the dispatch queue.",
		},
	)
	adminRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskd",
			Subsystem: "admin",
			Name:      "requests_total",
			Help:      "Admin HTTP requests by route and status class.",
		},
		[]string{"route", "class"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(tasksProcessed, taskDuration, connectionsActive, connectionErrors, queueDepth, adminRequests)
	})
}

// ServerMetrics holds the process-wide counters shared by connections and workers.
// Counters are diagnostic only and carry no ordering guarantee relative to other state.
type ServerMetrics struct {
	processedTasks    atomic.Uint64
	activeConnections atomic.Int64
}

func NewServerMetrics() *ServerMetrics {
	RegisterMetrics()
	return &ServerMetrics{}
}

// Snapshot is a point-in-time copy of ServerMetrics.
type Snapshot struct {
	ProcessedTasks    uint64 `json:"processed_tasks"`
	ActiveConnections int64  `json:"active_connections"`
}

func (m *ServerMetrics) TaskStarted() uint64 {
	return m.processedTasks.Add(1)
}

func (m *ServerMetrics) ConnectionOpened() int64 {
	connectionsActive.Inc()
	return m.activeConnections.Add(1)
}

func (m *ServerMetrics) ConnectionClosed() int64 {
	connectionsActive.Dec()
	return m.activeConnections.Add(-1)
}

func (m *ServerMetrics) ProcessedTasks() uint64 {
	return m.processedTasks.Load()
}

func (m *ServerMetrics) ActiveConnections() int64 {
	return m.activeConnections.Load()
}

func (m *ServerMetrics) Snapshot() Snapshot {
	return Snapshot{
		ProcessedTasks:    m.ProcessedTasks(),
		ActiveConnections: m.ActiveConnections(),
	}
}

func RecordTask(algorithm, outcome string, duration time.Duration) {
	RegisterMetrics()
	tasksProcessed.WithLabelValues(algorithm, outcome).Inc()
	taskDuration.WithLabelValues(algorithm).Observe(duration.Seconds())
}

func RecordConnectionError(kind string) {
	RegisterMetrics()
	connectionErrors.WithLabelValues(kind).Inc()
}

func SetQueueDepth(n int) {
	RegisterMetrics()
	queueDepth.Set(float64(n))
}
