package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// MutationCounter tracks committed mutations by operation.
	MutationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taskwire_mutations_total",
		Help: "Total number of committed task mutations",
	}, []string{"op"})
	// LockConflictCounter tracks rejected lock acquisitions.
	LockConflictCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taskwire_lock_conflicts_total",
		Help: "Total number of lock acquisitions rejected because another owner holds the lock",
	})
	// EventsPublishedCounter tracks change events handed to the bus.
	EventsPublishedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taskwire_events_published_total",
		Help: "Total number of change events published after commit",
	})
	// SessionsGauge reports the number of connected push sessions.
	SessionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "taskwire_sessions",
		Help: "Current number of connected notification sessions",
	})
	// ListCacheHitCounter tracks task-list reads served from cache.
	ListCacheHitCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taskwire_list_cache_hits_total",
		Help: "Total number of task list reads served from the in-memory cache",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers taskwire core metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(MutationCounter, LockConflictCounter, EventsPublishedCounter,
		SessionsGauge, ListCacheHitCounter)
}
