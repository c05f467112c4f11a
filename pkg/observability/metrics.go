package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus instruments for trove's core operations.
type Metrics struct {
	// Storage adapter activity
	StorageOperationsTotal   *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec
	StorageErrorsTotal       *prometheus.CounterVec

	// Access control activity
	AccessChecksTotal     *prometheus.CounterVec
	PermissionCacheHits   prometheus.Counter
	PermissionCacheMisses prometheus.Counter

	// Locking activity
	LockAcquisitionsTotal *prometheus.CounterVec
	LockContentionTotal   prometheus.Counter

	// Query activity
	QueryTotal    *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec

	// Ticket workflow activity
	TicketTransitionsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers the instruments on the given registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		StorageOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trove_storage_operations_total",
				Help: "Total storage adapter operations",
			},
			[]string{"backend", "operation"},
		),
		StorageOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trove_storage_operation_duration_seconds",
				Help:    "Storage adapter operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend", "operation"},
		),
		StorageErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trove_storage_errors_total",
				Help: "Total storage adapter errors by internal code",
			},
			[]string{"backend", "operation", "code"},
		),
		AccessChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trove_access_checks_total",
				Help: "Total access control decisions",
			},
			[]string{"action", "decision"},
		),
		PermissionCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "trove_permission_cache_hits_total",
				Help: "Permission resolution cache hits",
			},
		),
		PermissionCacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "trove_permission_cache_misses_total",
				Help: "Permission resolution cache misses",
			},
		),
		LockAcquisitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trove_lock_acquisitions_total",
				Help: "Lock lease operations by outcome",
			},
			[]string{"outcome"},
		),
		LockContentionTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "trove_lock_contention_total",
				Help: "Lock attempts rejected because another owner holds the lease",
			},
		),
		QueryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trove_queries_total",
				Help: "Total queries by variant",
			},
			[]string{"backend", "variant"},
		),
		QueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trove_query_duration_seconds",
				Help:    "Query duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend", "variant"},
		),
		TicketTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trove_ticket_transitions_total",
				Help: "Ticket workflow transitions by outcome",
			},
			[]string{"outcome"},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.StorageOperationsTotal,
			m.StorageOperationDuration,
			m.StorageErrorsTotal,
			m.AccessChecksTotal,
			m.PermissionCacheHits,
			m.PermissionCacheMisses,
			m.LockAcquisitionsTotal,
			m.LockContentionTotal,
			m.QueryTotal,
			m.QueryDuration,
			m.TicketTransitionsTotal,
		)
	}
	return m
}

// ObserveStorage records one storage operation.
func (m *Metrics) ObserveStorage(backend, operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.StorageOperationsTotal.WithLabelValues(backend, operation).Inc()
	m.StorageOperationDuration.WithLabelValues(backend, operation).Observe(time.Since(start).Seconds())
	if err != nil {
		m.StorageErrorsTotal.WithLabelValues(backend, operation, "error").Inc()
	}
}

// ObserveQuery records one query by backend and variant.
func (m *Metrics) ObserveQuery(backend, variant string, start time.Time) {
	if m == nil {
		return
	}
	m.QueryTotal.WithLabelValues(backend, variant).Inc()
	m.QueryDuration.WithLabelValues(backend, variant).Observe(time.Since(start).Seconds())
}

// ObserveTicketTransition records one ticket workflow transition.
func (m *Metrics) ObserveTicketTransition(ok bool) {
	if m == nil {
		return
	}
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	m.TicketTransitionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveAccess records one access decision.
func (m *Metrics) ObserveAccess(action string, allowed bool) {
	if m == nil {
		return
	}
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	m.AccessChecksTotal.WithLabelValues(action, decision).Inc()
}
