package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flotilla_instances_total",
			Help: "Total number of live instances by service",
		},
		[]string{"service"},
	)

	ServicesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flotilla_services_total",
			Help: "Total number of configured services",
		},
	)

	RevisionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flotilla_revisions_total",
			Help: "Total number of revisions by service and weight sign",
		},
		[]string{"service", "status"},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flotilla_scheduling_latency_seconds",
			Help:    "Time taken to compute and persist assignments for a service",
			Buckets: prometheus.DefBuckets,
		},
	)

	RevisionsScheduledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flotilla_revisions_scheduled_total",
			Help: "Total number of instance slots assigned, by service",
		},
		[]string{"service"},
	)

	SchedulerIsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flotilla_scheduler_is_leader",
			Help: "Whether this process holds the scheduler lock (1 = leader, 0 = follower)",
		},
	)

	LockAcquireTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flotilla_lock_acquire_total",
			Help: "Total number of lock acquisition attempts by lock name and outcome",
		},
		[]string{"lock", "outcome"},
	)

	// Doctor metrics
	QuarantinesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flotilla_quarantines_total",
			Help: "Total number of revisions quarantined by service",
		},
		[]string{"service"},
	)

	HighlanderRolloutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flotilla_highlander_rollouts_total",
			Help: "Total number of highlander rollouts by outcome",
		},
		[]string{"outcome"},
	)

	// Agent metrics
	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flotilla_agent_reconcile_duration_seconds",
			Help:    "Time taken for an agent reconcile pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconcileFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flotilla_agent_reconcile_failures_total",
			Help: "Total number of failed agent reconcile passes",
		},
	)

	UnitHashMismatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flotilla_unit_hash_mismatch_total",
			Help: "Total number of units whose stored content no longer matches their hash",
		},
		[]string{"service"},
	)

	// Messaging metrics
	MessagesReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flotilla_messages_received_total",
			Help: "Total number of queue messages received by type",
		},
		[]string{"queue", "type"},
	)

	MessagesDiscardedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flotilla_messages_discarded_total",
			Help: "Total number of queue messages deleted because they were malformed or their handler returned an error",
		},
		[]string{"queue"},
	)

	// Publisher metrics
	PublishDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flotilla_publish_duration_seconds",
			Help:    "Time taken to publish a revision",
			Buckets: prometheus.DefBuckets,
		},
	)

	KMSOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flotilla_kms_operations_total",
			Help: "Total number of KMS envelope encryption operations by outcome",
		},
		[]string{"operation", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(ServicesTotal)
	prometheus.MustRegister(RevisionsTotal)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(RevisionsScheduledTotal)
	prometheus.MustRegister(SchedulerIsLeader)
	prometheus.MustRegister(LockAcquireTotal)
	prometheus.MustRegister(QuarantinesTotal)
	prometheus.MustRegister(HighlanderRolloutsTotal)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(ReconcileFailuresTotal)
	prometheus.MustRegister(UnitHashMismatchTotal)
	prometheus.MustRegister(MessagesReceivedTotal)
	prometheus.MustRegister(MessagesDiscardedTotal)
	prometheus.MustRegister(PublishDuration)
	prometheus.MustRegister(KMSOperationsTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
