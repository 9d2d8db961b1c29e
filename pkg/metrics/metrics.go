package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry metrics
	ActorsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetd_actors_active",
			Help: "Number of live actors by kind",
		},
		[]string{"kind"},
	)

	ActorsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_actors_created_total",
			Help: "Total number of actors created by kind",
		},
		[]string{"kind"},
	)

	ActorsEvictedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_actors_evicted_total",
			Help: "Total number of actors removed from the registry by kind and reason",
		},
		[]string{"kind", "reason"},
	)

	ActorRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_actor_restarts_total",
			Help: "Total number of actor restarts after a panic by kind",
		},
		[]string{"kind"},
	)

	ActorInitFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_actor_init_failures_total",
			Help: "Total number of failed actor initializations by kind",
		},
		[]string{"kind"},
	)

	MessagesProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_messages_processed_total",
			Help: "Total number of mailbox messages processed by actor kind",
		},
		[]string{"kind"},
	)

	MessageProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetd_message_processing_duration_seconds",
			Help:    "Time spent in an actor message handler in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	MailboxDepth = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetd_mailbox_depth",
			Help:    "Mailbox depth observed when a worker picks up an actor",
			Buckets: []float64{0, 1, 2, 5, 10, 50, 100, 500, 1000},
		},
		[]string{"kind"},
	)

	// Device metrics
	RPCPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetd_rpc_pending",
			Help: "Number of device RPC requests awaiting a response",
		},
	)

	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_rpc_requests_total",
			Help: "Total number of device RPC requests by outcome",
		},
		[]string{"outcome"},
	)

	SessionDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_session_deliveries_total",
			Help: "Total number of session deliveries by subscription type and status",
		},
		[]string{"type", "status"},
	)

	// Calculated-field metrics
	CFEvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_cf_evaluations_total",
			Help: "Total number of calculated-field evaluations by field type and result",
		},
		[]string{"type", "result"},
	)

	CFPersistTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_cf_persist_total",
			Help: "Total number of calculated-field state writes by status",
		},
		[]string{"status"},
	)

	CFPersistDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetd_cf_persist_duration_seconds",
			Help:    "Calculated-field state write latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Scheduler metrics
	SchedulerTicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetd_scheduler_ticks_total",
			Help: "Total number of refresh ticks posted to calculated-field actors",
		},
	)

	SchedulerScheduledEntities = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetd_scheduler_scheduled_entities",
			Help: "Number of entities with at least one scheduled calculated field",
		},
	)

	SchedulerCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetd_scheduler_cycle_duration_seconds",
			Help:    "Time taken to post one round of refresh ticks in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Lifecycle metrics
	HousekeeperLag = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetd_housekeeper_lag",
			Help: "Number of outstanding lifecycle cleanup tasks",
		},
	)

	HousekeeperTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_housekeeper_tasks_total",
			Help: "Total number of lifecycle cleanup tasks by type and status",
		},
		[]string{"type", "status"},
	)

	HousekeeperTaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetd_housekeeper_task_duration_seconds",
			Help:    "Lifecycle cleanup task duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// Event broker metrics
	EventSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetd_event_subscribers",
			Help: "Number of internal event broker subscribers",
		},
	)

	EventsDropped = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetd_events_dropped",
			Help: "Number of internal events dropped for slow subscribers since start",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_api_requests_total",
			Help: "Total number of admin API requests by path and status",
		},
		[]string{"path", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetd_api_request_duration_seconds",
			Help:    "Admin API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ActorsActive)
	prometheus.MustRegister(ActorsCreatedTotal)
	prometheus.MustRegister(ActorsEvictedTotal)
	prometheus.MustRegister(ActorRestartsTotal)
	prometheus.MustRegister(ActorInitFailuresTotal)
	prometheus.MustRegister(MessagesProcessedTotal)
	prometheus.MustRegister(MessageProcessingDuration)
	prometheus.MustRegister(MailboxDepth)
	prometheus.MustRegister(RPCPending)
	prometheus.MustRegister(RPCRequestsTotal)
	prometheus.MustRegister(SessionDeliveriesTotal)
	prometheus.MustRegister(CFEvaluationsTotal)
	prometheus.MustRegister(CFPersistTotal)
	prometheus.MustRegister(CFPersistDuration)
	prometheus.MustRegister(SchedulerTicksTotal)
	prometheus.MustRegister(SchedulerScheduledEntities)
	prometheus.MustRegister(SchedulerCycleDuration)
	prometheus.MustRegister(HousekeeperLag)
	prometheus.MustRegister(HousekeeperTasksTotal)
	prometheus.MustRegister(HousekeeperTaskDuration)
	prometheus.MustRegister(EventSubscribers)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
