package metrics

import "github.com/prometheus/client_golang/prometheus"

var HttpRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests received",
	},
	[]string{"endpoint", "status", "method"},
)

var HttpRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"endpoint", "method"},
)

var HttpErrorsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "http_errors_total",
		Help: "Total number of failed HTTP requests (4xx/5xx)",
	},
	[]string{"endpoint", "status", "method"},
)

var HttpRateLimitRejectionsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "http_rate_limit_rejections_total",
		Help: "Total number of HTTP requests rejected due to rate limiting",
	},
)

var HttpAuthRejectionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "http_auth_rejections_total",
		Help: "Total number of HTTP requests rejected by authentication",
	},
	[]string{"reason"},
)

// Lifecycle

var EnvelopesConsumedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "envelopes_consumed_total",
		Help: "Envelopes taken from the stream, by outcome",
	},
	[]string{"env", "outcome"},
)

var EnvelopeProcessDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "envelope_process_duration_seconds",
		Help:    "Time taken to process one envelope",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"env"},
)

var RemindersSentTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "reminders_sent_total",
		Help: "Total number of reminders delivered",
	},
	[]string{"env"},
)

var RemindersFailedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "reminders_failed_total",
		Help: "Total number of reminder sends that failed",
	},
	[]string{"env"},
)

var NotificationsResolvedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "notifications_resolved_total",
		Help: "Notifications moved from pending to resolved",
	},
	[]string{"env"},
)

var NotificationsExpiredTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "notifications_expired_total",
		Help: "Notifications that ran out of reminders",
	},
	[]string{"env"},
)

var StaleIndexEntriesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "stale_index_entries_total",
		Help: "Due index entries dropped because the record was missing or not pending",
	},
	[]string{"env"},
)

var SchedulerItemErrorsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "scheduler_item_errors_total",
		Help: "Per-notification errors inside a scheduler tick",
	},
	[]string{"env", "reason"},
)

var SchedulerTickDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "scheduler_tick_duration_seconds",
		Help:    "Duration of one scheduler pass over an environment",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"env"},
)

var DueIndexSize = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "due_index_size",
		Help: "Entries in the due index",
	},
	[]string{"env"},
)

var StoreErrorsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "store_errors_total",
		Help: "Backing store failures by operation",
	},
	[]string{"op"},
)

var ReconcileInconsistenciesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "reconcile_inconsistencies_total",
		Help: "Inconsistencies found by reconciliation",
	},
	[]string{"env", "kind"},
)

var NotificationDLQTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "notification_dlq_total",
		Help: "Total number of envelopes sent to the dead-letter sink",
	},
	[]string{"reason", "env"},
)

// Kafka

var KafkaPublisherSuccess = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "kafka_publish_success_total",
		Help: "Total number of successful Kafka publishes",
	},
	[]string{"topic"},
)

var KafkaPublisherFailure = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "kafka_publish_failure_total",
		Help: "Total number of failed Kafka publishes",
	},
	[]string{"topic"},
)

var KafkaSubscriberFailureTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "kafka_subscriber_failure_total",
		Help: "Total number of failed Kafka fetches and commits",
	},
	[]string{"topic"},
)

var KafkaConsumerLag = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "kafka_consumer_lag",
		Help: "Lag of Kafka consumer group per topic",
	},
	[]string{"group", "topic"},
)

var DeadLettersRedrivenTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "dead_letters_redriven_total",
		Help: "Total number of dead letters appended back to their log",
	},
	[]string{"env", "provider"},
)

// External

var ExternalAPISuccessTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "external_api_success_total",
		Help: "Total number of successful external API calls",
	},
	[]string{"provider", "service"},
)

var ExternalAPIFailureTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "external_api_failure_total",
		Help: "Total number of failed external API calls",
	},
	[]string{"provider", "service"},
)

var ExternalAPIDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "external_api_duration_seconds",
		Help:    "Duration of external API calls in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"provider", "service"},
)

func InitAPIMetrics() {
	prometheus.MustRegister(HttpRequestsTotal)
	prometheus.MustRegister(HttpRequestDuration)
	prometheus.MustRegister(HttpErrorsTotal)
	prometheus.MustRegister(HttpRateLimitRejectionsTotal)
	prometheus.MustRegister(HttpAuthRejectionsTotal)
	prometheus.MustRegister(NotificationsResolvedTotal)
	prometheus.MustRegister(ReconcileInconsistenciesTotal)
	prometheus.MustRegister(ExternalAPISuccessTotal)
	prometheus.MustRegister(ExternalAPIFailureTotal)
	prometheus.MustRegister(ExternalAPIDuration)
	prometheus.MustRegister(StoreErrorsTotal)
	prometheus.MustRegister(DeadLettersRedrivenTotal)
}

func InitWorkerMetrics() {
	prometheus.MustRegister(EnvelopesConsumedTotal)
	prometheus.MustRegister(EnvelopeProcessDuration)
	prometheus.MustRegister(NotificationDLQTotal)
	prometheus.MustRegister(ExternalAPISuccessTotal)
	prometheus.MustRegister(ExternalAPIFailureTotal)
	prometheus.MustRegister(ExternalAPIDuration)
	prometheus.MustRegister(StoreErrorsTotal)
}

func InitSchedulerMetrics() {
	prometheus.MustRegister(RemindersSentTotal)
	prometheus.MustRegister(RemindersFailedTotal)
	prometheus.MustRegister(NotificationsExpiredTotal)
	prometheus.MustRegister(StaleIndexEntriesTotal)
	prometheus.MustRegister(SchedulerItemErrorsTotal)
	prometheus.MustRegister(SchedulerTickDuration)
	prometheus.MustRegister(DueIndexSize)
	prometheus.MustRegister(ReconcileInconsistenciesTotal)
	prometheus.MustRegister(ExternalAPISuccessTotal)
	prometheus.MustRegister(ExternalAPIFailureTotal)
	prometheus.MustRegister(ExternalAPIDuration)
	prometheus.MustRegister(StoreErrorsTotal)
}

func InitKafkaMetrics() {
	prometheus.MustRegister(KafkaPublisherSuccess)
	prometheus.MustRegister(KafkaPublisherFailure)
	prometheus.MustRegister(KafkaSubscriberFailureTotal)
	prometheus.MustRegister(KafkaConsumerLag)
}
