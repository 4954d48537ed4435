package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"topic", "queue", "status"},
	)

	RemindersPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reminders_published_total",
			Help: "Total number of reminder events published by the scheduler",
		},
		[]string{"status"}, // status: ok, publish_error
	)

	SchedulerTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_tick_duration_seconds",
			Help:    "Duration of one reminder scheduler tick",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
	)

	PushDeliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "push_delivery_latency_ms",
			Help:    "Web push delivery latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		},
		[]string{"status"}, // status: ok, transient_error, expired
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_sent_total",
			Help: "Total number of reminder notifications processed",
		},
		[]string{"result"}, // result: sent, skipped_sent, skipped_dup, no_subscriptions, failed
	)

	OccurrencesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recurrence_occurrences_total",
			Help: "Total number of recurrence engine outcomes",
		},
		[]string{"result"}, // result: created, duplicate, terminal, error
	)

	TaskServiceCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "task_service_call_latency_ms",
			Help:    "Task Service HTTP call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(5, 2, 12), // 5ms to ~20s
		},
		[]string{"endpoint", "status"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"operation", "table"},
	)
)

func RecordMQConsume(topic, queue, status string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(topic, queue, status).Observe(float64(duration.Milliseconds()))
}

func RecordPushDelivery(status string, duration time.Duration) {
	PushDeliveryLatency.WithLabelValues(status).Observe(float64(duration.Milliseconds()))
}

func RecordTaskServiceCall(endpoint, status string, duration time.Duration) {
	TaskServiceCallLatency.WithLabelValues(endpoint, status).Observe(float64(duration.Milliseconds()))
}

func RecordDBQuery(operation, table string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

func IncrementReminderPublished(status string) {
	RemindersPublished.WithLabelValues(status).Inc()
}

func IncrementNotification(result string) {
	NotificationsSent.WithLabelValues(result).Inc()
}

func IncrementOccurrence(result string) {
	OccurrencesCreated.WithLabelValues(result).Inc()
}
