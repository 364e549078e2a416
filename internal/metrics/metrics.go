package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	alarmsConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alarm_messages_consumed_total",
			Help: "Total number of alarm messages consumed from the broker",
		},
		[]string{"queue"},
	)

	notificationsSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alarm_notifications_sent_total",
			Help: "Total number of notifications sent successfully",
		},
		[]string{"channel", "provider"},
	)

	notificationsFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alarm_notifications_failed_total",
			Help: "Total number of failed notification sends",
		},
		[]string{"channel", "provider", "error_type"},
	)

	sendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "alarm_notification_send_duration_seconds",
			Help:    "Notification send duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"channel", "provider"},
	)

	retryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alarm_retry_attempts_total",
			Help: "Total number of retry attempts per channel",
		},
		[]string{"channel"},
	)

	dlqItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alarm_dlq_items_total",
			Help: "Total number of alarms routed to the DLQ",
		},
		[]string{"channel", "error_type"},
	)

	dlqReprocessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alarm_dlq_reprocessed_total",
			Help: "Total number of DLQ items replayed",
		},
		[]string{"outcome"},
	)

	dedupHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alarm_dedup_hits_total",
			Help: "Total number of alarms collapsed by the dedup window",
		},
	)

	quietHoursSkipsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alarm_quiet_hours_skips_total",
			Help: "Total number of alarms suppressed by quiet hours",
		},
	)

	pausedMessagesGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alarm_paused_messages",
			Help: "Unique message ids requeued while the system is paused",
		},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "alarm_circuit_breaker_state",
			Help: "Circuit breaker state per channel (0=closed, 1=open, 2=half-open)",
		},
		[]string{"channel"},
	)

	queueDepthGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alarm_queue_depth",
			Help: "Sampled depth of the main alarm queue",
		},
	)

	backpressureTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alarm_queue_backpressure_total",
			Help: "Times the sampled queue depth exceeded the backpressure threshold",
		},
	)

	modemSendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alarm_modem_sends_total",
			Help: "SMS sends per modem and selection tier",
		},
		[]string{"modem", "tier"},
	)

	processingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "alarm_processing_duration_seconds",
			Help:    "End-to-end alarm processing duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)
)

func RecordConsumed(queue string) {
	alarmsConsumedTotal.WithLabelValues(queue).Inc()
}

func RecordSent(channel, provider string, duration time.Duration) {
	notificationsSentTotal.WithLabelValues(channel, provider).Inc()
	sendDuration.WithLabelValues(channel, provider).Observe(duration.Seconds())
}

func RecordFailed(channel, provider, errorType string) {
	notificationsFailedTotal.WithLabelValues(channel, provider, errorType).Inc()
}

func RecordRetry(channel string) {
	retryAttemptsTotal.WithLabelValues(channel).Inc()
}

func RecordDLQItem(channel, errorType string) {
	dlqItemsTotal.WithLabelValues(channel, errorType).Inc()
}

func RecordDLQReplay(outcome string) {
	dlqReprocessedTotal.WithLabelValues(outcome).Inc()
}

func RecordDedupHit() { dedupHitsTotal.Inc() }

func RecordQuietHoursSkip() { quietHoursSkipsTotal.Inc() }

func SetPausedMessages(n int) { pausedMessagesGauge.Set(float64(n)) }

func SetBreakerState(channel string, state int) {
	breakerState.WithLabelValues(channel).Set(float64(state))
}

func SetQueueDepth(n int) { queueDepthGauge.Set(float64(n)) }

func RecordBackpressure() { backpressureTotal.Inc() }

func RecordModemSend(modem, tier string) {
	modemSendsTotal.WithLabelValues(modem, tier).Inc()
}

func RecordProcessing(duration time.Duration) {
	processingDuration.Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
