package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teketeke_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "teketeke_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	CallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teketeke_payment_callbacks_total",
			Help: "Inbound payment callbacks by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	LedgerEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teketeke_ledger_entries_total",
			Help: "Ledger entries written by direction and entry type",
		},
		[]string{"direction", "entry_type"},
	)

	PayoutItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teketeke_payout_items_total",
			Help: "Payout item outcomes during batch processing",
		},
		[]string{"status"},
	)

	PayoutBatchTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teketeke_payout_batch_transitions_total",
			Help: "Payout batch status transitions",
		},
		[]string{"to"},
	)

	ReconItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teketeke_recon_items_total",
			Help: "Reconciliation classifications by kind and status",
		},
		[]string{"kind", "status"},
	)

	FraudAlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teketeke_fraud_alerts_total",
			Help: "Fraud alerts raised by type and severity",
		},
		[]string{"type", "severity"},
	)

	QuarantinedOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teketeke_quarantined_operations_total",
			Help: "Operations placed in quarantine by type",
		},
		[]string{"operation_type"},
	)

	NotificationsSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teketeke_notifications_sent_total",
			Help: "Notifications sent by channel and status",
		},
		[]string{"channel", "status"},
	)

	NotificationQueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "teketeke_notification_queue_length",
			Help: "Current length of the notification queue",
		},
	)
)

func RecordHTTPRequest(method, path, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

func RecordCallback(kind, outcome string) {
	CallbacksTotal.WithLabelValues(kind, outcome).Inc()
}

func RecordLedgerEntry(direction, entryType string) {
	LedgerEntriesTotal.WithLabelValues(direction, entryType).Inc()
}

func RecordPayoutItem(status string) {
	PayoutItemsTotal.WithLabelValues(status).Inc()
}

func RecordBatchTransition(to string) {
	PayoutBatchTransitionsTotal.WithLabelValues(to).Inc()
}

func RecordReconItem(kind, status string) {
	ReconItemsTotal.WithLabelValues(kind, status).Inc()
}

func RecordFraudAlert(alertType, severity string) {
	FraudAlertsTotal.WithLabelValues(alertType, severity).Inc()
}

func RecordQuarantine(operationType string) {
	QuarantinedOperationsTotal.WithLabelValues(operationType).Inc()
}

func RecordNotification(channel, status string) {
	NotificationsSentTotal.WithLabelValues(channel, status).Inc()
}
