package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ReconcileTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_reconcile_total",
			Help: "Reconciliation attempts by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	ProviderVerifyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payment_provider_verify_duration_seconds",
			Help:    "Duration of payment provider verification calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	SecurityIncidentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_security_incidents_total",
			Help: "Amount or currency tampering signals",
		},
		[]string{"kind"},
	)

	WebhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_webhooks_total",
			Help: "Inbound provider webhooks by event and HTTP status",
		},
		[]string{"event", "status"},
	)

	NotificationsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_enqueued_total",
			Help: "Enqueue requests by result (created or duplicate)",
		},
		[]string{"event_type", "result"},
	)

	NotificationsClaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notification_claimed_total",
			Help: "Notification events claimed by dispatcher workers",
		},
	)

	NotificationsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_dispatched_total",
			Help: "Dispatch outcomes",
		},
		[]string{"outcome"},
	)

	NotificationDispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "notification_dispatch_duration_seconds",
			Help:    "Duration of transport send calls",
			Buckets: prometheus.DefBuckets,
		},
	)

	NotificationsReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notification_reclaimed_total",
			Help: "Stuck processing rows returned to the queue",
		},
	)

	SuppressionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_suppressions_total",
			Help: "Suppression entries written by reason",
		},
		[]string{"reason"},
	)
)

func Register() {
	Must(prometheus.DefaultRegisterer)
}

// Must registers every collector on reg; tests pass a fresh registry.
func Must(reg prometheus.Registerer) {
	reg.MustRegister(
		ReconcileTotal,
		ProviderVerifyDuration,
		SecurityIncidentsTotal,
		WebhooksTotal,
		NotificationsEnqueuedTotal,
		NotificationsClaimedTotal,
		NotificationsDispatchedTotal,
		NotificationDispatchDuration,
		NotificationsReclaimedTotal,
		SuppressionsTotal,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
