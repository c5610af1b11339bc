package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds the security core's metrics. One instance is constructed at
// startup and passed to the components that record into it.
type Registry struct {
	// Rate limiter
	RequestsAllowed     *prometheus.CounterVec
	RequestsDenied      *prometheus.CounterVec
	FallbackActivations prometheus.Counter

	// Lockout guard
	LockoutsTriggered prometheus.Counter
	Unlocks           *prometheus.CounterVec
	FailuresRecorded  prometheus.Counter

	// Sessions and anomaly detection
	ActiveSessions    prometheus.Gauge
	SecurityEvents    *prometheus.CounterVec
	ResponsesExecuted *prometheus.CounterVec

	// Notifications
	NotificationsSent    *prometheus.CounterVec
	NotificationsDropped prometheus.Counter
	NotificationQueue    prometheus.Gauge
}

// NewRegistry creates the metrics and registers them with reg. Pass
// prometheus.NewRegistry() in tests to avoid global registration collisions.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		RequestsAllowed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vh_security_requests_allowed_total",
			Help: "Requests allowed by the rate limiter.",
		}, []string{"route"}),
		RequestsDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vh_security_requests_denied_total",
			Help: "Requests denied by the rate limiter.",
		}, []string{"route"}),
		FallbackActivations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vh_security_store_fallback_total",
			Help: "Times a storage failure forced a fallback decision.",
		}),
		LockoutsTriggered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vh_security_lockouts_total",
			Help: "Accounts locked after exceeding the failure threshold.",
		}),
		Unlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vh_security_unlocks_total",
			Help: "Account unlocks by kind (auto, success, admin).",
		}, []string{"kind"}),
		FailuresRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vh_security_auth_failures_total",
			Help: "Failed authentication attempts recorded.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vh_security_active_sessions",
			Help: "Sessions currently tracked.",
		}),
		SecurityEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vh_security_events_total",
			Help: "Security events emitted by type and severity.",
		}, []string{"type", "severity"}),
		ResponsesExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vh_security_responses_total",
			Help: "Automated responses executed by kind.",
		}, []string{"response"}),
		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vh_security_notifications_sent_total",
			Help: "Notifications delivered by channel.",
		}, []string{"channel"}),
		NotificationsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vh_security_notifications_dropped_total",
			Help: "Notifications dropped because the queue was full or throttled.",
		}),
		NotificationQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vh_security_notification_queue_depth",
			Help: "Notifications waiting in the dispatch queue.",
		}),
	}

	reg.MustRegister(
		r.RequestsAllowed,
		r.RequestsDenied,
		r.FallbackActivations,
		r.LockoutsTriggered,
		r.Unlocks,
		r.FailuresRecorded,
		r.ActiveSessions,
		r.SecurityEvents,
		r.ResponsesExecuted,
		r.NotificationsSent,
		r.NotificationsDropped,
		r.NotificationQueue,
	)

	return r
}
