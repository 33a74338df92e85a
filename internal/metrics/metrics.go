// Package metrics registers the bot's Prometheus collectors. They are served
// by the health server at /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Label values for outcome-style counters.
const (
	StatusOK    = "ok"
	StatusError = "error"

	OutcomeDelivered = "delivered"
	OutcomeBlocked   = "blocked"
	OutcomeFailed    = "failed"
)

var (
	// ReconcileCycles counts expiry reconciliation cycles by status.
	ReconcileCycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vip_reconcile_cycles_total",
		Help: "Expiry reconciliation cycles, labeled by outcome.",
	}, []string{"status"})

	// ExpiredGrants counts grants dropped from the ledger by the expiry loop.
	ExpiredGrants = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vip_expired_grants_total",
		Help: "Grants dropped from the subscription ledger after expiry.",
	})

	// RevokeFailures counts membership revocations the provider rejected.
	RevokeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vip_revoke_failures_total",
		Help: "Failed group membership revocations.",
	})

	// BroadcastMessages counts bulk notification attempts by outcome.
	BroadcastMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vip_broadcast_messages_total",
		Help: "Bulk notification attempts, labeled by delivery outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		ReconcileCycles,
		ExpiredGrants,
		RevokeFailures,
		BroadcastMessages,
	)
}
