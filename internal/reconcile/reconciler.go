// Package reconcile runs the periodic expiry pass over the subscription
// ledger and drives membership revocations for lapsed grants.
package reconcile

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"tg_vip_access_bot/internal/ledger"
	"tg_vip_access_bot/internal/logging"
	"tg_vip_access_bot/internal/metrics"
	"tg_vip_access_bot/internal/tariff"
)

// DefaultInterval is the fixed pause between reconciliation cycles.
const DefaultInterval = time.Hour

type pruner interface {
	PruneExpired(ctx context.Context, now time.Time) ([]ledger.Expired, error)
}

type catalogLookup interface {
	Get(id string) (tariff.Definition, bool)
}

type revoker interface {
	Revoke(ctx context.Context, groupID, userID int64) error
}

// Reconciler owns the background expiry loop.
type Reconciler struct {
	ledger   pruner
	catalog  catalogLookup
	revoker  revoker
	logger   *logrus.Entry
	interval time.Duration
	now      func() time.Time
}

// Option customizes a Reconciler.
type Option func(*Reconciler)

// WithInterval overrides the cycle interval; used in tests.
func WithInterval(interval time.Duration) Option {
	return func(r *Reconciler) {
		if interval > 0 {
			r.interval = interval
		}
	}
}

// WithClock overrides the time source; used in tests.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// New constructs a Reconciler over the ledger, catalog, and actuator.
func New(ledger pruner, catalog catalogLookup, revoker revoker, logger *logrus.Entry, opts ...Option) *Reconciler {
	if logger == nil {
		logger = logging.Logger()
	}

	r := &Reconciler{
		ledger:   ledger,
		catalog:  catalog,
		revoker:  revoker,
		logger:   logger,
		interval: DefaultInterval,
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Run executes reconciliation cycles until the context is canceled. Shutdown
// is cooperative: cancellation is observed between cycles only, so a cycle in
// flight always completes. A panicking cycle is logged and never kills the
// loop.
func (r *Reconciler) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	r.logger.WithFields(logging.Fields{
		"event":    "reconcile_start",
		"interval": r.interval.String(),
	}).Info("starting expiry reconciliation loop")

	r.cycle(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.WithField("event", "reconcile_stopped").Info("expiry reconciliation loop stopped")
			return
		case <-ticker.C:
			r.cycle(ctx)
		}
	}
}

func (r *Reconciler) cycle(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.ReconcileCycles.WithLabelValues(metrics.StatusError).Inc()
			r.logger.WithFields(logging.Fields{
				"event": "reconcile_panic",
				"panic": rec,
			}).Error("reconciliation cycle panicked")
		}
	}()

	// The cycle must finish even when shutdown has begun.
	r.RunCycle(context.WithoutCancel(ctx), r.now())
}

// RunCycle performs one reconciliation pass at the given instant: prune
// lapsed grants from the ledger, then revoke membership for each. A failure
// revoking one user never blocks the rest; the grant stays dropped either
// way. Returns the number of expired grants and the number of failed
// revocations.
func (r *Reconciler) RunCycle(ctx context.Context, now time.Time) (int, int) {
	expired, err := r.ledger.PruneExpired(ctx, now)
	if err != nil {
		metrics.ReconcileCycles.WithLabelValues(metrics.StatusError).Inc()
		r.logger.WithField("event", "reconcile_prune_error").WithError(err).Error("failed to prune expired grants")
		return 0, 0
	}

	failed := 0
	for _, item := range expired {
		metrics.ExpiredGrants.Inc()

		def, ok := r.catalog.Get(item.Grant.TariffID)
		if !ok {
			// The tariff vanished from the catalog after grant time. The
			// grant is already dropped; only the revoke action is skipped.
			r.logger.WithFields(logging.Fields{
				"event":     "reconcile_unknown_tariff",
				"user_id":   item.UserID,
				"tariff_id": item.Grant.TariffID,
			}).Warn("expired grant references a tariff missing from the catalog, skipping revoke")
			continue
		}

		if err := r.revoker.Revoke(ctx, def.GroupID, item.UserID); err != nil {
			failed++
			metrics.RevokeFailures.Inc()
			r.logger.WithFields(logging.Fields{
				"event":     "reconcile_revoke_failed",
				"user_id":   item.UserID,
				"tariff_id": item.Grant.TariffID,
				"chat_id":   def.GroupID,
			}).WithError(err).Error("failed to revoke expired membership")
			continue
		}

		r.logger.WithFields(logging.Fields{
			"event":      "reconcile_revoked",
			"user_id":    item.UserID,
			"tariff_id":  item.Grant.TariffID,
			"chat_id":    def.GroupID,
			"expired_at": item.Grant.ExpiresAt,
		}).Info("expired grant revoked")
	}

	metrics.ReconcileCycles.WithLabelValues(metrics.StatusOK).Inc()

	if len(expired) > 0 {
		r.logger.WithFields(logging.Fields{
			"event":   "reconcile_cycle",
			"expired": len(expired),
			"failed":  failed,
		}).Info("reconciliation cycle complete")
	}

	return len(expired), failed
}
