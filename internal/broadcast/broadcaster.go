// Package broadcast delivers operator announcements to every registered user,
// paced to respect provider rate limits.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"tg_vip_access_bot/internal/logging"
	"tg_vip_access_bot/internal/membership"
	"tg_vip_access_bot/internal/metrics"
)

// DefaultDelay is the fixed pause between consecutive messages.
const DefaultDelay = 50 * time.Millisecond

type userLister interface {
	AllIDs(ctx context.Context) ([]int64, error)
}

type notifier interface {
	Notify(ctx context.Context, userID int64, text string) error
}

// Report aggregates the delivery outcomes of one broadcast run.
type Report struct {
	Delivered int
	Blocked   int
	Failed    int
}

// Attempted is the total number of recipients contacted.
func (r Report) Attempted() int {
	return r.Delivered + r.Blocked + r.Failed
}

func (r Report) String() string {
	return fmt.Sprintf("delivered=%d blocked=%d failed=%d", r.Delivered, r.Blocked, r.Failed)
}

// Broadcaster sends a message to all registered users.
type Broadcaster struct {
	users    userLister
	notifier notifier
	limiter  *rate.Limiter
	logger   *logrus.Entry
}

// Option customizes a Broadcaster.
type Option func(*Broadcaster)

// WithLimiter overrides the pacing limiter; used in tests.
func WithLimiter(limiter *rate.Limiter) Option {
	return func(b *Broadcaster) {
		if limiter != nil {
			b.limiter = limiter
		}
	}
}

// New constructs a Broadcaster over the user registry and notifier.
func New(users userLister, notifier notifier, logger *logrus.Entry, opts ...Option) *Broadcaster {
	if logger == nil {
		logger = logging.Logger()
	}

	b := &Broadcaster{
		users:    users,
		notifier: notifier,
		limiter:  rate.NewLimiter(rate.Every(DefaultDelay), 1),
		logger:   logger,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Send delivers the text to every registered user. Every recipient is
// attempted; per-user failures are classified and counted, never raised.
// Context cancellation aborts the run early, returning the partial report
// alongside the context error.
func (b *Broadcaster) Send(ctx context.Context, text string) (Report, error) {
	if b == nil || b.users == nil || b.notifier == nil {
		return Report{}, errors.New("broadcaster is not initialized")
	}
	if ctx == nil {
		return Report{}, errors.New("context is required")
	}

	ids, err := b.users.AllIDs(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list broadcast recipients: %w", err)
	}

	var report Report
	for _, userID := range ids {
		if err := b.limiter.Wait(ctx); err != nil {
			return report, fmt.Errorf("broadcast interrupted: %w", err)
		}

		switch err := b.notifier.Notify(ctx, userID, text); {
		case err == nil:
			report.Delivered++
			metrics.BroadcastMessages.WithLabelValues(metrics.OutcomeDelivered).Inc()
		case errors.Is(err, membership.ErrBlocked):
			report.Blocked++
			metrics.BroadcastMessages.WithLabelValues(metrics.OutcomeBlocked).Inc()
			b.logger.WithFields(logging.Fields{
				"event":   "broadcast_blocked",
				"user_id": userID,
			}).Debug("recipient unreachable")
		default:
			report.Failed++
			metrics.BroadcastMessages.WithLabelValues(metrics.OutcomeFailed).Inc()
			b.logger.WithFields(logging.Fields{
				"event":   "broadcast_failed",
				"user_id": userID,
			}).WithError(err).Warn("broadcast delivery failed")
		}
	}

	b.logger.WithFields(logging.Fields{
		"event":     "broadcast_complete",
		"delivered": report.Delivered,
		"blocked":   report.Blocked,
		"failed":    report.Failed,
	}).Info("broadcast run complete")

	return report, nil
}
