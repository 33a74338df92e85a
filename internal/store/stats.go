package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type countCollection interface {
	CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error)
}

type grantCounter interface {
	ActiveGrantCount(now time.Time) int
}

// StatsProvider exposes helper methods to retrieve basic diagnostics for the
// operator without leaking MongoDB or ledger internals to callers.
type StatsProvider struct {
	users  countCollection
	ledger grantCounter
}

// NewStatsProvider constructs a StatsProvider backed by the users collection
// and the subscription ledger.
func NewStatsProvider(users countCollection, ledger grantCounter) *StatsProvider {
	return &StatsProvider{
		users:  users,
		ledger: ledger,
	}
}

// CountUsers returns the number of documents in the users collection.
func (p *StatsProvider) CountUsers(ctx context.Context) (int64, error) {
	if ctx == nil {
		return 0, errors.New("context is required")
	}
	if p == nil || p.users == nil {
		return 0, errors.New("stats provider is not initialized")
	}

	count, err := p.users.CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}

	return count, nil
}

// CountActiveGrants returns the number of unexpired grants across all users.
func (p *StatsProvider) CountActiveGrants(now time.Time) (int, error) {
	if p == nil || p.ledger == nil {
		return 0, errors.New("stats provider is not initialized")
	}

	return p.ledger.ActiveGrantCount(now), nil
}
