// Package ledger owns the durable record of per-user tariff grants and their
// expiry timestamps. Every read-modify-write sequence over the shared snapshot
// is serialized by a single mutex so a grant arriving while the expiry loop is
// pruning can never be lost to a stale overwrite.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tg_vip_access_bot/internal/logging"
	"tg_vip_access_bot/internal/tariff"
)

var (
	// ErrUnknownTariff reports a grant request for a tariff id missing from
	// the catalog.
	ErrUnknownTariff = errors.New("unknown tariff")

	// ErrPersistenceUnavailable reports that the snapshot store rejected a
	// write. The mutation is not committed in memory when this is returned.
	ErrPersistenceUnavailable = errors.New("ledger persistence unavailable")
)

// GrantRecord is one user's time-bounded right to a tariff's group.
type GrantRecord struct {
	TariffID  string
	ExpiresAt time.Time
}

// UserSubscription holds all grants for one user. The entry survives with an
// empty grant list after every grant expires; it is emptied, never deleted.
type UserSubscription struct {
	UserID int64
	Grants []GrantRecord
}

// Snapshot is the full ledger state keyed by user id.
type Snapshot map[int64]UserSubscription

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for userID, entry := range s {
		out[userID] = UserSubscription{
			UserID: entry.UserID,
			Grants: append([]GrantRecord(nil), entry.Grants...),
		}
	}

	return out
}

// Expired pairs a user with one of their lapsed grants.
type Expired struct {
	UserID int64
	Grant  GrantRecord
}

// SnapshotStore persists the ledger as a whole-document snapshot. Save must
// atomically replace the previous snapshot; Load must return an empty
// snapshot when none has been written yet.
type SnapshotStore interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snapshot Snapshot) error
}

type catalogLookup interface {
	Get(id string) (tariff.Definition, bool)
}

// Ledger is the single owner of the subscription snapshot.
type Ledger struct {
	mu       sync.Mutex
	store    SnapshotStore
	catalog  catalogLookup
	logger   *logrus.Entry
	snapshot Snapshot
}

// New loads the persisted snapshot and returns the ledger guarding it.
func New(ctx context.Context, store SnapshotStore, catalog catalogLookup, logger *logrus.Entry) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("snapshot store is required")
	}
	if catalog == nil {
		return nil, errors.New("tariff catalog is required")
	}
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	if logger == nil {
		logger = logging.Logger()
	}

	snapshot, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger snapshot: %w", err)
	}
	if snapshot == nil {
		snapshot = Snapshot{}
	}

	logger.WithFields(logging.Fields{
		"event": "ledger_loaded",
		"users": len(snapshot),
	}).Info("subscription ledger loaded")

	return &Ledger{
		store:    store,
		catalog:  catalog,
		logger:   logger,
		snapshot: snapshot,
	}, nil
}

// Get returns a copy of the user's subscription entry.
func (l *Ledger) Get(userID int64) (UserSubscription, bool) {
	if l == nil {
		return UserSubscription{}, false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.snapshot[userID]
	if !ok {
		return UserSubscription{}, false
	}

	return UserSubscription{
		UserID: entry.UserID,
		Grants: append([]GrantRecord(nil), entry.Grants...),
	}, true
}

// Grant records a tariff purchase for the user. A repeated grant for the same
// tariff replaces the previous expiry (last-write-wins, never stacked). The
// full snapshot is persisted before the mutation is committed; a failed write
// leaves memory untouched and returns ErrPersistenceUnavailable.
func (l *Ledger) Grant(ctx context.Context, userID int64, tariffID string, now time.Time) (GrantRecord, error) {
	if l == nil || l.store == nil {
		return GrantRecord{}, errors.New("ledger is not initialized")
	}
	if ctx == nil {
		return GrantRecord{}, errors.New("context is required")
	}
	if userID == 0 {
		return GrantRecord{}, errors.New("user id is required")
	}

	def, ok := l.catalog.Get(tariffID)
	if !ok {
		return GrantRecord{}, fmt.Errorf("grant tariff %q: %w", tariffID, ErrUnknownTariff)
	}

	record := GrantRecord{
		TariffID:  tariffID,
		ExpiresAt: now.Add(def.Duration()).UTC().Truncate(time.Millisecond),
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.snapshot.Clone()
	entry := next[userID]
	entry.UserID = userID

	replaced := false
	for i := range entry.Grants {
		if entry.Grants[i].TariffID == tariffID {
			entry.Grants[i] = record
			replaced = true
			break
		}
	}
	if !replaced {
		entry.Grants = append(entry.Grants, record)
	}
	next[userID] = entry

	if err := l.store.Save(ctx, next); err != nil {
		return GrantRecord{}, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	l.snapshot = next

	l.logger.WithFields(logging.Fields{
		"event":      "grant_recorded",
		"user_id":    userID,
		"tariff_id":  tariffID,
		"expires_at": record.ExpiresAt,
		"extended":   replaced,
	}).Info("recorded subscription grant")

	return record, nil
}

// IsActive reports whether the user holds an unexpired grant for the tariff.
// A grant expiring exactly at now is inactive.
func (l *Ledger) IsActive(userID int64, tariffID string, now time.Time) bool {
	if l == nil {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.snapshot[userID]
	if !ok {
		return false
	}

	for _, grant := range entry.Grants {
		if grant.TariffID == tariffID {
			return now.Before(grant.ExpiresAt)
		}
	}

	return false
}

// Partition splits a snapshot into the surviving state and the list of lapsed
// grants, ordered by user id. A user whose grants all lapse keeps an entry
// with an empty grant list. The input snapshot is not modified, and applying
// Partition to its own output (with the same now) removes nothing further.
func Partition(snapshot Snapshot, now time.Time) (Snapshot, []Expired) {
	kept := make(Snapshot, len(snapshot))

	userIDs := make([]int64, 0, len(snapshot))
	for userID := range snapshot {
		userIDs = append(userIDs, userID)
	}
	sort.Slice(userIDs, func(i, j int) bool { return userIDs[i] < userIDs[j] })

	var expired []Expired
	for _, userID := range userIDs {
		entry := snapshot[userID]
		surviving := make([]GrantRecord, 0, len(entry.Grants))

		for _, grant := range entry.Grants {
			if now.Before(grant.ExpiresAt) {
				surviving = append(surviving, grant)
				continue
			}
			expired = append(expired, Expired{UserID: userID, Grant: grant})
		}

		kept[userID] = UserSubscription{UserID: entry.UserID, Grants: surviving}
	}

	return kept, expired
}

// PruneExpired drops every grant with expires_at <= now, persists the
// surviving snapshot, and returns the expired entries for downstream
// revocation. When persistence fails the prune is abandoned (memory
// unchanged) so the next cycle retries the same set.
func (l *Ledger) PruneExpired(ctx context.Context, now time.Time) ([]Expired, error) {
	if l == nil || l.store == nil {
		return nil, errors.New("ledger is not initialized")
	}
	if ctx == nil {
		return nil, errors.New("context is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	kept, expired := Partition(l.snapshot, now)
	if len(expired) == 0 {
		return nil, nil
	}

	if err := l.store.Save(ctx, kept); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	l.snapshot = kept

	l.logger.WithFields(logging.Fields{
		"event":   "ledger_pruned",
		"expired": len(expired),
	}).Info("pruned expired grants")

	return expired, nil
}

// ActiveGrantCount reports the number of unexpired grants across all users.
func (l *Ledger) ActiveGrantCount(now time.Time) int {
	if l == nil {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	count := 0
	for _, entry := range l.snapshot {
		for _, grant := range entry.Grants {
			if now.Before(grant.ExpiresAt) {
				count++
			}
		}
	}

	return count
}
