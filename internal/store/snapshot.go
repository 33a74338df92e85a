package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tg_vip_access_bot/internal/ledger"
	"tg_vip_access_bot/internal/logging"
)

// ledgerDocID keys the single snapshot document in the ledger collection.
const ledgerDocID = "subscriptions"

type replaceFindCollection interface {
	ReplaceOne(ctx context.Context, filter interface{}, replacement interface{}, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error)
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
}

type ledgerDoc struct {
	ID        string         `bson:"_id"`
	Users     []userEntryDoc `bson:"users"`
	UpdatedAt time.Time      `bson:"updated_at"`
}

type userEntryDoc struct {
	UserID int64      `bson:"user_id"`
	Grants []grantDoc `bson:"grants"`
}

type grantDoc struct {
	TariffID  string    `bson:"tariff_id"`
	ExpiresAt time.Time `bson:"expires_at"`
}

// LedgerStore persists the subscription ledger as one Mongo document that is
// replaced wholesale on every mutation. A single-document replace is atomic,
// so readers never observe a partial snapshot.
type LedgerStore struct {
	collection replaceFindCollection
	logger     *logrus.Entry
}

// NewLedgerStore constructs a LedgerStore over the ledger collection.
func NewLedgerStore(collection replaceFindCollection, logger *logrus.Entry) *LedgerStore {
	if logger == nil {
		logger = logging.Logger()
	}

	return &LedgerStore{
		collection: collection,
		logger:     logger,
	}
}

// Load fetches the persisted snapshot. A missing document is an empty ledger;
// a document that fails to decode is logged and also treated as empty so a
// corrupt snapshot never blocks startup.
func (s *LedgerStore) Load(ctx context.Context) (ledger.Snapshot, error) {
	if s == nil || s.collection == nil {
		return nil, errors.New("ledger store is not initialized")
	}
	if ctx == nil {
		return nil, errors.New("context is required")
	}

	result := s.collection.FindOne(ctx, bson.M{"_id": ledgerDocID})
	if result == nil {
		return nil, errors.New("find ledger snapshot returned no result")
	}
	if err := result.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return ledger.Snapshot{}, nil
		}
		return nil, fmt.Errorf("find ledger snapshot: %w", err)
	}

	var doc ledgerDoc
	if err := result.Decode(&doc); err != nil {
		s.logger.WithFields(logging.Fields{
			"event": "ledger_snapshot_corrupt",
		}).WithError(err).Warn("failed to decode ledger snapshot, starting empty")
		return ledger.Snapshot{}, nil
	}

	snapshot := make(ledger.Snapshot, len(doc.Users))
	for _, entry := range doc.Users {
		grants := make([]ledger.GrantRecord, 0, len(entry.Grants))
		for _, grant := range entry.Grants {
			grants = append(grants, ledger.GrantRecord{
				TariffID:  grant.TariffID,
				ExpiresAt: grant.ExpiresAt.UTC(),
			})
		}
		snapshot[entry.UserID] = ledger.UserSubscription{
			UserID: entry.UserID,
			Grants: grants,
		}
	}

	return snapshot, nil
}

// Save replaces the persisted snapshot with the given one.
func (s *LedgerStore) Save(ctx context.Context, snapshot ledger.Snapshot) error {
	if s == nil || s.collection == nil {
		return errors.New("ledger store is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	userIDs := make([]int64, 0, len(snapshot))
	for userID := range snapshot {
		userIDs = append(userIDs, userID)
	}
	sort.Slice(userIDs, func(i, j int) bool { return userIDs[i] < userIDs[j] })

	users := make([]userEntryDoc, 0, len(userIDs))
	for _, userID := range userIDs {
		entry := snapshot[userID]
		grants := make([]grantDoc, 0, len(entry.Grants))
		for _, grant := range entry.Grants {
			grants = append(grants, grantDoc{
				TariffID:  grant.TariffID,
				ExpiresAt: grant.ExpiresAt.UTC(),
			})
		}
		users = append(users, userEntryDoc{UserID: userID, Grants: grants})
	}

	doc := ledgerDoc{
		ID:        ledgerDocID,
		Users:     users,
		UpdatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}

	if _, err := s.collection.ReplaceOne(ctx,
		bson.M{"_id": ledgerDocID},
		doc,
		options.Replace().SetUpsert(true),
	); err != nil {
		return fmt.Errorf("replace ledger snapshot: %w", err)
	}

	return nil
}
