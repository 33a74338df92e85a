// Package user provides helpers for user registration and lifecycle updates.
package user

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tg_vip_access_bot/internal/logging"
)

type userCollection interface {
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
	Distinct(ctx context.Context, fieldName string, filter interface{}, opts ...*options.DistinctOptions) ([]interface{}, error)
}

// Profile carries the identity fields captured on first contact.
type Profile struct {
	UserID    int64
	Username  string
	FirstName string
	LastName  string
}

// Registrar ensures user profiles are present in the database and keeps their
// last-seen timestamp updated on every interaction. Profile fields are written
// only on insert; registration is append-only.
type Registrar struct {
	users  userCollection
	logger *logrus.Entry
}

// NewRegistrar constructs a Registrar for the provided users collection.
func NewRegistrar(users userCollection, logger *logrus.Entry) *Registrar {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Registrar{
		users:  users,
		logger: logger,
	}
}

// EnsureUser upserts the profile if missing (insert-if-absent) and updates
// last_seen_at on every call. Reports whether a new profile was created.
func (r *Registrar) EnsureUser(ctx context.Context, profile Profile) (bool, error) {
	if r == nil || r.users == nil {
		return false, errors.New("user registrar is not initialized")
	}
	if ctx == nil {
		return false, errors.New("context is required")
	}
	if profile.UserID == 0 {
		return false, errors.New("user id is required")
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	update := bson.M{
		"$set": bson.M{
			"last_seen_at": now,
		},
		"$setOnInsert": bson.M{
			"user_id":       profile.UserID,
			"username":      strings.TrimSpace(profile.Username),
			"first_name":    strings.TrimSpace(profile.FirstName),
			"last_name":     strings.TrimSpace(profile.LastName),
			"registered_at": now,
			"promo_active":  false,
		},
	}

	result, err := r.users.UpdateOne(ctx,
		bson.M{"user_id": profile.UserID},
		update,
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return false, fmt.Errorf("ensure user: %w", err)
	}

	created := result != nil && result.UpsertedCount > 0
	if created {
		r.logger.WithFields(logging.Fields{
			"event":   "user_registered",
			"user_id": profile.UserID,
		}).Info("registered new user")
		return true, nil
	}

	r.logger.WithFields(logging.Fields{
		"event":   "user_seen",
		"user_id": profile.UserID,
	}).Debug("updated user last seen")

	return false, nil
}

// AllIDs returns every registered user id; used by the bulk notifier.
func (r *Registrar) AllIDs(ctx context.Context) ([]int64, error) {
	if r == nil || r.users == nil {
		return nil, errors.New("user registrar is not initialized")
	}
	if ctx == nil {
		return nil, errors.New("context is required")
	}

	values, err := r.users.Distinct(ctx, "user_id", bson.D{})
	if err != nil {
		return nil, fmt.Errorf("list user ids: %w", err)
	}

	ids := make([]int64, 0, len(values))
	for _, value := range values {
		switch v := value.(type) {
		case int64:
			ids = append(ids, v)
		case int32:
			ids = append(ids, int64(v))
		default:
			r.logger.WithFields(logging.Fields{
				"event": "user_id_skipped",
				"value": fmt.Sprintf("%v (%T)", value, value),
			}).Warn("skipping user_id with unexpected type")
		}
	}

	return ids, nil
}
