// Package promo tracks the per-user discount flag consulted at quote time.
package promo

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tg_vip_access_bot/internal/logging"
)

// ErrUnknownUser reports a promo operation for a user with no profile.
var ErrUnknownUser = errors.New("unknown user")

type promoCollection interface {
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
}

// State reads and mutates the promo_active flag on user profiles.
type State struct {
	users  promoCollection
	logger *logrus.Entry
}

// NewState constructs the promo state over the users collection.
func NewState(users promoCollection, logger *logrus.Entry) *State {
	if logger == nil {
		logger = logging.Logger()
	}

	return &State{
		users:  users,
		logger: logger,
	}
}

// Activate switches the user's promo flag on. Re-activating an already-active
// promo is a no-op success.
func (s *State) Activate(ctx context.Context, userID int64) error {
	if s == nil || s.users == nil {
		return errors.New("promo state is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	if userID == 0 {
		return errors.New("user id is required")
	}

	result, err := s.users.UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{"$set": bson.M{"promo_active": true}},
	)
	if err != nil {
		return fmt.Errorf("activate promo: %w", err)
	}

	if result == nil || result.MatchedCount == 0 {
		return fmt.Errorf("activate promo for user %d: %w", userID, ErrUnknownUser)
	}

	s.logger.WithFields(logging.Fields{
		"event":   "promo_activated",
		"user_id": userID,
	}).Info("promo code activated")

	return nil
}

// IsActive reports whether the user currently holds the promo discount.
// Unknown users simply have no discount.
func (s *State) IsActive(ctx context.Context, userID int64) (bool, error) {
	if s == nil || s.users == nil {
		return false, errors.New("promo state is not initialized")
	}
	if ctx == nil {
		return false, errors.New("context is required")
	}

	result := s.users.FindOne(ctx, bson.M{"user_id": userID})
	if result == nil {
		return false, errors.New("find user returned no result")
	}
	if err := result.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return false, nil
		}
		return false, fmt.Errorf("find user: %w", err)
	}

	var doc struct {
		PromoActive bool `bson:"promo_active"`
	}
	if err := result.Decode(&doc); err != nil {
		return false, fmt.Errorf("decode user: %w", err)
	}

	return doc.PromoActive, nil
}
