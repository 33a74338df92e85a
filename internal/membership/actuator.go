// Package membership wraps the Telegram group-membership provider: revoking
// access and delivering direct notifications, with provider failures mapped to
// a small typed taxonomy.
package membership

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"

	"tg_vip_access_bot/internal/logging"
)

// ErrBlocked marks a notification that could not be delivered because the
// recipient blocked the bot or deactivated their account.
var ErrBlocked = errors.New("recipient unreachable")

// RevokeError reports a membership revocation the provider rejected.
type RevokeError struct {
	GroupID int64
	UserID  int64
	Reason  string
}

func (e *RevokeError) Error() string {
	return fmt.Sprintf("revoke user %d from group %d: %s", e.UserID, e.GroupID, e.Reason)
}

// NotifyError reports a notification failure other than a blocked recipient.
type NotifyError struct {
	UserID int64
	Reason string
}

func (e *NotifyError) Error() string {
	return fmt.Sprintf("notify user %d: %s", e.UserID, e.Reason)
}

type memberAPI interface {
	BanChatMember(ctx context.Context, params *bot.BanChatMemberParams) (bool, error)
	UnbanChatMember(ctx context.Context, params *bot.UnbanChatMemberParams) (bool, error)
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

// Actuator acts on group membership through the Telegram Bot API.
type Actuator struct {
	api    memberAPI
	logger *logrus.Entry
}

// NewActuator constructs an Actuator over the provider client.
func NewActuator(api memberAPI, logger *logrus.Entry) *Actuator {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Actuator{
		api:    api,
		logger: logger,
	}
}

// Revoke expels the user from the group and immediately lifts the ban so they
// may rejoin after repurchasing. A user already absent from the group counts
// as success.
func (a *Actuator) Revoke(ctx context.Context, groupID, userID int64) error {
	if a == nil || a.api == nil {
		return errors.New("membership actuator is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	if _, err := a.api.BanChatMember(ctx, &bot.BanChatMemberParams{
		ChatID: groupID,
		UserID: userID,
	}); err != nil && !isAlreadyAbsent(err) {
		return &RevokeError{GroupID: groupID, UserID: userID, Reason: err.Error()}
	}

	if _, err := a.api.UnbanChatMember(ctx, &bot.UnbanChatMemberParams{
		ChatID:       groupID,
		UserID:       userID,
		OnlyIfBanned: true,
	}); err != nil && !isAlreadyAbsent(err) {
		return &RevokeError{GroupID: groupID, UserID: userID, Reason: err.Error()}
	}

	a.logger.WithFields(logging.Fields{
		"event":   "membership_revoked",
		"user_id": userID,
		"chat_id": groupID,
	}).Info("revoked group membership")

	return nil
}

// Notify delivers a direct message to the user. Blocked or deactivated
// recipients are reported as ErrBlocked; other provider faults as NotifyError.
func (a *Actuator) Notify(ctx context.Context, userID int64, text string) error {
	if a == nil || a.api == nil {
		return errors.New("membership actuator is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	_, err := a.api.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    userID,
		Text:      text,
		ParseMode: models.ParseModeHTML,
	})
	if err == nil {
		return nil
	}

	if isBlocked(err) {
		return fmt.Errorf("notify user %d: %w", userID, ErrBlocked)
	}

	return &NotifyError{UserID: userID, Reason: err.Error()}
}

// isAlreadyAbsent matches provider replies meaning the user is not (or no
// longer) a member of the group.
func isAlreadyAbsent(err error) bool {
	msg := strings.ToLower(err.Error())

	return strings.Contains(msg, "user not found") ||
		strings.Contains(msg, "user_not_participant") ||
		strings.Contains(msg, "participant_id_invalid") ||
		strings.Contains(msg, "user is not a member")
}

// isBlocked matches provider replies meaning the recipient opted out.
func isBlocked(err error) bool {
	msg := strings.ToLower(err.Error())

	return strings.Contains(msg, "blocked") ||
		strings.Contains(msg, "deactivated") ||
		strings.Contains(msg, "forbidden")
}
