// Package telegram hosts the Telegram client, routing, and handlers.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"

	"tg_vip_access_bot/internal/broadcast"
	"tg_vip_access_bot/internal/config"
	"tg_vip_access_bot/internal/feature/user"
	"tg_vip_access_bot/internal/ledger"
	"tg_vip_access_bot/internal/logging"
	"tg_vip_access_bot/internal/tariff"
)

type botRunner interface {
	Start(ctx context.Context)
	RegisterHandler(handlerType bot.HandlerType, pattern string, matchType bot.MatchType, f bot.HandlerFunc, m ...bot.Middleware) string
}

// sender is the slice of the Bot API the handlers talk to; *bot.Bot satisfies
// it, tests substitute a fake.
type sender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	EditMessageText(ctx context.Context, params *bot.EditMessageTextParams) (*models.Message, error)
	AnswerCallbackQuery(ctx context.Context, params *bot.AnswerCallbackQueryParams) (bool, error)
}

type userRegistrar interface {
	EnsureUser(ctx context.Context, profile user.Profile) (bool, error)
}

type grantLedger interface {
	Get(userID int64) (ledger.UserSubscription, bool)
	Grant(ctx context.Context, userID int64, tariffID string, now time.Time) (ledger.GrantRecord, error)
}

type promoState interface {
	Activate(ctx context.Context, userID int64) error
	IsActive(ctx context.Context, userID int64) (bool, error)
}

type statsProvider interface {
	CountUsers(ctx context.Context) (int64, error)
	CountActiveGrants(now time.Time) (int, error)
}

type catalogView interface {
	Get(id string) (tariff.Definition, bool)
	All() []tariff.Definition
}

type notifier interface {
	Notify(ctx context.Context, userID int64, text string) error
}

type broadcaster interface {
	Send(ctx context.Context, text string) (broadcast.Report, error)
}

var (
	defaultAllowedUpdates = bot.AllowedUpdates{
		"message",
		"edited_message",
		"callback_query",
		"my_chat_member",
		"chat_member",
	}

	createBot = func(token string, options ...bot.Option) (botRunner, error) {
		return bot.New(token, options...)
	}
)

// Client wraps the Telegram bot instance and the collaborators the command
// handlers act on.
type Client struct {
	bot     botRunner
	logger  *logrus.Entry
	ownerID int64

	registrar   userRegistrar
	catalog     catalogView
	ledger      grantLedger
	promo       promoState
	stats       statsProvider
	notifier    notifier
	broadcaster broadcaster
	now         func() time.Time
}

// Option wires an optional collaborator into the client.
type Option func(*Client)

// WithUserRegistrar enables first-contact profile registration.
func WithUserRegistrar(registrar userRegistrar) Option {
	return func(c *Client) {
		c.registrar = registrar
	}
}

// WithCatalog enables the tariff menu handlers.
func WithCatalog(catalog catalogView) Option {
	return func(c *Client) {
		c.catalog = catalog
	}
}

// WithLedger enables the subscription view and the /grant command.
func WithLedger(ledger grantLedger) Option {
	return func(c *Client) {
		c.ledger = ledger
	}
}

// WithPromo enables the promo activation flow.
func WithPromo(promo promoState) Option {
	return func(c *Client) {
		c.promo = promo
	}
}

// WithStats enables the /stats command.
func WithStats(stats statsProvider) Option {
	return func(c *Client) {
		c.stats = stats
	}
}

// WithClock overrides the time source; used in tests.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// NewClient initializes the Telegram bot with long polling, default handlers,
// and the command routes.
func NewClient(cfg config.Config, logger *logrus.Entry, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.TelegramToken) == "" {
		return nil, errors.New("telegram token is required")
	}
	if logger == nil {
		logger = logging.Logger()
	}

	tgBot, err := createBot(cfg.TelegramToken,
		bot.WithAllowedUpdates(defaultAllowedUpdates),
		bot.WithDefaultHandler(defaultHandler(logger)),
		bot.WithErrorsHandler(errorHandler(logger)),
	)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot client: %w", err)
	}

	client := &Client{
		bot:     tgBot,
		logger:  logger,
		ownerID: cfg.BotOwnerID,
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(client)
	}

	client.registerHandlers()

	return client, nil
}

// SetNotifier wires the direct-message notifier used by /grant. Set after
// construction because the notifier itself is built over this client's bot.
func (c *Client) SetNotifier(notifier notifier) {
	c.notifier = notifier
}

// SetBroadcaster wires the bulk-notification service used by /broadcast.
func (c *Client) SetBroadcaster(broadcaster broadcaster) {
	c.broadcaster = broadcaster
}

// Bot exposes the underlying Bot API client for collaborators built on the
// same connection. Tests using a fake runner receive nil.
func (c *Client) Bot() *bot.Bot {
	if tgBot, ok := c.bot.(*bot.Bot); ok {
		return tgBot
	}

	return nil
}

func (c *Client) registerHandlers() {
	c.bot.RegisterHandler(bot.HandlerTypeMessageText, cmdStart, bot.MatchTypeExact, c.wrap(c.handleStart))
	c.bot.RegisterHandler(bot.HandlerTypeMessageText, btnTariffs, bot.MatchTypeExact, c.wrap(c.handleTariffMenu))
	c.bot.RegisterHandler(bot.HandlerTypeMessageText, btnMySubscription, bot.MatchTypeExact, c.wrap(c.handleMySubscription))
	c.bot.RegisterHandler(bot.HandlerTypeMessageText, cmdGrant, bot.MatchTypePrefix, c.wrap(c.handleGrant))
	c.bot.RegisterHandler(bot.HandlerTypeMessageText, cmdBroadcast, bot.MatchTypePrefix, c.wrap(c.handleBroadcast))
	c.bot.RegisterHandler(bot.HandlerTypeMessageText, cmdStats, bot.MatchTypeExact, c.wrap(c.handleStats))

	c.bot.RegisterHandler(bot.HandlerTypeCallbackQueryData, cbTariffPrefix, bot.MatchTypePrefix, c.wrap(c.handleTariffDetail))
	c.bot.RegisterHandler(bot.HandlerTypeCallbackQueryData, cbPayPrefix, bot.MatchTypePrefix, c.wrap(c.handlePaymentDetails))
	c.bot.RegisterHandler(bot.HandlerTypeCallbackQueryData, cbBackToTariffs, bot.MatchTypeExact, c.wrap(c.handleBackToTariffs))
	c.bot.RegisterHandler(bot.HandlerTypeCallbackQueryData, cbActivatePromo, bot.MatchTypeExact, c.wrap(c.handleActivatePromo))
}

// wrap adapts a sender-based handler to the Bot API handler signature.
func (c *Client) wrap(h func(ctx context.Context, api sender, update *models.Update)) bot.HandlerFunc {
	return func(ctx context.Context, b *bot.Bot, update *models.Update) {
		h(ctx, b, update)
	}
}

// Start begins receiving updates via long polling until the context is canceled.
func (c *Client) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	c.logger.WithFields(logging.Fields{
		"event":           "telegram_listen",
		"allowed_updates": defaultAllowedUpdates,
	}).Info("starting telegram long polling")

	c.bot.Start(ctx)

	c.logger.WithField("event", "telegram_stopped").Info("telegram polling stopped")
}

type updateMeta struct {
	userID     int64
	chatID     int64
	text       string
	updateType string
}

func defaultHandler(logger *logrus.Entry) bot.HandlerFunc {
	if logger == nil {
		logger = logging.Logger()
	}

	return func(ctx context.Context, _ *bot.Bot, update *models.Update) {
		if update == nil {
			return
		}

		meta := extractUpdateMeta(update)

		fields := logging.Fields{
			"event":       "telegram_update",
			"update_type": meta.updateType,
		}

		if meta.text != "" {
			fields["text"] = meta.text
		}
		if meta.userID != 0 {
			fields["user_id"] = meta.userID
		}
		if meta.chatID != 0 {
			fields["chat_id"] = meta.chatID
		}

		logger.WithFields(fields).Info("telegram update received")
	}
}

func extractUpdateMeta(update *models.Update) updateMeta {
	switch {
	case update.Message != nil:
		return updateMeta{
			userID:     userID(update.Message.From),
			chatID:     chatID(&update.Message.Chat),
			text:       strings.TrimSpace(update.Message.Text),
			updateType: "message",
		}
	case update.EditedMessage != nil:
		return updateMeta{
			userID:     userID(update.EditedMessage.From),
			chatID:     chatID(&update.EditedMessage.Chat),
			text:       strings.TrimSpace(update.EditedMessage.Text),
			updateType: "edited_message",
		}
	case update.CallbackQuery != nil:
		return updateMeta{
			userID:     userID(&update.CallbackQuery.From),
			chatID:     messageChatID(update.CallbackQuery.Message),
			text:       strings.TrimSpace(update.CallbackQuery.Data),
			updateType: "callback_query",
		}
	case update.MyChatMember != nil:
		return updateMeta{
			userID:     userID(&update.MyChatMember.From),
			chatID:     chatID(&update.MyChatMember.Chat),
			updateType: "my_chat_member",
		}
	case update.ChatMember != nil:
		return updateMeta{
			userID:     userID(&update.ChatMember.From),
			chatID:     chatID(&update.ChatMember.Chat),
			updateType: "chat_member",
		}
	default:
		return updateMeta{updateType: "unknown"}
	}
}

func errorHandler(logger *logrus.Entry) bot.ErrorsHandler {
	if logger == nil {
		logger = logging.Logger()
	}

	return func(err error) {
		if err == nil {
			return
		}

		logger.WithField("event", "telegram_error").WithError(err).Error("telegram polling error")
	}
}

func userID(from *models.User) int64 {
	if from == nil {
		return 0
	}

	return from.ID
}

func chatID(chat *models.Chat) int64 {
	if chat == nil {
		return 0
	}

	return chat.ID
}

func messageChatID(msg models.MaybeInaccessibleMessage) int64 {
	switch msg.Type {
	case models.MaybeInaccessibleMessageTypeMessage:
		if msg.Message == nil {
			return 0
		}
		return chatID(&msg.Message.Chat)
	case models.MaybeInaccessibleMessageTypeInaccessibleMessage:
		if msg.InaccessibleMessage == nil {
			return 0
		}
		return chatID(&msg.InaccessibleMessage.Chat)
	default:
		return 0
	}
}

func messageID(msg models.MaybeInaccessibleMessage) int {
	switch msg.Type {
	case models.MaybeInaccessibleMessageTypeMessage:
		if msg.Message == nil {
			return 0
		}
		return msg.Message.ID
	case models.MaybeInaccessibleMessageTypeInaccessibleMessage:
		if msg.InaccessibleMessage == nil {
			return 0
		}
		return msg.InaccessibleMessage.MessageID
	default:
		return 0
	}
}
