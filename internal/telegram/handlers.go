package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"tg_vip_access_bot/internal/feature/user"
	"tg_vip_access_bot/internal/ledger"
	"tg_vip_access_bot/internal/logging"
	"tg_vip_access_bot/internal/tariff"
)

const (
	cmdStart     = "/start"
	cmdGrant     = "/grant"
	cmdBroadcast = "/broadcast"
	cmdStats     = "/stats"

	btnTariffs        = "💳 Tariffs"
	btnMySubscription = "⏳ My subscription"

	cbTariffPrefix  = "tariff_"
	cbPayPrefix     = "pay_"
	cbBackToTariffs = "back_to_tariffs"
	cbActivatePromo = "activate_promo"

	payMethodBank = "bank"
	payMethodSBP  = "sbp"
)

const (
	textWelcome        = "Welcome! Pick a tariff to join the VIP channel, or check your current subscription."
	textPromoOffer     = "Have a promo code from our channel? Activate it to get a 20% discount on any tariff."
	textPromoActivated = "🎁 Promo activated. A 20% discount now applies to every tariff price you see."
	textNoTariffs      = "No tariffs are available right now. Please check back later."
	textChooseTariff   = "Choose a tariff:"
	textNoSubscription = "You have no active subscription. Pick a tariff to join."
	textGrantUsage     = "Usage: /grant <user_id> <tariff_id>"
	textBroadcastUsage = "Usage: /broadcast <text>"

	expiryDateLayout = "2006-01-02"
)

// handleStart registers the user profile and presents the main menu.
func (c *Client) handleStart(ctx context.Context, api sender, update *models.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}

	c.ensureContact(ctx, msg)

	c.replyWithMarkup(ctx, api, chatID(&msg.Chat), textWelcome, &models.ReplyKeyboardMarkup{
		Keyboard: [][]models.KeyboardButton{
			{{Text: btnTariffs}, {Text: btnMySubscription}},
		},
		ResizeKeyboard: true,
	})

	if c.promo != nil {
		c.replyWithMarkup(ctx, api, chatID(&msg.Chat), textPromoOffer, &models.InlineKeyboardMarkup{
			InlineKeyboard: [][]models.InlineKeyboardButton{
				{{Text: "🎁 Activate promo", CallbackData: cbActivatePromo}},
			},
		})
	}
}

// handleTariffMenu sends the tariff list with promo-adjusted prices.
func (c *Client) handleTariffMenu(ctx context.Context, api sender, update *models.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || c.catalog == nil {
		return
	}

	definitions := c.catalog.All()
	if len(definitions) == 0 {
		c.reply(ctx, api, chatID(&msg.Chat), textNoTariffs)
		return
	}

	c.replyWithMarkup(ctx, api, chatID(&msg.Chat), textChooseTariff,
		c.tariffKeyboard(ctx, msg.From.ID, definitions))
}

// handleMySubscription lists the user's active grants with expiry dates.
func (c *Client) handleMySubscription(ctx context.Context, api sender, update *models.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || c.ledger == nil {
		return
	}

	now := c.now()
	entry, ok := c.ledger.Get(msg.From.ID)

	var lines []string
	if ok {
		for _, grant := range entry.Grants {
			if !now.Before(grant.ExpiresAt) {
				continue
			}
			lines = append(lines, fmt.Sprintf("• %s — until %s",
				c.tariffName(grant.TariffID), grant.ExpiresAt.UTC().Format(expiryDateLayout)))
		}
	}

	if len(lines) == 0 {
		c.reply(ctx, api, chatID(&msg.Chat), textNoSubscription)
		return
	}

	c.reply(ctx, api, chatID(&msg.Chat), "Your subscriptions:\n"+strings.Join(lines, "\n"))
}

// handleTariffDetail shows one tariff with payment options.
func (c *Client) handleTariffDetail(ctx context.Context, api sender, update *models.Update) {
	cb := update.CallbackQuery
	if cb == nil || c.catalog == nil {
		return
	}

	c.ackCallback(ctx, api, cb.ID, "")

	tariffID := strings.TrimPrefix(cb.Data, cbTariffPrefix)
	def, ok := c.catalog.Get(tariffID)
	if !ok {
		c.editMessage(ctx, api, cb, textNoTariffs, nil)
		return
	}

	price, discounted := c.quotePrice(ctx, cb.From.ID, def)

	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b>\n", def.Name)
	if def.Description != "" {
		fmt.Fprintf(&b, "%s\n", def.Description)
	}
	fmt.Fprintf(&b, "Duration: %d days\n", def.DurationDays)
	fmt.Fprintf(&b, "Price: %s", formatPrice(price))
	if discounted {
		b.WriteString(" (promo discount applied)")
	}

	c.editMessage(ctx, api, cb, b.String(), &models.InlineKeyboardMarkup{
		InlineKeyboard: [][]models.InlineKeyboardButton{
			{{Text: "🏦 Bank transfer", CallbackData: cbPayPrefix + payMethodBank + "_" + def.ID}},
			{{Text: "📱 SBP", CallbackData: cbPayPrefix + payMethodSBP + "_" + def.ID}},
			{{Text: "⬅️ Back", CallbackData: cbBackToTariffs}},
		},
	})
}

// handlePaymentDetails shows the transfer instructions for a payment method.
// Payments are confirmed manually: the buyer sends a receipt to the operator,
// who then issues the grant with /grant.
func (c *Client) handlePaymentDetails(ctx context.Context, api sender, update *models.Update) {
	cb := update.CallbackQuery
	if cb == nil || c.catalog == nil {
		return
	}

	c.ackCallback(ctx, api, cb.ID, "")

	method, tariffID, ok := strings.Cut(strings.TrimPrefix(cb.Data, cbPayPrefix), "_")
	if !ok {
		return
	}

	def, found := c.catalog.Get(tariffID)
	if !found {
		c.editMessage(ctx, api, cb, textNoTariffs, nil)
		return
	}

	price, _ := c.quotePrice(ctx, cb.From.ID, def)

	var b strings.Builder
	switch method {
	case payMethodBank:
		fmt.Fprintf(&b, "Transfer %s by bank card for <b>%s</b>.\n", formatPrice(price), def.Name)
	case payMethodSBP:
		fmt.Fprintf(&b, "Transfer %s via SBP for <b>%s</b>.\n", formatPrice(price), def.Name)
	default:
		return
	}
	b.WriteString("After paying, send the receipt to the operator. Access is granted after the payment is confirmed.")

	c.editMessage(ctx, api, cb, b.String(), &models.InlineKeyboardMarkup{
		InlineKeyboard: [][]models.InlineKeyboardButton{
			{{Text: "⬅️ Back", CallbackData: cbTariffPrefix + def.ID}},
		},
	})
}

// handleBackToTariffs returns from a tariff detail to the tariff list.
func (c *Client) handleBackToTariffs(ctx context.Context, api sender, update *models.Update) {
	cb := update.CallbackQuery
	if cb == nil || c.catalog == nil {
		return
	}

	c.ackCallback(ctx, api, cb.ID, "")

	definitions := c.catalog.All()
	if len(definitions) == 0 {
		c.editMessage(ctx, api, cb, textNoTariffs, nil)
		return
	}

	c.editMessage(ctx, api, cb, textChooseTariff,
		c.tariffKeyboard(ctx, cb.From.ID, definitions))
}

// handleActivatePromo flips the user's promo flag and confirms in place.
func (c *Client) handleActivatePromo(ctx context.Context, api sender, update *models.Update) {
	cb := update.CallbackQuery
	if cb == nil || c.promo == nil {
		return
	}

	if err := c.promo.Activate(ctx, cb.From.ID); err != nil {
		c.logger.WithFields(logging.Fields{
			"event":   "promo_activate_failed",
			"user_id": cb.From.ID,
		}).WithError(err).Warn("failed to activate promo")
		c.ackCallback(ctx, api, cb.ID, "Could not activate the promo, please try /start first.")
		return
	}

	c.ackCallback(ctx, api, cb.ID, "Promo activated")
	c.editMessage(ctx, api, cb, textPromoActivated, nil)
}

// handleGrant is the operator's manual payment confirmation:
// /grant <user_id> <tariff_id>. Non-operator invocations are silently ignored.
func (c *Client) handleGrant(ctx context.Context, api sender, update *models.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || c.ledger == nil {
		return
	}
	if !c.isOwner(msg.From.ID, cmdGrant) {
		return
	}

	fields := strings.Fields(msg.Text)
	if len(fields) != 3 {
		c.reply(ctx, api, chatID(&msg.Chat), textGrantUsage)
		return
	}

	buyerID, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		c.reply(ctx, api, chatID(&msg.Chat), textGrantUsage)
		return
	}
	tariffID := fields[2]

	grant, err := c.ledger.Grant(ctx, buyerID, tariffID, c.now())
	switch {
	case errors.Is(err, ledger.ErrUnknownTariff):
		c.reply(ctx, api, chatID(&msg.Chat), fmt.Sprintf("Unknown tariff %q.", tariffID))
		return
	case err != nil:
		c.logger.WithFields(logging.Fields{
			"event":     "grant_failed",
			"user_id":   buyerID,
			"tariff_id": tariffID,
		}).WithError(err).Error("failed to issue grant")
		c.reply(ctx, api, chatID(&msg.Chat), "Failed to issue the grant, see logs.")
		return
	}

	expiry := grant.ExpiresAt.UTC().Format(expiryDateLayout)
	c.reply(ctx, api, chatID(&msg.Chat),
		fmt.Sprintf("Granted %s to user %d until %s.", tariffID, buyerID, expiry))

	if c.notifier != nil {
		text := fmt.Sprintf("✅ Payment confirmed. Your <b>%s</b> access is active until %s.",
			c.tariffName(tariffID), expiry)
		if err := c.notifier.Notify(ctx, buyerID, text); err != nil {
			c.logger.WithFields(logging.Fields{
				"event":   "grant_notify_failed",
				"user_id": buyerID,
			}).WithError(err).Warn("failed to notify buyer about the grant")
		}
	}
}

// handleBroadcast sends the payload to every registered user and reports the
// outcome counts back to the operator.
func (c *Client) handleBroadcast(ctx context.Context, api sender, update *models.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || c.broadcaster == nil {
		return
	}
	if !c.isOwner(msg.From.ID, cmdBroadcast) {
		return
	}

	payload := strings.TrimSpace(strings.TrimPrefix(msg.Text, cmdBroadcast))
	if payload == "" {
		c.reply(ctx, api, chatID(&msg.Chat), textBroadcastUsage)
		return
	}

	report, err := c.broadcaster.Send(ctx, payload)
	if err != nil {
		c.logger.WithField("event", "broadcast_command_failed").WithError(err).Error("broadcast run failed")
		c.reply(ctx, api, chatID(&msg.Chat),
			fmt.Sprintf("Broadcast interrupted: %v. Partial result: %s.", err, report))
		return
	}

	c.reply(ctx, api, chatID(&msg.Chat),
		fmt.Sprintf("Broadcast finished: %s.", report))
}

// handleStats reports registry and ledger counts to the operator.
func (c *Client) handleStats(ctx context.Context, api sender, update *models.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || c.stats == nil {
		return
	}
	if !c.isOwner(msg.From.ID, cmdStats) {
		return
	}

	users, err := c.stats.CountUsers(ctx)
	if err != nil {
		c.logger.WithField("event", "stats_failed").WithError(err).Error("failed to count users")
		c.reply(ctx, api, chatID(&msg.Chat), "Failed to collect stats, see logs.")
		return
	}

	grants, err := c.stats.CountActiveGrants(c.now())
	if err != nil {
		c.logger.WithField("event", "stats_failed").WithError(err).Error("failed to count active grants")
		c.reply(ctx, api, chatID(&msg.Chat), "Failed to collect stats, see logs.")
		return
	}

	c.reply(ctx, api, chatID(&msg.Chat),
		fmt.Sprintf("👥 Users: %d\n🔑 Active grants: %d", users, grants))
}

// isOwner gates operator commands. Anyone else is ignored without a reply.
func (c *Client) isOwner(senderID int64, command string) bool {
	if c.ownerID != 0 && senderID == c.ownerID {
		return true
	}

	c.logger.WithFields(logging.Fields{
		"event":   "admin_command_ignored",
		"user_id": senderID,
		"command": command,
	}).Debug("ignoring administrative command from non-operator")

	return false
}

func (c *Client) ensureContact(ctx context.Context, msg *models.Message) {
	if c.registrar == nil || msg.From == nil {
		return
	}

	created, err := c.registrar.EnsureUser(ctx, user.Profile{
		UserID:    msg.From.ID,
		Username:  msg.From.Username,
		FirstName: msg.From.FirstName,
		LastName:  msg.From.LastName,
	})
	if err != nil {
		c.logger.WithFields(logging.Fields{
			"event":   "user_register_failed",
			"user_id": msg.From.ID,
		}).WithError(err).Warn("failed to register user profile")
		return
	}

	if created {
		c.logger.WithFields(logging.Fields{
			"event":   "user_registered",
			"user_id": msg.From.ID,
		}).Info("registered new user")
	}
}

func (c *Client) tariffKeyboard(ctx context.Context, userID int64, definitions []tariff.Definition) *models.InlineKeyboardMarkup {
	rows := make([][]models.InlineKeyboardButton, 0, len(definitions))
	for _, def := range definitions {
		price, _ := c.quotePrice(ctx, userID, def)
		rows = append(rows, []models.InlineKeyboardButton{{
			Text:         fmt.Sprintf("%s — %s", def.Name, formatPrice(price)),
			CallbackData: cbTariffPrefix + def.ID,
		}})
	}

	return &models.InlineKeyboardMarkup{InlineKeyboard: rows}
}

// quotePrice applies the promo discount when the user's flag is set. Promo
// lookup failures degrade to the full price.
func (c *Client) quotePrice(ctx context.Context, userID int64, def tariff.Definition) (float64, bool) {
	promoActive := false
	if c.promo != nil {
		active, err := c.promo.IsActive(ctx, userID)
		if err != nil {
			c.logger.WithFields(logging.Fields{
				"event":   "promo_lookup_failed",
				"user_id": userID,
			}).WithError(err).Warn("failed to read promo flag, quoting full price")
		} else {
			promoActive = active
		}
	}

	return tariff.Quote(def.Price, promoActive), promoActive
}

func (c *Client) tariffName(tariffID string) string {
	if c.catalog != nil {
		if def, ok := c.catalog.Get(tariffID); ok {
			return def.Name
		}
	}

	return tariffID
}

func formatPrice(value float64) string {
	return strconv.FormatFloat(value, 'f', 2, 64)
}

func (c *Client) reply(ctx context.Context, api sender, chatID int64, text string) {
	c.replyWithMarkup(ctx, api, chatID, text, nil)
}

func (c *Client) replyWithMarkup(ctx context.Context, api sender, chatID int64, text string, markup models.ReplyMarkup) {
	_, err := api.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:      chatID,
		Text:        text,
		ParseMode:   models.ParseModeHTML,
		ReplyMarkup: markup,
	})
	if err != nil {
		c.logger.WithFields(logging.Fields{
			"event":   "telegram_send_failed",
			"chat_id": chatID,
		}).WithError(err).Warn("failed to send message")
	}
}

func (c *Client) editMessage(ctx context.Context, api sender, cb *models.CallbackQuery, text string, markup models.ReplyMarkup) {
	targetChat := messageChatID(cb.Message)
	targetMessage := messageID(cb.Message)
	if targetChat == 0 || targetMessage == 0 {
		return
	}

	_, err := api.EditMessageText(ctx, &bot.EditMessageTextParams{
		ChatID:      targetChat,
		MessageID:   targetMessage,
		Text:        text,
		ParseMode:   models.ParseModeHTML,
		ReplyMarkup: markup,
	})
	if err != nil {
		c.logger.WithFields(logging.Fields{
			"event":   "telegram_edit_failed",
			"chat_id": targetChat,
		}).WithError(err).Warn("failed to edit message")
	}
}

func (c *Client) ackCallback(ctx context.Context, api sender, callbackID, text string) {
	_, err := api.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
		CallbackQueryID: callbackID,
		Text:            text,
	})
	if err != nil {
		c.logger.WithField("event", "telegram_callback_ack_failed").WithError(err).Warn("failed to answer callback query")
	}
}
