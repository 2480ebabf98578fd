package telegram

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"khqr-gateway/internal/domain"
)

// Notifier pushes payment events to an operator chat.
type Notifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	log    zerolog.Logger
}

func NewNotifier(bot *tgbotapi.BotAPI, chatID int64, logger zerolog.Logger) *Notifier {
	return &Notifier{bot: bot, chatID: chatID, log: logger}
}

func (n *Notifier) PaymentReceived(_ context.Context, tx domain.Transaction) error {
	var b strings.Builder
	b.WriteString("✅ *Payment Received*\n")
	fmt.Fprintf(&b, "Order: `%s`\n", escape(orderLabel(tx)))
	fmt.Fprintf(&b, "Amount: %.2f %s\n", tx.Amount, tx.Currency)
	if tx.PayerName != "" {
		fmt.Fprintf(&b, "From: %s\n", escape(tx.PayerName))
	}
	if tx.ExternalID != "" {
		fmt.Fprintf(&b, "Ref: `%s`", escape(tx.ExternalID))
	}
	return n.send(b.String())
}

func (n *Notifier) CheckFailed(_ context.Context, digest, message string) error {
	text := fmt.Sprintf("⚠️ *Payment Check Failed*\nDigest: `%s`\n%s", escape(digest), escape(message))
	return n.send(text)
}

func (n *Notifier) send(text string) error {
	for _, part := range SplitMessage(text) {
		msg := tgbotapi.NewMessage(n.chatID, part)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if _, err := n.bot.Send(msg); err != nil {
			n.log.Error().Err(err).Msg("telegram: send failed")
			return err
		}
	}
	return nil
}

func orderLabel(tx domain.Transaction) string {
	if tx.OrderID != "" {
		return tx.OrderID
	}
	return fmt.Sprintf("#%d", tx.ID)
}

func escape(s string) string {
	replacer := strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")
	return replacer.Replace(s)
}
