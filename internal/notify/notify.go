// Package notify sends operational alerts to an admin Telegram chat. All
// methods are nil-safe so the notifier can simply be left unconfigured.
package notify

import (
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type Notifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	log    *slog.Logger
}

// New returns nil when no bot token or chat is configured.
func New(token string, chatID int64, log *slog.Logger) (*Notifier, error) {
	if token == "" || chatID == 0 {
		return nil, nil
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &Notifier{bot: bot, chatID: chatID, log: log}, nil
}

func (n *Notifier) send(text string) {
	if n == nil {
		return
	}
	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.bot.Send(msg); err != nil {
		n.log.Error("send ops alert", "err", err)
	}
}

func (n *Notifier) PaymentSettled(orderID string, userID int64, credits int, creditType string) {
	n.send(fmt.Sprintf("payment settled: order=%s user=%d credits=%d type=%s", orderID, userID, credits, creditType))
}

func (n *Notifier) FallbackEngaged(primary, fallback string) {
	n.send(fmt.Sprintf("model fallback engaged: %s -> %s", primary, fallback))
}

func (n *Notifier) GenerationTimeout(taskID, model string) {
	n.send(fmt.Sprintf("generation timed out: task=%s model=%s", taskID, model))
}
