// Package notify delivers user-facing messages after a ledger change has
// been committed. Delivery is best effort.
package notify

import (
	"context"
	"fmt"

	"billingledger/internal/gateway"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram sends chat messages through the bot API.
type Telegram struct {
	bot sender
}

func NewTelegram(token string) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &Telegram{bot: bot}, nil
}

func (t *Telegram) PaymentSucceeded(ctx context.Context, telegramID int64, amount, balance int64) error {
	text := fmt.Sprintf("✅ Payment received: %s ₽\n💰 Balance: %s ₽",
		gateway.FormatAmount(amount), gateway.FormatAmount(balance))
	return t.send(ctx, telegramID, text)
}

func (t *Telegram) send(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	_, err := t.bot.Send(msg)
	return err
}

// Nop drops every notification.
type Nop struct{}

func (Nop) PaymentSucceeded(context.Context, int64, int64, int64) error { return nil }
