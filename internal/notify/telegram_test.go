package notify

import (
	"context"
	"strings"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type fakeBot struct {
	sent []tgbotapi.MessageConfig
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.sent = append(f.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{}, nil
}

func TestTelegram_PaymentSucceeded(t *testing.T) {
	bot := &fakeBot{}
	tg := &Telegram{bot: bot}

	if err := tg.PaymentSucceeded(context.Background(), 42, 2100, 5100); err != nil {
		t.Fatalf("PaymentSucceeded: %v", err)
	}
	if len(bot.sent) != 1 {
		t.Fatalf("sent=%d", len(bot.sent))
	}
	msg := bot.sent[0]
	if msg.ChatID != 42 || !strings.Contains(msg.Text, "21.00") || !strings.Contains(msg.Text, "51.00") {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestTelegram_CanceledContext(t *testing.T) {
	bot := &fakeBot{}
	tg := &Telegram{bot: bot}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tg.PaymentSucceeded(ctx, 1, 1, 1); err == nil {
		t.Fatalf("expected context error")
	}
	if len(bot.sent) != 0 {
		t.Fatalf("nothing should be sent")
	}
}
