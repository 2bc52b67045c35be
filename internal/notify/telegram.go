package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Sender is the part of *tgbotapi.BotAPI the Telegram sink uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram messages the chat configured for the event's branch.
// Branches without a chat are skipped silently.
type Telegram struct {
	bot   Sender
	chats map[int64]int64
}

func NewTelegram(bot Sender, chats map[int64]int64) *Telegram {
	return &Telegram{bot: bot, chats: chats}
}

// NewTelegramFromToken logs in to the Bot API. Every Bot API call is bounded by timeout.
func NewTelegramFromToken(token string, chats map[int64]int64, timeout time.Duration) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("telegram login: %w", err)
	}
	return NewTelegram(bot, chats), nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Notify(ctx context.Context, ev Event) error {
	chatID, ok := t.chats[ev.BranchID]
	if !ok {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	// the Bot API client takes no context, so a hung send is left behind when ctx ends
	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(tgbotapi.NewMessage(chatID, Text(ev)))
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("telegram send: %w", ctx.Err())
	}
}

// Text renders the operator-facing message.
func Text(ev Event) string {
	if ev.Message != MessageNewOrder {
		return fmt.Sprintf("Branch %d: %s", ev.BranchID, ev.Message)
	}
	return fmt.Sprintf("🛎 New order #%d\nTotal: %s\nStatus: %s", ev.OrderID, ev.Total, ev.Status)
}
