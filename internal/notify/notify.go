package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Notifier delivers short operator messages about trading activity.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Nop drops every message.
type Nop struct{}

func (Nop) Notify(context.Context, string) error { return nil }

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram posts messages to a single chat.
type Telegram struct {
	bot    sender
	chatID int64
	logger zerolog.Logger
}

func NewTelegram(token string, chatID int64) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return newTelegram(bot, chatID), nil
}

func newTelegram(bot sender, chatID int64) *Telegram {
	return &Telegram{
		bot:    bot,
		chatID: chatID,
		logger: log.With().Str("component", "telegram").Logger(),
	}
}

func (t *Telegram) Notify(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := t.bot.Send(tgbotapi.NewMessage(t.chatID, text)); err != nil {
		t.logger.Error().Err(err).Int64("chat_id", t.chatID).Msg("send notification failed")
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}
