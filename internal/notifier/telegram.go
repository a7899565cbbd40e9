package notifier

import (
	"context"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// TelegramChannel sends notifications to one Telegram chat
type TelegramChannel struct {
	name   string
	bot    *tgbotapi.BotAPI
	chatID int64
	logger zerolog.Logger
}

// NewTelegramChannel authorizes the bot token and binds it to chatID
func NewTelegramChannel(name, token string, chatID int64, logger zerolog.Logger) (*TelegramChannel, error) {
	return newTelegramChannel(name, token, tgbotapi.APIEndpoint, chatID, logger)
}

func newTelegramChannel(name, token, endpoint string, chatID int64, logger zerolog.Logger) (*TelegramChannel, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, &http.Client{Timeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	logger = logger.With().Str("component", "telegram").Str("channel", name).Logger()
	logger.Info().Str("bot", bot.Self.UserName).Int64("chat_id", chatID).Msg("Authorized on Telegram")

	return &TelegramChannel{name: name, bot: bot, chatID: chatID, logger: logger}, nil
}

func (t *TelegramChannel) Name() string { return t.name }

// Send delivers the message. The bot API has no context support, so the
// call is abandoned (not aborted) when ctx ends first.
func (t *TelegramChannel) Send(ctx context.Context, msg Message) error {
	m := tgbotapi.NewMessage(t.chatID, msg.Title+"\n\n"+msg.Body)
	m.DisableWebPagePreview = true

	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(m)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
