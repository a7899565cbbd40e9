package notifier

import (
	"context"

	"github.com/rs/zerolog"
)

// LogChannel writes notifications to the log. Useful for development and
// as a catch-all default route.
type LogChannel struct {
	name   string
	logger zerolog.Logger
}

func NewLogChannel(name string, logger zerolog.Logger) *LogChannel {
	return &LogChannel{name: name, logger: logger.With().Str("component", "notifier").Str("channel", name).Logger()}
}

func (l *LogChannel) Name() string { return l.name }

func (l *LogChannel) Send(ctx context.Context, msg Message) error {
	l.logger.Warn().
		Str("severity", string(msg.Severity)).
		Str("title", msg.Title).
		Str("body", msg.Body).
		Msg("Alert notification")
	return nil
}
