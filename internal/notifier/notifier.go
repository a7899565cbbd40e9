// Package notifier delivers alert notifications to configured channels.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/envmon/envmon/internal/config"
	"github.com/envmon/envmon/internal/metrics"
	"github.com/envmon/envmon/internal/types"
)

// Channel delivers a formatted message somewhere
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Message is a rendered alert notification
type Message struct {
	Title    string
	Body     string
	Severity types.Severity
}

// Dispatcher routes alerts to channels by severity
type Dispatcher struct {
	channels map[string]Channel
	rules    map[string][]string
	logger   zerolog.Logger
	now      func() time.Time
}

// NewDispatcher creates a dispatcher. rules maps a severity (or "default")
// to channel names.
func NewDispatcher(channels []Channel, rules map[string]config.AlertRule, logger zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		channels: make(map[string]Channel, len(channels)),
		rules:    make(map[string][]string, len(rules)),
		logger:   logger.With().Str("component", "notifier").Logger(),
		now:      time.Now,
	}
	for _, ch := range channels {
		d.channels[ch.Name()] = ch
	}
	for name, rule := range rules {
		d.rules[name] = rule.Channels
	}
	return d
}

// ChannelsFor returns the channels for a severity, falling back to the default rule
func (d *Dispatcher) ChannelsFor(severity types.Severity) []string {
	if chs, ok := d.rules[string(severity)]; ok {
		return chs
	}
	if chs, ok := d.rules["default"]; ok {
		return chs
	}
	return []string{}
}

// Notify sends an alert to the channels its severity routes to
func (d *Dispatcher) Notify(ctx context.Context, alert types.Alert) ([]types.Notification, error) {
	return d.NotifyChannels(ctx, alert, d.ChannelsFor(alert.Severity), false)
}

// NotifyChannels sends an alert to the named channels. Every attempt is
// returned as a Notification; failures are also joined into the error.
func (d *Dispatcher) NotifyChannels(ctx context.Context, alert types.Alert, names []string, escalated bool) ([]types.Notification, error) {
	msg := FormatMessage(alert, escalated)

	notes := make([]types.Notification, 0, len(names))
	var errs []error
	for _, name := range names {
		note := types.Notification{Channel: name, SentAt: d.now().UTC(), Status: types.NotificationSent}

		ch, ok := d.channels[name]
		var err error
		if !ok {
			err = fmt.Errorf("unknown channel %q", name)
		} else {
			err = ch.Send(ctx, msg)
		}

		if err != nil {
			note.Status = types.NotificationFailed
			note.Error = err.Error()
			errs = append(errs, fmt.Errorf("channel %s: %w", name, err))
			d.logger.Error().
				Err(err).
				Str("channel", name).
				Str("alert_id", alert.ID).
				Msg("Failed to send notification")
		} else {
			d.logger.Info().
				Str("channel", name).
				Str("alert_id", alert.ID).
				Bool("escalated", escalated).
				Msg("Notification sent")
		}
		metrics.NotificationsTotal.WithLabelValues(name, note.Status).Inc()
		notes = append(notes, note)
	}
	return notes, errors.Join(errs...)
}

// Suppressed records that the alert's channels were skipped
func (d *Dispatcher) Suppressed(alert types.Alert, reason string) []types.Notification {
	names := d.ChannelsFor(alert.Severity)
	notes := make([]types.Notification, 0, len(names))
	for _, name := range names {
		notes = append(notes, types.Notification{
			Channel: name,
			SentAt:  d.now().UTC(),
			Status:  types.NotificationSuppressed,
			Error:   reason,
		})
		metrics.NotificationsTotal.WithLabelValues(name, types.NotificationSuppressed).Inc()
	}
	return notes
}

var severityEmoji = map[types.Severity]string{
	types.SeverityWarning: "⚠️",
	types.SeverityDanger:  "🚨",
}

// FormatMessage renders an alert for humans
func FormatMessage(alert types.Alert, escalated bool) Message {
	emoji, ok := severityEmoji[alert.Severity]
	if !ok {
		emoji = "ℹ️"
	}

	title := fmt.Sprintf("%s Environmental Alert - %s %s", emoji,
		strings.ToUpper(alert.Parameter), strings.ToUpper(string(alert.Severity)))
	if escalated {
		title = "[ESCALATED] " + title
	}

	body := fmt.Sprintf("%s\n\nSensor: %s\nLocation: %s\nParameter: %s\nCurrent value: %.2f\nThreshold: %.2f\nTime: %s",
		alert.Message, alert.SensorID, alert.Location.Address, alert.Parameter,
		alert.CurrentValue, alert.ThresholdValue, alert.CreatedAt.Format(time.RFC3339))
	if escalated {
		body += "\n\nThis alert has not been acknowledged."
	}

	return Message{Title: title, Body: body, Severity: alert.Severity}
}

// BuildChannels creates the channels named in the alerts config. Secrets
// are read from the environment variables the config points at.
func BuildChannels(cfg config.AlertConfig, logger zerolog.Logger) ([]Channel, error) {
	apiURL := cfg.AppriseAPIURL
	if apiURL == "" {
		apiURL = os.Getenv("APPRISE_API_URL")
	}

	channels := make([]Channel, 0, len(cfg.Channels))
	for name, chCfg := range cfg.Channels {
		switch chCfg.Type {
		case config.ChannelApprise:
			url := config.ResolveChannelSecret(chCfg.URLEnv)
			if url == "" {
				logger.Warn().Str("channel", name).Str("env", chCfg.URLEnv).Msg("Channel URL not set, skipping")
				continue
			}
			channels = append(channels, NewAppriseChannel(name, apiURL, url, logger))
		case config.ChannelTelegram:
			token := config.ResolveChannelSecret(chCfg.TokenEnv)
			if token == "" {
				logger.Warn().Str("channel", name).Str("env", chCfg.TokenEnv).Msg("Telegram token not set, skipping")
				continue
			}
			ch, err := NewTelegramChannel(name, token, chCfg.ChatID, logger)
			if err != nil {
				return nil, fmt.Errorf("channel %s: %w", name, err)
			}
			channels = append(channels, ch)
		case config.ChannelLog:
			channels = append(channels, NewLogChannel(name, logger))
		default:
			return nil, fmt.Errorf("channel %s: unknown type %q", name, chCfg.Type)
		}
	}
	return channels, nil
}

// EscalationDelays extracts per-channel escalation delays from config
func EscalationDelays(cfg config.AlertConfig) map[string]time.Duration {
	delays := make(map[string]time.Duration)
	for name, ch := range cfg.Channels {
		if ch.EscalationDelay > 0 {
			delays[name] = ch.EscalationDelay
		}
	}
	return delays
}
