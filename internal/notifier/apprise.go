package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/envmon/envmon/internal/types"
)

// AppriseChannel posts notifications to an Apprise API server
type AppriseChannel struct {
	name       string
	apiURL     string
	serviceURL string
	client     *http.Client
	logger     zerolog.Logger
}

// NewAppriseChannel creates a channel delivering to serviceURL through the
// Apprise API at apiURL. With no API URL the message is only logged.
func NewAppriseChannel(name, apiURL, serviceURL string, logger zerolog.Logger) *AppriseChannel {
	return &AppriseChannel{
		name:       name,
		apiURL:     strings.TrimRight(apiURL, "/"),
		serviceURL: serviceURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger.With().Str("component", "apprise").Str("channel", name).Logger(),
	}
}

func (a *AppriseChannel) Name() string { return a.name }

// Send posts the message to the stateless /notify/ endpoint
func (a *AppriseChannel) Send(ctx context.Context, msg Message) error {
	if a.apiURL == "" {
		a.logger.Info().
			Str("title", msg.Title).
			Msg("Would send notification (Apprise not configured)")
		return nil
	}

	payload := map[string]string{
		"urls":   a.serviceURL,
		"title":  msg.Title,
		"body":   msg.Body,
		"type":   appriseType(msg.Severity),
		"format": "text",
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiURL+"/notify/", bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("apprise API error: %d - %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func appriseType(sev types.Severity) string {
	switch sev {
	case types.SeverityDanger:
		return "failure"
	case types.SeverityWarning:
		return "warning"
	default:
		return "info"
	}
}
