package alerting

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
)

// SlackNotifier posts alerts to a Slack incoming webhook.
type SlackNotifier struct {
	webhookURL string
	channel    string
	client     *http.Client
	logger     zerolog.Logger
}

// NewSlackNotifier constructs a Slack notifier. channel may be empty to use the webhook default.
func NewSlackNotifier(webhookURL, channel string, timeout time.Duration, logger zerolog.Logger) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		channel:    channel,
		client:     newHTTPClient(timeout),
		logger:     logger.With().Str("component", "alert_slack").Logger(),
	}
}

// Notify posts the rendered alert as a Slack message.
func (n *SlackNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{"text": renderMessage(note)}
	if n.channel != "" {
		payload["channel"] = n.channel
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send slack request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	n.logger.Info().Str("transaction_id", note.TransactionID).
		Str("heading", note.Heading).
		Msg("alert sent (slack)")
	return nil
}

var _ Notifier = (*SlackNotifier)(nil)
