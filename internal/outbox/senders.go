package outbox

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"corridor-flows/internal/alerting"
)

// Headers set on webhook deliveries.
const (
	HeaderSignature = "X-Corridor-Signature"
	HeaderEventID   = "X-Corridor-Event-Id"
	HeaderTimestamp = "X-Corridor-Timestamp"
)

// WebhookSender POSTs the entry payload to entry.Target. Receivers must be idempotent on
// the event id header since delivery is at-least-once.
type WebhookSender struct {
	secret []byte
	client *http.Client
	now    func() time.Time
}

// NewWebhookSender constructs a sender. An empty secret disables signing.
func NewWebhookSender(secret string, timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSender{
		secret: []byte(secret),
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}
}

// Send delivers the entry.
func (s *WebhookSender) Send(ctx context.Context, e Entry) error {
	if e.Target == "" {
		return fmt.Errorf("entry %s has no target", e.ID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.Target, bytes.NewReader(e.Payload))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}

	ts := strconv.FormatInt(s.now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEventID, e.ID)
	req.Header.Set(HeaderTimestamp, ts)
	if len(s.secret) > 0 {
		req.Header.Set(HeaderSignature, Sign(s.secret, ts, e.Payload))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s responded %d", e.Target, resp.StatusCode)
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 of "timestamp.payload".
func Sign(secret []byte, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// AlertSender adapts an alerting.Notifier to the outbox.
type AlertSender struct {
	notifier alerting.Notifier
}

// NewAlertSender wraps notifier.
func NewAlertSender(notifier alerting.Notifier) *AlertSender {
	return &AlertSender{notifier: notifier}
}

// Send decodes the alert payload and forwards it.
func (s *AlertSender) Send(ctx context.Context, e Entry) error {
	var evt AlertEvent
	if err := json.Unmarshal(e.Payload, &evt); err != nil {
		return fmt.Errorf("decode alert payload: %w", err)
	}
	return s.notifier.Notify(ctx, alerting.Notification{
		Heading:       evt.Heading,
		TransactionID: evt.TransactionID,
		Status:        evt.Status,
		Corridor:      evt.Corridor,
		Amount:        evt.Amount,
		Notes:         evt.Notes,
		Trigger:       evt.Trigger,
		OccurredAt:    evt.OccurredAt,
	})
}

var (
	_ Sender = (*WebhookSender)(nil)
	_ Sender = (*AlertSender)(nil)
)
