// Package outbox records transaction events and delivers them at least once.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrEntryNotFound is returned when an outbox entry id is unknown.
var ErrEntryNotFound = errors.New("outbox entry not found")

// Channel is the delivery route of an entry.
type Channel string

const (
	ChannelPartnerWebhook Channel = "partner_webhook"
	ChannelUser           Channel = "user"
	ChannelSlack          Channel = "slack"
	ChannelTelegram       Channel = "telegram"
)

// State is the delivery state of an entry.
type State string

const (
	StatePending    State = "pending"
	StateDelivering State = "delivering"
	StateDelivered  State = "delivered"
	StateFailed     State = "failed"
)

// EventKind names what happened.
type EventKind string

const (
	EventTransactionUpdated EventKind = "transaction.updated"
	EventInternalAlert      EventKind = "internal.alert"
)

// Entry is an event awaiting delivery.
type Entry struct {
	ID            string
	Kind          EventKind
	Channel       Channel
	Target        string
	TransactionID string
	TemplateKey   string
	Trigger       string
	Payload       json.RawMessage
	State         State
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
	DeliveredAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Store persists outbox entries.
//
// ClaimDue moves up to limit entries that are pending, or delivering with an expired
// lease, into delivering and pushes their NextAttemptAt to leaseUntil.
type Store interface {
	Enqueue(ctx context.Context, entries ...Entry) error
	ClaimDue(ctx context.Context, now, leaseUntil time.Time, limit int) ([]Entry, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	MarkRetry(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error
	MarkFailed(ctx context.Context, id string, attempts int, lastErr string) error
}

// TransactionEvent is the payload snapshot sent to partners and users.
type TransactionEvent struct {
	Event          EventKind `json:"event"`
	Template       string    `json:"template,omitempty"`
	Trigger        string    `json:"trigger,omitempty"`
	TransactionID  string    `json:"transactionId"`
	Status         string    `json:"status"`
	ExternalID     string    `json:"externalId,omitempty"`
	OnChainID      string    `json:"onChainId,omitempty"`
	QuoteID        string    `json:"quoteId,omitempty"`
	SourceAmount   string    `json:"sourceAmount"`
	SourceCurrency string    `json:"sourceCurrency"`
	TargetAmount   string    `json:"targetAmount"`
	TargetCurrency string    `json:"targetCurrency"`
	PartnerID      string    `json:"partnerId,omitempty"`
	OccurredAt     time.Time `json:"occurredAt"`
}

// AlertEvent is the payload of an internal alert.
type AlertEvent struct {
	Heading       string    `json:"heading"`
	TransactionID string    `json:"transactionId"`
	Status        string    `json:"status"`
	Corridor      string    `json:"corridor,omitempty"`
	Amount        string    `json:"amount,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	Trigger       string    `json:"trigger,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
}
