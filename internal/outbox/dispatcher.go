package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"corridor-flows/internal/transaction"
)

// Deliverer sends one claimed entry and records the result.
type Deliverer interface {
	Deliver(ctx context.Context, entry Entry) error
}

// NotifyOptions tune NotifyPartnerAndUser.
type NotifyOptions struct {
	// DeliverNow attempts delivery inline once the entry is recorded.
	DeliverNow bool
	// Persistence overrides the store, e.g. to enqueue inside a caller's database transaction.
	Persistence Store
}

// AlertOptions tune NotifySlack.
type AlertOptions struct {
	DeliverNow bool
	Heading    string
	Notes      string
	Trigger    string
}

// DispatcherOptions configure routing.
type DispatcherOptions struct {
	// UserNotificationsURL receives user-facing events; empty disables them.
	UserNotificationsURL string
	// AlertChannels are the internal channels alerts fan out to.
	AlertChannels []Channel
	// Lease is how long an inline delivery holds an entry before the worker may reclaim it.
	Lease time.Duration
}

// Dispatcher records events in the outbox. It never blocks on a slow channel unless
// DeliverNow is requested, and even then the entry is durable before delivery starts.
type Dispatcher struct {
	store     Store
	deliverer Deliverer
	opts      DispatcherOptions
	logger    zerolog.Logger
	now       func() time.Time
}

// NewDispatcher constructs a dispatcher. deliverer may be nil when inline delivery is unused.
func NewDispatcher(store Store, deliverer Deliverer, opts DispatcherOptions, logger zerolog.Logger) *Dispatcher {
	if opts.Lease <= 0 {
		opts.Lease = time.Minute
	}
	return &Dispatcher{
		store:     store,
		deliverer: deliverer,
		opts:      opts,
		logger:    logger.With().Str("component", "dispatcher").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// NotifyPartnerAndUser records a transaction event for the partner webhook and the user
// notification service.
func (d *Dispatcher) NotifyPartnerAndUser(ctx context.Context, tx *transaction.Transaction, kind EventKind, templateKey, trigger string, opts NotifyOptions) error {
	now := d.now()
	payload, err := json.Marshal(TransactionEvent{
		Event:          kind,
		Template:       templateKey,
		Trigger:        trigger,
		TransactionID:  tx.ID,
		Status:         string(tx.Status),
		ExternalID:     tx.ExternalID,
		OnChainID:      tx.OnChainID,
		QuoteID:        tx.Quote.ID,
		SourceAmount:   tx.Quote.SourceAmount.String(),
		SourceCurrency: string(tx.Quote.SourceCurrency),
		TargetAmount:   tx.Quote.TargetAmount.String(),
		TargetCurrency: string(tx.Quote.TargetCurrency),
		PartnerID:      tx.Partner.ID,
		OccurredAt:     now,
	})
	if err != nil {
		return fmt.Errorf("marshal transaction event: %w", err)
	}

	var entries []Entry
	if tx.Partner.WebhookURL != "" {
		entries = append(entries, d.newEntry(now, kind, ChannelPartnerWebhook, tx.Partner.WebhookURL, tx.ID, templateKey, trigger, payload, opts.DeliverNow))
	}
	if d.opts.UserNotificationsURL != "" {
		entries = append(entries, d.newEntry(now, kind, ChannelUser, d.opts.UserNotificationsURL, tx.ID, templateKey, trigger, payload, opts.DeliverNow))
	}
	if len(entries) == 0 {
		d.logger.Debug().Str("transaction_id", tx.ID).Msg("no partner or user channel configured; event dropped")
		return nil
	}

	return d.record(ctx, opts.Persistence, opts.DeliverNow, entries)
}

// NotifySlack records an internal alert on every configured alert channel.
func (d *Dispatcher) NotifySlack(ctx context.Context, tx *transaction.Transaction, status string, opts AlertOptions) error {
	if len(d.opts.AlertChannels) == 0 {
		return nil
	}

	now := d.now()
	payload, err := json.Marshal(AlertEvent{
		Heading:       opts.Heading,
		TransactionID: tx.ID,
		Status:        status,
		Corridor:      fmt.Sprintf("%s/%s/%s", tx.Quote.SourceCurrency, tx.Network, tx.Quote.TargetCurrency),
		Amount:        fmt.Sprintf("%s %s", tx.Quote.SourceAmount.String(), tx.Quote.SourceCurrency),
		Notes:         opts.Notes,
		Trigger:       opts.Trigger,
		OccurredAt:    now,
	})
	if err != nil {
		return fmt.Errorf("marshal alert event: %w", err)
	}

	entries := make([]Entry, 0, len(d.opts.AlertChannels))
	for _, ch := range d.opts.AlertChannels {
		entries = append(entries, d.newEntry(now, EventInternalAlert, ch, "", tx.ID, "", opts.Trigger, payload, opts.DeliverNow))
	}
	return d.record(ctx, nil, opts.DeliverNow, entries)
}

func (d *Dispatcher) newEntry(now time.Time, kind EventKind, ch Channel, target, txID, template, trigger string, payload json.RawMessage, inline bool) Entry {
	e := Entry{
		ID:            uuid.NewString(),
		Kind:          kind,
		Channel:       ch,
		Target:        target,
		TransactionID: txID,
		TemplateKey:   template,
		Trigger:       trigger,
		Payload:       payload,
		State:         StatePending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if inline {
		e.State = StateDelivering
		e.NextAttemptAt = now.Add(d.opts.Lease)
	}
	return e
}

func (d *Dispatcher) record(ctx context.Context, override Store, inline bool, entries []Entry) error {
	store := d.store
	if override != nil {
		store = override
	}
	if err := store.Enqueue(ctx, entries...); err != nil {
		return fmt.Errorf("enqueue outbox entries: %w", err)
	}

	if !inline || d.deliverer == nil {
		return nil
	}
	for _, e := range entries {
		if err := d.deliverer.Deliver(ctx, e); err != nil {
			d.logger.Warn().Err(err).
				Str("entry_id", e.ID).
				Str("channel", string(e.Channel)).
				Msg("inline delivery failed; worker will retry")
		}
	}
	return nil
}
