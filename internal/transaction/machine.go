package transaction

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// TransitionName identifies a named status transition.
type TransitionName string

const (
	TransitionPaymentReceived  TransitionName = "payment_received"
	TransitionPaymentCompleted TransitionName = "payment_completed"
	TransitionPaymentFailed    TransitionName = "payment_failed"
	TransitionPaymentExpired   TransitionName = "payment_expired"
	TransitionWrongAmount      TransitionName = "wrong_amount"
)

// Transition is the guard and target of a named transition.
type Transition struct {
	Name TransitionName
	From []Status
	To   Status
}

// Allows reports whether the transition may leave s.
func (t Transition) Allows(s Status) bool {
	for _, from := range t.From {
		if from == s {
			return true
		}
	}
	return false
}

var transitions = map[TransitionName]Transition{
	TransitionPaymentReceived: {
		Name: TransitionPaymentReceived,
		From: []Status{AwaitingPayment},
		To:   ProcessingPayment,
	},
	TransitionPaymentCompleted: {
		Name: TransitionPaymentCompleted,
		From: []Status{ProcessingPayment},
		To:   PaymentCompleted,
	},
	TransitionPaymentFailed: {
		Name: TransitionPaymentFailed,
		From: []Status{AwaitingPayment, ProcessingPayment},
		To:   PaymentFailed,
	},
	TransitionPaymentExpired: {
		Name: TransitionPaymentExpired,
		From: []Status{AwaitingPayment},
		To:   PaymentExpired,
	},
	TransitionWrongAmount: {
		Name: TransitionWrongAmount,
		From: []Status{AwaitingPayment},
		To:   WrongAmount,
	},
}

// Lookup returns the named transition.
func Lookup(name TransitionName) (Transition, bool) {
	t, ok := transitions[name]
	return t, ok
}

// RejectReason explains why a transition was not applied.
type RejectReason string

const (
	RejectDuplicate      RejectReason = "already_applied"
	RejectStatusMismatch RejectReason = "status_mismatch"
)

// Result is the outcome of applying a transition. A rejected transition is not an error.
type Result struct {
	Transaction *Transaction
	Rejected    bool
	Reason      RejectReason
}

// Store applies guarded transitions atomically: the idempotency key is recorded and the
// status updated only when the stored status is one of t.From, in a single unit.
type Store interface {
	FindTransaction(ctx context.Context, id string) (*Transaction, error)
	ApplyTransition(ctx context.Context, id string, t Transition, idempotencyKey string, payload map[string]any) (Result, error)
}

// ErrUnknownTransition is returned for names missing from the transition table.
var ErrUnknownTransition = errors.New("unknown transition")

// Machine applies named, idempotent transitions.
type Machine struct {
	store  Store
	logger zerolog.Logger
}

// NewMachine constructs a state machine over store.
func NewMachine(store Store, logger zerolog.Logger) *Machine {
	return &Machine{store: store, logger: logger.With().Str("component", "state_machine").Logger()}
}

// Apply runs the named transition for the transaction, keyed by idempotencyKey.
func (m *Machine) Apply(ctx context.Context, transactionID string, name TransitionName, idempotencyKey string, payload map[string]any) (Result, error) {
	t, ok := Lookup(name)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownTransition, name)
	}
	if idempotencyKey == "" {
		return Result{}, fmt.Errorf("transition %s: idempotency key is required", name)
	}

	res, err := m.store.ApplyTransition(ctx, transactionID, t, idempotencyKey, payload)
	if err != nil {
		return Result{}, fmt.Errorf("apply %s: %w", name, err)
	}

	evt := m.logger.Info()
	if res.Rejected {
		evt = m.logger.Warn().Str("reason", string(res.Reason))
	}
	evt.Str("transaction_id", transactionID).
		Str("transition", string(name)).
		Str("idempotency_key", idempotencyKey).
		Bool("rejected", res.Rejected).
		Msg("transition evaluated")
	return res, nil
}

// Find loads a transaction with its quote and partner.
func (m *Machine) Find(ctx context.Context, transactionID string) (*Transaction, error) {
	return m.store.FindTransaction(ctx, transactionID)
}
