package transaction

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"corridor-flows/internal/flow"
)

var (
	// ErrNotFound is returned when a transaction lookup misses.
	ErrNotFound = errors.New("transaction not found")
	// ErrExternalIDConflict is returned when a provider handle is already bound elsewhere.
	ErrExternalIDConflict = errors.New("external id already assigned")
	// ErrOnChainIDConflict is returned when a different on-chain receipt was already recorded.
	ErrOnChainIDConflict = errors.New("on-chain id already assigned")
)

// Status is the canonical lifecycle status of a transaction.
type Status string

const (
	AwaitingPayment   Status = "AWAITING_PAYMENT"
	ProcessingPayment Status = "PROCESSING_PAYMENT"
	PaymentCompleted  Status = "PAYMENT_COMPLETED"
	PaymentFailed     Status = "PAYMENT_FAILED"
	PaymentExpired    Status = "PAYMENT_EXPIRED"
	WrongAmount       Status = "WRONG_AMOUNT"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	switch s {
	case PaymentCompleted, PaymentFailed, PaymentExpired, WrongAmount:
		return true
	}
	return false
}

// Quote is the priced conversion a transaction executes.
type Quote struct {
	ID             string
	SourceAmount   decimal.Decimal
	SourceCurrency flow.Asset
	TargetAmount   decimal.Decimal
	TargetCurrency flow.Asset
}

// Partner owns the transaction and receives its webhooks.
type Partner struct {
	ID            string
	Name          string
	WebhookURL    string
	WebhookSecret string
}

// StepState is the state of the step the cursor points at.
type StepState string

const (
	StepPending   StepState = "pending"
	StepRunning   StepState = "running"
	StepWaiting   StepState = "waiting"
	StepFailed    StepState = "failed"
	StepCompleted StepState = "completed"
)

// Progress is the persisted flow cursor of a transaction.
type Progress struct {
	FlowDefinitionID string
	StepOrder        int
	State            StepState
	Correlation      map[string]string
	Outputs          map[string]any
	UpdatedAt        time.Time
}

// Transaction is the unit of execution moved through a corridor plan.
type Transaction struct {
	ID            string
	Status        Status
	Quote         Quote
	Partner       Partner
	Network       flow.Network
	ExternalID    string
	OnChainID     string
	RefundAddress string
	ExpiresAt     time.Time
	Progress      Progress
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasOnChainReceipt reports whether funds for the transaction were observed on-chain.
func (t *Transaction) HasOnChainReceipt() bool {
	return t != nil && t.OnChainID != ""
}

// Repository is the full persistence contract of the flow runtime.
type Repository interface {
	Store
	CreateTransaction(ctx context.Context, tx *Transaction) error
	SetExternalID(ctx context.Context, id, externalID string) error
	SetOnChainID(ctx context.Context, id, onChainID string) error
	// FindWaiting returns the transaction whose waiting step is correlated by key=value.
	FindWaiting(ctx context.Context, key, value string) (*Transaction, error)
	SaveProgress(ctx context.Context, id string, p Progress) error
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Transaction, error)
	ListStalled(ctx context.Context, olderThan time.Time, limit int) ([]*Transaction, error)
	MarkStallAlerted(ctx context.Context, id string) error
}
