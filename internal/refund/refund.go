// Package refund issues compensating on-chain refunds after a terminal failure.
package refund

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"corridor-flows/internal/flow"
)

// Reason says why a refund was requested.
type Reason string

const (
	ReasonProviderFailed Reason = "provider_failed"
	ReasonPayoutFailed   Reason = "payout_failed"
	ReasonWrongAmount    Reason = "wrong_amount"
)

// State of a refund request.
type State string

const (
	StateRequested State = "requested"
	StateSubmitted State = "submitted"
	StateFailed    State = "failed"
)

var (
	ErrMissingOnChainID    = errors.New("refund: on-chain id is required")
	ErrInvalidOnChainID    = errors.New("refund: invalid on-chain id")
	ErrInvalidDestination  = errors.New("refund: invalid destination address")
	ErrUnsupportedAsset    = errors.New("refund: no token contract configured for asset")
	ErrNonPositiveAmount   = errors.New("refund: amount must be positive")
	ErrFractionalBaseUnits = errors.New("refund: amount has more precision than the token supports")
)

// Request describes the compensating action.
type Request struct {
	Amount        decimal.Decimal
	Asset         flow.Asset
	Network       flow.Network
	OnChainID     string
	Destination   string
	Reason        Reason
	TransactionID string
	Trigger       string
}

// Refund is a persisted refund request. For EVM networks Contract and Calldata hold the
// ERC-20 transfer an external signer broadcasts.
type Refund struct {
	ID            string
	TransactionID string
	OnChainID     string
	Reason        Reason
	Trigger       string
	Amount        decimal.Decimal
	Asset         flow.Asset
	Network       flow.Network
	Destination   string
	Contract      string
	Calldata      []byte
	State         State
	CreatedAt     time.Time
}

// Store records refunds. CreateRefund is idempotent on (OnChainID, Reason): when a refund
// already exists it is returned with created=false.
type Store interface {
	CreateRefund(ctx context.Context, r Refund) (Refund, bool, error)
}

// ReceiptVerifier confirms the funds being refunded actually landed on-chain.
type ReceiptVerifier interface {
	VerifyReceipt(ctx context.Context, network flow.Network, onChainID string) error
}

// Coordinator turns refund requests into durable, deduplicated refund records.
type Coordinator struct {
	store    Store
	evm      *EVMEncoder
	verifier ReceiptVerifier
	logger   zerolog.Logger
	now      func() time.Time
}

// NewCoordinator constructs a coordinator. evm and verifier may be nil.
func NewCoordinator(store Store, evm *EVMEncoder, verifier ReceiptVerifier, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:    store,
		evm:      evm,
		verifier: verifier,
		logger:   logger.With().Str("component", "refund_coordinator").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RefundByOnChainID records a refund of the funds received in onChainID. Calling it again
// with the same on-chain id and reason returns the existing refund.
func (c *Coordinator) RefundByOnChainID(ctx context.Context, req Request) (Refund, error) {
	if req.OnChainID == "" {
		return Refund{}, ErrMissingOnChainID
	}
	if !req.Amount.IsPositive() {
		return Refund{}, ErrNonPositiveAmount
	}

	r := Refund{
		ID:            uuid.NewString(),
		TransactionID: req.TransactionID,
		OnChainID:     req.OnChainID,
		Reason:        req.Reason,
		Trigger:       req.Trigger,
		Amount:        req.Amount,
		Asset:         req.Asset,
		Network:       req.Network,
		Destination:   req.Destination,
		State:         StateRequested,
		CreatedAt:     c.now(),
	}

	if c.evm != nil && c.evm.Supports(req.Network) {
		contract, calldata, err := c.evm.Encode(req)
		if err != nil {
			return Refund{}, err
		}
		r.Contract = contract
		r.Calldata = calldata
		if c.verifier != nil {
			if err := c.verifier.VerifyReceipt(ctx, req.Network, req.OnChainID); err != nil {
				return Refund{}, fmt.Errorf("verify receipt %s: %w", req.OnChainID, err)
			}
		}
	}

	stored, created, err := c.store.CreateRefund(ctx, r)
	if err != nil {
		return Refund{}, fmt.Errorf("create refund: %w", err)
	}

	log := c.logger.Info()
	if !created {
		log = c.logger.Warn()
	}
	log.Str("refund_id", stored.ID).
		Str("transaction_id", req.TransactionID).
		Str("on_chain_id", req.OnChainID).
		Str("reason", string(req.Reason)).
		Str("trigger", req.Trigger).
		Bool("created", created).
		Msg("refund requested")
	return stored, nil
}
