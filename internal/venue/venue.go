// Package venue declares the external systems corridor steps move money through.
package venue

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"corridor-flows/internal/flow"
)

// ErrNotConfigured is returned when no client is registered for a provider or venue.
var ErrNotConfigured = errors.New("venue not configured")

// PayoutRequest asks a provider to pay fiat out to the transaction beneficiary.
type PayoutRequest struct {
	TransactionID string
	QuoteID       string
	Amount        decimal.Decimal
	Currency      flow.Asset
}

// PayoutResult is the provider's acknowledgement.
type PayoutResult struct {
	ExternalID string
	RawStatus  string
}

// PayoutService is a fiat payout rail.
type PayoutService interface {
	SendPayout(ctx context.Context, req PayoutRequest) (PayoutResult, error)
}

// ConvertRequest is a market conversion on an exchange.
type ConvertRequest struct {
	Reference string
	From      flow.Asset
	To        flow.Asset
	Amount    decimal.Decimal
}

// ConvertResult reports the filled conversion.
type ConvertResult struct {
	OrderID  string
	Received decimal.Decimal
}

// WithdrawRequest moves funds off an exchange.
type WithdrawRequest struct {
	Reference   string
	Asset       flow.Asset
	Amount      decimal.Decimal
	Destination string
}

// WithdrawResult acknowledges a withdrawal.
type WithdrawResult struct {
	WithdrawalID string
}

// Exchange is a trading venue holding treasury balances.
type Exchange interface {
	DepositAddress(ctx context.Context, asset flow.Asset, network flow.Network) (string, error)
	Balance(ctx context.Context, asset flow.Asset) (decimal.Decimal, error)
	Convert(ctx context.Context, req ConvertRequest) (ConvertResult, error)
	Withdraw(ctx context.Context, req WithdrawRequest) (WithdrawResult, error)
}

// SendRequest moves funds out of the hot wallet.
type SendRequest struct {
	Reference   string
	Asset       flow.Asset
	Network     flow.Network
	Amount      decimal.Decimal
	Destination string
}

// HotWallet is the platform wallet receiving customer funds.
type HotWallet interface {
	Send(ctx context.Context, req SendRequest) (string, error)
}

// Registry resolves clients by closed enumerations.
type Registry struct {
	payouts   map[flow.PayoutProvider]PayoutService
	exchanges map[flow.Venue]Exchange
	wallet    HotWallet
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		payouts:   make(map[flow.PayoutProvider]PayoutService),
		exchanges: make(map[flow.Venue]Exchange),
	}
}

// RegisterPayout installs the client for provider.
func (r *Registry) RegisterPayout(provider flow.PayoutProvider, svc PayoutService) *Registry {
	r.payouts[provider] = svc
	return r
}

// RegisterExchange installs the client for an exchange venue.
func (r *Registry) RegisterExchange(v flow.Venue, ex Exchange) *Registry {
	r.exchanges[v] = ex
	return r
}

// SetWallet installs the hot wallet.
func (r *Registry) SetWallet(w HotWallet) *Registry {
	r.wallet = w
	return r
}

// Payout returns the client for provider.
func (r *Registry) Payout(provider flow.PayoutProvider) (PayoutService, error) {
	if svc, ok := r.payouts[provider]; ok {
		return svc, nil
	}
	return nil, fmt.Errorf("%w: payout provider %s", ErrNotConfigured, provider)
}

// Exchange returns the client for an exchange venue.
func (r *Registry) Exchange(v flow.Venue) (Exchange, error) {
	if ex, ok := r.exchanges[v]; ok {
		return ex, nil
	}
	return nil, fmt.Errorf("%w: exchange %s", ErrNotConfigured, v)
}

// Wallet returns the hot wallet.
func (r *Registry) Wallet() (HotWallet, error) {
	if r.wallet == nil {
		return nil, fmt.Errorf("%w: hot wallet", ErrNotConfigured)
	}
	return r.wallet, nil
}
