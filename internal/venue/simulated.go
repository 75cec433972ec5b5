package venue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"corridor-flows/internal/flow"
)

// SimulatedPayout acknowledges payouts without moving money.
type SimulatedPayout struct {
	mu        sync.Mutex
	RawStatus string
	Err       error
	Requests  []PayoutRequest
}

// SendPayout records req and returns a deterministic external id.
func (s *SimulatedPayout) SendPayout(_ context.Context, req PayoutRequest) (PayoutResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Requests = append(s.Requests, req)
	if s.Err != nil {
		return PayoutResult{}, s.Err
	}
	status := s.RawStatus
	if status == "" {
		status = "pending"
	}
	return PayoutResult{ExternalID: "sim-" + req.TransactionID, RawStatus: status}, nil
}

// SimulatedExchange keeps balances in memory and converts at fixed rates.
type SimulatedExchange struct {
	mu       sync.Mutex
	Name     flow.Venue
	Balances map[flow.Asset]decimal.Decimal
	Rates    map[[2]flow.Asset]decimal.Decimal
}

// NewSimulatedExchange constructs an exchange with empty balances.
func NewSimulatedExchange(name flow.Venue) *SimulatedExchange {
	return &SimulatedExchange{
		Name:     name,
		Balances: make(map[flow.Asset]decimal.Decimal),
		Rates:    make(map[[2]flow.Asset]decimal.Decimal),
	}
}

// Credit adds amount of asset to the exchange balance.
func (s *SimulatedExchange) Credit(asset flow.Asset, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Balances[asset] = s.Balances[asset].Add(amount)
}

// DepositAddress returns a stable fake address.
func (s *SimulatedExchange) DepositAddress(_ context.Context, asset flow.Asset, network flow.Network) (string, error) {
	return fmt.Sprintf("%s-%s-%s-deposit", s.Name, asset, network), nil
}

// Balance returns the held amount of asset.
func (s *SimulatedExchange) Balance(_ context.Context, asset flow.Asset) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Balances[asset], nil
}

// Convert swaps balances at the configured rate, defaulting to 1.
func (s *SimulatedExchange) Convert(_ context.Context, req ConvertRequest) (ConvertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Balances[req.From].LessThan(req.Amount) {
		return ConvertResult{}, errors.New("insufficient balance")
	}
	rate, ok := s.Rates[[2]flow.Asset{req.From, req.To}]
	if !ok {
		rate = decimal.NewFromInt(1)
	}
	received := req.Amount.Mul(rate)
	s.Balances[req.From] = s.Balances[req.From].Sub(req.Amount)
	s.Balances[req.To] = s.Balances[req.To].Add(received)
	return ConvertResult{OrderID: uuid.NewString(), Received: received}, nil
}

// Withdraw debits the balance.
func (s *SimulatedExchange) Withdraw(_ context.Context, req WithdrawRequest) (WithdrawResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Balances[req.Asset].LessThan(req.Amount) {
		return WithdrawResult{}, errors.New("insufficient balance")
	}
	s.Balances[req.Asset] = s.Balances[req.Asset].Sub(req.Amount)
	return WithdrawResult{WithdrawalID: uuid.NewString()}, nil
}

// SimulatedWallet records sends and returns fake hashes.
type SimulatedWallet struct {
	mu    sync.Mutex
	Sends []SendRequest
}

// Send records req.
func (s *SimulatedWallet) Send(_ context.Context, req SendRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Sends = append(s.Sends, req)
	return fmt.Sprintf("0x%064x", len(s.Sends)), nil
}

var (
	_ PayoutService = (*SimulatedPayout)(nil)
	_ Exchange      = (*SimulatedExchange)(nil)
	_ HotWallet     = (*SimulatedWallet)(nil)
)
