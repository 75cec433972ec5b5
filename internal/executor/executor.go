// Package executor runs compiled system steps against a transaction.
package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"corridor-flows/internal/flow"
	"corridor-flows/internal/outbox"
	"corridor-flows/internal/refund"
	"corridor-flows/internal/signal"
	"corridor-flows/internal/status"
	"corridor-flows/internal/transaction"
	"corridor-flows/internal/venue"
)

// ErrSignalUnsupported is returned by HandleSignal on SYNC steps.
var ErrSignalUnsupported = errors.New("step does not accept signals")

// Output keys shared between steps.
const (
	OutputAmount         = "amount"
	OutputAsset          = "asset"
	OutputExternalID     = "externalId"
	OutputProviderStatus = "providerStatus"
	OutputDepositAddress = "depositAddress"
	OutputTxHash         = "txHash"
	OutputOrderID        = "orderId"
	OutputWithdrawalID   = "withdrawalId"
	OutputBalance        = "balance"
)

// RuntimeContext is what the orchestrator knows about the transaction's place in its plan.
type RuntimeContext struct {
	TransactionID    string
	FlowDefinitionID string
	Corridor         flow.Corridor
	// Correlation is the value stored by the step's last waiting outcome.
	Correlation map[string]string
	// Outputs accumulates the outputs of completed steps; later keys win.
	Outputs map[string]any
}

// Holding returns the amount currently held, falling back to amount before any treasury
// step has reported one.
func (rc RuntimeContext) Holding(amount decimal.Decimal) decimal.Decimal {
	if v, ok := rc.Outputs[OutputAmount]; ok {
		if d, err := toDecimal(v); err == nil {
			return d
		}
	}
	return amount
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch t := v.(type) {
	case decimal.Decimal:
		return t, nil
	case string:
		return decimal.NewFromString(t)
	case float64:
		return decimal.NewFromFloat(t), nil
	}
	return decimal.Zero, fmt.Errorf("unsupported amount %T", v)
}

// Executor implements one system step type.
type Executor interface {
	// Execute runs when the step becomes current.
	Execute(ctx context.Context, cfg flow.StepConfig, rc RuntimeContext, stepOrder int) (Outcome, error)
	// HandleSignal runs for AWAIT_EVENT steps when a routed signal arrives.
	HandleSignal(ctx context.Context, cfg flow.StepConfig, rc RuntimeContext, sig signal.Signal, stepOrder int) (Outcome, error)
}

// Transactions is the slice of the repository executors need.
type Transactions interface {
	FindTransaction(ctx context.Context, id string) (*transaction.Transaction, error)
	SetExternalID(ctx context.Context, id, externalID string) error
}

// Transitioner applies named transitions.
type Transitioner interface {
	Apply(ctx context.Context, transactionID string, name transaction.TransitionName, idempotencyKey string, payload map[string]any) (transaction.Result, error)
}

// Dispatcher records outbound events.
type Dispatcher interface {
	NotifyPartnerAndUser(ctx context.Context, tx *transaction.Transaction, kind outbox.EventKind, templateKey, trigger string, opts outbox.NotifyOptions) error
	NotifySlack(ctx context.Context, tx *transaction.Transaction, status string, opts outbox.AlertOptions) error
}

// Refunder issues compensating refunds.
type Refunder interface {
	RefundByOnChainID(ctx context.Context, req refund.Request) (refund.Refund, error)
}

// StatusResolver maps raw provider statuses.
type StatusResolver interface {
	Resolve(provider, raw string) status.Canonical
}

// Deps are the collaborators shared by every executor.
type Deps struct {
	Transactions Transactions
	Machine      Transitioner
	Statuses     StatusResolver
	Dispatcher   Dispatcher
	Refunds      Refunder
	Venues       *venue.Registry
	Logger       zerolog.Logger
}

// Registry dispatches by step type.
type Registry struct {
	executors map[flow.StepType]Executor
}

// NewRegistry builds the executor for every known step type.
func NewRegistry(deps Deps) *Registry {
	base := &runtime{Deps: deps, logger: deps.Logger.With().Str("component", "executor").Logger()}
	r, err := NewRegistryFrom(map[flow.StepType]Executor{
		flow.StepPayoutSend:           &PayoutSend{base},
		flow.StepAwaitProviderStatus:  &AwaitProviderStatus{base},
		flow.StepExchangeSend:         &ExchangeSend{base},
		flow.StepAwaitExchangeBalance: &AwaitExchangeBalance{base},
		flow.StepExchangeConvert:      &ExchangeConvert{base},
		flow.StepTreasuryTransfer:     &TreasuryTransfer{base},
	})
	if err != nil {
		panic(err)
	}
	return r
}

// NewRegistryFrom validates that executors covers exactly the known step types.
func NewRegistryFrom(executors map[flow.StepType]Executor) (*Registry, error) {
	for _, st := range flow.StepTypes {
		if executors[st] == nil {
			return nil, fmt.Errorf("no executor registered for %s", st)
		}
	}
	if len(executors) != len(flow.StepTypes) {
		return nil, fmt.Errorf("executors registered for unknown step types")
	}
	return &Registry{executors: executors}, nil
}

// For returns the executor of a step type.
func (r *Registry) For(st flow.StepType) (Executor, error) {
	ex, ok := r.executors[st]
	if !ok {
		return nil, fmt.Errorf("no executor for step type %q", st)
	}
	return ex, nil
}

// runtime carries the shared helpers each executor embeds.
type runtime struct {
	Deps
	logger zerolog.Logger
}

func (r *runtime) stepLogger(rc RuntimeContext, st flow.StepType, order int) zerolog.Logger {
	return r.logger.With().
		Str("transaction_id", rc.TransactionID).
		Int("step_order", order).
		Str("step_type", string(st)).
		Logger()
}

// load fetches the transaction; a missing one is a step failure, not an error.
func (r *runtime) load(ctx context.Context, id string) (*transaction.Transaction, error) {
	tx, err := r.Transactions.FindTransaction(ctx, id)
	if errors.Is(err, transaction.ErrNotFound) {
		return nil, stepErr(ReasonTransactionNotFound, "transaction %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load transaction %s: %w", id, err)
	}
	return tx, nil
}

// resolve turns a *StepError into a failed outcome and passes other errors through.
func resolve(err error, output map[string]any) (Outcome, error) {
	var se *StepError
	if errors.As(err, &se) {
		return Failed(se, output), nil
	}
	return Outcome{}, err
}

func trigger(st flow.StepType, order int) string {
	return fmt.Sprintf("%s#%d", st, order)
}

func reference(txID string, order int) string {
	return fmt.Sprintf("%s-%d", txID, order)
}

// completePayment applies payment_completed and dispatches the completion events.
func (r *runtime) completePayment(ctx context.Context, log zerolog.Logger, tx *transaction.Transaction, key, trig string, payload map[string]any) (*transaction.Transaction, error) {
	res, err := r.Machine.Apply(ctx, tx.ID, transaction.TransitionPaymentCompleted, key, payload)
	if err != nil {
		return nil, err
	}
	if res.Rejected {
		log.Warn().Str("idempotency_key", key).Str("reason", string(res.Reason)).Msg("payment_completed rejected; no side effects")
		return nil, stepErr(ReasonTransitionRejected, "payment_completed %s", res.Reason)
	}

	r.dispatch(ctx, log, res.Transaction, "payment_completed", trig, outbox.AlertOptions{
		Heading: "Payment completed",
		Trigger: trig,
	})
	return res.Transaction, nil
}

// failPayment applies payment_failed, dispatches failure events and refunds funds that
// were received on-chain.
func (r *runtime) failPayment(ctx context.Context, log zerolog.Logger, tx *transaction.Transaction, key, trig string, refundReason refund.Reason, notes string, payload map[string]any) error {
	res, err := r.Machine.Apply(ctx, tx.ID, transaction.TransitionPaymentFailed, key, payload)
	if err != nil {
		return err
	}
	if res.Rejected {
		log.Warn().Str("idempotency_key", key).Str("reason", string(res.Reason)).Msg("payment_failed rejected; no side effects")
		return stepErr(ReasonTransitionRejected, "payment_failed %s", res.Reason)
	}

	failed := res.Transaction
	r.dispatch(ctx, log, failed, "payment_failed", trig, outbox.AlertOptions{
		Heading: "Payment failed",
		Notes:   notes,
		Trigger: trig,
	})

	if !failed.HasOnChainReceipt() {
		return nil
	}
	if _, err := r.Refunds.RefundByOnChainID(ctx, refund.Request{
		Amount:        failed.Quote.SourceAmount,
		Asset:         failed.Quote.SourceCurrency,
		Network:       failed.Network,
		OnChainID:     failed.OnChainID,
		Destination:   failed.RefundAddress,
		Reason:        refundReason,
		TransactionID: failed.ID,
		Trigger:       trig,
	}); err != nil {
		log.Error().Err(err).Str("on_chain_id", failed.OnChainID).Msg("refund request failed")
	}
	return nil
}

// dispatch records the partner/user event and internal alert. The transition already
// happened, so recording failures are logged rather than unwinding the step.
func (r *runtime) dispatch(ctx context.Context, log zerolog.Logger, tx *transaction.Transaction, template, trig string, alert outbox.AlertOptions) {
	if r.Dispatcher == nil {
		return
	}
	if err := r.Dispatcher.NotifyPartnerAndUser(ctx, tx, outbox.EventTransactionUpdated, template, trig, outbox.NotifyOptions{}); err != nil {
		log.Error().Err(err).Msg("record transaction event")
	}
	if err := r.Dispatcher.NotifySlack(ctx, tx, string(tx.Status), alert); err != nil {
		log.Error().Err(err).Msg("record internal alert")
	}
}
