// Package service drives transactions through their compiled corridor plan.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"corridor-flows/internal/dedupe"
	"corridor-flows/internal/executor"
	"corridor-flows/internal/flow"
	"corridor-flows/internal/outbox"
	"corridor-flows/internal/refund"
	"corridor-flows/internal/signal"
	"corridor-flows/internal/transaction"
)

var (
	// ErrCorridorClosed is returned when a corridor has no enabled definition.
	ErrCorridorClosed = errors.New("corridor has no active flow definition")
	// ErrAmountOutOfRange is returned when a quote falls outside the corridor limits.
	ErrAmountOutOfRange = errors.New("amount outside corridor limits")
)

// Locker serialises work on one transaction across processes.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// AdvisoryLocker elects a single sweeper.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Definitions loads compiled plans.
type Definitions interface {
	FindDefinition(ctx context.Context, id string) (*flow.Definition, error)
	FindActiveDefinition(ctx context.Context, asset flow.Asset, network flow.Network, currency flow.Asset) (*flow.Definition, error)
}

// Deps are the collaborators of the orchestrator.
type Deps struct {
	Transactions transaction.Repository
	Definitions  Definitions
	Machine      *transaction.Machine
	Executors    *executor.Registry
	Dispatcher   executor.Dispatcher
	Refunds      executor.Refunder
	Dedupe       dedupe.Store
	Locker       Locker
}

// Options tune the orchestrator.
type Options struct {
	DedupeTTL      time.Duration
	StallThreshold time.Duration
	SweepBatch     int
	SweepLockKey   int64
	// LockTimeout bounds the wait for a per-transaction lock; zero waits for ctx.
	LockTimeout time.Duration
}

// Service orchestrates funds intake, step execution, signal routing and sweeps.
type Service struct {
	Deps
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs the orchestrator.
func New(deps Deps, opts Options, logger zerolog.Logger) *Service {
	if opts.SweepBatch <= 0 {
		opts.SweepBatch = 100
	}
	if opts.StallThreshold <= 0 {
		opts.StallThreshold = time.Hour
	}
	return &Service{
		Deps:   deps,
		opts:   opts,
		logger: logger.With().Str("component", "orchestrator").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// OpenRequest describes a quoted transaction awaiting customer funds.
type OpenRequest struct {
	Quote         transaction.Quote
	Partner       transaction.Partner
	Network       flow.Network
	RefundAddress string
	ExpiresIn     time.Duration
}

// Open binds a new transaction to the active plan of its corridor.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*transaction.Transaction, error) {
	def, err := s.Definitions.FindActiveDefinition(ctx, req.Quote.SourceCurrency, req.Network, req.Quote.TargetCurrency)
	if errors.Is(err, flow.ErrDefinitionNotFound) {
		return nil, fmt.Errorf("%w: %s/%s/%s", ErrCorridorClosed, req.Quote.SourceCurrency, req.Network, req.Quote.TargetCurrency)
	}
	if err != nil {
		return nil, err
	}
	if !def.Accepts(req.Quote.SourceAmount) {
		return nil, fmt.Errorf("%w: %s", ErrAmountOutOfRange, req.Quote.SourceAmount)
	}

	now := s.now()
	tx := &transaction.Transaction{
		ID:            uuid.NewString(),
		Status:        transaction.AwaitingPayment,
		Quote:         req.Quote,
		Partner:       req.Partner,
		Network:       req.Network,
		RefundAddress: req.RefundAddress,
		Progress: transaction.Progress{
			FlowDefinitionID: def.ID,
			State:            transaction.StepPending,
		},
		CreatedAt: now,
	}
	if tx.Quote.ID == "" {
		tx.Quote.ID = uuid.NewString()
	}
	if req.ExpiresIn > 0 {
		tx.ExpiresAt = now.Add(req.ExpiresIn)
	}
	if err := s.Transactions.CreateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}

	s.logger.Info().
		Str("transaction_id", tx.ID).
		Str("flow_definition_id", def.ID).
		Str("amount", tx.Quote.SourceAmount.String()).
		Msg("transaction opened")
	return tx, nil
}

// FundsReceived records the on-chain receipt of customer funds. A matching amount moves the
// transaction to PROCESSING_PAYMENT and starts its plan; any other amount ends it as
// WRONG_AMOUNT and refunds what was received. Replays with the same onChainID are no-ops.
func (s *Service) FundsReceived(ctx context.Context, txID, onChainID string, amount decimal.Decimal) (*transaction.Transaction, error) {
	unlock, err := s.lock(ctx, txID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	log := s.logger.With().Str("transaction_id", txID).Str("on_chain_id", onChainID).Logger()

	tx, err := s.Transactions.FindTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if err := s.Transactions.SetOnChainID(ctx, txID, onChainID); err != nil {
		return nil, fmt.Errorf("record on-chain id: %w", err)
	}
	tx.OnChainID = onChainID

	payload := map[string]any{"onChainId": onChainID, "amount": amount.String()}
	if !amount.Equal(tx.Quote.SourceAmount) {
		return s.wrongAmount(ctx, log, tx, amount, payload)
	}

	res, err := s.Machine.Apply(ctx, txID, transaction.TransitionPaymentReceived, onChainID, payload)
	if err != nil {
		return nil, err
	}
	tx = res.Transaction
	if !res.Rejected {
		s.notify(ctx, log, tx, "payment_received", "funds_received")
	}

	if tx.Status != transaction.ProcessingPayment || tx.Progress.StepOrder != 0 {
		return tx, nil
	}

	def, err := s.definitionFor(ctx, tx)
	if err != nil {
		return nil, err
	}
	if err := s.run(ctx, tx, def, 1); err != nil {
		return nil, err
	}
	return s.Transactions.FindTransaction(ctx, txID)
}

func (s *Service) wrongAmount(ctx context.Context, log zerolog.Logger, tx *transaction.Transaction, amount decimal.Decimal, payload map[string]any) (*transaction.Transaction, error) {
	log.Warn().Str("expected", tx.Quote.SourceAmount.String()).Str("received", amount.String()).Msg("received amount does not match quote")

	res, err := s.Machine.Apply(ctx, tx.ID, transaction.TransitionWrongAmount, tx.OnChainID, payload)
	if err != nil {
		return nil, err
	}
	if res.Rejected {
		return res.Transaction, nil
	}

	s.notify(ctx, log, res.Transaction, "wrong_amount", "funds_received")
	if s.Refunds != nil && amount.IsPositive() {
		if _, err := s.Refunds.RefundByOnChainID(ctx, refund.Request{
			Amount:        amount,
			Asset:         tx.Quote.SourceCurrency,
			Network:       tx.Network,
			OnChainID:     tx.OnChainID,
			Destination:   tx.RefundAddress,
			Reason:        refund.ReasonWrongAmount,
			TransactionID: tx.ID,
			Trigger:       "funds_received",
		}); err != nil {
			log.Error().Err(err).Msg("refund request failed")
		}
	}
	return res.Transaction, nil
}

// Resume re-runs the current step of a transaction, or the next one when the current step
// completed. It recovers plans interrupted by a crash or a fixed configuration error.
func (s *Service) Resume(ctx context.Context, txID string) (*transaction.Transaction, error) {
	unlock, err := s.lock(ctx, txID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tx, err := s.Transactions.FindTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.Status != transaction.ProcessingPayment && tx.Status != transaction.PaymentCompleted {
		return nil, fmt.Errorf("transaction %s is %s; nothing to resume", txID, tx.Status)
	}
	def, err := s.definitionFor(ctx, tx)
	if err != nil {
		return nil, err
	}

	from := tx.Progress.StepOrder
	if tx.Progress.State == transaction.StepCompleted {
		from++
	}
	if from < 1 {
		from = 1
	}
	if err := s.run(ctx, tx, def, from); err != nil {
		return nil, err
	}
	return s.Transactions.FindTransaction(ctx, txID)
}

// SignalResult reports how a signal was handled.
type SignalResult struct {
	TransactionID string
	StepOrder     int
	Outcome       executor.Outcome
	Ignored       bool
	Reason        string
}

// HandleSignal routes a signal to the waiting step of the transaction it correlates with.
// Signals that match nothing, repeat a recent signal or fail the step's match template are
// ignored without touching transaction state.
func (s *Service) HandleSignal(ctx context.Context, sig signal.Signal) (SignalResult, error) {
	release, duplicate := s.claim(ctx, sig)
	if duplicate {
		return SignalResult{Ignored: true, Reason: "duplicate"}, nil
	}

	target, err := s.route(ctx, sig)
	if errors.Is(err, transaction.ErrNotFound) {
		// the step it belongs to may not be waiting yet
		release()
		s.logger.Info().Str("provider", sig.Provider).Interface("correlation", sig.CorrelationKeys).Msg("signal matched no waiting step")
		return SignalResult{Ignored: true, Reason: "unmatched"}, nil
	}
	if err != nil {
		release()
		return SignalResult{}, err
	}

	res, err := s.deliver(ctx, target, sig)
	if err != nil || res.Ignored {
		release()
	}
	return res, err
}

// claim reserves the signal fingerprint in the dedupe store. The returned func gives the
// claim back so a signal that changed nothing can be delivered again.
func (s *Service) claim(ctx context.Context, sig signal.Signal) (func(), bool) {
	noop := func() {}
	if s.Dedupe == nil || s.opts.DedupeTTL <= 0 {
		return noop, false
	}
	fingerprint, err := sig.Fingerprint()
	if err != nil {
		s.logger.Warn().Err(err).Str("provider", sig.Provider).Msg("signal has no fingerprint; skipping dedupe")
		return noop, false
	}
	ok, err := s.Dedupe.Claim(ctx, fingerprint, s.opts.DedupeTTL)
	if err != nil {
		s.logger.Warn().Err(err).Msg("dedupe claim failed; processing signal")
		return noop, false
	}
	if !ok {
		return noop, true
	}
	return func() {
		if err := s.Dedupe.Release(context.WithoutCancel(ctx), fingerprint); err != nil {
			s.logger.Warn().Err(err).Msg("dedupe release failed")
		}
	}, false
}

func (s *Service) route(ctx context.Context, sig signal.Signal) (string, error) {
	if id := sig.Key(signal.KeyTransactionID); id != "" {
		return id, nil
	}
	if ext := sig.ExternalID(); ext != "" {
		tx, err := s.Transactions.FindWaiting(ctx, signal.KeyExternalID, ext)
		if err != nil {
			return "", err
		}
		return tx.ID, nil
	}
	return "", transaction.ErrNotFound
}

func (s *Service) deliver(ctx context.Context, txID string, sig signal.Signal) (SignalResult, error) {
	unlock, err := s.lock(ctx, txID)
	if err != nil {
		return SignalResult{}, err
	}
	defer unlock()

	tx, err := s.Transactions.FindTransaction(ctx, txID)
	if errors.Is(err, transaction.ErrNotFound) {
		return SignalResult{Ignored: true, Reason: "unmatched"}, nil
	}
	if err != nil {
		return SignalResult{}, err
	}

	result := SignalResult{TransactionID: txID, StepOrder: tx.Progress.StepOrder}
	if tx.Progress.State != transaction.StepWaiting {
		result.Ignored, result.Reason = true, "not_waiting"
		return result, nil
	}

	def, err := s.definitionFor(ctx, tx)
	if err != nil {
		return SignalResult{}, err
	}
	step, ok := def.Step(tx.Progress.StepOrder)
	if !ok || !step.Awaits() {
		result.Ignored, result.Reason = true, "not_waiting"
		return result, nil
	}
	if !matches(step.SignalMatch, sig) {
		s.logger.Info().Str("transaction_id", txID).Int("step_order", step.StepOrder).Msg("signal does not match waiting step")
		result.Ignored, result.Reason = true, "match_template"
		return result, nil
	}

	ex, err := s.Executors.For(step.StepType)
	if err != nil {
		return SignalResult{}, err
	}
	out, err := ex.HandleSignal(ctx, step.Config, s.runtimeContext(tx, def), sig, step.StepOrder)
	if err != nil {
		return SignalResult{}, fmt.Errorf("handle signal at step %d: %w", step.StepOrder, err)
	}
	result.Outcome = out

	if rejectsSignal(out) {
		log := s.logger.With().Str("transaction_id", txID).Int("step_order", step.StepOrder).Str("step_type", string(step.StepType)).Logger()
		log.Warn().Err(out.Err).Msg("signal rejected; step keeps waiting")
		s.escalate(ctx, log, tx, step, out)
		return result, nil
	}

	advance, err := s.record(ctx, tx, def, step, out)
	if err != nil {
		return SignalResult{}, err
	}
	if advance {
		if err := s.run(ctx, tx, def, step.StepOrder+1); err != nil {
			return SignalResult{}, err
		}
	}
	return result, nil
}

// matches reports whether sig satisfies every key of the step's match template. Values are
// looked up in the correlation keys, then the payload, then the signal provider.
func matches(template map[string]string, sig signal.Signal) bool {
	for key, want := range template {
		got := sig.Key(key)
		if got == "" {
			got = sig.Lookup(key)
		}
		if got == "" && key == flow.ConfigProvider {
			got = sig.Provider
		}
		if !strings.EqualFold(got, want) {
			return false
		}
	}
	return true
}

// rejectsSignal reports whether a failed outcome concerns only the signal that produced it.
// Such failures apply no transition, so the step stays waiting for a usable signal.
func rejectsSignal(out executor.Outcome) bool {
	if out.Kind != executor.KindFailed || out.Err == nil {
		return false
	}
	switch out.Err.Reason {
	case executor.ReasonMalformedSignal, executor.ReasonExchangeRequestFailed, executor.ReasonMissingConfig:
		return true
	}
	return false
}

// run executes steps from order onwards until one waits, fails or the plan ends.
func (s *Service) run(ctx context.Context, tx *transaction.Transaction, def *flow.Definition, from int) error {
	for order := from; ; order++ {
		step, ok := def.Step(order)
		if !ok {
			s.logger.Info().Str("transaction_id", tx.ID).Str("status", string(tx.Status)).Msg("flow finished")
			return nil
		}

		tx.Progress.FlowDefinitionID = def.ID
		tx.Progress.StepOrder = order
		tx.Progress.State = transaction.StepRunning
		tx.Progress.Correlation = nil
		if err := s.Transactions.SaveProgress(ctx, tx.ID, tx.Progress); err != nil {
			return fmt.Errorf("save progress: %w", err)
		}

		ex, err := s.Executors.For(step.StepType)
		if err != nil {
			return err
		}
		out, err := ex.Execute(ctx, step.Config, s.runtimeContext(tx, def), order)
		if err != nil {
			tx.Progress.State = transaction.StepPending
			if saveErr := s.Transactions.SaveProgress(ctx, tx.ID, tx.Progress); saveErr != nil {
				s.logger.Error().Err(saveErr).Str("transaction_id", tx.ID).Msg("save progress after error")
			}
			return fmt.Errorf("execute step %d %s: %w", order, step.StepType, err)
		}

		advance, err := s.record(ctx, tx, def, step, out)
		if err != nil {
			return err
		}
		if !advance {
			return nil
		}
	}
}

// record persists an outcome on the cursor and reports whether to advance.
func (s *Service) record(ctx context.Context, tx *transaction.Transaction, def *flow.Definition, step flow.SystemStep, out executor.Outcome) (bool, error) {
	log := s.logger.With().
		Str("transaction_id", tx.ID).
		Int("step_order", step.StepOrder).
		Str("step_type", string(step.StepType)).
		Str("outcome", out.String()).
		Logger()

	if len(out.Output) > 0 {
		if tx.Progress.Outputs == nil {
			tx.Progress.Outputs = make(map[string]any, len(out.Output))
		}
		for k, v := range out.Output {
			tx.Progress.Outputs[k] = v
		}
	}
	tx.Progress.FlowDefinitionID = def.ID
	tx.Progress.StepOrder = step.StepOrder

	switch out.Kind {
	case executor.KindWaiting:
		tx.Progress.State = transaction.StepWaiting
		tx.Progress.Correlation = out.Correlation
	case executor.KindSucceeded:
		tx.Progress.State = transaction.StepCompleted
		tx.Progress.Correlation = nil
	default:
		tx.Progress.State = transaction.StepFailed
	}
	if err := s.Transactions.SaveProgress(ctx, tx.ID, tx.Progress); err != nil {
		return false, fmt.Errorf("save progress: %w", err)
	}

	switch out.Kind {
	case executor.KindWaiting:
		log.Info().Interface("correlation", out.Correlation).Msg("step waiting")
		return false, nil
	case executor.KindSucceeded:
		log.Info().Msg("step succeeded")
		return true, nil
	}

	log.Warn().Err(out.Err).Msg("step failed")
	s.escalate(ctx, log, tx, step, out)
	return false, nil
}

// escalate raises an internal alert for failures the executor did not already report.
func (s *Service) escalate(ctx context.Context, log zerolog.Logger, tx *transaction.Transaction, step flow.SystemStep, out executor.Outcome) {
	if out.Err == nil || s.Dispatcher == nil {
		return
	}
	switch out.Err.Reason {
	case executor.ReasonProviderReportedFailure, executor.ReasonProviderRequestFailed, executor.ReasonTransitionRejected:
		return
	}

	current, err := s.Transactions.FindTransaction(ctx, tx.ID)
	if err != nil {
		log.Error().Err(err).Msg("reload transaction for alert")
		return
	}
	if err := s.Dispatcher.NotifySlack(ctx, current, string(current.Status), outbox.AlertOptions{
		Heading: "Flow step failed",
		Notes:   fmt.Sprintf("step %d %s: %s", step.StepOrder, step.StepType, out.Err.Error()),
		Trigger: fmt.Sprintf("%s#%d", step.StepType, step.StepOrder),
	}); err != nil {
		log.Error().Err(err).Msg("record step failure alert")
	}
}

func (s *Service) runtimeContext(tx *transaction.Transaction, def *flow.Definition) executor.RuntimeContext {
	return executor.RuntimeContext{
		TransactionID:    tx.ID,
		FlowDefinitionID: def.ID,
		Corridor:         def.Corridor,
		Correlation:      tx.Progress.Correlation,
		Outputs:          tx.Progress.Outputs,
	}
}

func (s *Service) definitionFor(ctx context.Context, tx *transaction.Transaction) (*flow.Definition, error) {
	if tx.Progress.FlowDefinitionID != "" {
		def, err := s.Definitions.FindDefinition(ctx, tx.Progress.FlowDefinitionID)
		if err != nil {
			return nil, fmt.Errorf("load flow definition %s: %w", tx.Progress.FlowDefinitionID, err)
		}
		return def, nil
	}
	def, err := s.Definitions.FindActiveDefinition(ctx, tx.Quote.SourceCurrency, tx.Network, tx.Quote.TargetCurrency)
	if errors.Is(err, flow.ErrDefinitionNotFound) {
		return nil, fmt.Errorf("%w: %s/%s/%s", ErrCorridorClosed, tx.Quote.SourceCurrency, tx.Network, tx.Quote.TargetCurrency)
	}
	return def, err
}

func (s *Service) notify(ctx context.Context, log zerolog.Logger, tx *transaction.Transaction, template, trig string) {
	if s.Dispatcher == nil {
		return
	}
	if err := s.Dispatcher.NotifyPartnerAndUser(ctx, tx, outbox.EventTransactionUpdated, template, trig, outbox.NotifyOptions{}); err != nil {
		log.Error().Err(err).Msg("record transaction event")
	}
}

func (s *Service) lock(ctx context.Context, txID string) (func(), error) {
	if s.Locker == nil {
		return func() {}, nil
	}
	if s.opts.LockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.LockTimeout)
		defer cancel()
	}
	unlock, err := s.Locker.Lock(ctx, "transaction:"+txID)
	if err != nil {
		return nil, fmt.Errorf("lock transaction %s: %w", txID, err)
	}
	return unlock, nil
}
