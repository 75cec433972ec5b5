package executor

import (
	"context"
	"fmt"

	"corridor-flows/internal/flow"
	"corridor-flows/internal/refund"
	"corridor-flows/internal/signal"
	"corridor-flows/internal/status"
	"corridor-flows/internal/transaction"
	"corridor-flows/internal/venue"
)

// PayoutSend asks the corridor's payout provider to pay the beneficiary.
type PayoutSend struct{ *runtime }

// Execute sends the payout once; a transaction that already carries a provider handle
// is not paid out again.
func (e *PayoutSend) Execute(ctx context.Context, cfg flow.StepConfig, rc RuntimeContext, stepOrder int) (Outcome, error) {
	log := e.stepLogger(rc, flow.StepPayoutSend, stepOrder)
	trig := trigger(flow.StepPayoutSend, stepOrder)

	provider := flow.PayoutProvider(cfg.Get(flow.ConfigProvider))
	currency := flow.Asset(cfg.Get(flow.ConfigCurrency))
	if provider == "" || currency == "" {
		return Failed(stepErr(ReasonMissingConfig, "payout step needs %s and %s", flow.ConfigProvider, flow.ConfigCurrency), nil), nil
	}

	tx, err := e.load(ctx, rc.TransactionID)
	if err != nil {
		return resolve(err, nil)
	}
	if tx.ExternalID != "" {
		log.Info().Str("external_id", tx.ExternalID).Msg("payout already sent")
		output := map[string]any{OutputExternalID: tx.ExternalID}
		if !provider.IsAsync() && tx.Status == transaction.ProcessingPayment {
			return Failed(stepErr(ReasonProviderPending, "%s payout %s has not settled", provider, tx.ExternalID), output), nil
		}
		return Succeeded(output), nil
	}
	if tx.Status != transaction.ProcessingPayment {
		return Failed(stepErr(ReasonUnexpectedStatus, "payout requires %s, transaction is %s", transaction.ProcessingPayment, tx.Status), nil), nil
	}

	svc, err := e.Venues.Payout(provider)
	if err != nil {
		return Failed(stepErr(ReasonMissingConfig, "%v", err), nil), nil
	}

	res, sendErr := svc.SendPayout(ctx, venue.PayoutRequest{
		TransactionID: tx.ID,
		QuoteID:       tx.Quote.ID,
		Amount:        tx.Quote.TargetAmount,
		Currency:      currency,
	})
	if sendErr != nil {
		log.Error().Err(sendErr).Str("provider", string(provider)).Msg("payout request failed")
		payload := map[string]any{"provider": string(provider), "error": sendErr.Error()}
		if err := e.failPayment(ctx, log, tx, "payout:"+tx.ID, trig, refund.ReasonPayoutFailed, sendErr.Error(), payload); err != nil {
			return resolve(err, nil)
		}
		return Failed(stepErr(ReasonProviderRequestFailed, "%v", sendErr), nil), nil
	}
	if res.ExternalID == "" {
		return Failed(stepErr(ReasonMissingExternalID, "%s returned no payout id", provider), nil), nil
	}

	if err := e.Transactions.SetExternalID(ctx, tx.ID, res.ExternalID); err != nil {
		return Outcome{}, fmt.Errorf("record external id: %w", err)
	}
	tx.ExternalID = res.ExternalID
	output := map[string]any{OutputExternalID: res.ExternalID, OutputProviderStatus: res.RawStatus}

	log.Info().
		Str("provider", string(provider)).
		Str("external_id", res.ExternalID).
		Str("raw_status", res.RawStatus).
		Msg("payout sent")

	if provider.IsAsync() {
		return Succeeded(output), nil
	}

	payload := map[string]any{"provider": string(provider), "status": res.RawStatus}
	key := res.ExternalID + ":" + res.RawStatus
	switch e.Statuses.Resolve(string(provider), res.RawStatus) {
	case status.Completed:
		if _, err := e.completePayment(ctx, log, tx, key, trig, payload); err != nil {
			return resolve(err, output)
		}
		return Succeeded(output), nil
	case status.Failed:
		if err := e.failPayment(ctx, log, tx, key, trig, refund.ReasonPayoutFailed, "provider reported "+res.RawStatus, payload); err != nil {
			return resolve(err, output)
		}
		return Failed(stepErr(ReasonProviderReportedFailure, "%s reported %q", provider, res.RawStatus), output), nil
	default:
		// a sync rail has no status callback, so an unsettled payout needs an operator
		log.Warn().Str("raw_status", res.RawStatus).Msg("sync payout did not settle")
		return Failed(stepErr(ReasonProviderPending, "%s reported %q without settling", provider, res.RawStatus), output), nil
	}
}

// HandleSignal is not supported on a SYNC step.
func (e *PayoutSend) HandleSignal(context.Context, flow.StepConfig, RuntimeContext, signal.Signal, int) (Outcome, error) {
	return Outcome{}, ErrSignalUnsupported
}

// AwaitProviderStatus waits for the payout provider to report a terminal status.
type AwaitProviderStatus struct{ *runtime }

// Execute parks the step until a signal for the transaction's external id arrives.
func (e *AwaitProviderStatus) Execute(ctx context.Context, _ flow.StepConfig, rc RuntimeContext, _ int) (Outcome, error) {
	tx, err := e.correlated(ctx, rc.TransactionID)
	if err != nil {
		return resolve(err, nil)
	}
	return Waiting(map[string]string{signal.KeyExternalID: tx.ExternalID}, nil), nil
}

// HandleSignal settles the payment from the provider's reported status.
func (e *AwaitProviderStatus) HandleSignal(ctx context.Context, _ flow.StepConfig, rc RuntimeContext, sig signal.Signal, stepOrder int) (Outcome, error) {
	log := e.stepLogger(rc, flow.StepAwaitProviderStatus, stepOrder)
	trig := trigger(flow.StepAwaitProviderStatus, stepOrder)

	tx, err := e.correlated(ctx, rc.TransactionID)
	if err != nil {
		return resolve(err, nil)
	}
	correlation := map[string]string{signal.KeyExternalID: tx.ExternalID}

	if sig.ExternalID() != tx.ExternalID {
		log.Debug().Str("signal_external_id", sig.ExternalID()).Msg("signal for another payout ignored")
		return Waiting(correlation, nil), nil
	}

	provider := sig.Lookup("provider")
	if provider == "" {
		provider = sig.Provider
	}
	raw := sig.Status()
	if provider == "" || raw == "" {
		return Failed(stepErr(ReasonMalformedSignal, "signal needs provider and status"), nil), nil
	}

	canonical := e.Statuses.Resolve(provider, raw)
	output := map[string]any{OutputProviderStatus: raw}
	log.Info().Str("provider", provider).Str("raw_status", raw).Str("canonical", string(canonical)).Msg("provider status received")

	payload := map[string]any{"provider": provider, "status": raw, "stepOrder": stepOrder}
	key := tx.ExternalID + ":" + raw

	switch canonical {
	case status.Completed:
		if _, err := e.completePayment(ctx, log, tx, key, trig, payload); err != nil {
			return resolve(err, output)
		}
		return Succeeded(output), nil
	case status.Failed:
		if err := e.failPayment(ctx, log, tx, key, trig, refund.ReasonProviderFailed, "provider reported "+raw, payload); err != nil {
			return resolve(err, output)
		}
		return Failed(stepErr(ReasonProviderReportedFailure, "%s reported %q", provider, raw), output), nil
	default:
		return Waiting(correlation, output), nil
	}
}

func (e *AwaitProviderStatus) correlated(ctx context.Context, id string) (*transaction.Transaction, error) {
	tx, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.ExternalID == "" {
		return nil, stepErr(ReasonMissingExternalID, "transaction %s has no provider handle", id)
	}
	return tx, nil
}

