package executor

import (
	"context"

	"github.com/shopspring/decimal"

	"corridor-flows/internal/flow"
	"corridor-flows/internal/signal"
	"corridor-flows/internal/venue"
)

// Payload paths probed for a reported venue balance.
var balancePaths = []string{"balance", "data.balance", "available", "data.available"}

// ExchangeSend moves the held funds from the hot wallet to an exchange deposit address.
type ExchangeSend struct{ *runtime }

// Execute sends the funds.
func (e *ExchangeSend) Execute(ctx context.Context, cfg flow.StepConfig, rc RuntimeContext, stepOrder int) (Outcome, error) {
	log := e.stepLogger(rc, flow.StepExchangeSend, stepOrder)

	target := flow.Venue(cfg.Get(flow.ConfigVenue))
	asset := flow.Asset(cfg.Get(flow.ConfigAsset))
	network := flow.Network(cfg.Get(flow.ConfigNetwork))
	if target == "" || asset == "" || network == "" {
		return Failed(stepErr(ReasonMissingConfig, "exchange send needs %s, %s and %s", flow.ConfigVenue, flow.ConfigAsset, flow.ConfigNetwork), nil), nil
	}

	tx, err := e.load(ctx, rc.TransactionID)
	if err != nil {
		return resolve(err, nil)
	}
	amount := rc.Holding(tx.Quote.SourceAmount)

	ex, err := e.Venues.Exchange(target)
	if err != nil {
		return Failed(stepErr(ReasonMissingConfig, "%v", err), nil), nil
	}
	wallet, err := e.Venues.Wallet()
	if err != nil {
		return Failed(stepErr(ReasonMissingConfig, "%v", err), nil), nil
	}

	address, err := ex.DepositAddress(ctx, asset, network)
	if err != nil {
		log.Error().Err(err).Str("venue", string(target)).Msg("deposit address lookup failed")
		return Failed(stepErr(ReasonExchangeRequestFailed, "deposit address on %s: %v", target, err), nil), nil
	}

	hash, err := wallet.Send(ctx, venue.SendRequest{
		Reference:   reference(tx.ID, stepOrder),
		Asset:       asset,
		Network:     network,
		Amount:      amount,
		Destination: address,
	})
	if err != nil {
		log.Error().Err(err).Str("destination", address).Msg("hot wallet send failed")
		return Failed(stepErr(ReasonWalletRequestFailed, "send %s %s: %v", amount, asset, err), nil), nil
	}

	log.Info().Str("venue", string(target)).Str("tx_hash", hash).Str("amount", amount.String()).Msg("funds sent to exchange")
	return Succeeded(map[string]any{
		OutputDepositAddress: address,
		OutputTxHash:         hash,
		OutputAmount:         amount.String(),
		OutputAsset:          string(asset),
	}), nil
}

// HandleSignal is not supported on a SYNC step.
func (e *ExchangeSend) HandleSignal(context.Context, flow.StepConfig, RuntimeContext, signal.Signal, int) (Outcome, error) {
	return Outcome{}, ErrSignalUnsupported
}

// AwaitExchangeBalance waits until a venue holds the funds sent to it.
type AwaitExchangeBalance struct{ *runtime }

// Execute succeeds at once when the balance already covers the amount.
func (e *AwaitExchangeBalance) Execute(ctx context.Context, cfg flow.StepConfig, rc RuntimeContext, stepOrder int) (Outcome, error) {
	log := e.stepLogger(rc, flow.StepAwaitExchangeBalance, stepOrder)

	target, asset, ex, failed := e.resolveVenue(cfg)
	if failed != nil {
		return Failed(failed, nil), nil
	}
	tx, err := e.load(ctx, rc.TransactionID)
	if err != nil {
		return resolve(err, nil)
	}
	amount := rc.Holding(tx.Quote.SourceAmount)

	balance, err := ex.Balance(ctx, asset)
	if err != nil {
		return Failed(stepErr(ReasonExchangeRequestFailed, "balance on %s: %v", target, err), nil), nil
	}
	if balance.GreaterThanOrEqual(amount) {
		log.Info().Str("balance", balance.String()).Msg("venue balance already covers amount")
		return Succeeded(map[string]any{OutputBalance: balance.String()}), nil
	}
	return Waiting(balanceCorrelation(tx.ID, target, asset), nil), nil
}

// HandleSignal checks a reported balance against the expected amount.
func (e *AwaitExchangeBalance) HandleSignal(ctx context.Context, cfg flow.StepConfig, rc RuntimeContext, sig signal.Signal, stepOrder int) (Outcome, error) {
	log := e.stepLogger(rc, flow.StepAwaitExchangeBalance, stepOrder)

	target, asset, ex, failed := e.resolveVenue(cfg)
	if failed != nil {
		return Failed(failed, nil), nil
	}
	tx, err := e.load(ctx, rc.TransactionID)
	if err != nil {
		return resolve(err, nil)
	}
	correlation := balanceCorrelation(tx.ID, target, asset)

	if flow.Venue(sig.Key(signal.KeyVenue)) != target || flow.Asset(sig.Key(signal.KeyAsset)) != asset {
		log.Debug().Str("signal_venue", sig.Key(signal.KeyVenue)).Str("signal_asset", sig.Key(signal.KeyAsset)).Msg("balance signal for another venue ignored")
		return Waiting(correlation, nil), nil
	}

	var balance decimal.Decimal
	if raw := sig.First(balancePaths...); raw != "" {
		if balance, err = decimal.NewFromString(raw); err != nil {
			return Failed(stepErr(ReasonMalformedSignal, "balance %q: %v", raw, err), nil), nil
		}
	} else if balance, err = ex.Balance(ctx, asset); err != nil {
		return Failed(stepErr(ReasonExchangeRequestFailed, "balance on %s: %v", target, err), nil), nil
	}

	amount := rc.Holding(tx.Quote.SourceAmount)
	if balance.LessThan(amount) {
		log.Info().Str("balance", balance.String()).Str("amount", amount.String()).Msg("venue balance still short")
		return Waiting(correlation, map[string]any{OutputBalance: balance.String()}), nil
	}

	log.Info().Str("balance", balance.String()).Msg("venue balance arrived")
	return Succeeded(map[string]any{OutputBalance: balance.String()}), nil
}

func (e *AwaitExchangeBalance) resolveVenue(cfg flow.StepConfig) (flow.Venue, flow.Asset, venue.Exchange, *StepError) {
	target := flow.Venue(cfg.Get(flow.ConfigVenue))
	asset := flow.Asset(cfg.Get(flow.ConfigAsset))
	if target == "" || asset == "" {
		return "", "", nil, stepErr(ReasonMissingConfig, "balance wait needs %s and %s", flow.ConfigVenue, flow.ConfigAsset)
	}
	ex, err := e.Venues.Exchange(target)
	if err != nil {
		return "", "", nil, stepErr(ReasonMissingConfig, "%v", err)
	}
	return target, asset, ex, nil
}

func balanceCorrelation(txID string, v flow.Venue, asset flow.Asset) map[string]string {
	return map[string]string{
		signal.KeyTransactionID: txID,
		signal.KeyVenue:         string(v),
		signal.KeyAsset:         string(asset),
	}
}

// ExchangeConvert converts the held asset on an exchange.
type ExchangeConvert struct{ *runtime }

// Execute places a market conversion.
func (e *ExchangeConvert) Execute(ctx context.Context, cfg flow.StepConfig, rc RuntimeContext, stepOrder int) (Outcome, error) {
	log := e.stepLogger(rc, flow.StepExchangeConvert, stepOrder)

	target := flow.Venue(cfg.Get(flow.ConfigVenue))
	from := flow.Asset(cfg.Get(flow.ConfigFromAsset))
	to := flow.Asset(cfg.Get(flow.ConfigToAsset))
	if target == "" || from == "" || to == "" {
		return Failed(stepErr(ReasonMissingConfig, "convert needs %s, %s and %s", flow.ConfigVenue, flow.ConfigFromAsset, flow.ConfigToAsset), nil), nil
	}

	tx, err := e.load(ctx, rc.TransactionID)
	if err != nil {
		return resolve(err, nil)
	}
	amount := rc.Holding(tx.Quote.SourceAmount)

	ex, err := e.Venues.Exchange(target)
	if err != nil {
		return Failed(stepErr(ReasonMissingConfig, "%v", err), nil), nil
	}

	res, err := ex.Convert(ctx, venue.ConvertRequest{
		Reference: reference(tx.ID, stepOrder),
		From:      from,
		To:        to,
		Amount:    amount,
	})
	if err != nil {
		log.Error().Err(err).Str("venue", string(target)).Msg("conversion failed")
		return Failed(stepErr(ReasonExchangeRequestFailed, "convert %s %s to %s on %s: %v", amount, from, to, target, err), nil), nil
	}

	log.Info().Str("order_id", res.OrderID).Str("received", res.Received.String()).Str("to", string(to)).Msg("conversion filled")
	return Succeeded(map[string]any{
		OutputOrderID: res.OrderID,
		OutputAmount:  res.Received.String(),
		OutputAsset:   string(to),
	}), nil
}

// HandleSignal is not supported on a SYNC step.
func (e *ExchangeConvert) HandleSignal(context.Context, flow.StepConfig, RuntimeContext, signal.Signal, int) (Outcome, error) {
	return Outcome{}, ErrSignalUnsupported
}

// TreasuryTransfer withdraws funds from one venue to another venue's deposit address.
type TreasuryTransfer struct{ *runtime }

// Execute requests the withdrawal.
func (e *TreasuryTransfer) Execute(ctx context.Context, cfg flow.StepConfig, rc RuntimeContext, stepOrder int) (Outcome, error) {
	log := e.stepLogger(rc, flow.StepTreasuryTransfer, stepOrder)

	fromVenue := flow.Venue(cfg.Get(flow.ConfigFromVenue))
	toVenue := flow.Venue(cfg.Get(flow.ConfigToVenue))
	asset := flow.Asset(cfg.Get(flow.ConfigAsset))
	if fromVenue == "" || toVenue == "" || asset == "" {
		return Failed(stepErr(ReasonMissingConfig, "transfer needs %s, %s and %s", flow.ConfigFromVenue, flow.ConfigToVenue, flow.ConfigAsset), nil), nil
	}

	tx, err := e.load(ctx, rc.TransactionID)
	if err != nil {
		return resolve(err, nil)
	}
	amount := rc.Holding(tx.Quote.SourceAmount)

	source, err := e.Venues.Exchange(fromVenue)
	if err != nil {
		return Failed(stepErr(ReasonMissingConfig, "%v", err), nil), nil
	}
	destination, err := e.Venues.Exchange(toVenue)
	if err != nil {
		return Failed(stepErr(ReasonMissingConfig, "%v", err), nil), nil
	}

	address, err := destination.DepositAddress(ctx, asset, tx.Network)
	if err != nil {
		return Failed(stepErr(ReasonExchangeRequestFailed, "deposit address on %s: %v", toVenue, err), nil), nil
	}

	res, err := source.Withdraw(ctx, venue.WithdrawRequest{
		Reference:   reference(tx.ID, stepOrder),
		Asset:       asset,
		Amount:      amount,
		Destination: address,
	})
	if err != nil {
		log.Error().Err(err).Str("from", string(fromVenue)).Str("to", string(toVenue)).Msg("withdrawal failed")
		return Failed(stepErr(ReasonExchangeRequestFailed, "withdraw %s %s from %s: %v", amount, asset, fromVenue, err), nil), nil
	}

	log.Info().Str("withdrawal_id", res.WithdrawalID).Str("to", string(toVenue)).Msg("treasury transfer requested")
	return Succeeded(map[string]any{
		OutputWithdrawalID:   res.WithdrawalID,
		OutputDepositAddress: address,
		OutputAmount:         amount.String(),
		OutputAsset:          string(asset),
	}), nil
}

// HandleSignal is not supported on a SYNC step.
func (e *TreasuryTransfer) HandleSignal(context.Context, flow.StepConfig, RuntimeContext, signal.Signal, int) (Outcome, error) {
	return Outcome{}, ErrSignalUnsupported
}
