package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"corridor-flows/internal/config"
	"corridor-flows/internal/executor"
	"corridor-flows/internal/flow"
	"corridor-flows/internal/service"
	sig "corridor-flows/internal/signal"
	"corridor-flows/internal/storage"
	"corridor-flows/internal/transaction"
	"corridor-flows/internal/venue"
)

// maxSimulatedSignals bounds the drive loop of Simulate.
const maxSimulatedSignals = 16

// defaultCorridor is a single-payout PIX corridor used when no file is given.
func defaultCorridor() flow.CorridorSpec {
	return flow.CorridorSpec{
		Corridor: flow.Corridor{
			Asset:          flow.AssetUSDC,
			Network:        flow.NetworkStellar,
			Currency:       flow.AssetBRL,
			PayoutProvider: flow.ProviderPix,
		},
		Enabled: true,
		Steps:   []flow.BusinessStep{{Type: flow.BusinessPayout}},
	}
}

// Simulate runs a corridor end to end in process memory against sandbox venues, answering
// every waiting step with the signal its provider or exchange would send.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	spec := defaultCorridor()
	if opts.CorridorFile != "" {
		loaded, err := flow.LoadCorridorFile(opts.CorridorFile)
		if err != nil {
			return err
		}
		spec = loaded
		spec.Enabled = true
	}
	if !opts.Amount.IsPositive() {
		return errors.New("amount must be positive")
	}
	rate := opts.Rate
	if !rate.IsPositive() {
		rate = decimal.NewFromInt(1)
	}
	providerStatus := opts.ProviderStatus
	if providerStatus == "" {
		providerStatus = "completed"
	}

	// sandbox runs never reach shared infrastructure
	cfg := *a.Config
	cfg.Dedupe.Backend = config.DedupeMemory
	cfg.Alerting.Slack.Enabled = false
	cfg.Alerting.Telegram.Enabled = false
	cfg.Outbox.UserNotificationsURL = ""
	cfg.Refund.VerifyReceipts = false

	venues := SandboxVenues()
	sim := *a
	sim.Config = &cfg
	sim.Venues = venues
	rt, err := sim.build(ctx, storage.NewMemory())
	if err != nil {
		return err
	}
	defer rt.Close()

	def, err := rt.flows.Define(ctx, spec)
	if err != nil {
		return err
	}
	if err := printDefinition(a.Out, def); err != nil {
		return err
	}
	priceConversions(venues, def, rate)

	target := opts.Amount.Mul(rate)
	tx, err := rt.orch.Open(ctx, service.OpenRequest{
		Quote: transaction.Quote{
			SourceAmount:   opts.Amount,
			SourceCurrency: spec.Corridor.Asset,
			TargetAmount:   target,
			TargetCurrency: spec.Corridor.Currency,
		},
		Partner:       transaction.Partner{ID: "sandbox"},
		Network:       spec.Corridor.Network,
		RefundAddress: "sandbox-refund-address",
		ExpiresIn:     time.Hour,
	})
	if err != nil {
		return err
	}

	tx, err = rt.orch.FundsReceived(ctx, tx.ID, "0x"+strings.ReplaceAll(uuid.NewString(), "-", "")+strings.Repeat("0", 32), opts.Amount)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "funds received: %s %s -> %s\n", formatDecimal(opts.Amount, 2), spec.Corridor.Asset, tx.Status)

	for i := 0; i < maxSimulatedSignals && tx.Progress.State == transaction.StepWaiting; i++ {
		step, ok := def.Step(tx.Progress.StepOrder)
		if !ok {
			break
		}
		s, err := simulatedSignal(venues, def, step, tx, providerStatus)
		if err != nil {
			return err
		}
		res, err := rt.orch.HandleSignal(ctx, s)
		if err != nil {
			return err
		}
		printSignalResult(a.Out, res)
		if res.Ignored {
			break
		}
		if tx, err = rt.repo.FindTransaction(ctx, tx.ID); err != nil {
			return err
		}
	}

	fmt.Fprintln(a.Out)
	if err := printTransaction(a.Out, tx); err != nil {
		return err
	}
	if m, ok := rt.repo.(*storage.Memory); ok {
		for _, e := range m.Entries() {
			fmt.Fprintf(a.Out, "event %-16s %-10s %s\n", e.Channel, e.State, e.TemplateKey)
		}
		for _, r := range m.Refunds() {
			fmt.Fprintf(a.Out, "refund %s %s %s (%s)\n", r.Reason, formatDecimal(r.Amount, 2), r.Asset, r.State)
		}
	}
	return nil
}

func priceConversions(venues *venue.Registry, def *flow.Definition, rate decimal.Decimal) {
	for _, step := range def.Steps {
		if step.StepType != flow.StepExchangeConvert {
			continue
		}
		ex, err := venues.Exchange(flow.Venue(step.Config.Get(flow.ConfigVenue)))
		if err != nil {
			continue
		}
		if sim, ok := ex.(*venue.SimulatedExchange); ok {
			from, to := flow.Asset(step.Config.Get(flow.ConfigFromAsset)), flow.Asset(step.Config.Get(flow.ConfigToAsset))
			if to.IsCrypto() {
				sim.Rates[[2]flow.Asset{from, to}] = decimal.NewFromInt(1)
			} else {
				sim.Rates[[2]flow.Asset{from, to}] = rate
			}
		}
	}
}

func simulatedSignal(venues *venue.Registry, def *flow.Definition, step flow.SystemStep, tx *transaction.Transaction, providerStatus string) (sig.Signal, error) {
	switch step.StepType {
	case flow.StepAwaitProviderStatus:
		return sig.Signal{
			Provider:        string(def.Corridor.PayoutProvider),
			CorrelationKeys: map[string]string{sig.KeyExternalID: tx.ExternalID},
			Payload:         map[string]any{"status": providerStatus},
		}, nil

	case flow.StepAwaitExchangeBalance:
		v := flow.Venue(step.Config.Get(flow.ConfigVenue))
		asset := flow.Asset(step.Config.Get(flow.ConfigAsset))
		ex, err := venues.Exchange(v)
		if err != nil {
			return sig.Signal{}, err
		}
		amount := executor.RuntimeContext{Outputs: tx.Progress.Outputs}.Holding(tx.Quote.SourceAmount)
		if sim, ok := ex.(*venue.SimulatedExchange); ok {
			sim.Credit(asset, amount)
		}
		return sig.Signal{
			Provider: strings.ToLower(string(v)),
			CorrelationKeys: map[string]string{
				sig.KeyTransactionID: tx.ID,
				sig.KeyVenue:         string(v),
				sig.KeyAsset:         string(asset),
			},
		}, nil
	}
	return sig.Signal{}, fmt.Errorf("step %d (%s) does not wait for signals", step.StepOrder, step.StepType)
}
