package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"corridor-flows/internal/flow"
	"corridor-flows/internal/scheduler"
	"corridor-flows/internal/service"
	sig "corridor-flows/internal/signal"
	"corridor-flows/internal/transaction"
)

// Migrate applies pending database migrations.
func (a *App) Migrate(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errNoDatabase
	}
	defer closeStore()

	applied, err := store.Migrate(ctx, a.Config.Database.MigrationsPath)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		fmt.Fprintln(a.Out, "schema up to date")
		return nil
	}
	for _, name := range applied {
		fmt.Fprintf(a.Out, "applied %s\n", name)
	}
	return nil
}

// Serve runs the outbox worker and the expiry/stall sweep until interrupted.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.open(ctx, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	outboxSched := scheduler.New(scheduler.Options{
		Name:      "outbox",
		Interval:  a.Config.Outbox.PollInterval,
		Immediate: true,
	}, a.Logger)
	sweepSched := scheduler.New(scheduler.Options{
		Name:         "sweep",
		Interval:     a.Config.Sweep.Interval,
		AlignToStart: a.Config.Sweep.AlignToInterval,
		StartupDelay: a.Config.Sweep.StartupDelay,
	}, a.Logger)

	a.Logger.Info().Msg("starting corridor runtime")

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, job := range []func(context.Context) error{
		func(ctx context.Context) error { return rt.worker.Run(ctx, outboxSched) },
		func(ctx context.Context) error { return rt.orch.RunSweeps(ctx, sweepSched) },
	} {
		wg.Add(1)
		go func(job func(context.Context) error) {
			defer wg.Done()
			if err := job(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errs <- err
				cancel()
			}
		}(job)
	}
	wg.Wait()
	close(errs)

	if err := <-errs; err != nil {
		a.Logger.Error().Err(err).Msg("corridor runtime terminated with error")
		return err
	}
	a.Logger.Info().Msg("corridor runtime stopped")
	return nil
}

// CompileFlow compiles a corridor file. Unless dryRun is set the definition replaces the
// corridor's active plan.
func (a *App) CompileFlow(ctx context.Context, path string, dryRun bool) error {
	spec, err := flow.LoadCorridorFile(path)
	if err != nil {
		return err
	}

	if dryRun {
		def, err := flow.Build(spec)
		if err != nil {
			return err
		}
		return printDefinition(a.Out, def)
	}

	rt, err := a.open(ctx, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	def, err := rt.flows.Define(ctx, spec)
	if err != nil {
		return err
	}
	return printDefinition(a.Out, def)
}

// OpenTransaction opens a quoted transaction on the active plan of its corridor.
func (a *App) OpenTransaction(ctx context.Context, opts OpenOptions) error {
	rt, err := a.open(ctx, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	tx, err := rt.orch.Open(ctx, service.OpenRequest{
		Quote: transaction.Quote{
			SourceAmount:   opts.Amount,
			SourceCurrency: opts.Asset,
			TargetAmount:   opts.TargetAmount,
			TargetCurrency: opts.Currency,
		},
		Partner:       transaction.Partner{ID: opts.PartnerID, WebhookURL: opts.WebhookURL},
		Network:       opts.Network,
		RefundAddress: opts.RefundAddress,
		ExpiresIn:     opts.ExpiresIn,
	})
	if err != nil {
		return err
	}
	return printTransaction(a.Out, tx)
}

// FundsReceived reports funds that arrived on-chain for a transaction.
func (a *App) FundsReceived(ctx context.Context, txID, onChainID string, amount decimal.Decimal) error {
	rt, err := a.open(ctx, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	tx, err := rt.orch.FundsReceived(ctx, txID, onChainID, amount)
	if err != nil {
		return err
	}
	return printTransaction(a.Out, tx)
}

// Signal delivers one JSON-encoded signal read from r.
func (a *App) Signal(ctx context.Context, r io.Reader) error {
	var s sig.Signal
	if err := json.NewDecoder(r).Decode(&s); err != nil {
		return fmt.Errorf("decode signal: %w", err)
	}

	rt, err := a.open(ctx, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	res, err := rt.orch.HandleSignal(ctx, s)
	if err != nil {
		return err
	}
	printSignalResult(a.Out, res)
	return nil
}

// Resume re-enters the plan of a transaction at its current step.
func (a *App) Resume(ctx context.Context, txID string) error {
	rt, err := a.open(ctx, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	tx, err := rt.orch.Resume(ctx, txID)
	if err != nil {
		return err
	}
	return printTransaction(a.Out, tx)
}

// DeliverOutbox drains due outbox entries once.
func (a *App) DeliverOutbox(ctx context.Context) error {
	rt, err := a.open(ctx, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	total := 0
	for {
		stats, err := rt.worker.RunOnce(ctx)
		if err != nil {
			return err
		}
		total += stats.Delivered
		fmt.Fprintf(a.Out, "claimed=%d delivered=%d retried=%d failed=%d\n", stats.Claimed, stats.Delivered, stats.Retried, stats.Failed)
		if stats.Claimed < a.Config.Outbox.BatchSize {
			break
		}
	}
	a.Logger.Info().Int("delivered", total).Msg("outbox drained")
	return nil
}

// Sweep runs one expiry and stall sweep.
func (a *App) Sweep(ctx context.Context) error {
	rt, err := a.open(ctx, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	report, err := rt.orch.Sweep(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	if report.Skipped {
		fmt.Fprintln(a.Out, "another sweep holds the lock; skipped")
		return nil
	}
	fmt.Fprintf(a.Out, "expired=%d stalled=%d\n", report.Expired, report.Stalled)
	return nil
}

func readInput(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

// SignalFile delivers a signal read from path, or stdin for "-".
func (a *App) SignalFile(ctx context.Context, path string) error {
	in, err := readInput(path)
	if err != nil {
		return err
	}
	defer in.Close()
	return a.Signal(ctx, in)
}
