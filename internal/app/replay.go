package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	sig "corridor-flows/internal/signal"
)

// ReplayOptions configure a signal replay.
type ReplayOptions struct {
	Path   string
	DryRun bool
}

// Replay feeds a stream of JSON signals, e.g. provider webhooks captured during an outage,
// through the router in order. Dedupe and the transition ledger make replays safe.
func (a *App) Replay(ctx context.Context, opts ReplayOptions) error {
	in, err := readInput(opts.Path)
	if err != nil {
		return err
	}
	defer in.Close()

	var deliver func(context.Context, sig.Signal) (string, error)
	if opts.DryRun {
		a.Logger.Warn().Msg("replay dry-run: signals are decoded but not delivered")
		deliver = func(_ context.Context, s sig.Signal) (string, error) {
			fp, err := s.Fingerprint()
			if err != nil {
				return "", err
			}
			return "decoded " + fp[:12], nil
		}
	} else {
		rt, err := a.open(ctx, false)
		if err != nil {
			return err
		}
		defer rt.Close()
		deliver = func(ctx context.Context, s sig.Signal) (string, error) {
			res, err := rt.orch.HandleSignal(ctx, s)
			if err != nil {
				return "", err
			}
			if res.Ignored {
				return "ignored: " + res.Reason, nil
			}
			return fmt.Sprintf("%s step %d: %s", res.TransactionID, res.StepOrder, res.Outcome), nil
		}
	}

	dec := json.NewDecoder(in)
	processed, failed := 0, 0
	for n := 1; ; n++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var s sig.Signal
		if err := dec.Decode(&s); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("decode signal %d: %w", n, err)
		}

		line, err := deliver(ctx, s)
		if err != nil {
			failed++
			a.Logger.Error().Err(err).Int("signal", n).Str("provider", s.Provider).Msg("replay failed")
			continue
		}
		processed++
		fmt.Fprintf(a.Out, "#%d %s\n", n, line)
	}

	a.Logger.Info().Int("processed", processed).Int("failed", failed).Msg("replay finished")
	if failed > 0 {
		return errors.New("some signals failed to replay; check the logs")
	}
	return nil
}
