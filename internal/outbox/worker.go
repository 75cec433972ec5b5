package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"corridor-flows/internal/scheduler"
)

// Sender delivers an entry over one channel.
type Sender interface {
	Send(ctx context.Context, entry Entry) error
}

// RetryPolicy shapes redelivery of failed entries.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// Delay returns the wait before the next attempt once attempt deliveries have failed.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.InitialInterval
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// WorkerOptions configure a Worker.
type WorkerOptions struct {
	BatchSize int
	Lease     time.Duration
	Retry     RetryPolicy
}

// Stats summarises one RunOnce pass.
type Stats struct {
	Claimed   int
	Delivered int
	Retried   int
	Failed    int
}

// Worker drains the outbox independently of the code that produced the entries.
type Worker struct {
	store   Store
	senders map[Channel]Sender
	opts    WorkerOptions
	logger  zerolog.Logger
	now     func() time.Time
}

// NewWorker constructs a delivery worker.
func NewWorker(store Store, senders map[Channel]Sender, opts WorkerOptions, logger zerolog.Logger) *Worker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.Lease <= 0 {
		opts.Lease = time.Minute
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = 10
	}
	if opts.Retry.InitialInterval <= 0 {
		opts.Retry.InitialInterval = 5 * time.Second
	}
	if opts.Retry.MaxInterval <= 0 {
		opts.Retry.MaxInterval = 30 * time.Minute
	}
	if opts.Retry.Multiplier < 1 {
		opts.Retry.Multiplier = 2
	}
	return &Worker{
		store:   store,
		senders: senders,
		opts:    opts,
		logger:  logger.With().Str("component", "outbox_worker").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce claims one batch of due entries and delivers them.
func (w *Worker) RunOnce(ctx context.Context) (Stats, error) {
	now := w.now()
	entries, err := w.store.ClaimDue(ctx, now, now.Add(w.opts.Lease), w.opts.BatchSize)
	if err != nil {
		return Stats{}, fmt.Errorf("claim outbox entries: %w", err)
	}

	stats := Stats{Claimed: len(entries)}
	for _, e := range entries {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		err := w.Deliver(ctx, e)
		switch {
		case err == nil:
			stats.Delivered++
		case errors.Is(err, errGaveUp):
			stats.Failed++
		default:
			stats.Retried++
		}
	}

	if stats.Claimed > 0 {
		w.logger.Info().
			Int("claimed", stats.Claimed).
			Int("delivered", stats.Delivered).
			Int("retried", stats.Retried).
			Int("failed", stats.Failed).
			Msg("outbox batch processed")
	}
	return stats, nil
}

var errGaveUp = errors.New("outbox delivery attempts exhausted")

// Deliver sends an entry already marked delivering and records the result.
func (w *Worker) Deliver(ctx context.Context, e Entry) error {
	sendErr := w.send(ctx, e)
	if sendErr == nil {
		if err := w.store.MarkDelivered(ctx, e.ID, w.now()); err != nil {
			return fmt.Errorf("mark delivered: %w", err)
		}
		return nil
	}

	attempts := e.Attempts + 1
	log := w.logger.Warn().Err(sendErr).
		Str("entry_id", e.ID).
		Str("transaction_id", e.TransactionID).
		Str("channel", string(e.Channel)).
		Int("attempts", attempts)

	if attempts >= w.opts.Retry.MaxAttempts {
		if err := w.store.MarkFailed(ctx, e.ID, attempts, sendErr.Error()); err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		log.Msg("outbox entry failed permanently")
		return fmt.Errorf("%w: %v", errGaveUp, sendErr)
	}

	next := w.now().Add(w.opts.Retry.Delay(attempts))
	if err := w.store.MarkRetry(ctx, e.ID, attempts, next, sendErr.Error()); err != nil {
		return fmt.Errorf("mark retry: %w", err)
	}
	log.Time("next_attempt_at", next).Msg("outbox delivery rescheduled")
	return sendErr
}

func (w *Worker) send(ctx context.Context, e Entry) error {
	sender, ok := w.senders[e.Channel]
	if !ok {
		return fmt.Errorf("no sender for channel %q", e.Channel)
	}
	return sender.Send(ctx, e)
}

var _ Deliverer = (*Worker)(nil)

// Run drains the outbox on every scheduler tick until ctx is cancelled.
func (w *Worker) Run(ctx context.Context, sched *scheduler.Scheduler) error {
	return sched.Run(ctx, func(ctx context.Context, _ time.Time) error {
		for {
			stats, err := w.RunOnce(ctx)
			if err != nil {
				return err
			}
			if stats.Claimed < w.opts.BatchSize {
				return nil
			}
		}
	})
}
