package service

import (
	"context"
	"fmt"
	"time"

	"corridor-flows/internal/outbox"
	"corridor-flows/internal/scheduler"
	"corridor-flows/internal/transaction"
)

// SweepReport summarises one sweep pass.
type SweepReport struct {
	Expired int
	Stalled int
	Skipped bool
}

// RunSweeps sweeps on every scheduler tick until ctx is cancelled.
func (s *Service) RunSweeps(ctx context.Context, sched *scheduler.Scheduler) error {
	if sched == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return sched.Run(ctx, func(ctx context.Context, at time.Time) error {
		report, err := s.Sweep(ctx, at)
		if err != nil {
			return err
		}
		if report.Expired > 0 || report.Stalled > 0 {
			s.logger.Info().Int("expired", report.Expired).Int("stalled", report.Stalled).Msg("sweep finished")
		}
		return nil
	})
}

// Sweep expires unpaid transactions whose window closed before now and raises one alert
// per step that has waited longer than the stall threshold. Waiting steps are never failed
// automatically.
func (s *Service) Sweep(ctx context.Context, now time.Time) (SweepReport, error) {
	unlock, proceed, err := s.acquireSweepLock(ctx)
	if err != nil {
		return SweepReport{}, err
	}
	if !proceed {
		s.logger.Debug().Msg("skip sweep because advisory lock held elsewhere")
		return SweepReport{Skipped: true}, nil
	}
	if unlock != nil {
		defer unlock()
	}

	var report SweepReport

	expired, err := s.Transactions.ListExpired(ctx, now, s.opts.SweepBatch)
	if err != nil {
		return report, fmt.Errorf("list expired: %w", err)
	}
	for _, tx := range expired {
		ok, err := s.expire(ctx, tx)
		if err != nil {
			return report, err
		}
		if ok {
			report.Expired++
		}
	}

	stalled, err := s.Transactions.ListStalled(ctx, now.Add(-s.opts.StallThreshold), s.opts.SweepBatch)
	if err != nil {
		return report, fmt.Errorf("list stalled: %w", err)
	}
	for _, tx := range stalled {
		if err := s.alertStalled(ctx, tx, now); err != nil {
			return report, err
		}
		report.Stalled++
	}
	return report, nil
}

func (s *Service) expire(ctx context.Context, tx *transaction.Transaction) (bool, error) {
	unlock, err := s.lock(ctx, tx.ID)
	if err != nil {
		return false, err
	}
	defer unlock()

	log := s.logger.With().Str("transaction_id", tx.ID).Logger()
	res, err := s.Machine.Apply(ctx, tx.ID, transaction.TransitionPaymentExpired, "expiry:"+tx.ID, map[string]any{
		"expiresAt": tx.ExpiresAt,
	})
	if err != nil {
		return false, err
	}
	if res.Rejected {
		return false, nil
	}
	s.notify(ctx, log, res.Transaction, "payment_expired", "sweep")
	return true, nil
}

func (s *Service) alertStalled(ctx context.Context, tx *transaction.Transaction, now time.Time) error {
	log := s.logger.With().Str("transaction_id", tx.ID).Int("step_order", tx.Progress.StepOrder).Logger()
	waited := now.Sub(tx.Progress.UpdatedAt).Round(time.Minute)

	if s.Dispatcher != nil {
		if err := s.Dispatcher.NotifySlack(ctx, tx, string(tx.Status), outbox.AlertOptions{
			Heading: "Flow step stalled",
			Notes:   fmt.Sprintf("step %d waiting for %s", tx.Progress.StepOrder, waited),
			Trigger: "sweep",
		}); err != nil {
			return fmt.Errorf("record stall alert: %w", err)
		}
	}
	if err := s.Transactions.MarkStallAlerted(ctx, tx.ID); err != nil {
		return fmt.Errorf("mark stall alerted: %w", err)
	}
	log.Warn().Dur("waited", waited).Msg("step stalled")
	return nil
}

func (s *Service) acquireSweepLock(ctx context.Context) (func(), bool, error) {
	locker, ok := s.Transactions.(AdvisoryLocker)
	if s.opts.SweepLockKey == 0 || !ok {
		return nil, true, nil
	}
	unlock, acquired, err := locker.TryAdvisoryLock(ctx, s.opts.SweepLockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

