package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"corridor-flows/internal/outbox"
)

const (
	insertOutboxEntrySQL = `INSERT INTO outbox_entries (
        id,
        kind,
        channel,
        target,
        transaction_id,
        template_key,
        trigger,
        payload,
        state,
        attempts,
        last_error,
        next_attempt_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
    )
    ON CONFLICT (id) DO NOTHING;`

	claimDueOutboxSQL = `UPDATE outbox_entries
    SET state = 'delivering',
        next_attempt_at = $2,
        updated_at = $1
    WHERE id IN (
        SELECT id FROM outbox_entries
        WHERE state IN ('pending', 'delivering')
          AND next_attempt_at <= $1
        ORDER BY next_attempt_at, created_at
        LIMIT $3
        FOR UPDATE SKIP LOCKED
    )
    RETURNING
        id,
        kind,
        channel,
        target,
        transaction_id,
        template_key,
        trigger,
        payload,
        state,
        attempts,
        last_error,
        next_attempt_at,
        delivered_at,
        created_at,
        updated_at;`

	markOutboxDeliveredSQL = `UPDATE outbox_entries
    SET state = 'delivered', attempts = attempts + 1, delivered_at = $2, last_error = '', updated_at = $2
    WHERE id = $1;`

	markOutboxRetrySQL = `UPDATE outbox_entries
    SET state = 'pending', attempts = $2, next_attempt_at = $3, last_error = $4, updated_at = now()
    WHERE id = $1;`

	markOutboxFailedSQL = `UPDATE outbox_entries
    SET state = 'failed', attempts = $2, last_error = $3, updated_at = now()
    WHERE id = $1;`
)

// Enqueue inserts entries in one batch.
func (s *Store) Enqueue(ctx context.Context, entries ...outbox.Entry) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(insertOutboxEntrySQL,
			e.ID,
			string(e.Kind),
			string(e.Channel),
			e.Target,
			e.TransactionID,
			e.TemplateKey,
			e.Trigger,
			[]byte(e.Payload),
			string(e.State),
			e.Attempts,
			e.LastError,
			e.NextAttemptAt,
		)
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("enqueue outbox entries: %w", err)
	}
	return nil
}

// ClaimDue leases due entries with SKIP LOCKED so concurrent workers never share one.
func (s *Store) ClaimDue(ctx context.Context, now, leaseUntil time.Time, limit int) ([]outbox.Entry, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, claimDueOutboxSQL, now, leaseUntil, limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox entries: %w", err)
	}
	defer rows.Close()

	entries := make([]outbox.Entry, 0, limit)
	for rows.Next() {
		var (
			e                    outbox.Entry
			kind, channel, state string
			payload              []byte
		)
		if err := rows.Scan(
			&e.ID,
			&kind,
			&channel,
			&e.Target,
			&e.TransactionID,
			&e.TemplateKey,
			&e.Trigger,
			&payload,
			&state,
			&e.Attempts,
			&e.LastError,
			&e.NextAttemptAt,
			&e.DeliveredAt,
			&e.CreatedAt,
			&e.UpdatedAt,
		); err != nil {
			return nil, err
		}
		e.Kind = outbox.EventKind(kind)
		e.Channel = outbox.Channel(channel)
		e.State = outbox.State(state)
		e.Payload = payload
		entries = append(entries, e)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return entries, nil
}

// MarkDelivered completes an entry.
func (s *Store) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	return s.execOutbox(ctx, "mark delivered", markOutboxDeliveredSQL, id, at)
}

// MarkRetry returns an entry to pending with its next attempt time.
func (s *Store) MarkRetry(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error {
	return s.execOutbox(ctx, "mark retry", markOutboxRetrySQL, id, attempts, next, lastErr)
}

// MarkFailed parks an entry after its final attempt.
func (s *Store) MarkFailed(ctx context.Context, id string, attempts int, lastErr string) error {
	return s.execOutbox(ctx, "mark failed", markOutboxFailedSQL, id, attempts, lastErr)
}

func (s *Store) execOutbox(ctx context.Context, op, query string, args ...any) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return outbox.ErrEntryNotFound
	}
	return nil
}
