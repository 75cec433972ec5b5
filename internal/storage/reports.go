package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"corridor-flows/internal/transaction"
)

const volumeBetweenSQL = `SELECT
        to_timestamp(floor(extract(epoch FROM t.created_at) / $3) * $3) AS bucket,
        t.status,
        COUNT(*),
        COALESCE(SUM(q.source_amount), 0)::text
    FROM transactions t
    JOIN quotes q ON q.id = t.quote_id
    WHERE t.created_at >= $1
      AND t.created_at < $2
    GROUP BY 1, 2
    ORDER BY 1, 2;`

// VolumeBetween aggregates transaction counts and source volume per bucket and status.
func (s *Store) VolumeBetween(ctx context.Context, from, to time.Time, bucket time.Duration) ([]VolumeBucket, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, volumeBetweenSQL, from, to, bucket.Seconds())
	if err != nil {
		return nil, fmt.Errorf("volume between: %w", err)
	}
	defer rows.Close()

	out := make([]VolumeBucket, 0)
	for rows.Next() {
		var (
			b              VolumeBucket
			status, amount string
		)
		if err := rows.Scan(&b.Bucket, &status, &b.Count, &amount); err != nil {
			return nil, err
		}
		b.Status = transaction.Status(status)
		if b.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse volume: %w", err)
		}
		b.Bucket = b.Bucket.UTC()
		out = append(out, b)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}
