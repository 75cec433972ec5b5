package storage

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"corridor-flows/internal/flow"
	"corridor-flows/internal/refund"
)

const (
	insertRefundSQL = `INSERT INTO refunds (
        id,
        transaction_id,
        on_chain_id,
        reason,
        trigger,
        amount,
        asset,
        network,
        destination,
        contract,
        calldata,
        state
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
    )
    ON CONFLICT (on_chain_id, reason) DO NOTHING
    RETURNING created_at;`

	findRefundSQL = `SELECT
        id,
        transaction_id,
        on_chain_id,
        reason,
        trigger,
        amount::text,
        asset,
        network,
        destination,
        contract,
        calldata,
        state,
        created_at
    FROM refunds
    WHERE on_chain_id = $1
      AND reason = $2;`
)

// CreateRefund inserts r unless a refund for the same receipt and reason exists, in which
// case the stored refund is returned with created=false.
func (s *Store) CreateRefund(ctx context.Context, r refund.Refund) (refund.Refund, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return refund.Refund{}, false, err
	}

	rows, err := pool.Query(ctx, insertRefundSQL,
		r.ID,
		r.TransactionID,
		r.OnChainID,
		string(r.Reason),
		r.Trigger,
		r.Amount.String(),
		string(r.Asset),
		string(r.Network),
		r.Destination,
		r.Contract,
		r.Calldata,
		string(r.State),
	)
	if err != nil {
		return refund.Refund{}, false, fmt.Errorf("insert refund: %w", err)
	}
	created := false
	for rows.Next() {
		if err := rows.Scan(&r.CreatedAt); err != nil {
			rows.Close()
			return refund.Refund{}, false, err
		}
		created = true
	}
	rows.Close()
	if rows.Err() != nil {
		return refund.Refund{}, false, fmt.Errorf("insert refund: %w", rows.Err())
	}
	if created {
		return r, true, nil
	}

	var (
		existing               refund.Refund
		reason, asset, network string
		state, amount          string
	)
	if err := pool.QueryRow(ctx, findRefundSQL, r.OnChainID, string(r.Reason)).Scan(
		&existing.ID,
		&existing.TransactionID,
		&existing.OnChainID,
		&reason,
		&existing.Trigger,
		&amount,
		&asset,
		&network,
		&existing.Destination,
		&existing.Contract,
		&existing.Calldata,
		&state,
		&existing.CreatedAt,
	); err != nil {
		return refund.Refund{}, false, fmt.Errorf("load existing refund: %w", err)
	}
	existing.Reason = refund.Reason(reason)
	existing.Asset = flow.Asset(asset)
	existing.Network = flow.Network(network)
	existing.State = refund.State(state)
	if existing.Amount, err = decimal.NewFromString(amount); err != nil {
		return refund.Refund{}, false, fmt.Errorf("parse refund amount: %w", err)
	}
	return existing, false, nil
}
