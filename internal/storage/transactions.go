package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"corridor-flows/internal/flow"
	"corridor-flows/internal/transaction"
)

const (
	upsertPartnerSQL = `INSERT INTO partners (id, name, webhook_url, webhook_secret)
    VALUES ($1,$2,$3,$4)
    ON CONFLICT (id) DO UPDATE
    SET name           = EXCLUDED.name,
        webhook_url    = EXCLUDED.webhook_url,
        webhook_secret = EXCLUDED.webhook_secret;`

	upsertQuoteSQL = `INSERT INTO quotes (id, source_amount, source_currency, target_amount, target_currency)
    VALUES ($1,$2,$3,$4,$5)
    ON CONFLICT (id) DO NOTHING;`

	insertTransactionSQL = `INSERT INTO transactions (
        id,
        status,
        quote_id,
        partner_id,
        network,
        external_id,
        on_chain_id,
        refund_address,
        expires_at,
        flow_definition_id,
        step_order,
        step_state,
        step_correlation,
        step_outputs
    ) VALUES (
        $1,$2,$3,$4,$5,NULLIF($6, ''),NULLIF($7, ''),$8,$9,NULLIF($10, ''),$11,$12,$13,$14
    );`

	selectTransactionColumns = `SELECT
        t.id,
        t.status,
        t.network,
        COALESCE(t.external_id, ''),
        COALESCE(t.on_chain_id, ''),
        t.refund_address,
        t.expires_at,
        COALESCE(t.flow_definition_id, ''),
        t.step_order,
        t.step_state,
        t.step_correlation,
        t.step_outputs,
        t.step_updated_at,
        t.created_at,
        t.updated_at,
        q.id,
        q.source_amount::text,
        q.source_currency,
        q.target_amount::text,
        q.target_currency,
        p.id,
        p.name,
        p.webhook_url,
        p.webhook_secret
    FROM transactions t
    JOIN quotes q ON q.id = t.quote_id
    JOIN partners p ON p.id = t.partner_id`

	findTransactionSQL = selectTransactionColumns + ` WHERE t.id = $1;`

	findWaitingSQL = selectTransactionColumns + `
    WHERE t.step_state = 'waiting'
      AND t.step_correlation @> $1
    ORDER BY t.created_at
    LIMIT 1;`

	listExpiredSQL = selectTransactionColumns + `
    WHERE t.status = 'AWAITING_PAYMENT'
      AND t.expires_at < $1
    ORDER BY t.created_at
    LIMIT $2;`

	listStalledSQL = selectTransactionColumns + `
    WHERE t.step_state = 'waiting'
      AND t.step_updated_at < $1
      AND NOT t.stall_alerted
    ORDER BY t.created_at
    LIMIT $2;`

	lockTransactionStatusSQL = `SELECT status FROM transactions WHERE id = $1 FOR UPDATE;`

	insertTransitionSQL = `INSERT INTO transaction_transitions (
        transaction_id,
        transition,
        idempotency_key,
        from_status,
        to_status,
        payload
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (transaction_id, transition, idempotency_key) DO NOTHING;`

	updateStatusSQL = `UPDATE transactions SET status = $2, updated_at = now() WHERE id = $1;`

	setExternalIDSQL = `UPDATE transactions
    SET external_id = $2, updated_at = now()
    WHERE id = $1
      AND (external_id IS NULL OR external_id = $2);`

	setOnChainIDSQL = `UPDATE transactions
    SET on_chain_id = $2, updated_at = now()
    WHERE id = $1
      AND (on_chain_id IS NULL OR on_chain_id = $2);`

	saveProgressSQL = `UPDATE transactions
    SET flow_definition_id = NULLIF($2, ''),
        stall_alerted      = stall_alerted AND step_order = $3 AND step_state = $4,
        step_order         = $3,
        step_state         = $4,
        step_correlation   = $5,
        step_outputs       = $6,
        step_updated_at    = now(),
        updated_at         = now()
    WHERE id = $1;`

	markStallAlertedSQL = `UPDATE transactions SET stall_alerted = true WHERE id = $1;`

	transactionExistsSQL = `SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1);`
)

const uniqueViolation = "23505"

// CreateTransaction stores the transaction together with its quote and partner.
func (s *Store) CreateTransaction(ctx context.Context, t *transaction.Transaction) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	correlation, outputs, err := encodeProgress(t.Progress)
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, upsertPartnerSQL, t.Partner.ID, t.Partner.Name, t.Partner.WebhookURL, t.Partner.WebhookSecret); err != nil {
		return fmt.Errorf("upsert partner: %w", err)
	}
	q := t.Quote
	if _, err := tx.Exec(ctx, upsertQuoteSQL, q.ID, q.SourceAmount.String(), string(q.SourceCurrency), q.TargetAmount.String(), string(q.TargetCurrency)); err != nil {
		return fmt.Errorf("upsert quote: %w", err)
	}

	var expires any
	if !t.ExpiresAt.IsZero() {
		expires = t.ExpiresAt
	}
	state := t.Progress.State
	if state == "" {
		state = transaction.StepPending
	}
	if _, err := tx.Exec(ctx, insertTransactionSQL,
		t.ID,
		string(t.Status),
		q.ID,
		t.Partner.ID,
		string(t.Network),
		t.ExternalID,
		t.OnChainID,
		t.RefundAddress,
		expires,
		t.Progress.FlowDefinitionID,
		t.Progress.StepOrder,
		string(state),
		correlation,
		outputs,
	); err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// FindTransaction loads a transaction with its quote and partner.
func (s *Store) FindTransaction(ctx context.Context, id string) (*transaction.Transaction, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	return scanTransaction(pool.QueryRow(ctx, findTransactionSQL, id))
}

// ApplyTransition records the idempotency key and moves the status in one database
// transaction. The row lock taken on the transaction serialises concurrent transitions.
func (s *Store) ApplyTransition(ctx context.Context, id string, t transaction.Transition, key string, payload map[string]any) (transaction.Result, error) {
	pool, err := s.getPool()
	if err != nil {
		return transaction.Result{}, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return transaction.Result{}, fmt.Errorf("encode transition payload: %w", err)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return transaction.Result{}, fmt.Errorf("begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current string
	err = tx.QueryRow(ctx, lockTransactionStatusSQL, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return transaction.Result{}, transaction.ErrNotFound
	}
	if err != nil {
		return transaction.Result{}, fmt.Errorf("lock transaction: %w", err)
	}

	var reason transaction.RejectReason
	tag, err := tx.Exec(ctx, insertTransitionSQL, id, string(t.Name), key, current, string(t.To), body)
	if err != nil {
		return transaction.Result{}, fmt.Errorf("record transition: %w", err)
	}
	switch {
	case tag.RowsAffected() == 0:
		reason = transaction.RejectDuplicate
	case !t.Allows(transaction.Status(current)):
		reason = transaction.RejectStatusMismatch
	default:
		if _, err := tx.Exec(ctx, updateStatusSQL, id, string(t.To)); err != nil {
			return transaction.Result{}, fmt.Errorf("update status: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return transaction.Result{}, fmt.Errorf("commit transition: %w", err)
		}
	}

	loaded, err := s.FindTransaction(ctx, id)
	if err != nil {
		return transaction.Result{}, err
	}
	return transaction.Result{Transaction: loaded, Rejected: reason != "", Reason: reason}, nil
}

// SetExternalID binds the provider handle; a different existing handle is a conflict.
func (s *Store) SetExternalID(ctx context.Context, id, externalID string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, setExternalIDSQL, id, externalID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return transaction.ErrExternalIDConflict
		}
		return fmt.Errorf("set external id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflictOrMissing(ctx, id, transaction.ErrExternalIDConflict)
	}
	return nil
}

// SetOnChainID records the inbound on-chain receipt.
func (s *Store) SetOnChainID(ctx context.Context, id, onChainID string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, setOnChainIDSQL, id, onChainID)
	if err != nil {
		return fmt.Errorf("set on-chain id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflictOrMissing(ctx, id, transaction.ErrOnChainIDConflict)
	}
	return nil
}

func (s *Store) conflictOrMissing(ctx context.Context, id string, conflict error) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, transactionExistsSQL, id).Scan(&exists); err != nil {
		return fmt.Errorf("check transaction: %w", err)
	}
	if !exists {
		return transaction.ErrNotFound
	}
	return conflict
}

// FindWaiting resolves a signal to the transaction whose waiting step carries key=value.
func (s *Store) FindWaiting(ctx context.Context, key, value string) (*transaction.Transaction, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	probe, err := json.Marshal(map[string]string{key: value})
	if err != nil {
		return nil, err
	}
	return scanTransaction(pool.QueryRow(ctx, findWaitingSQL, probe))
}

// SaveProgress replaces the flow cursor. Moving the cursor re-arms the stall alert.
func (s *Store) SaveProgress(ctx context.Context, id string, p transaction.Progress) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	correlation, outputs, err := encodeProgress(p)
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, saveProgressSQL, id, p.FlowDefinitionID, p.StepOrder, string(p.State), correlation, outputs)
	if err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return transaction.ErrNotFound
	}
	return nil
}

// ListExpired returns awaiting transactions whose payment window closed before now.
func (s *Store) ListExpired(ctx context.Context, now time.Time, limit int) ([]*transaction.Transaction, error) {
	return s.listTransactions(ctx, listExpiredSQL, now, limit)
}

// ListStalled returns waiting transactions untouched since olderThan that were not alerted yet.
func (s *Store) ListStalled(ctx context.Context, olderThan time.Time, limit int) ([]*transaction.Transaction, error) {
	return s.listTransactions(ctx, listStalledSQL, olderThan, limit)
}

// MarkStallAlerted suppresses further stall alerts until the cursor moves.
func (s *Store) MarkStallAlerted(ctx context.Context, id string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, markStallAlertedSQL, id)
	if err != nil {
		return fmt.Errorf("mark stall alerted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return transaction.ErrNotFound
	}
	return nil
}

func (s *Store) listTransactions(ctx context.Context, query string, at time.Time, limit int) ([]*transaction.Transaction, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, query, at, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	out := make([]*transaction.Transaction, 0)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func scanTransaction(row pgx.Row) (*transaction.Transaction, error) {
	var (
		t                          transaction.Transaction
		status, network, state     string
		expires                    *time.Time
		correlation, outputs       []byte
		sourceAmount, targetAmount string
		sourceCurrency, targetCurr string
	)
	err := row.Scan(
		&t.ID,
		&status,
		&network,
		&t.ExternalID,
		&t.OnChainID,
		&t.RefundAddress,
		&expires,
		&t.Progress.FlowDefinitionID,
		&t.Progress.StepOrder,
		&state,
		&correlation,
		&outputs,
		&t.Progress.UpdatedAt,
		&t.CreatedAt,
		&t.UpdatedAt,
		&t.Quote.ID,
		&sourceAmount,
		&sourceCurrency,
		&targetAmount,
		&targetCurr,
		&t.Partner.ID,
		&t.Partner.Name,
		&t.Partner.WebhookURL,
		&t.Partner.WebhookSecret,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, transaction.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan transaction: %w", err)
	}

	t.Status = transaction.Status(status)
	t.Network = flow.Network(network)
	t.Progress.State = transaction.StepState(state)
	if expires != nil {
		t.ExpiresAt = *expires
	}
	t.Quote.SourceCurrency = flow.Asset(sourceCurrency)
	t.Quote.TargetCurrency = flow.Asset(targetCurr)
	if t.Quote.SourceAmount, err = decimal.NewFromString(sourceAmount); err != nil {
		return nil, fmt.Errorf("parse source amount: %w", err)
	}
	if t.Quote.TargetAmount, err = decimal.NewFromString(targetAmount); err != nil {
		return nil, fmt.Errorf("parse target amount: %w", err)
	}
	if err := json.Unmarshal(correlation, &t.Progress.Correlation); err != nil {
		return nil, fmt.Errorf("decode step correlation: %w", err)
	}
	if err := json.Unmarshal(outputs, &t.Progress.Outputs); err != nil {
		return nil, fmt.Errorf("decode step outputs: %w", err)
	}
	return &t, nil
}

func encodeProgress(p transaction.Progress) ([]byte, []byte, error) {
	correlation := p.Correlation
	if correlation == nil {
		correlation = map[string]string{}
	}
	outputs := p.Outputs
	if outputs == nil {
		outputs = map[string]any{}
	}
	c, err := json.Marshal(correlation)
	if err != nil {
		return nil, nil, fmt.Errorf("encode step correlation: %w", err)
	}
	o, err := json.Marshal(outputs)
	if err != nil {
		return nil, nil, fmt.Errorf("encode step outputs: %w", err)
	}
	return c, o, nil
}
