package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"corridor-flows/internal/flow"
	"corridor-flows/internal/outbox"
	"corridor-flows/internal/refund"
	"corridor-flows/internal/transaction"
)

// Memory is an in-process implementation of every store interface. It backs tests and
// dry-run commands; state is lost when the process exits.
type Memory struct {
	mu      sync.Mutex
	defs    map[string]*flow.Definition
	txs     map[string]*transaction.Transaction
	applied map[string]bool
	stalled map[string]bool
	entries map[string]*outbox.Entry
	order   []string
	refunds map[string]refund.Refund

	locksMu sync.Mutex
	locks   map[string]chan struct{}

	now func() time.Time
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		defs:    make(map[string]*flow.Definition),
		txs:     make(map[string]*transaction.Transaction),
		applied: make(map[string]bool),
		stalled: make(map[string]bool),
		entries: make(map[string]*outbox.Entry),
		refunds: make(map[string]refund.Refund),
		locks:   make(map[string]chan struct{}),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SaveDefinition stores def. An enabled definition disables the corridor's previous one.
func (m *Memory) SaveDefinition(_ context.Context, def *flow.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if def.Enabled {
		for id, other := range m.defs {
			if id != def.ID && other.Enabled && other.Corridor.Asset == def.Corridor.Asset &&
				other.Corridor.Network == def.Corridor.Network && other.Corridor.Currency == def.Corridor.Currency {
				other.Enabled = false
				other.UpdatedAt = m.now()
			}
		}
	}
	m.defs[def.ID] = cloneDefinition(def)
	return nil
}

// FindDefinition loads a definition by id.
func (m *Memory) FindDefinition(_ context.Context, id string) (*flow.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.defs[id]
	if !ok {
		return nil, flow.ErrDefinitionNotFound
	}
	return cloneDefinition(def), nil
}

// FindActiveDefinition loads the enabled definition of a corridor.
func (m *Memory) FindActiveDefinition(_ context.Context, asset flow.Asset, network flow.Network, currency flow.Asset) (*flow.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, def := range m.defs {
		c := def.Corridor
		if def.Enabled && c.Asset == asset && c.Network == network && c.Currency == currency {
			return cloneDefinition(def), nil
		}
	}
	return nil, flow.ErrDefinitionNotFound
}

// CreateTransaction stores a new transaction.
func (m *Memory) CreateTransaction(_ context.Context, tx *transaction.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.txs[tx.ID]; exists {
		return fmt.Errorf("transaction %s already exists", tx.ID)
	}
	c := cloneTransaction(tx)
	now := m.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	m.txs[tx.ID] = c
	return nil
}

// FindTransaction loads a transaction by id.
func (m *Memory) FindTransaction(_ context.Context, id string) (*transaction.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok {
		return nil, transaction.ErrNotFound
	}
	return cloneTransaction(tx), nil
}

// ApplyTransition applies t atomically under the store mutex.
func (m *Memory) ApplyTransition(_ context.Context, id string, t transaction.Transition, key string, _ map[string]any) (transaction.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok {
		return transaction.Result{}, transaction.ErrNotFound
	}

	ledgerKey := id + "|" + string(t.Name) + "|" + key
	if m.applied[ledgerKey] {
		return transaction.Result{Transaction: cloneTransaction(tx), Rejected: true, Reason: transaction.RejectDuplicate}, nil
	}
	if !t.Allows(tx.Status) {
		return transaction.Result{Transaction: cloneTransaction(tx), Rejected: true, Reason: transaction.RejectStatusMismatch}, nil
	}

	m.applied[ledgerKey] = true
	tx.Status = t.To
	tx.UpdatedAt = m.now()
	return transaction.Result{Transaction: cloneTransaction(tx)}, nil
}

// SetExternalID records the provider handle; it may be set once.
func (m *Memory) SetExternalID(_ context.Context, id, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok {
		return transaction.ErrNotFound
	}
	if tx.ExternalID != "" && tx.ExternalID != externalID {
		return transaction.ErrExternalIDConflict
	}
	for otherID, other := range m.txs {
		if otherID != id && other.ExternalID == externalID {
			return transaction.ErrExternalIDConflict
		}
	}
	tx.ExternalID = externalID
	tx.UpdatedAt = m.now()
	return nil
}

// SetOnChainID records the on-chain receipt of the funds.
func (m *Memory) SetOnChainID(_ context.Context, id, onChainID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok {
		return transaction.ErrNotFound
	}
	if tx.OnChainID != "" && tx.OnChainID != onChainID {
		return transaction.ErrOnChainIDConflict
	}
	tx.OnChainID = onChainID
	tx.UpdatedAt = m.now()
	return nil
}

// FindWaiting returns the transaction whose waiting step correlation has key=value.
func (m *Memory) FindWaiting(_ context.Context, key, value string) (*transaction.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.txs))
	for id := range m.txs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		tx := m.txs[id]
		if tx.Progress.State == transaction.StepWaiting && tx.Progress.Correlation[key] == value {
			return cloneTransaction(tx), nil
		}
	}
	return nil, transaction.ErrNotFound
}

// SaveProgress replaces the flow cursor.
func (m *Memory) SaveProgress(_ context.Context, id string, p transaction.Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok {
		return transaction.ErrNotFound
	}
	if tx.Progress.StepOrder != p.StepOrder || tx.Progress.State != p.State {
		delete(m.stalled, id)
	}
	p.UpdatedAt = m.now()
	tx.Progress = cloneProgress(p)
	return nil
}

// ListExpired returns awaiting transactions whose payment window closed before now.
func (m *Memory) ListExpired(_ context.Context, now time.Time, limit int) ([]*transaction.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filter(limit, func(tx *transaction.Transaction) bool {
		return tx.Status == transaction.AwaitingPayment && !tx.ExpiresAt.IsZero() && tx.ExpiresAt.Before(now)
	}), nil
}

// ListStalled returns transactions waiting on a step since before olderThan and not yet alerted.
func (m *Memory) ListStalled(_ context.Context, olderThan time.Time, limit int) ([]*transaction.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filter(limit, func(tx *transaction.Transaction) bool {
		return tx.Progress.State == transaction.StepWaiting && tx.Progress.UpdatedAt.Before(olderThan) && !m.stalled[tx.ID]
	}), nil
}

// MarkStallAlerted suppresses further stall alerts for the current step.
func (m *Memory) MarkStallAlerted(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txs[id]; !ok {
		return transaction.ErrNotFound
	}
	m.stalled[id] = true
	return nil
}

func (m *Memory) filter(limit int, keep func(*transaction.Transaction) bool) []*transaction.Transaction {
	out := make([]*transaction.Transaction, 0)
	for _, tx := range m.txs {
		if keep(tx) {
			out = append(out, cloneTransaction(tx))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Enqueue records outbox entries.
func (m *Memory) Enqueue(_ context.Context, entries ...outbox.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		c := e
		m.entries[e.ID] = &c
		m.order = append(m.order, e.ID)
	}
	return nil
}

// ClaimDue leases due entries in enqueue order.
func (m *Memory) ClaimDue(_ context.Context, now, leaseUntil time.Time, limit int) ([]outbox.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]outbox.Entry, 0)
	for _, id := range m.order {
		if limit > 0 && len(out) >= limit {
			break
		}
		e := m.entries[id]
		if (e.State == outbox.StatePending || e.State == outbox.StateDelivering) && !e.NextAttemptAt.After(now) {
			e.State = outbox.StateDelivering
			e.NextAttemptAt = leaseUntil
			e.UpdatedAt = now
			out = append(out, *e)
		}
	}
	return out, nil
}

// MarkDelivered completes an entry.
func (m *Memory) MarkDelivered(_ context.Context, id string, at time.Time) error {
	return m.updateEntry(id, func(e *outbox.Entry) {
		e.State = outbox.StateDelivered
		e.Attempts++
		e.DeliveredAt = &at
		e.UpdatedAt = at
	})
}

// MarkRetry reschedules an entry.
func (m *Memory) MarkRetry(_ context.Context, id string, attempts int, next time.Time, lastErr string) error {
	return m.updateEntry(id, func(e *outbox.Entry) {
		e.State = outbox.StatePending
		e.Attempts = attempts
		e.NextAttemptAt = next
		e.LastError = lastErr
		e.UpdatedAt = m.now()
	})
}

// MarkFailed gives up on an entry.
func (m *Memory) MarkFailed(_ context.Context, id string, attempts int, lastErr string) error {
	return m.updateEntry(id, func(e *outbox.Entry) {
		e.State = outbox.StateFailed
		e.Attempts = attempts
		e.LastError = lastErr
		e.UpdatedAt = m.now()
	})
}

func (m *Memory) updateEntry(id string, fn func(*outbox.Entry)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return outbox.ErrEntryNotFound
	}
	fn(e)
	return nil
}

// Entries returns a snapshot of every outbox entry in enqueue order.
func (m *Memory) Entries() []outbox.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]outbox.Entry, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.entries[id])
	}
	return out
}

// CreateRefund stores r unless a refund for the same on-chain id and reason exists.
func (m *Memory) CreateRefund(_ context.Context, r refund.Refund) (refund.Refund, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := r.OnChainID + "|" + string(r.Reason)
	if existing, ok := m.refunds[key]; ok {
		return existing, false, nil
	}
	m.refunds[key] = r
	return r, true, nil
}

// Refunds returns every stored refund.
func (m *Memory) Refunds() []refund.Refund {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]refund.Refund, 0, len(m.refunds))
	for _, r := range m.refunds {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Lock serialises work on key within the process. A caller blocked on a held key gives up
// with the context error.
func (m *Memory) Lock(ctx context.Context, key string) (func(), error) {
	m.locksMu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = make(chan struct{}, 1)
		m.locks[key] = l
	}
	m.locksMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case l <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() { once.Do(func() { <-l }) }, nil
}

// VolumeBetween aggregates transactions by bucket and status.
func (m *Memory) VolumeBetween(_ context.Context, from, to time.Time, bucket time.Duration) ([]VolumeBucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type key struct {
		at     time.Time
		status transaction.Status
	}
	agg := make(map[key]*VolumeBucket)
	for _, tx := range m.txs {
		if tx.CreatedAt.Before(from) || !tx.CreatedAt.Before(to) {
			continue
		}
		k := key{at: tx.CreatedAt.Truncate(bucket), status: tx.Status}
		b, ok := agg[k]
		if !ok {
			b = &VolumeBucket{Bucket: k.at, Status: k.status, Amount: decimal.Zero}
			agg[k] = b
		}
		b.Count++
		b.Amount = b.Amount.Add(tx.Quote.SourceAmount)
	}

	out := make([]VolumeBucket, 0, len(agg))
	for _, b := range agg {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Bucket.Equal(out[j].Bucket) {
			return out[i].Status < out[j].Status
		}
		return out[i].Bucket.Before(out[j].Bucket)
	})
	return out, nil
}

func cloneDefinition(def *flow.Definition) *flow.Definition {
	c := *def
	c.BusinessSteps = append([]flow.BusinessStep(nil), def.BusinessSteps...)
	c.Steps = make([]flow.SystemStep, len(def.Steps))
	for i, s := range def.Steps {
		s.Config = cloneStrings(s.Config)
		s.SignalMatch = cloneStrings(s.SignalMatch)
		c.Steps[i] = s
	}
	return &c
}

func cloneTransaction(tx *transaction.Transaction) *transaction.Transaction {
	c := *tx
	c.Progress = cloneProgress(tx.Progress)
	return &c
}

func cloneProgress(p transaction.Progress) transaction.Progress {
	c := p
	c.Correlation = cloneStrings(p.Correlation)
	if p.Outputs != nil {
		c.Outputs = make(map[string]any, len(p.Outputs))
		for k, v := range p.Outputs {
			c.Outputs[k] = v
		}
	}
	return c
}

func cloneStrings[M ~map[string]string](in M) M {
	if in == nil {
		return nil
	}
	out := make(M, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
