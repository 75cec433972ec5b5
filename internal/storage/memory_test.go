package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corridor-flows/internal/outbox"
	"corridor-flows/internal/refund"
	"corridor-flows/internal/storage"
	"corridor-flows/internal/transaction"
)

func newTransaction(t *testing.T, m *storage.Memory, id string, created time.Time) {
	t.Helper()
	require.NoError(t, m.CreateTransaction(context.Background(), &transaction.Transaction{
		ID:     id,
		Status: transaction.AwaitingPayment,
		Quote: transaction.Quote{
			SourceAmount:   decimal.RequireFromString("10"),
			SourceCurrency: "USDC",
		},
		CreatedAt: created,
	}))
}

func TestMemoryTransitionLedger(t *testing.T) {
	ctx := context.Background()
	m := storage.NewMemory()
	newTransaction(t, m, "tx-1", time.Time{})

	received, ok := transaction.Lookup(transaction.TransitionPaymentReceived)
	require.True(t, ok)

	res, err := m.ApplyTransition(ctx, "tx-1", received, "0xabc", nil)
	require.NoError(t, err)
	assert.False(t, res.Rejected)
	assert.Equal(t, transaction.ProcessingPayment, res.Transaction.Status)

	res, err = m.ApplyTransition(ctx, "tx-1", received, "0xabc", nil)
	require.NoError(t, err)
	assert.True(t, res.Rejected)
	assert.Equal(t, transaction.RejectDuplicate, res.Reason)

	expired, _ := transaction.Lookup(transaction.TransitionPaymentExpired)
	res, err = m.ApplyTransition(ctx, "tx-1", expired, "expiry:tx-1", nil)
	require.NoError(t, err)
	assert.Equal(t, transaction.RejectStatusMismatch, res.Reason)

	_, err = m.ApplyTransition(ctx, "missing", received, "k", nil)
	assert.ErrorIs(t, err, transaction.ErrNotFound)
}

func TestMemoryExternalIDIsSetOnce(t *testing.T) {
	ctx := context.Background()
	m := storage.NewMemory()
	newTransaction(t, m, "tx-1", time.Time{})
	newTransaction(t, m, "tx-2", time.Time{})

	require.NoError(t, m.SetExternalID(ctx, "tx-1", "pix-1"))
	require.NoError(t, m.SetExternalID(ctx, "tx-1", "pix-1"))
	assert.ErrorIs(t, m.SetExternalID(ctx, "tx-1", "pix-2"), transaction.ErrExternalIDConflict)
	assert.ErrorIs(t, m.SetExternalID(ctx, "tx-2", "pix-1"), transaction.ErrExternalIDConflict)
}

func TestMemoryFindWaitingAndStall(t *testing.T) {
	ctx := context.Background()
	m := storage.NewMemory()
	newTransaction(t, m, "tx-1", time.Time{})

	require.NoError(t, m.SaveProgress(ctx, "tx-1", transaction.Progress{
		FlowDefinitionID: "def-1",
		StepOrder:        2,
		State:            transaction.StepWaiting,
		Correlation:      map[string]string{"externalId": "pix-1"},
	}))

	tx, err := m.FindWaiting(ctx, "externalId", "pix-1")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", tx.ID)

	_, err = m.FindWaiting(ctx, "externalId", "pix-2")
	assert.ErrorIs(t, err, transaction.ErrNotFound)

	later := time.Now().Add(time.Hour)
	stalled, err := m.ListStalled(ctx, later, 10)
	require.NoError(t, err)
	require.Len(t, stalled, 1)

	require.NoError(t, m.MarkStallAlerted(ctx, "tx-1"))
	stalled, err = m.ListStalled(ctx, later, 10)
	require.NoError(t, err)
	assert.Empty(t, stalled)

	// moving the cursor re-arms the stall alert
	require.NoError(t, m.SaveProgress(ctx, "tx-1", transaction.Progress{
		FlowDefinitionID: "def-1",
		StepOrder:        4,
		State:            transaction.StepWaiting,
	}))
	stalled, err = m.ListStalled(ctx, later, 10)
	require.NoError(t, err)
	assert.Len(t, stalled, 1)
}

func TestMemoryClaimDueLeasesEntries(t *testing.T) {
	ctx := context.Background()
	m := storage.NewMemory()
	now := time.Now().UTC()

	require.NoError(t, m.Enqueue(ctx,
		outbox.Entry{ID: "a", State: outbox.StatePending, NextAttemptAt: now},
		outbox.Entry{ID: "b", State: outbox.StatePending, NextAttemptAt: now.Add(time.Hour)},
		outbox.Entry{ID: "c", State: outbox.StatePending, NextAttemptAt: now},
	))

	claimed, err := m.ClaimDue(ctx, now, now.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "a", claimed[0].ID)
	assert.Equal(t, "c", claimed[1].ID)
	assert.Equal(t, outbox.StateDelivering, claimed[0].State)

	claimed, err = m.ClaimDue(ctx, now.Add(30*time.Second), now.Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	require.NoError(t, m.MarkDelivered(ctx, "a", now))
	claimed, err = m.ClaimDue(ctx, now.Add(2*time.Minute), now.Add(3*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "c", claimed[0].ID)

	assert.ErrorIs(t, m.MarkFailed(ctx, "zzz", 1, "boom"), outbox.ErrEntryNotFound)
}

func TestMemoryRefundIdempotency(t *testing.T) {
	ctx := context.Background()
	m := storage.NewMemory()

	first, created, err := m.CreateRefund(ctx, refund.Refund{ID: "r1", OnChainID: "0x1", Reason: refund.ReasonProviderFailed})
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := m.CreateRefund(ctx, refund.Refund{ID: "r2", OnChainID: "0x1", Reason: refund.ReasonProviderFailed})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	_, created, err = m.CreateRefund(ctx, refund.Refund{ID: "r3", OnChainID: "0x1", Reason: refund.ReasonWrongAmount})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Len(t, m.Refunds(), 2)
}

func TestMemoryVolumeBetween(t *testing.T) {
	ctx := context.Background()
	m := storage.NewMemory()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	newTransaction(t, m, "tx-1", base.Add(5*time.Minute))
	newTransaction(t, m, "tx-2", base.Add(10*time.Minute))
	newTransaction(t, m, "tx-3", base.Add(70*time.Minute))
	newTransaction(t, m, "tx-4", base.Add(-time.Minute))

	rows, err := m.VolumeBetween(ctx, base, base.Add(2*time.Hour), time.Hour)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.True(t, rows[0].Bucket.Equal(base))
	assert.Equal(t, int64(2), rows[0].Count)
	assert.True(t, rows[0].Amount.Equal(decimal.RequireFromString("20")))
	assert.Equal(t, transaction.AwaitingPayment, rows[0].Status)

	assert.True(t, rows[1].Bucket.Equal(base.Add(time.Hour)))
	assert.Equal(t, int64(1), rows[1].Count)
}

func TestMemoryLockCancelledContext(t *testing.T) {
	m := storage.NewMemory()

	unlock, err := m.Lock(context.Background(), "transaction:tx-1")
	require.NoError(t, err)
	unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Lock(ctx, "transaction:tx-1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryLockTimesOutWhileHeld(t *testing.T) {
	m := storage.NewMemory()

	unlock, err := m.Lock(context.Background(), "transaction:tx-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = m.Lock(ctx, "transaction:tx-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	other, err := m.Lock(context.Background(), "transaction:tx-2")
	require.NoError(t, err)
	other()

	unlock()
	unlock()

	ctx, cancel = context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	again, err := m.Lock(ctx, "transaction:tx-1")
	require.NoError(t, err)
	again()
}
