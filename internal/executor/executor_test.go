package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corridor-flows/internal/flow"
	"corridor-flows/internal/outbox"
	"corridor-flows/internal/refund"
	"corridor-flows/internal/signal"
	"corridor-flows/internal/status"
	"corridor-flows/internal/storage"
	"corridor-flows/internal/transaction"
	"corridor-flows/internal/venue"
)

const onChainID = "0x4f1c2b7e9a3d5c6b8e0f1a2b3c4d5e6f708192a3b4c5d6e7f8091a2b3c4d5e6f"

type fixture struct {
	store    *storage.Memory
	payouts  map[flow.PayoutProvider]*venue.SimulatedPayout
	binance  *venue.SimulatedExchange
	transfer *venue.SimulatedExchange
	wallet   *venue.SimulatedWallet
	registry *Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	store := storage.NewMemory()

	f := &fixture{
		store: store,
		payouts: map[flow.PayoutProvider]*venue.SimulatedPayout{
			flow.ProviderPix:   {},
			flow.ProviderNequi: {RawStatus: "success"},
		},
		binance:  venue.NewSimulatedExchange(flow.VenueBinance),
		transfer: venue.NewSimulatedExchange(flow.VenueTransfero),
		wallet:   &venue.SimulatedWallet{},
	}

	venues := venue.NewRegistry().
		RegisterExchange(flow.VenueBinance, f.binance).
		RegisterExchange(flow.VenueTransfero, f.transfer).
		SetWallet(f.wallet)
	for p, svc := range f.payouts {
		venues.RegisterPayout(p, svc)
	}

	f.registry = NewRegistry(Deps{
		Transactions: store,
		Machine:      transaction.NewMachine(store, logger),
		Statuses:     status.NewRegistry(),
		Dispatcher: outbox.NewDispatcher(store, nil, outbox.DispatcherOptions{
			AlertChannels: []outbox.Channel{outbox.ChannelSlack},
		}, logger),
		Refunds: refund.NewCoordinator(store, nil, nil, logger),
		Venues:  venues,
		Logger:  logger,
	})
	return f
}

func (f *fixture) seed(t *testing.T, mutate func(*transaction.Transaction)) *transaction.Transaction {
	t.Helper()
	tx := &transaction.Transaction{
		ID:     "tx-1",
		Status: transaction.ProcessingPayment,
		Quote: transaction.Quote{
			ID:             "quote-1",
			SourceAmount:   decimal.RequireFromString("100"),
			SourceCurrency: flow.AssetUSDC,
			TargetAmount:   decimal.RequireFromString("510.25"),
			TargetCurrency: flow.AssetBRL,
		},
		Partner: transaction.Partner{
			ID:         "partner-1",
			Name:       "Acme",
			WebhookURL: "https://partner.example/hooks",
		},
		Network:       flow.NetworkStellar,
		ExternalID:    "X",
		OnChainID:     onChainID,
		RefundAddress: "GDESTINATION",
		CreatedAt:     time.Now().UTC(),
	}
	if mutate != nil {
		mutate(tx)
	}
	require.NoError(t, f.store.CreateTransaction(context.Background(), tx))
	return tx
}

func (f *fixture) executor(t *testing.T, st flow.StepType) Executor {
	t.Helper()
	ex, err := f.registry.For(st)
	require.NoError(t, err)
	return ex
}

func (f *fixture) status(t *testing.T, id string) transaction.Status {
	t.Helper()
	tx, err := f.store.FindTransaction(context.Background(), id)
	require.NoError(t, err)
	return tx.Status
}

func countKind(entries []outbox.Entry, kind outbox.EventKind) int {
	n := 0
	for _, e := range entries {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func pixSignal(externalID, raw string) signal.Signal {
	return signal.Signal{
		Provider:        "pix",
		CorrelationKeys: map[string]string{signal.KeyExternalID: externalID},
		Payload:         map[string]any{"provider": "pix", "status": raw},
	}
}

func rc(id string) RuntimeContext {
	return RuntimeContext{TransactionID: id}
}

func TestRegistryCoversEveryStepType(t *testing.T) {
	f := newFixture(t)
	for _, st := range flow.StepTypes {
		_, err := f.registry.For(st)
		assert.NoError(t, err, st)
	}
	_, err := f.registry.For("UNKNOWN")
	assert.Error(t, err)
}

func TestNewRegistryFromRejectsGaps(t *testing.T) {
	_, err := NewRegistryFrom(map[flow.StepType]Executor{
		flow.StepPayoutSend: &PayoutSend{},
	})
	require.Error(t, err)
}

func TestSyncStepsRejectSignals(t *testing.T) {
	f := newFixture(t)
	for _, st := range []flow.StepType{flow.StepPayoutSend, flow.StepExchangeSend, flow.StepExchangeConvert, flow.StepTreasuryTransfer} {
		_, err := f.executor(t, st).HandleSignal(context.Background(), nil, rc("tx-1"), signal.Signal{}, 1)
		assert.True(t, errors.Is(err, ErrSignalUnsupported), st)
	}
}

func TestAwaitProviderStatusExecuteStoresCorrelation(t *testing.T) {
	f := newFixture(t)
	f.seed(t, nil)

	out, err := f.executor(t, flow.StepAwaitProviderStatus).Execute(context.Background(), nil, rc("tx-1"), 2)
	require.NoError(t, err)
	assert.Equal(t, KindWaiting, out.Kind)
	assert.Equal(t, map[string]string{signal.KeyExternalID: "X"}, out.Correlation)
}

func TestAwaitProviderStatusPreconditions(t *testing.T) {
	f := newFixture(t)
	f.seed(t, func(tx *transaction.Transaction) { tx.ExternalID = "" })
	ex := f.executor(t, flow.StepAwaitProviderStatus)

	out, err := ex.Execute(context.Background(), nil, rc("tx-1"), 2)
	require.NoError(t, err)
	require.Equal(t, KindFailed, out.Kind)
	assert.Equal(t, ReasonMissingExternalID, out.Err.Reason)

	out, err = ex.HandleSignal(context.Background(), nil, rc("missing"), pixSignal("X", "ACSC"), 2)
	require.NoError(t, err)
	require.Equal(t, KindFailed, out.Kind)
	assert.Equal(t, ReasonTransactionNotFound, out.Err.Reason)
}

func TestAwaitProviderStatusCompletedOnce(t *testing.T) {
	f := newFixture(t)
	f.seed(t, nil)
	ex := f.executor(t, flow.StepAwaitProviderStatus)
	sig := pixSignal("X", "ACSC")

	out, err := ex.HandleSignal(context.Background(), nil, rc("tx-1"), sig, 2)
	require.NoError(t, err)
	assert.Equal(t, KindSucceeded, out.Kind)
	assert.Equal(t, transaction.PaymentCompleted, f.status(t, "tx-1"))

	entries := f.store.Entries()
	assert.Equal(t, 1, countKind(entries, outbox.EventTransactionUpdated))
	assert.Equal(t, 1, countKind(entries, outbox.EventInternalAlert))

	out, err = ex.HandleSignal(context.Background(), nil, rc("tx-1"), sig, 2)
	require.NoError(t, err)
	require.Equal(t, KindFailed, out.Kind)
	assert.Equal(t, ReasonTransitionRejected, out.Err.Reason)
	assert.Len(t, f.store.Entries(), len(entries))
	assert.Empty(t, f.store.Refunds())
}

func TestAwaitProviderStatusIgnoresOtherExternalID(t *testing.T) {
	f := newFixture(t)
	f.seed(t, nil)

	out, err := f.executor(t, flow.StepAwaitProviderStatus).HandleSignal(context.Background(), nil, rc("tx-1"), pixSignal("Y", "ACSC"), 2)
	require.NoError(t, err)
	assert.Equal(t, KindWaiting, out.Kind)
	assert.Equal(t, transaction.ProcessingPayment, f.status(t, "tx-1"))
	assert.Empty(t, f.store.Entries())
}

func TestAwaitProviderStatusMalformedSignal(t *testing.T) {
	f := newFixture(t)
	f.seed(t, nil)

	sig := signal.Signal{CorrelationKeys: map[string]string{signal.KeyExternalID: "X"}, Payload: map[string]any{"status": "ACSC"}}
	out, err := f.executor(t, flow.StepAwaitProviderStatus).HandleSignal(context.Background(), nil, rc("tx-1"), sig, 2)
	require.NoError(t, err)
	require.Equal(t, KindFailed, out.Kind)
	assert.Equal(t, ReasonMalformedSignal, out.Err.Reason)
	assert.Equal(t, transaction.ProcessingPayment, f.status(t, "tx-1"))
}

func TestAwaitProviderStatusProcessingKeepsWaiting(t *testing.T) {
	f := newFixture(t)
	f.seed(t, nil)

	out, err := f.executor(t, flow.StepAwaitProviderStatus).HandleSignal(context.Background(), nil, rc("tx-1"), pixSignal("X", "ACSP"), 2)
	require.NoError(t, err)
	assert.Equal(t, KindWaiting, out.Kind)
	assert.Equal(t, "ACSP", out.Output[OutputProviderStatus])
	assert.Equal(t, transaction.ProcessingPayment, f.status(t, "tx-1"))
}

func TestAwaitProviderStatusFailureRefundsOnce(t *testing.T) {
	f := newFixture(t)
	f.seed(t, nil)
	ex := f.executor(t, flow.StepAwaitProviderStatus)

	for i := 0; i < 2; i++ {
		out, err := ex.HandleSignal(context.Background(), nil, rc("tx-1"), pixSignal("X", "failed"), 2)
		require.NoError(t, err)
		require.Equal(t, KindFailed, out.Kind)
	}

	assert.Equal(t, transaction.PaymentFailed, f.status(t, "tx-1"))
	refunds := f.store.Refunds()
	require.Len(t, refunds, 1)
	assert.Equal(t, refund.ReasonProviderFailed, refunds[0].Reason)
	assert.Equal(t, onChainID, refunds[0].OnChainID)
	assert.True(t, refunds[0].Amount.Equal(decimal.RequireFromString("100")))
	assert.Equal(t, 1, countKind(f.store.Entries(), outbox.EventTransactionUpdated))
}

func TestAwaitProviderStatusFailureWithoutReceipt(t *testing.T) {
	f := newFixture(t)
	f.seed(t, func(tx *transaction.Transaction) { tx.OnChainID = "" })

	out, err := f.executor(t, flow.StepAwaitProviderStatus).HandleSignal(context.Background(), nil, rc("tx-1"), pixSignal("X", "RJCT"), 2)
	require.NoError(t, err)
	require.Equal(t, KindFailed, out.Kind)
	assert.Equal(t, ReasonProviderReportedFailure, out.Err.Reason)
	assert.Empty(t, f.store.Refunds())
}

func TestPayoutSendAsyncRecordsExternalID(t *testing.T) {
	f := newFixture(t)
	f.seed(t, func(tx *transaction.Transaction) { tx.ExternalID = "" })
	cfg := flow.StepConfig{flow.ConfigProvider: "PIX", flow.ConfigCurrency: "BRL"}

	out, err := f.executor(t, flow.StepPayoutSend).Execute(context.Background(), cfg, rc("tx-1"), 1)
	require.NoError(t, err)
	require.Equal(t, KindSucceeded, out.Kind)
	assert.Equal(t, "sim-tx-1", out.Output[OutputExternalID])

	tx, err := f.store.FindTransaction(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.Equal(t, "sim-tx-1", tx.ExternalID)
	assert.Equal(t, transaction.ProcessingPayment, tx.Status)

	req := f.payouts[flow.ProviderPix].Requests
	require.Len(t, req, 1)
	assert.True(t, req[0].Amount.Equal(decimal.RequireFromString("510.25")))

	out, err = f.executor(t, flow.StepPayoutSend).Execute(context.Background(), cfg, rc("tx-1"), 1)
	require.NoError(t, err)
	assert.Equal(t, KindSucceeded, out.Kind)
	assert.Len(t, f.payouts[flow.ProviderPix].Requests, 1)
}

func TestPayoutSendSyncCompletes(t *testing.T) {
	f := newFixture(t)
	f.seed(t, func(tx *transaction.Transaction) {
		tx.ExternalID = ""
		tx.Quote.TargetCurrency = flow.AssetCOP
	})
	cfg := flow.StepConfig{flow.ConfigProvider: "NEQUI", flow.ConfigCurrency: "COP"}

	out, err := f.executor(t, flow.StepPayoutSend).Execute(context.Background(), cfg, rc("tx-1"), 1)
	require.NoError(t, err)
	assert.Equal(t, KindSucceeded, out.Kind)
	assert.Equal(t, transaction.PaymentCompleted, f.status(t, "tx-1"))
}

func TestPayoutSendSyncUnsettledStatusEscalates(t *testing.T) {
	for _, raw := range []string{"pending", "queued", "ON_HOLD"} {
		t.Run(raw, func(t *testing.T) {
			f := newFixture(t)
			f.seed(t, func(tx *transaction.Transaction) {
				tx.ExternalID = ""
				tx.Quote.TargetCurrency = flow.AssetCOP
			})
			f.payouts[flow.ProviderNequi].RawStatus = raw
			cfg := flow.StepConfig{flow.ConfigProvider: "NEQUI", flow.ConfigCurrency: "COP"}

			out, err := f.executor(t, flow.StepPayoutSend).Execute(context.Background(), cfg, rc("tx-1"), 1)
			require.NoError(t, err)
			require.Equal(t, KindFailed, out.Kind)
			assert.Equal(t, ReasonProviderPending, out.Err.Reason)
			assert.Equal(t, "sim-tx-1", out.Output[OutputExternalID])
			assert.Equal(t, transaction.ProcessingPayment, f.status(t, "tx-1"))
			assert.Empty(t, f.store.Refunds())
			for _, e := range f.store.Entries() {
				assert.NotEqual(t, "payment_completed", e.TemplateKey)
			}

			// resuming does not resend or settle the payout
			again, err := f.executor(t, flow.StepPayoutSend).Execute(context.Background(), cfg, rc("tx-1"), 1)
			require.NoError(t, err)
			require.Equal(t, KindFailed, again.Kind)
			assert.Equal(t, ReasonProviderPending, again.Err.Reason)
			assert.Len(t, f.payouts[flow.ProviderNequi].Requests, 1)
		})
	}
}

func TestPayoutSendProviderErrorRefunds(t *testing.T) {
	f := newFixture(t)
	f.seed(t, func(tx *transaction.Transaction) { tx.ExternalID = "" })
	f.payouts[flow.ProviderPix].Err = errors.New("connection reset")
	cfg := flow.StepConfig{flow.ConfigProvider: "PIX", flow.ConfigCurrency: "BRL"}

	out, err := f.executor(t, flow.StepPayoutSend).Execute(context.Background(), cfg, rc("tx-1"), 1)
	require.NoError(t, err)
	require.Equal(t, KindFailed, out.Kind)
	assert.Equal(t, ReasonProviderRequestFailed, out.Err.Reason)
	assert.Equal(t, transaction.PaymentFailed, f.status(t, "tx-1"))

	refunds := f.store.Refunds()
	require.Len(t, refunds, 1)
	assert.Equal(t, refund.ReasonPayoutFailed, refunds[0].Reason)
}

func TestPayoutSendMissingConfig(t *testing.T) {
	f := newFixture(t)
	f.seed(t, nil)

	out, err := f.executor(t, flow.StepPayoutSend).Execute(context.Background(), flow.StepConfig{}, rc("tx-1"), 1)
	require.NoError(t, err)
	require.Equal(t, KindFailed, out.Kind)
	assert.Equal(t, ReasonMissingConfig, out.Err.Reason)
}

func TestTreasurySteps(t *testing.T) {
	f := newFixture(t)
	f.seed(t, nil)
	ctx := context.Background()

	send, err := f.executor(t, flow.StepExchangeSend).Execute(ctx, flow.StepConfig{
		flow.ConfigVenue:   "BINANCE",
		flow.ConfigAsset:   "USDC",
		flow.ConfigNetwork: "STELLAR",
	}, rc("tx-1"), 2)
	require.NoError(t, err)
	require.Equal(t, KindSucceeded, send.Kind)
	assert.Equal(t, "BINANCE-USDC-STELLAR-deposit", send.Output[OutputDepositAddress])
	require.Len(t, f.wallet.Sends, 1)
	assert.True(t, f.wallet.Sends[0].Amount.Equal(decimal.RequireFromString("100")))

	balanceCfg := flow.StepConfig{flow.ConfigVenue: "BINANCE", flow.ConfigAsset: "USDC"}
	await := f.executor(t, flow.StepAwaitExchangeBalance)
	wait, err := await.Execute(ctx, balanceCfg, rc("tx-1"), 3)
	require.NoError(t, err)
	require.Equal(t, KindWaiting, wait.Kind)
	assert.Equal(t, "tx-1", wait.Correlation[signal.KeyTransactionID])

	short := signal.Signal{
		CorrelationKeys: map[string]string{signal.KeyTransactionID: "tx-1", signal.KeyVenue: "BINANCE", signal.KeyAsset: "USDC"},
		Payload:         map[string]any{"balance": "40"},
	}
	out, err := await.HandleSignal(ctx, balanceCfg, rc("tx-1"), short, 3)
	require.NoError(t, err)
	assert.Equal(t, KindWaiting, out.Kind)

	f.binance.Credit(flow.AssetUSDC, decimal.RequireFromString("100"))
	arrived := signal.Signal{CorrelationKeys: short.CorrelationKeys}
	out, err = await.HandleSignal(ctx, balanceCfg, rc("tx-1"), arrived, 3)
	require.NoError(t, err)
	assert.Equal(t, KindSucceeded, out.Kind)

	f.binance.Rates[[2]flow.Asset{flow.AssetUSDC, flow.AssetUSDT}] = decimal.RequireFromString("0.999")
	conv, err := f.executor(t, flow.StepExchangeConvert).Execute(ctx, flow.StepConfig{
		flow.ConfigVenue:     "BINANCE",
		flow.ConfigFromAsset: "USDC",
		flow.ConfigToAsset:   "USDT",
	}, rc("tx-1"), 4)
	require.NoError(t, err)
	require.Equal(t, KindSucceeded, conv.Kind)
	assert.Equal(t, "99.9", conv.Output[OutputAmount])

	holding := RuntimeContext{TransactionID: "tx-1", Outputs: conv.Output}
	transfer, err := f.executor(t, flow.StepTreasuryTransfer).Execute(ctx, flow.StepConfig{
		flow.ConfigFromVenue: "BINANCE",
		flow.ConfigToVenue:   "TRANSFERO",
		flow.ConfigAsset:     "USDT",
	}, holding, 5)
	require.NoError(t, err)
	require.Equal(t, KindSucceeded, transfer.Kind)
	assert.Equal(t, "TRANSFERO-USDT-STELLAR-deposit", transfer.Output[OutputDepositAddress])
	assert.True(t, f.binance.Balances[flow.AssetUSDT].IsZero())
}

func TestExchangeFailuresAreData(t *testing.T) {
	f := newFixture(t)
	f.seed(t, nil)

	out, err := f.executor(t, flow.StepExchangeConvert).Execute(context.Background(), flow.StepConfig{
		flow.ConfigVenue:     "BINANCE",
		flow.ConfigFromAsset: "USDC",
		flow.ConfigToAsset:   "BRL",
	}, rc("tx-1"), 2)
	require.NoError(t, err)
	require.Equal(t, KindFailed, out.Kind)
	assert.Equal(t, ReasonExchangeRequestFailed, out.Err.Reason)
}

func TestRuntimeContextHolding(t *testing.T) {
	base := decimal.RequireFromString("10")
	assert.True(t, RuntimeContext{}.Holding(base).Equal(base))

	held := RuntimeContext{Outputs: map[string]any{OutputAmount: 9.5, OutputAsset: "USDT"}}.Holding(base)
	assert.True(t, held.Equal(decimal.RequireFromString("9.5")))

	unreadable := RuntimeContext{Outputs: map[string]any{OutputAmount: true}}.Holding(base)
	assert.True(t, unreadable.Equal(base))
}
