package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corridor-flows/internal/config"
	"corridor-flows/internal/storage"
	"corridor-flows/internal/transaction"
)

func testApp() (*App, *bytes.Buffer) {
	cfg := &config.Config{
		Outbox: config.OutboxConfig{
			BatchSize:      10,
			MaxAttempts:    3,
			InitialBackoff: time.Second,
			MaxBackoff:     time.Minute,
			Multiplier:     2,
			PollInterval:   time.Second,
		},
		Sweep:  config.SweepConfig{Interval: time.Minute, StallThreshold: time.Hour},
		Dedupe: config.DedupeConfig{Backend: config.DedupeMemory, TTL: time.Minute},
		Report: config.ReportConfig{Bucket: time.Hour, Window: 24 * time.Hour},
	}
	out := &bytes.Buffer{}
	a := NewApp(cfg, zerolog.Nop())
	a.Out = out
	return a, out
}

const treasuryCorridor = `
corridor:
  asset: USDC
  network: STELLAR
  currency: BRL
  payout_provider: PIX
fees:
  fixed: "0.5"
  percentage: "1"
enabled: true
steps:
  - type: PAYOUT
  - type: MOVE_TO_EXCHANGE
    venue: BINANCE
  - type: CONVERT
    venue: BINANCE
    from_asset: USDC
    to_asset: USDT
  - type: TRANSFER_VENUE
    from_venue: BINANCE
    to_venue: TRANSFERO
    asset: USDT
  - type: CONVERT
    venue: TRANSFERO
    from_asset: USDT
    to_asset: BRL
`

func writeCorridor(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "corridor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestCompileFlowDryRun(t *testing.T) {
	a, out := testApp()
	require.NoError(t, a.CompileFlow(context.Background(), writeCorridor(t, treasuryCorridor), true))

	text := out.String()
	assert.Contains(t, text, "(not saved)")
	assert.Contains(t, text, "PAYOUT_SEND")
	assert.Contains(t, text, "AWAIT_EXCHANGE_BALANCE")
	assert.Contains(t, text, "fixed=0.5")
	assert.Equal(t, 8, strings.Count(text, "\n")-3)
}

func TestCommandsNeedDatabase(t *testing.T) {
	a, _ := testApp()
	assert.ErrorIs(t, a.Resume(context.Background(), "tx-1"), errNoDatabase)
	assert.ErrorIs(t, a.Sweep(context.Background()), errNoDatabase)
	assert.ErrorIs(t, a.Migrate(context.Background()), errNoDatabase)
}

func TestSimulateDefaultCorridor(t *testing.T) {
	a, out := testApp()
	err := a.Simulate(context.Background(), SimulateOptions{Amount: decimal.RequireFromString("100"), Rate: decimal.RequireFromString("5")})
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, "funds received: 100.00 USDC -> PROCESSING_PAYMENT")
	assert.Contains(t, text, string(transaction.PaymentCompleted))
	assert.Contains(t, text, "500 BRL")
}

func TestSimulateTreasuryCorridor(t *testing.T) {
	a, out := testApp()
	err := a.Simulate(context.Background(), SimulateOptions{
		CorridorFile: writeCorridor(t, treasuryCorridor),
		Amount:       decimal.RequireFromString("100"),
		Rate:         decimal.RequireFromString("5.1"),
	})
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, string(transaction.PaymentCompleted))
	assert.Contains(t, text, "8 (completed)")
}

func TestSimulateFailedPayoutRefunds(t *testing.T) {
	a, out := testApp()
	err := a.Simulate(context.Background(), SimulateOptions{
		Amount:         decimal.RequireFromString("100"),
		ProviderStatus: "RJCT",
	})
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, string(transaction.PaymentFailed))
	assert.Contains(t, text, "refund provider_failed 100.00 USDC")
}

func TestReplayDryRun(t *testing.T) {
	a, out := testApp()
	path := filepath.Join(t.TempDir(), "signals.ndjson")
	body := `{"provider":"PIX","correlationKeys":{"externalId":"E1"},"payload":{"status":"ACSC"}}
{"provider":"PIX","correlationKeys":{"externalId":"E2"},"payload":{"status":"RJCT"}}
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	require.NoError(t, a.Replay(context.Background(), ReplayOptions{Path: path, DryRun: true}))
	assert.Equal(t, 2, strings.Count(out.String(), "decoded "))
}

func TestVolumeReportFiles(t *testing.T) {
	t0 := time.Date(2026, 10, 1, 10, 0, 0, 0, time.UTC)
	rows := []storage.VolumeBucket{
		{Bucket: t0, Status: transaction.PaymentCompleted, Count: 3, Amount: decimal.RequireFromString("300")},
		{Bucket: t0, Status: transaction.PaymentFailed, Count: 1, Amount: decimal.RequireFromString("50")},
		{Bucket: t0.Add(time.Hour), Status: transaction.PaymentCompleted, Count: 2, Amount: decimal.RequireFromString("120.5")},
	}

	axis, amounts, counts := volumeSeries(rows)
	require.Len(t, axis, 2)
	assert.Equal(t, []float64{300, 120.5}, amounts[transaction.PaymentCompleted])
	assert.Equal(t, []float64{50, 0}, amounts[transaction.PaymentFailed])
	assert.Equal(t, []float64{4, 2}, counts)

	dir := t.TempDir()
	csvPath := filepath.Join(dir, "nested", "volume.csv")
	require.NoError(t, writeVolumeCSV(csvPath, rows))
	f, err := os.Open(csvPath)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, []string{"2026-10-01T11:00:00Z", "PAYMENT_COMPLETED", "2", "120.5"}, records[3])

	pngPath := filepath.Join(dir, "volume.png")
	require.NoError(t, writeVolumePNG(pngPath, rows))
	info, err := os.Stat(pngPath)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}
