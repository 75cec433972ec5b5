package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func brlCorridor(provider PayoutProvider) Corridor {
	return Corridor{Asset: AssetUSDC, Network: NetworkStellar, Currency: AssetBRL, PayoutProvider: provider}
}

func stepTypes(steps []SystemStep) []StepType {
	out := make([]StepType, len(steps))
	for i, s := range steps {
		out[i] = s.StepType
	}
	return out
}

func TestCompilePayoutOnlyAsyncProvider(t *testing.T) {
	steps, err := Compile([]BusinessStep{{Type: BusinessPayout}}, brlCorridor(ProviderPix))
	require.NoError(t, err)
	require.Equal(t, []StepType{StepPayoutSend, StepAwaitProviderStatus}, stepTypes(steps))

	assert.Equal(t, PolicySync, steps[0].CompletionPolicy)
	assert.Equal(t, PolicyAwaitEvent, steps[1].CompletionPolicy)
	assert.Equal(t, "PIX", steps[0].Config.Get(ConfigProvider))
	assert.Equal(t, "BRL", steps[0].Config.Get(ConfigCurrency))
	assert.Equal(t, map[string]string{ConfigProvider: "PIX"}, steps[1].SignalMatch)
	assert.Equal(t, 1, steps[0].StepOrder)
	assert.Equal(t, 2, steps[1].StepOrder)
}

func TestCompilePayoutOnlySyncProvider(t *testing.T) {
	steps, err := Compile([]BusinessStep{{Type: BusinessPayout}}, brlCorridor(ProviderNequi))
	require.NoError(t, err)
	assert.Equal(t, []StepType{StepPayoutSend}, stepTypes(steps))
}

func TestCompileFullRebalance(t *testing.T) {
	corridor := Corridor{Asset: AssetUSDC, Network: NetworkStellar, Currency: AssetBRL, PayoutProvider: ProviderPix}
	steps, err := Compile([]BusinessStep{
		{Type: BusinessPayout},
		{Type: BusinessMoveToExchange, Venue: VenueBinance},
		{Type: BusinessConvert, Venue: VenueBinance, FromAsset: AssetUSDC, ToAsset: AssetUSDT},
		{Type: BusinessTransferVenue, FromVenue: VenueBinance, ToVenue: VenueTransfero, Asset: AssetUSDT},
		{Type: BusinessConvert, Venue: VenueTransfero, FromAsset: AssetUSDT, ToAsset: AssetBRL},
	}, corridor)
	require.NoError(t, err)

	require.Equal(t, []StepType{
		StepPayoutSend,
		StepAwaitProviderStatus,
		StepExchangeSend,
		StepAwaitExchangeBalance,
		StepExchangeConvert,
		StepTreasuryTransfer,
		StepAwaitExchangeBalance,
		StepExchangeConvert,
	}, stepTypes(steps))

	for i, s := range steps {
		assert.Equal(t, i+1, s.StepOrder)
	}
	assert.Equal(t, "BINANCE", steps[3].Config.Get(ConfigVenue))
	assert.Equal(t, "TRANSFERO", steps[6].Config.Get(ConfigVenue))
	assert.Equal(t, "USDT", steps[6].Config.Get(ConfigAsset))
	assert.Equal(t, map[string]string{ConfigVenue: "TRANSFERO"}, steps[6].SignalMatch)
}

func TestCompileRejections(t *testing.T) {
	corridor := brlCorridor(ProviderPix)
	cases := []struct {
		name  string
		steps []BusinessStep
		kind  ErrorKind
	}{
		{name: "empty", steps: nil, kind: InvalidStepOrder},
		{
			name:  "first not payout",
			steps: []BusinessStep{{Type: BusinessMoveToExchange, Venue: VenueBinance}},
			kind:  InvalidStepOrder,
		},
		{
			name:  "second payout",
			steps: []BusinessStep{{Type: BusinessPayout}, {Type: BusinessPayout}},
			kind:  InvalidStepOrder,
		},
		{
			name: "convert without move",
			steps: []BusinessStep{
				{Type: BusinessPayout},
				{Type: BusinessConvert, Venue: VenueBinance, FromAsset: AssetUSDC, ToAsset: AssetUSDT},
			},
			kind: InvalidPrecondition,
		},
		{
			name: "move twice",
			steps: []BusinessStep{
				{Type: BusinessPayout},
				{Type: BusinessMoveToExchange, Venue: VenueBinance},
				{Type: BusinessMoveToExchange, Venue: VenueTransfero},
			},
			kind: InvalidPrecondition,
		},
		{
			name: "convert wrong source asset",
			steps: []BusinessStep{
				{Type: BusinessPayout},
				{Type: BusinessMoveToExchange, Venue: VenueBinance},
				{Type: BusinessConvert, Venue: VenueBinance, FromAsset: AssetBTC, ToAsset: AssetUSDT},
			},
			kind: InvalidPrecondition,
		},
		{
			name: "convert into itself",
			steps: []BusinessStep{
				{Type: BusinessPayout},
				{Type: BusinessMoveToExchange, Venue: VenueBinance},
				{Type: BusinessConvert, Venue: VenueBinance, FromAsset: AssetUSDC, ToAsset: AssetUSDC},
			},
			kind: InvalidConversion,
		},
		{
			name: "fiat settlement to wrong currency",
			steps: []BusinessStep{
				{Type: BusinessPayout},
				{Type: BusinessMoveToExchange, Venue: VenueTransfero},
				{Type: BusinessConvert, Venue: VenueTransfero, FromAsset: AssetUSDC, ToAsset: AssetMXN},
			},
			kind: InvalidConversion,
		},
		{
			name: "transfer from unsupported source",
			steps: []BusinessStep{
				{Type: BusinessPayout},
				{Type: BusinessMoveToExchange, Venue: VenueTransfero},
				{Type: BusinessTransferVenue, FromVenue: VenueTransfero, ToVenue: VenueBinance, Asset: AssetUSDC},
			},
			kind: UnsupportedTransferSource,
		},
		{
			name: "transfer to same venue",
			steps: []BusinessStep{
				{Type: BusinessPayout},
				{Type: BusinessMoveToExchange, Venue: VenueBinance},
				{Type: BusinessTransferVenue, FromVenue: VenueBinance, ToVenue: VenueBinance, Asset: AssetUSDC},
			},
			kind: InvalidPrecondition,
		},
		{
			name:  "unknown type",
			steps: []BusinessStep{{Type: BusinessPayout}, {Type: "TELEPORT"}},
			kind:  UnknownStepType,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			steps, err := Compile(tc.steps, corridor)
			require.Error(t, err)
			assert.Nil(t, steps)
			assert.True(t, IsKind(err, tc.kind), "got %v", err)
		})
	}
}

func TestCompileRejectsUnexpectedPayout(t *testing.T) {
	state := buildState{asset: AssetUSDC, location: VenueHotWallet}
	_, err := compileStep(3, BusinessStep{Type: BusinessPayout}, brlCorridor(ProviderPix), &state)
	require.Error(t, err)
	assert.True(t, IsKind(err, UnexpectedPayout))
}

func TestDefinitionFeesAndLimits(t *testing.T) {
	def := &Definition{Fees: Fees{
		Fixed:      mustDecimal(t, "1.5"),
		Percentage: mustDecimal(t, "2"),
		MinAmount:  mustDecimal(t, "10"),
		MaxAmount:  mustDecimal(t, "1000"),
	}}

	assert.Equal(t, "3.5", def.Fee(mustDecimal(t, "100")).String())
	assert.True(t, def.Accepts(mustDecimal(t, "10")))
	assert.False(t, def.Accepts(mustDecimal(t, "9.99")))
	assert.False(t, def.Accepts(mustDecimal(t, "1000.01")))
}
