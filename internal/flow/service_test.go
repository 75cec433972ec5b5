package flow

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDefinitionStore struct {
	defs map[string]*Definition
}

func (f *fakeDefinitionStore) SaveDefinition(_ context.Context, def *Definition) error {
	if f.defs == nil {
		f.defs = make(map[string]*Definition)
	}
	if def.Enabled {
		for _, other := range f.defs {
			c := other.Corridor
			if c.Asset == def.Corridor.Asset && c.Network == def.Corridor.Network && c.Currency == def.Corridor.Currency {
				other.Enabled = false
			}
		}
	}
	f.defs[def.ID] = def
	return nil
}

func (f *fakeDefinitionStore) FindDefinition(_ context.Context, id string) (*Definition, error) {
	if def, ok := f.defs[id]; ok {
		return def, nil
	}
	return nil, ErrDefinitionNotFound
}

func (f *fakeDefinitionStore) FindActiveDefinition(_ context.Context, asset Asset, network Network, currency Asset) (*Definition, error) {
	for _, def := range f.defs {
		c := def.Corridor
		if def.Enabled && c.Asset == asset && c.Network == network && c.Currency == currency {
			return def, nil
		}
	}
	return nil, ErrDefinitionNotFound
}

func mustDecimal(t *testing.T, v string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(v)
	require.NoError(t, err)
	return d
}

func TestServiceDefineSupersedesExistingCorridor(t *testing.T) {
	store := &fakeDefinitionStore{}
	svc := NewService(store, zerolog.Nop())
	spec := CorridorSpec{
		Corridor: brlCorridor(ProviderPix),
		Enabled:  true,
		Steps:    []BusinessStep{{Type: BusinessPayout}},
	}

	first, err := svc.Define(context.Background(), spec)
	require.NoError(t, err)
	require.Len(t, first.Steps, 2)

	spec.Steps = append(spec.Steps, BusinessStep{Type: BusinessMoveToExchange, Venue: VenueBinance})
	second, err := svc.Define(context.Background(), spec)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Len(t, second.Steps, 4)
	assert.Len(t, store.defs, 2)

	old, err := store.FindDefinition(context.Background(), first.ID)
	require.NoError(t, err)
	assert.False(t, old.Enabled)
	assert.Len(t, old.Steps, 2)

	active, err := store.FindActiveDefinition(context.Background(), AssetUSDC, NetworkStellar, AssetBRL)
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)
}

func TestServiceDefineRejectsInvalidSteps(t *testing.T) {
	store := &fakeDefinitionStore{}
	svc := NewService(store, zerolog.Nop())

	_, err := svc.Define(context.Background(), CorridorSpec{
		Corridor: brlCorridor(ProviderPix),
		Steps:    []BusinessStep{{Type: BusinessConvert}},
	})
	require.Error(t, err)
	assert.True(t, IsKind(err, InvalidStepOrder))
	assert.Empty(t, store.defs)
}

func TestLoadCorridorFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usdc-brl.yaml")
	content := `corridor:
  asset: USDC
  network: STELLAR
  currency: BRL
  payout_provider: PIX
  pricing_provider: binance
fees:
  fixed: "0.50"
  percentage: "1.25"
  min_amount: "10"
  max_amount: "5000"
enabled: true
steps:
  - type: PAYOUT
  - type: MOVE_TO_EXCHANGE
    venue: TRANSFERO
  - type: CONVERT
    venue: TRANSFERO
    from_asset: USDC
    to_asset: BRL
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	spec, err := LoadCorridorFile(path)
	require.NoError(t, err)

	assert.Equal(t, AssetUSDC, spec.Corridor.Asset)
	assert.Equal(t, ProviderPix, spec.Corridor.PayoutProvider)
	assert.Equal(t, "1.25", spec.Fees.Percentage.String())
	require.Len(t, spec.Steps, 3)
	assert.Equal(t, AssetBRL, spec.Steps[2].ToAsset)

	def, err := Build(spec)
	require.NoError(t, err)
	assert.Len(t, def.Steps, 5)
}
