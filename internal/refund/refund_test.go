package refund_test

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corridor-flows/internal/flow"
	"corridor-flows/internal/refund"
	"corridor-flows/internal/storage"
)

const (
	polygonUSDC = "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"
	destination = "0x00000000000000000000000000000000000000aa"
	fundingHash = "0x1111111111111111111111111111111111111111111111111111111111111111"
)

func encoder() *refund.EVMEncoder {
	return refund.NewEVMEncoder(map[flow.Network]map[flow.Asset]refund.Token{
		flow.NetworkPolygon: {flow.AssetUSDC: {Address: polygonUSDC, Decimals: 6}},
	})
}

func polygonRequest() refund.Request {
	return refund.Request{
		Amount:        decimal.RequireFromString("12.5"),
		Asset:         flow.AssetUSDC,
		Network:       flow.NetworkPolygon,
		OnChainID:     fundingHash,
		Destination:   destination,
		Reason:        refund.ReasonProviderFailed,
		TransactionID: "tx-1",
		Trigger:       "AWAIT_PROVIDER_STATUS#2",
	}
}

func TestEncodeTransferCalldata(t *testing.T) {
	contract, calldata, err := encoder().Encode(polygonRequest())
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(polygonUSDC).Hex(), contract)

	require.Len(t, calldata, 4+32+32)
	assert.Equal(t, "a9059cbb", hex.EncodeToString(calldata[:4]))
	assert.Equal(t, common.HexToAddress(destination), common.BytesToAddress(calldata[4:36]))
	assert.Equal(t, big.NewInt(12_500_000), new(big.Int).SetBytes(calldata[36:]))
}

func TestEncodeRejectsBadInput(t *testing.T) {
	cases := map[string]struct {
		mutate func(*refund.Request)
		want   error
	}{
		"short hash":         {func(r *refund.Request) { r.OnChainID = "0x1234" }, refund.ErrInvalidOnChainID},
		"bad destination":    {func(r *refund.Request) { r.Destination = "GABC" }, refund.ErrInvalidDestination},
		"unknown token":      {func(r *refund.Request) { r.Asset = flow.AssetUSDT }, refund.ErrUnsupportedAsset},
		"too much precision": {func(r *refund.Request) { r.Amount = decimal.RequireFromString("0.0000001") }, refund.ErrFractionalBaseUnits},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := polygonRequest()
			tc.mutate(&req)
			_, _, err := encoder().Encode(req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestRefundByOnChainIDIsIdempotent(t *testing.T) {
	store := storage.NewMemory()
	c := refund.NewCoordinator(store, encoder(), nil, zerolog.Nop())
	ctx := context.Background()

	first, err := c.RefundByOnChainID(ctx, polygonRequest())
	require.NoError(t, err)
	assert.Equal(t, refund.StateRequested, first.State)
	assert.NotEmpty(t, first.Calldata)

	second, err := c.RefundByOnChainID(ctx, polygonRequest())
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	require.Len(t, store.Refunds(), 1)

	other := polygonRequest()
	other.Reason = refund.ReasonWrongAmount
	_, err = c.RefundByOnChainID(ctx, other)
	require.NoError(t, err)
	assert.Len(t, store.Refunds(), 2)
}

func TestRefundOnNonEVMNetworkSkipsCalldata(t *testing.T) {
	store := storage.NewMemory()
	c := refund.NewCoordinator(store, encoder(), nil, zerolog.Nop())

	req := polygonRequest()
	req.Network = flow.NetworkStellar
	req.OnChainID = strings.Repeat("ab", 32)
	req.Destination = "GDESTINATION"

	r, err := c.RefundByOnChainID(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, r.Contract)
	assert.Nil(t, r.Calldata)
}

type failingVerifier struct{}

func (failingVerifier) VerifyReceipt(context.Context, flow.Network, string) error {
	return refund.ErrReceiptReverted
}

func TestRefundRequiresVerifiedReceipt(t *testing.T) {
	store := storage.NewMemory()
	c := refund.NewCoordinator(store, encoder(), failingVerifier{}, zerolog.Nop())

	_, err := c.RefundByOnChainID(context.Background(), polygonRequest())
	assert.True(t, errors.Is(err, refund.ErrReceiptReverted))
	assert.Empty(t, store.Refunds())
}

func TestRefundValidatesRequest(t *testing.T) {
	c := refund.NewCoordinator(storage.NewMemory(), nil, nil, zerolog.Nop())

	req := polygonRequest()
	req.OnChainID = ""
	_, err := c.RefundByOnChainID(context.Background(), req)
	assert.ErrorIs(t, err, refund.ErrMissingOnChainID)

	req = polygonRequest()
	req.Amount = decimal.Zero
	_, err = c.RefundByOnChainID(context.Background(), req)
	assert.ErrorIs(t, err, refund.ErrNonPositiveAmount)
}
