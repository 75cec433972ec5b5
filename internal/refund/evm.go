package refund

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"corridor-flows/internal/flow"
)

const erc20ABIJSON = `[{"inputs":[{"internalType":"address","name":"to","type":"address"},{"internalType":"uint256","name":"amount","type":"uint256"}],"name":"transfer","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}]`

var erc20ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic("failed to parse ERC-20 ABI: " + err.Error())
	}
	erc20ABI = parsed
}

// Token is an ERC-20 deployment.
type Token struct {
	Address  string
	Decimals int32
}

// EVMEncoder builds ERC-20 transfer calldata for refunds on EVM networks.
type EVMEncoder struct {
	networks map[flow.Network]bool
	tokens   map[flow.Network]map[flow.Asset]Token
}

// NewEVMEncoder constructs an encoder; tokens is keyed by network then asset.
func NewEVMEncoder(tokens map[flow.Network]map[flow.Asset]Token) *EVMEncoder {
	networks := make(map[flow.Network]bool, len(tokens))
	for n := range tokens {
		networks[n] = true
	}
	return &EVMEncoder{networks: networks, tokens: tokens}
}

// Supports reports whether network is an EVM network with configured tokens.
func (e *EVMEncoder) Supports(network flow.Network) bool {
	return e.networks[network]
}

// Encode validates the request and returns the token contract and transfer calldata.
func (e *EVMEncoder) Encode(req Request) (string, []byte, error) {
	if err := validateTxHash(req.OnChainID); err != nil {
		return "", nil, err
	}
	if !common.IsHexAddress(req.Destination) {
		return "", nil, fmt.Errorf("%w: %q", ErrInvalidDestination, req.Destination)
	}

	token, ok := e.tokens[req.Network][req.Asset]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s on %s", ErrUnsupportedAsset, req.Asset, req.Network)
	}

	units := req.Amount.Shift(token.Decimals)
	if !units.Equal(units.Truncate(0)) {
		return "", nil, ErrFractionalBaseUnits
	}

	calldata, err := erc20ABI.Pack("transfer", common.HexToAddress(req.Destination), units.BigInt())
	if err != nil {
		return "", nil, fmt.Errorf("pack transfer: %w", err)
	}
	return common.HexToAddress(token.Address).Hex(), calldata, nil
}

func validateTxHash(id string) error {
	raw, err := hexutil.Decode(id)
	if err != nil || len(raw) != common.HashLength {
		return fmt.Errorf("%w: %q", ErrInvalidOnChainID, id)
	}
	return nil
}

// ErrReceiptReverted is returned when the funding transaction did not succeed.
var ErrReceiptReverted = errors.New("refund: funding transaction reverted")

// EthReceiptVerifier checks receipts over JSON-RPC, one lazily dialled client per network.
type EthReceiptVerifier struct {
	rpcURLs map[flow.Network]string
	timeout time.Duration

	mu      sync.Mutex
	clients map[flow.Network]*ethclient.Client
}

// NewEthReceiptVerifier constructs a verifier.
func NewEthReceiptVerifier(rpcURLs map[flow.Network]string, timeout time.Duration) *EthReceiptVerifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &EthReceiptVerifier{
		rpcURLs: rpcURLs,
		timeout: timeout,
		clients: make(map[flow.Network]*ethclient.Client),
	}
}

// VerifyReceipt fails unless the transaction was mined successfully. Networks without an
// RPC endpoint are not verified.
func (v *EthReceiptVerifier) VerifyReceipt(ctx context.Context, network flow.Network, onChainID string) error {
	if _, ok := v.rpcURLs[network]; !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	client, err := v.client(ctx, network)
	if err != nil {
		return err
	}

	receipt, err := client.TransactionReceipt(ctx, common.HexToHash(onChainID))
	if err != nil {
		return fmt.Errorf("fetch receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return ErrReceiptReverted
	}
	return nil
}

func (v *EthReceiptVerifier) client(ctx context.Context, network flow.Network) (*ethclient.Client, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if c, ok := v.clients[network]; ok {
		return c, nil
	}
	c, err := ethclient.DialContext(ctx, v.rpcURLs[network])
	if err != nil {
		return nil, fmt.Errorf("dial %s rpc: %w", network, err)
	}
	v.clients[network] = c
	return c, nil
}

var _ ReceiptVerifier = (*EthReceiptVerifier)(nil)
