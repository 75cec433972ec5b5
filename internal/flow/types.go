package flow

import (
	"time"

	"github.com/shopspring/decimal"
)

// Venue is a location where corridor funds can reside.
type Venue string

const (
	VenueHotWallet Venue = "HOT_WALLET"
	VenueBinance   Venue = "BINANCE"
	VenueTransfero Venue = "TRANSFERO"
)

// FiatSettlementVenue is the exchange that converts crypto straight into corridor fiat.
const FiatSettlementVenue = VenueTransfero

// transferSources lists venues funds may be withdrawn from by a TRANSFER_VENUE step.
var transferSources = map[Venue]bool{
	VenueBinance: true,
}

// Valid reports whether v is a known venue.
func (v Venue) Valid() bool {
	switch v {
	case VenueHotWallet, VenueBinance, VenueTransfero:
		return true
	}
	return false
}

// IsExchange reports whether v is an exchange rather than the hot wallet.
func (v Venue) IsExchange() bool {
	return v.Valid() && v != VenueHotWallet
}

// Asset is a crypto asset or fiat currency code.
type Asset string

const (
	AssetUSDC Asset = "USDC"
	AssetUSDT Asset = "USDT"
	AssetBTC  Asset = "BTC"
	AssetETH  Asset = "ETH"
	AssetXLM  Asset = "XLM"

	AssetBRL Asset = "BRL"
	AssetCOP Asset = "COP"
	AssetMXN Asset = "MXN"
)

var cryptoAssets = map[Asset]bool{
	AssetUSDC: true,
	AssetUSDT: true,
	AssetBTC:  true,
	AssetETH:  true,
	AssetXLM:  true,
}

// IsCrypto reports whether a is a crypto asset.
func (a Asset) IsCrypto() bool {
	return cryptoAssets[a]
}

// Network is the blockchain a corridor receives funds on.
type Network string

const (
	NetworkStellar  Network = "STELLAR"
	NetworkEthereum Network = "ETHEREUM"
	NetworkPolygon  Network = "POLYGON"
	NetworkBase     Network = "BASE"
	NetworkSolana   Network = "SOLANA"
)

// PayoutProvider is the rail that pays out fiat to the beneficiary.
type PayoutProvider string

const (
	ProviderPix   PayoutProvider = "PIX"
	ProviderSpei  PayoutProvider = "SPEI"
	ProviderBreb  PayoutProvider = "BREB"
	ProviderNequi PayoutProvider = "NEQUI"
)

// IsAsync reports whether the provider confirms payouts through a later webhook.
func (p PayoutProvider) IsAsync() bool {
	switch p {
	case ProviderPix, ProviderSpei, ProviderBreb:
		return true
	}
	return false
}

// BusinessStepType enumerates the operator-authored steps.
type BusinessStepType string

const (
	BusinessPayout         BusinessStepType = "PAYOUT"
	BusinessMoveToExchange BusinessStepType = "MOVE_TO_EXCHANGE"
	BusinessConvert        BusinessStepType = "CONVERT"
	BusinessTransferVenue  BusinessStepType = "TRANSFER_VENUE"
)

// BusinessStep is one step of a corridor as an operator describes it.
type BusinessStep struct {
	Type      BusinessStepType `json:"type" mapstructure:"type"`
	Venue     Venue            `json:"venue,omitempty" mapstructure:"venue"`
	FromAsset Asset            `json:"fromAsset,omitempty" mapstructure:"from_asset"`
	ToAsset   Asset            `json:"toAsset,omitempty" mapstructure:"to_asset"`
	FromVenue Venue            `json:"fromVenue,omitempty" mapstructure:"from_venue"`
	ToVenue   Venue            `json:"toVenue,omitempty" mapstructure:"to_venue"`
	Asset     Asset            `json:"asset,omitempty" mapstructure:"asset"`
}

// StepType enumerates compiled system steps.
type StepType string

const (
	StepPayoutSend           StepType = "PAYOUT_SEND"
	StepAwaitProviderStatus  StepType = "AWAIT_PROVIDER_STATUS"
	StepExchangeSend         StepType = "EXCHANGE_SEND"
	StepAwaitExchangeBalance StepType = "AWAIT_EXCHANGE_BALANCE"
	StepExchangeConvert      StepType = "EXCHANGE_CONVERT"
	StepTreasuryTransfer     StepType = "TREASURY_TRANSFER"
)

// StepTypes lists every system step type; executor registries are checked against it.
var StepTypes = []StepType{
	StepPayoutSend,
	StepAwaitProviderStatus,
	StepExchangeSend,
	StepAwaitExchangeBalance,
	StepExchangeConvert,
	StepTreasuryTransfer,
}

// CompletionPolicy says how a system step resolves.
type CompletionPolicy string

const (
	PolicySync       CompletionPolicy = "SYNC"
	PolicyAwaitEvent CompletionPolicy = "AWAIT_EVENT"
)

// Step config keys.
const (
	ConfigProvider  = "provider"
	ConfigCurrency  = "currency"
	ConfigVenue     = "venue"
	ConfigAsset     = "asset"
	ConfigNetwork   = "network"
	ConfigFromAsset = "fromAsset"
	ConfigToAsset   = "toAsset"
	ConfigFromVenue = "fromVenue"
	ConfigToVenue   = "toVenue"
)

// StepConfig holds step specific parameters.
type StepConfig map[string]string

// Get returns the value stored under key or an empty string.
func (c StepConfig) Get(key string) string {
	if c == nil {
		return ""
	}
	return c[key]
}

// SystemStep is one compiled instruction of a flow definition.
type SystemStep struct {
	StepOrder        int               `json:"stepOrder"`
	StepType         StepType          `json:"stepType"`
	CompletionPolicy CompletionPolicy  `json:"completionPolicy"`
	Config           StepConfig        `json:"config,omitempty"`
	SignalMatch      map[string]string `json:"signalMatch,omitempty"`
}

// Awaits reports whether the step only resolves on an external signal.
func (s SystemStep) Awaits() bool {
	return s.CompletionPolicy == PolicyAwaitEvent
}

// Corridor identifies the asset, network and fiat a definition serves.
type Corridor struct {
	Asset           Asset          `json:"asset" mapstructure:"asset"`
	Network         Network        `json:"network" mapstructure:"network"`
	Currency        Asset          `json:"currency" mapstructure:"currency"`
	PayoutProvider  PayoutProvider `json:"payoutProvider" mapstructure:"payout_provider"`
	PricingProvider string         `json:"pricingProvider" mapstructure:"pricing_provider"`
}

// Fees are the commercial parameters of a corridor.
type Fees struct {
	Fixed      decimal.Decimal `json:"fixed" mapstructure:"fixed"`
	Percentage decimal.Decimal `json:"percentage" mapstructure:"percentage"`
	MinAmount  decimal.Decimal `json:"minAmount" mapstructure:"min_amount"`
	MaxAmount  decimal.Decimal `json:"maxAmount" mapstructure:"max_amount"`
}

// Definition is a corridor with its compiled plan.
type Definition struct {
	ID            string
	Corridor      Corridor
	Fees          Fees
	Enabled       bool
	BusinessSteps []BusinessStep
	Steps         []SystemStep
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Step returns the system step with the given order.
func (d *Definition) Step(order int) (SystemStep, bool) {
	if d == nil || order < 1 || order > len(d.Steps) {
		return SystemStep{}, false
	}
	return d.Steps[order-1], true
}

// Fee computes the corridor fee for amount; percentage is expressed in percent.
func (d *Definition) Fee(amount decimal.Decimal) decimal.Decimal {
	pct := amount.Mul(d.Fees.Percentage).Div(decimal.NewFromInt(100))
	return d.Fees.Fixed.Add(pct)
}

// Accepts reports whether amount lies within the corridor limits. Zero limits are unbounded.
func (d *Definition) Accepts(amount decimal.Decimal) bool {
	if !d.Fees.MinAmount.IsZero() && amount.LessThan(d.Fees.MinAmount) {
		return false
	}
	if !d.Fees.MaxAmount.IsZero() && amount.GreaterThan(d.Fees.MaxAmount) {
		return false
	}
	return true
}
