package chainwatch

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"reserve-bridge/internal/domain"
)

// Order contract events. The user address is the only indexed field.
const orderABIJSON = `[
	{"type":"event","name":"BuyOrderCreated","anonymous":false,"inputs":[
		{"name":"user","type":"address","indexed":true},
		{"name":"ticker","type":"string","indexed":false},
		{"name":"token","type":"address","indexed":false},
		{"name":"fiatAmount","type":"uint256","indexed":false},
		{"name":"assetAmount","type":"uint256","indexed":false},
		{"name":"price","type":"uint256","indexed":false}
	]},
	{"type":"event","name":"SellOrderCreated","anonymous":false,"inputs":[
		{"name":"user","type":"address","indexed":true},
		{"name":"ticker","type":"string","indexed":false},
		{"name":"token","type":"address","indexed":false},
		{"name":"fiatAmount","type":"uint256","indexed":false},
		{"name":"assetAmount","type":"uint256","indexed":false},
		{"name":"price","type":"uint256","indexed":false}
	]}
]`

var orderABI = mustParseABI(orderABIJSON)

// Event topic hashes, used both for subscription filters and dispatch.
var (
	BuyOrderTopic  = orderABI.Events["BuyOrderCreated"].ID
	SellOrderTopic = orderABI.Events["SellOrderCreated"].ID
)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

// DecoderConfig holds the fixed integer scaling factors of the deployed
// order contract version.
type DecoderConfig struct {
	// FiatScale is the decimal shift of the fiatAmount field.
	FiatScale int32
	// PriceScale is the decimal shift of the price field (150 -> 1.50).
	PriceScale int32
	// AssetScale is the decimal shift of the assetAmount field when the
	// event carries one.
	AssetScale int32
}

// DefaultDecoderConfig matches the current order contract deployment.
func DefaultDecoderConfig() DecoderConfig {
	return DecoderConfig{
		FiatScale:  0,
		PriceScale: 2,
		AssetScale: 16,
	}
}

// Decoder turns order contract logs into settlement requests.
type Decoder struct {
	config DecoderConfig
}

// NewDecoder creates a decoder for the given contract scaling factors.
func NewDecoder(config DecoderConfig) *Decoder {
	return &Decoder{config: config}
}

// orderEvent mirrors the non-indexed event fields.
type orderEvent struct {
	Ticker      string
	Token       common.Address
	FiatAmount  *big.Int
	AssetAmount *big.Int
	Price       *big.Int
}

// Decode builds a settlement request from an order contract log.
// When the event carries no asset amount the decoder computes it as
// fiatAmount / price; final truncation to the token's decimal precision
// happens in the ledger adapter before minting.
func (d *Decoder) Decode(lg types.Log) (*domain.SettlementRequest, domain.Side, error) {
	if len(lg.Topics) < 2 {
		return nil, "", fmt.Errorf("log has %d topics, want at least 2", len(lg.Topics))
	}

	var side domain.Side
	var name string
	switch lg.Topics[0] {
	case BuyOrderTopic:
		side, name = domain.SideBuy, "BuyOrderCreated"
	case SellOrderTopic:
		side, name = domain.SideSell, "SellOrderCreated"
	default:
		return nil, "", fmt.Errorf("unknown event topic %s", lg.Topics[0].Hex())
	}

	var ev orderEvent
	if err := orderABI.UnpackIntoInterface(&ev, name, lg.Data); err != nil {
		return nil, "", fmt.Errorf("unpack %s: %w", name, err)
	}

	user := common.BytesToAddress(lg.Topics[1].Bytes())
	fiat := decimal.NewFromBigInt(ev.FiatAmount, -d.config.FiatScale)
	price := decimal.NewFromBigInt(ev.Price, -d.config.PriceScale)

	var asset decimal.Decimal
	if ev.AssetAmount != nil && ev.AssetAmount.Sign() > 0 {
		asset = decimal.NewFromBigInt(ev.AssetAmount, -d.config.AssetScale)
	} else {
		if !price.IsPositive() {
			return nil, "", fmt.Errorf("%s: no asset amount and non-positive price %s", name, price)
		}
		asset = fiat.Div(price)
	}

	req, err := domain.NewSettlementRequest(user, ev.Token, ev.Ticker, fiat, asset, price)
	if err != nil {
		return nil, "", fmt.Errorf("build request from %s: %w", name, err)
	}
	return req, side, nil
}
