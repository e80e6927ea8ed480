package domain

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Side identifies whether a settlement mints (buy) or burns (sell) tokens.
type Side string

// Settlement sides.
const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ErrInvalidRequest is returned when a settlement request fails validation.
var ErrInvalidRequest = errors.New("invalid settlement request")

// SettlementRequest describes one order to settle. It is immutable once
// constructed; build it via NewSettlementRequest which validates the fields.
// Amounts are fixed-point decimals, never native floats.
type SettlementRequest struct {
	User        common.Address  // ordering user, receives mint / source of burn
	Token       common.Address  // regulated token contract
	Symbol      string          // asset symbol, reserve key
	FiatAmount  decimal.Decimal // fiat-equivalent order value, > 0
	AssetAmount decimal.Decimal // asset units to mint or burn, >= 0
	Price       decimal.Decimal // unit price used to derive AssetAmount
}

// NewSettlementRequest validates the fields and returns a request.
// Returns ErrInvalidRequest describing the first failing field.
func NewSettlementRequest(user, token common.Address, symbol string, fiat, asset, price decimal.Decimal) (*SettlementRequest, error) {
	if user == (common.Address{}) {
		return nil, fmt.Errorf("%w: user address is zero", ErrInvalidRequest)
	}
	if token == (common.Address{}) {
		return nil, fmt.Errorf("%w: token address is zero", ErrInvalidRequest)
	}
	if symbol == "" {
		return nil, fmt.Errorf("%w: empty asset symbol", ErrInvalidRequest)
	}
	if !fiat.IsPositive() {
		return nil, fmt.Errorf("%w: fiat amount must be positive, got %s", ErrInvalidRequest, fiat)
	}
	if asset.IsNegative() {
		return nil, fmt.Errorf("%w: asset amount must be non-negative, got %s", ErrInvalidRequest, asset)
	}
	return &SettlementRequest{
		User:        user,
		Token:       token,
		Symbol:      symbol,
		FiatAmount:  fiat,
		AssetAmount: asset,
		Price:       price,
	}, nil
}

// SettlementResult is produced exactly once per accepted request and never
// mutated afterwards. TxHash is nil when no chain transaction was submitted.
type SettlementResult struct {
	Success      bool
	Message      string
	Symbol       string
	FiatAmount   decimal.Decimal
	AssetAmount  decimal.Decimal // token amount minted or burned
	ReserveAfter decimal.Decimal // reserve total after the mutation
	TxHash       *common.Hash
}
