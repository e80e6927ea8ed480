package ledger

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// ToBaseUnits rescales an asset amount to the token's smallest unit.
// Truncation is toward zero, never rounding, so a settlement can only
// under-mint or under-burn relative to the requested amount.
func ToBaseUnits(amount decimal.Decimal, decimals uint8) *big.Int {
	return amount.Shift(int32(decimals)).Truncate(0).BigInt()
}

// FromBaseUnits converts a smallest-unit amount back to an asset amount.
func FromBaseUnits(units *big.Int, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(units, -int32(decimals))
}
