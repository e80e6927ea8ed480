package domain

import "github.com/shopspring/decimal"

// ReserveRecord is the off-chain counter of backed asset tokens for one
// symbol. Amount never goes negative; every mutation is a signed delta
// applied atomically by the store. Corresponds to the reserves table.
type ReserveRecord struct {
	Symbol    string          // unique key
	Amount    decimal.Decimal // non-negative
	UpdatedAt int64           // Unix timestamp in milliseconds
}
