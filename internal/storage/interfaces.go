package storage

import (
	"context"

	"github.com/shopspring/decimal"

	"reserve-bridge/internal/domain"
)

// ReserveStore provides atomic access to per-asset reserve counters.
// It is the single source of truth for how many asset tokens are backed,
// and it owns serialization of concurrent mutations on the same symbol.
type ReserveStore interface {
	// Get retrieves the reserve record for a symbol.
	// Returns ErrNotFound if the symbol has never been written.
	Get(ctx context.Context, symbol string) (*domain.ReserveRecord, error)

	// ApplyDelta atomically adds delta (positive for buy, negative for
	// sell) to the stored amount and returns the post-update record.
	// The sufficiency check and the write are a single atomic operation:
	// returns ErrInsufficientReserve, leaving the value unchanged, if the
	// delta would drive the reserve negative — even when a caller's prior
	// Get suggested otherwise. A positive delta on an unknown symbol
	// creates the record; a negative one returns ErrNotFound.
	ApplyDelta(ctx context.Context, symbol string, delta decimal.Decimal) (*domain.ReserveRecord, error)
}

// SettlementJournal records every settlement attempt append-only.
// Reconciliation tooling reads it to find settlements whose reserve
// mutation has no matching chain transaction.
type SettlementJournal interface {
	// Append writes one journal entry.
	Append(ctx context.Context, e *domain.JournalEntry) error

	// GetBySettlementID retrieves all entries for a settlement, ordered
	// by timestamp ASC.
	GetBySettlementID(ctx context.Context, settlementID string) ([]*domain.JournalEntry, error)
}
