package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"reserve-bridge/internal/domain"
	"reserve-bridge/internal/storage"
)

// ReserveStore implements storage.ReserveStore using PostgreSQL.
// Sufficiency is enforced by a conditional UPDATE so that two concurrent
// sells on the same symbol cannot both pass the check against stale data.
type ReserveStore struct {
	pool *Pool
}

// NewReserveStore creates a new ReserveStore.
func NewReserveStore(pool *Pool) *ReserveStore {
	return &ReserveStore{pool: pool}
}

// Compile-time interface check.
var _ storage.ReserveStore = (*ReserveStore)(nil)

// Get retrieves the reserve record for a symbol. Returns ErrNotFound if missing.
func (s *ReserveStore) Get(ctx context.Context, symbol string) (*domain.ReserveRecord, error) {
	if symbol == "" {
		return nil, storage.ErrInvalidInput
	}

	query := `
		SELECT amount, updated_at
		FROM reserves
		WHERE symbol = $1
	`

	var amountStr string
	var updatedAt int64
	err := s.pool.QueryRow(ctx, query, symbol).Scan(&amountStr, &updatedAt)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get reserve: %w", err)
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return nil, fmt.Errorf("parse reserve amount %q: %w", amountStr, err)
	}

	return &domain.ReserveRecord{Symbol: symbol, Amount: amount, UpdatedAt: updatedAt}, nil
}

// ApplyDelta atomically adds delta to the stored amount and returns the
// post-update record. A positive delta upserts the row; a negative delta
// is a conditional update that fails with ErrInsufficientReserve when the
// stored amount cannot cover it.
func (s *ReserveStore) ApplyDelta(ctx context.Context, symbol string, delta decimal.Decimal) (*domain.ReserveRecord, error) {
	if symbol == "" {
		return nil, storage.ErrInvalidInput
	}

	now := time.Now().UnixMilli()

	if delta.IsPositive() {
		return s.credit(ctx, symbol, delta, now)
	}
	return s.debit(ctx, symbol, delta, now)
}

// credit adds a positive delta, creating the row if the symbol is new.
func (s *ReserveStore) credit(ctx context.Context, symbol string, delta decimal.Decimal, now int64) (*domain.ReserveRecord, error) {
	query := `
		INSERT INTO reserves (symbol, amount, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (symbol) DO UPDATE
		SET amount = reserves.amount + EXCLUDED.amount, updated_at = EXCLUDED.updated_at
		RETURNING amount, updated_at
	`

	var amountStr string
	var updatedAt int64
	err := s.pool.QueryRow(ctx, query, symbol, delta.String(), now).Scan(&amountStr, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("credit reserve: %w", err)
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return nil, fmt.Errorf("parse reserve amount %q: %w", amountStr, err)
	}

	return &domain.ReserveRecord{Symbol: symbol, Amount: amount, UpdatedAt: updatedAt}, nil
}

// debit applies a non-positive delta. The WHERE clause makes the
// sufficiency check and the write one atomic statement.
func (s *ReserveStore) debit(ctx context.Context, symbol string, delta decimal.Decimal, now int64) (*domain.ReserveRecord, error) {
	query := `
		UPDATE reserves
		SET amount = amount + $2, updated_at = $3
		WHERE symbol = $1 AND amount + $2 >= 0
		RETURNING amount, updated_at
	`

	var amountStr string
	var updatedAt int64
	err := s.pool.QueryRow(ctx, query, symbol, delta.String(), now).Scan(&amountStr, &updatedAt)
	if err != nil {
		if isNotFoundError(err) {
			// No row matched: either the symbol does not exist or the
			// stored amount cannot cover the delta.
			if _, getErr := s.Get(ctx, symbol); getErr != nil {
				return nil, getErr
			}
			return nil, storage.ErrInsufficientReserve
		}
		if isCheckViolation(err) {
			return nil, storage.ErrInsufficientReserve
		}
		return nil, fmt.Errorf("debit reserve: %w", err)
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return nil, fmt.Errorf("parse reserve amount %q: %w", amountStr, err)
	}

	return &domain.ReserveRecord{Symbol: symbol, Amount: amount, UpdatedAt: updatedAt}, nil
}
