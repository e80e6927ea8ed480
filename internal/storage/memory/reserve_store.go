package memory

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"reserve-bridge/internal/domain"
	"reserve-bridge/internal/storage"
)

// ReserveStore is an in-memory implementation of storage.ReserveStore.
// The mutex serializes check-and-write per store, giving the same
// atomicity guarantee as the conditional update in Postgres.
type ReserveStore struct {
	mu   sync.RWMutex
	data map[string]*domain.ReserveRecord
}

// NewReserveStore creates a new in-memory reserve store.
func NewReserveStore() *ReserveStore {
	return &ReserveStore{
		data: make(map[string]*domain.ReserveRecord),
	}
}

// Get retrieves the reserve record for a symbol. Returns ErrNotFound if missing.
func (s *ReserveStore) Get(_ context.Context, symbol string) (*domain.ReserveRecord, error) {
	if symbol == "" {
		return nil, storage.ErrInvalidInput
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.data[symbol]
	if !ok {
		return nil, storage.ErrNotFound
	}

	copy := *rec
	return &copy, nil
}

// ApplyDelta atomically adds delta to the stored amount and returns the
// post-update record. Returns ErrInsufficientReserve, leaving the value
// unchanged, if the result would be negative. A positive delta creates
// the record for an unknown symbol; a negative one returns ErrNotFound.
func (s *ReserveStore) ApplyDelta(_ context.Context, symbol string, delta decimal.Decimal) (*domain.ReserveRecord, error) {
	if symbol == "" {
		return nil, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.data[symbol]
	if !ok {
		if !delta.IsPositive() {
			return nil, storage.ErrNotFound
		}
		rec = &domain.ReserveRecord{Symbol: symbol, Amount: decimal.Zero}
	}

	next := rec.Amount.Add(delta)
	if next.IsNegative() {
		return nil, storage.ErrInsufficientReserve
	}

	updated := &domain.ReserveRecord{
		Symbol:    symbol,
		Amount:    next,
		UpdatedAt: time.Now().UnixMilli(),
	}
	s.data[symbol] = updated

	copy := *updated
	return &copy, nil
}

var _ storage.ReserveStore = (*ReserveStore)(nil)
