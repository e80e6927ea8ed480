package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/shopspring/decimal"

	"reserve-bridge/internal/domain"
	"reserve-bridge/internal/storage"
)

// SettlementJournalStore implements storage.SettlementJournal using
// ClickHouse. The table is append-only; amounts are stored as strings so
// the fixed-point values round-trip without drift.
type SettlementJournalStore struct {
	conn *Conn
}

// NewSettlementJournalStore creates a new SettlementJournalStore.
func NewSettlementJournalStore(conn *Conn) *SettlementJournalStore {
	return &SettlementJournalStore{conn: conn}
}

// Compile-time interface check.
var _ storage.SettlementJournal = (*SettlementJournalStore)(nil)

// Append writes one journal entry.
func (s *SettlementJournalStore) Append(ctx context.Context, e *domain.JournalEntry) error {
	if e == nil || e.SettlementID == "" {
		return storage.ErrInvalidInput
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO settlement_journal (
			settlement_id, phase, status, side, symbol, user_address, token_address,
			fiat_amount, asset_amount, price, reserve_after, tx_hash, error_kind, message, timestamp_ms
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	err = batch.Append(
		e.SettlementID, e.Phase, e.Status, e.Side, e.Symbol, e.User, e.Token,
		e.FiatAmount.String(), e.AssetAmount.String(), e.Price.String(),
		e.ReserveAfter.String(), e.TxHash, e.ErrorKind, e.Message, uint64(e.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("append to batch: %w", err)
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	return nil
}

// GetBySettlementID retrieves all entries for a settlement, ordered by timestamp ASC.
func (s *SettlementJournalStore) GetBySettlementID(ctx context.Context, settlementID string) ([]*domain.JournalEntry, error) {
	query := `
		SELECT settlement_id, phase, status, side, symbol, user_address, token_address,
			fiat_amount, asset_amount, price, reserve_after, tx_hash, error_kind, message, timestamp_ms
		FROM settlement_journal
		WHERE settlement_id = ?
		ORDER BY timestamp_ms ASC
	`

	rows, err := s.conn.Query(ctx, query, settlementID)
	if err != nil {
		return nil, fmt.Errorf("query journal by settlement id: %w", err)
	}
	defer rows.Close()

	return scanJournalEntries(rows)
}

// scanJournalEntries scans rows into journal entries.
func scanJournalEntries(rows driver.Rows) ([]*domain.JournalEntry, error) {
	var entries []*domain.JournalEntry

	for rows.Next() {
		var e domain.JournalEntry
		var fiat, asset, price, reserveAfter string
		var ts uint64

		err := rows.Scan(
			&e.SettlementID, &e.Phase, &e.Status, &e.Side, &e.Symbol, &e.User, &e.Token,
			&fiat, &asset, &price, &reserveAfter, &e.TxHash, &e.ErrorKind, &e.Message, &ts,
		)
		if err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}

		if e.FiatAmount, err = decimal.NewFromString(fiat); err != nil {
			return nil, fmt.Errorf("parse fiat amount %q: %w", fiat, err)
		}
		if e.AssetAmount, err = decimal.NewFromString(asset); err != nil {
			return nil, fmt.Errorf("parse asset amount %q: %w", asset, err)
		}
		if e.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse price %q: %w", price, err)
		}
		if e.ReserveAfter, err = decimal.NewFromString(reserveAfter); err != nil {
			return nil, fmt.Errorf("parse reserve after %q: %w", reserveAfter, err)
		}
		e.Timestamp = int64(ts)

		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal rows: %w", err)
	}

	return entries, nil
}
