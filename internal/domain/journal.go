package domain

import "github.com/shopspring/decimal"

// Journal phases. A settlement writes a pending entry before touching the
// token ledger and a final entry after. A pending entry with no matching
// final entry marks a crash between reserve update and chain submission,
// which reconciliation tooling detects from the journal.
const (
	JournalPhasePending = "pending"
	JournalPhaseFinal   = "final"
)

// Journal statuses for final entries.
const (
	JournalStatusOK     = "ok"
	JournalStatusFailed = "failed"
)

// JournalEntry is one append-only settlement audit record.
// Corresponds to the settlement_journal table in ClickHouse.
type JournalEntry struct {
	SettlementID string // UUID shared by the pending and final entry of one settlement
	Phase        string // "pending" | "final"
	Status       string // "ok" | "failed", empty for pending entries
	Side         string // "buy" | "sell"
	Symbol       string
	User         string // hex address
	Token        string // hex address
	FiatAmount   decimal.Decimal
	AssetAmount  decimal.Decimal
	Price        decimal.Decimal
	ReserveAfter decimal.Decimal
	TxHash       string // hex, empty when no transaction was submitted
	ErrorKind    string // sentinel error name, empty on success
	Message      string
	Timestamp    int64 // Unix timestamp in milliseconds
}
