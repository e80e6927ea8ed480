// Package settlement coordinates order settlement: it validates a
// request, adjusts the off-chain reserve, and drives the corresponding
// token mint or burn. The reserve is mutated first so a failed token
// operation leaves it under-counting supply rather than over-promising.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"reserve-bridge/internal/domain"
	"reserve-bridge/internal/observability"
	"reserve-bridge/internal/storage"
)

// TokenLedger mutates token balances on-chain. Implemented by
// ledger.Adapter.
type TokenLedger interface {
	// VerifyIdentity rejects users not marked verified in the identity
	// registry. Called before any reserve mutation so an unverified
	// user's order leaves no local state behind.
	VerifyIdentity(ctx context.Context, user common.Address) error
	Mint(ctx context.Context, user, token common.Address, amount decimal.Decimal) (common.Hash, error)
	Burn(ctx context.Context, user, token common.Address, amount decimal.Decimal) (common.Hash, error)
}

// Coordinator validates incoming orders and enforces the buy/sell
// protocol against the reserve store and the token ledger. It never
// holds a reserve lock across a ledger call: the reserve update is a
// discrete, fast operation that completes before the ledger call begins.
type Coordinator struct {
	reserves storage.ReserveStore
	ledger   TokenLedger
	journal  storage.SettlementJournal
	logger   *log.Logger
}

// Options for creating a Coordinator.
type Options struct {
	ReserveStore storage.ReserveStore
	Ledger       TokenLedger
	// Journal is optional; when nil no audit records are written.
	Journal storage.SettlementJournal
	Logger  *log.Logger
}

// New creates a new Coordinator.
func New(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Coordinator{
		reserves: opts.ReserveStore,
		ledger:   opts.Ledger,
		journal:  opts.Journal,
		logger:   logger,
	}
}

// SettleBuy increases the reserve by the asset amount, then mints the
// token to the user. The returned result is always non-nil; on failure
// the error identifies the failure kind via Kind.
func (c *Coordinator) SettleBuy(ctx context.Context, req *domain.SettlementRequest) (*domain.SettlementResult, error) {
	return c.settle(ctx, domain.SideBuy, req)
}

// SettleSell verifies reserve sufficiency, decreases the reserve by the
// asset amount, then burns the token from the user.
func (c *Coordinator) SettleSell(ctx context.Context, req *domain.SettlementRequest) (*domain.SettlementResult, error) {
	return c.settle(ctx, domain.SideSell, req)
}

func (c *Coordinator) settle(ctx context.Context, side domain.Side, req *domain.SettlementRequest) (*domain.SettlementResult, error) {
	start := time.Now()

	amount, err := c.validate(req)
	if err != nil {
		observability.RecordSettlement(string(side), "invalid", time.Since(start).Seconds())
		return failure(req, err), err
	}

	settlementID := uuid.NewString()
	c.writeJournal(ctx, pendingEntry(settlementID, side, req, amount))

	// Identity gate before any state moves: an unverified user's order
	// must not touch the reserve.
	if err := c.ledger.VerifyIdentity(ctx, req.User); err != nil {
		c.finalize(ctx, settlementID, side, req, amount, decimal.Zero, nil, err)
		observability.RecordSettlement(string(side), "rejected", time.Since(start).Seconds())
		return failure(req, err), err
	}

	// Reserve next. Buy credits, sell debits; the store makes the
	// sufficiency check and the write a single atomic operation.
	delta := amount
	if side == domain.SideSell {
		if err := c.checkSufficiency(ctx, req.Symbol, amount); err != nil {
			c.finalize(ctx, settlementID, side, req, amount, decimal.Zero, nil, err)
			observability.RecordSettlement(string(side), "rejected", time.Since(start).Seconds())
			return failure(req, err), err
		}
		delta = amount.Neg()
	}

	rec, err := c.reserves.ApplyDelta(ctx, req.Symbol, delta)
	if err != nil {
		if side == domain.SideSell && (errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInsufficientReserve)) {
			err = fmt.Errorf("%w: %s", storage.ErrInsufficientReserve, req.Symbol)
		}
		c.finalize(ctx, settlementID, side, req, amount, decimal.Zero, nil, err)
		observability.RecordSettlement(string(side), "rejected", time.Since(start).Seconds())
		return failure(req, err), err
	}
	observability.UpdateReserveLevel(req.Symbol, rec.Amount.InexactFloat64())

	// Token ledger second. If this fails the reserve has already moved;
	// the journal keeps the pending/final pair so reconciliation can
	// detect the gap. No compensating reserve write is attempted here.
	var hash common.Hash
	if side == domain.SideBuy {
		hash, err = c.ledger.Mint(ctx, req.User, req.Token, amount)
	} else {
		hash, err = c.ledger.Burn(ctx, req.User, req.Token, amount)
	}
	if err != nil {
		c.logger.Printf("ledger %s failed after reserve update: settlement=%s symbol=%s user=%s amount=%s reserve=%s err=%v",
			side, settlementID, req.Symbol, req.User.Hex(), amount, rec.Amount, err)
		c.finalize(ctx, settlementID, side, req, amount, rec.Amount, txHashPtr(hash), err)
		observability.RecordSettlement(string(side), "ledger_failed", time.Since(start).Seconds())
		res := failure(req, err)
		// A confirmation timeout still has a submitted transaction;
		// surface its hash so it can be reconciled later.
		res.TxHash = txHashPtr(hash)
		res.ReserveAfter = rec.Amount
		return res, err
	}

	c.finalize(ctx, settlementID, side, req, amount, rec.Amount, &hash, nil)
	observability.RecordSettlement(string(side), "ok", time.Since(start).Seconds())

	return &domain.SettlementResult{
		Success:      true,
		Message:      fmt.Sprintf("%s settled: %s %s", side, amount, req.Symbol),
		Symbol:       req.Symbol,
		FiatAmount:   req.FiatAmount,
		AssetAmount:  amount,
		ReserveAfter: rec.Amount,
		TxHash:       &hash,
	}, nil
}

// validate checks the request shape and resolves the effective asset
// amount: requests that carry no asset amount derive it as fiat/price.
func (c *Coordinator) validate(req *domain.SettlementRequest) (decimal.Decimal, error) {
	if req == nil {
		return decimal.Zero, fmt.Errorf("%w: nil request", domain.ErrInvalidRequest)
	}
	if req.Symbol == "" {
		return decimal.Zero, fmt.Errorf("%w: empty asset symbol", domain.ErrInvalidRequest)
	}
	if !req.FiatAmount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: fiat amount must be positive, got %s", domain.ErrInvalidRequest, req.FiatAmount)
	}
	if req.AssetAmount.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: asset amount must be non-negative, got %s", domain.ErrInvalidRequest, req.AssetAmount)
	}

	amount := req.AssetAmount
	if amount.IsZero() {
		if !req.Price.IsPositive() {
			return decimal.Zero, fmt.Errorf("%w: no asset amount and no positive price to derive it", domain.ErrInvalidRequest)
		}
		amount = req.FiatAmount.Div(req.Price)
	}
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: asset amount resolves to zero", domain.ErrInvalidRequest)
	}
	return amount, nil
}

// checkSufficiency fast-fails a sell whose stored reserve cannot cover
// the amount. The authoritative check happens in ApplyDelta; this read
// only produces a cleaner error before any mutation.
func (c *Coordinator) checkSufficiency(ctx context.Context, symbol string, amount decimal.Decimal) error {
	rec, err := c.reserves.Get(ctx, symbol)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: no reserve for %s", storage.ErrInsufficientReserve, symbol)
		}
		return err
	}
	if rec.Amount.LessThan(amount) {
		return fmt.Errorf("%w: have %s, want %s", storage.ErrInsufficientReserve, rec.Amount, amount)
	}
	return nil
}

// finalize writes the final journal entry for a settlement.
func (c *Coordinator) finalize(ctx context.Context, settlementID string, side domain.Side, req *domain.SettlementRequest, amount, reserveAfter decimal.Decimal, hash *common.Hash, settleErr error) {
	entry := &domain.JournalEntry{
		SettlementID: settlementID,
		Phase:        domain.JournalPhaseFinal,
		Status:       domain.JournalStatusOK,
		Side:         string(side),
		Symbol:       req.Symbol,
		User:         req.User.Hex(),
		Token:        req.Token.Hex(),
		FiatAmount:   req.FiatAmount,
		AssetAmount:  amount,
		Price:        req.Price,
		ReserveAfter: reserveAfter,
		Timestamp:    time.Now().UnixMilli(),
	}
	if hash != nil {
		entry.TxHash = hash.Hex()
	}
	if settleErr != nil {
		entry.Status = domain.JournalStatusFailed
		entry.ErrorKind = Kind(settleErr)
		entry.Message = settleErr.Error()
	}
	c.writeJournal(ctx, entry)
}

// writeJournal appends an entry best-effort: journal failures are logged
// and never fail a settlement.
func (c *Coordinator) writeJournal(ctx context.Context, entry *domain.JournalEntry) {
	if c.journal == nil {
		return
	}
	if err := c.journal.Append(ctx, entry); err != nil {
		observability.RecordJournalError()
		c.logger.Printf("journal append failed: settlement=%s phase=%s err=%v", entry.SettlementID, entry.Phase, err)
	}
}

// pendingEntry builds the journal entry written before the reserve and
// ledger are touched.
func pendingEntry(settlementID string, side domain.Side, req *domain.SettlementRequest, amount decimal.Decimal) *domain.JournalEntry {
	return &domain.JournalEntry{
		SettlementID: settlementID,
		Phase:        domain.JournalPhasePending,
		Side:         string(side),
		Symbol:       req.Symbol,
		User:         req.User.Hex(),
		Token:        req.Token.Hex(),
		FiatAmount:   req.FiatAmount,
		AssetAmount:  amount,
		Price:        req.Price,
		Timestamp:    time.Now().UnixMilli(),
	}
}

// failure builds the failure result for a request.
func failure(req *domain.SettlementRequest, err error) *domain.SettlementResult {
	res := &domain.SettlementResult{
		Success: false,
		Message: err.Error(),
	}
	if req != nil {
		res.Symbol = req.Symbol
		res.FiatAmount = req.FiatAmount
		res.AssetAmount = req.AssetAmount
	}
	return res
}

// txHashPtr returns a pointer to the hash, or nil for the zero hash.
func txHashPtr(h common.Hash) *common.Hash {
	if h == (common.Hash{}) {
		return nil
	}
	return &h
}
