package settlement

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"reserve-bridge/internal/domain"
	"reserve-bridge/internal/ledger"
	"reserve-bridge/internal/storage"
	"reserve-bridge/internal/storage/memory"
)

var (
	testUser  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testToken = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testHash  = common.HexToHash("0xdeadbeef")
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", s, err)
	}
	return d
}

// fakeLedger records mint/burn calls and returns scripted results.
type fakeLedger struct {
	mu        sync.Mutex
	verifyErr error
	mintErr   error
	burnErr   error
	mints     []decimal.Decimal
	burns     []decimal.Decimal
}

func (f *fakeLedger) VerifyIdentity(_ context.Context, _ common.Address) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verifyErr
}

func (f *fakeLedger) Mint(_ context.Context, _, _ common.Address, amount decimal.Decimal) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mintErr != nil {
		return common.Hash{}, f.mintErr
	}
	f.mints = append(f.mints, amount)
	return testHash, nil
}

func (f *fakeLedger) Burn(_ context.Context, _, _ common.Address, amount decimal.Decimal) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.burnErr != nil {
		return common.Hash{}, f.burnErr
	}
	f.burns = append(f.burns, amount)
	return testHash, nil
}

type testHarness struct {
	coordinator *Coordinator
	reserves    *memory.ReserveStore
	journal     *memory.SettlementJournal
	ledger      *fakeLedger
}

func newHarness() *testHarness {
	reserves := memory.NewReserveStore()
	journal := memory.NewSettlementJournal()
	fl := &fakeLedger{}
	return &testHarness{
		coordinator: New(Options{
			ReserveStore: reserves,
			Ledger:       fl,
			Journal:      journal,
			Logger:       log.New(io.Discard, "", 0),
		}),
		reserves: reserves,
		journal:  journal,
		ledger:   fl,
	}
}

func request(t *testing.T, fiat, asset, price string) *domain.SettlementRequest {
	t.Helper()
	req, err := domain.NewSettlementRequest(testUser, testToken, "GLD",
		dec(t, fiat), dec(t, asset), dec(t, price))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	return req
}

func TestSettleBuy_AdjustsReserveThenMints(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	res, err := h.coordinator.SettleBuy(ctx, request(t, "10000", "66.66", "150"))
	if err != nil {
		t.Fatalf("SettleBuy: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got: %s", res.Message)
	}
	if !res.AssetAmount.Equal(dec(t, "66.66")) {
		t.Errorf("asset amount = %s, want 66.66", res.AssetAmount)
	}
	if !res.ReserveAfter.Equal(dec(t, "66.66")) {
		t.Errorf("reserve after = %s, want 66.66", res.ReserveAfter)
	}
	if res.TxHash == nil || *res.TxHash != testHash {
		t.Error("expected the mint tx hash on the result")
	}

	rec, err := h.reserves.Get(ctx, "GLD")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !rec.Amount.Equal(dec(t, "66.66")) {
		t.Errorf("stored reserve = %s, want 66.66", rec.Amount)
	}
	if len(h.ledger.mints) != 1 || !h.ledger.mints[0].Equal(dec(t, "66.66")) {
		t.Errorf("unexpected mint calls: %v", h.ledger.mints)
	}
}

func TestSettleBuy_DerivesAmountFromPrice(t *testing.T) {
	h := newHarness()

	res, err := h.coordinator.SettleBuy(context.Background(), request(t, "10000", "0", "150"))
	if err != nil {
		t.Fatalf("SettleBuy: %v", err)
	}

	want := dec(t, "10000").Div(dec(t, "150"))
	if !res.AssetAmount.Equal(want) {
		t.Errorf("derived amount = %s, want %s", res.AssetAmount, want)
	}
}

func TestSettleSell_BurnsAndDebitsReserve(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	if _, err := h.coordinator.SettleBuy(ctx, request(t, "10000", "50", "200")); err != nil {
		t.Fatalf("seed buy: %v", err)
	}

	res, err := h.coordinator.SettleSell(ctx, request(t, "4000", "20", "200"))
	if err != nil {
		t.Fatalf("SettleSell: %v", err)
	}
	if !res.ReserveAfter.Equal(dec(t, "30")) {
		t.Errorf("reserve after = %s, want 30", res.ReserveAfter)
	}
	if len(h.ledger.burns) != 1 || !h.ledger.burns[0].Equal(dec(t, "20")) {
		t.Errorf("unexpected burn calls: %v", h.ledger.burns)
	}
}

func TestSettleSell_InsufficientReserveLeavesStateUntouched(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	if _, err := h.coordinator.SettleBuy(ctx, request(t, "1000", "10", "100")); err != nil {
		t.Fatalf("seed buy: %v", err)
	}

	res, err := h.coordinator.SettleSell(ctx, request(t, "2000", "20", "100"))
	if !errors.Is(err, storage.ErrInsufficientReserve) {
		t.Fatalf("expected ErrInsufficientReserve, got %v", err)
	}
	if res.Success {
		t.Error("result must not be marked successful")
	}
	if Kind(err) != KindInsufficientReserve {
		t.Errorf("Kind = %s, want %s", Kind(err), KindInsufficientReserve)
	}

	rec, err := h.reserves.Get(ctx, "GLD")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !rec.Amount.Equal(dec(t, "10")) {
		t.Errorf("reserve changed on rejected sell: %s", rec.Amount)
	}
	if len(h.ledger.burns) != 0 {
		t.Error("no burn may happen on a rejected sell")
	}
}

func TestSettleSell_UnknownSymbolIsInsufficient(t *testing.T) {
	h := newHarness()

	_, err := h.coordinator.SettleSell(context.Background(), request(t, "100", "1", "100"))
	if !errors.Is(err, storage.ErrInsufficientReserve) {
		t.Fatalf("expected ErrInsufficientReserve for unknown symbol, got %v", err)
	}
}

func TestSettleBuy_MintFailureKeepsReserveAndJournalsGap(t *testing.T) {
	h := newHarness()
	h.ledger.mintErr = ledger.ErrChainCall
	ctx := context.Background()

	res, err := h.coordinator.SettleBuy(ctx, request(t, "1000", "10", "100"))
	if !errors.Is(err, ledger.ErrChainCall) {
		t.Fatalf("expected ErrChainCall, got %v", err)
	}
	if res.Success {
		t.Error("result must not be marked successful")
	}

	// The reserve moved before the mint failed; no compensating write
	// happens and the gap is visible in the result and journal.
	rec, gerr := h.reserves.Get(ctx, "GLD")
	if gerr != nil {
		t.Fatalf("Get: %v", gerr)
	}
	if !rec.Amount.Equal(dec(t, "10")) {
		t.Errorf("reserve = %s, want 10", rec.Amount)
	}
	if !res.ReserveAfter.Equal(dec(t, "10")) {
		t.Errorf("result reserve after = %s, want 10", res.ReserveAfter)
	}
}

func TestSettle_JournalHasPendingAndFinalPair(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	if _, err := h.coordinator.SettleBuy(ctx, request(t, "1000", "10", "100")); err != nil {
		t.Fatalf("SettleBuy: %v", err)
	}

	// Two entries share one settlement id: a pending one written before
	// any mutation and a final one written after the mint.
	entries, err := h.journal.GetBySettlementID(ctx, journalSettlementID(t, h.journal))
	if err != nil {
		t.Fatalf("GetBySettlementID: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected pending+final, got %d entries", len(entries))
	}
	if entries[0].Phase != domain.JournalPhasePending {
		t.Errorf("first entry phase = %s, want pending", entries[0].Phase)
	}
	if entries[1].Phase != domain.JournalPhaseFinal || entries[1].Status != domain.JournalStatusOK {
		t.Errorf("final entry = %s/%s, want final/ok", entries[1].Phase, entries[1].Status)
	}
	if entries[1].TxHash == "" {
		t.Error("final entry must carry the tx hash")
	}
}

func TestSettle_UnverifiedUserLeavesNoState(t *testing.T) {
	h := newHarness()
	h.ledger.verifyErr = ledger.ErrIdentityNotVerified
	ctx := context.Background()

	_, err := h.coordinator.SettleBuy(ctx, request(t, "1000", "10", "100"))
	if !errors.Is(err, ledger.ErrIdentityNotVerified) {
		t.Fatalf("expected ErrIdentityNotVerified, got %v", err)
	}

	// No reserve record may exist and no mint may have been attempted.
	if _, gerr := h.reserves.Get(ctx, "GLD"); !errors.Is(gerr, storage.ErrNotFound) {
		t.Errorf("reserve was touched for an unverified user: %v", gerr)
	}
	if len(h.ledger.mints) != 0 {
		t.Error("mint attempted for an unverified user")
	}
}

func TestSettle_FailedSettlementJournalsErrorKind(t *testing.T) {
	h := newHarness()
	h.ledger.verifyErr = ledger.ErrIdentityNotVerified
	ctx := context.Background()

	_, err := h.coordinator.SettleBuy(ctx, request(t, "1000", "10", "100"))
	if !errors.Is(err, ledger.ErrIdentityNotVerified) {
		t.Fatalf("expected ErrIdentityNotVerified, got %v", err)
	}

	entries, jerr := h.journal.GetBySettlementID(ctx, journalSettlementID(t, h.journal))
	if jerr != nil {
		t.Fatalf("GetBySettlementID: %v", jerr)
	}
	final := entries[len(entries)-1]
	if final.Status != domain.JournalStatusFailed {
		t.Errorf("final status = %s, want failed", final.Status)
	}
	if final.ErrorKind != KindIdentityNotVerified {
		t.Errorf("error kind = %s, want %s", final.ErrorKind, KindIdentityNotVerified)
	}
}

func TestSettle_InvalidRequests(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	tests := []struct {
		name string
		req  *domain.SettlementRequest
	}{
		{"nil request", nil},
		{"empty symbol", &domain.SettlementRequest{
			User: testUser, Token: testToken,
			FiatAmount: dec(t, "100"),
		}},
		{"zero fiat", &domain.SettlementRequest{
			User: testUser, Token: testToken, Symbol: "GLD",
		}},
		{"negative asset", &domain.SettlementRequest{
			User: testUser, Token: testToken, Symbol: "GLD",
			FiatAmount: dec(t, "100"), AssetAmount: dec(t, "-1"),
		}},
		{"no amount and no price", &domain.SettlementRequest{
			User: testUser, Token: testToken, Symbol: "GLD",
			FiatAmount: dec(t, "100"),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := h.coordinator.SettleBuy(ctx, tt.req)
			if !errors.Is(err, domain.ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
			if res == nil || res.Success {
				t.Error("expected a non-nil failure result")
			}
		})
	}

	if len(h.ledger.mints)+len(h.ledger.burns) != 0 {
		t.Error("invalid requests must not reach the ledger")
	}
}

func TestSettle_NilJournalIsAllowed(t *testing.T) {
	reserves := memory.NewReserveStore()
	coordinator := New(Options{
		ReserveStore: reserves,
		Ledger:       &fakeLedger{},
		Logger:       log.New(io.Discard, "", 0),
	})

	res, err := coordinator.SettleBuy(context.Background(), request(t, "1000", "10", "100"))
	if err != nil {
		t.Fatalf("SettleBuy: %v", err)
	}
	if !res.Success {
		t.Errorf("expected success, got: %s", res.Message)
	}
}

// journalSettlementID pulls the settlement id of the single settlement
// recorded in the in-memory journal.
func journalSettlementID(t *testing.T, journal *memory.SettlementJournal) string {
	t.Helper()
	ids := journal.SettlementIDs()
	if len(ids) != 1 {
		t.Fatalf("expected 1 settlement in journal, got %d", len(ids))
	}
	return ids[0]
}
