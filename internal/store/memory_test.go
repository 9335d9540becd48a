package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/market-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seedMarket(t *testing.T, s *MemoryStore, status string) *model.Market {
	t.Helper()
	m := &model.Market{
		ID:     "m1",
		Name:   "test market",
		Status: status,
		B:      d(100),
		Outcomes: []model.Outcome{
			{ID: "o1", MarketID: "m1", Name: "Yes"},
			{ID: "o2", MarketID: "m1", Name: "No", DisplayOrder: 1},
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateMarket(context.Background(), m); err != nil {
		t.Fatalf("seed market: %v", err)
	}
	return m
}

func seedUser(t *testing.T, s *MemoryStore, id string, balance float64) {
	t.Helper()
	err := s.CreateUser(context.Background(), &model.User{
		ID:      id,
		Name:    id,
		Balance: d(balance),
	})
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func trade(userID string, version int64, shares, cost, fill float64) TradeDelta {
	return TradeDelta{
		TxID:          "tx-" + userID + "-" + time.Now().Format("150405.000000000"),
		MarketID:      "m1",
		MarketVersion: version,
		UserID:        userID,
		OutcomeID:     "o1",
		DeltaShares:   d(shares),
		Cost:          d(cost),
		FillPrice:     d(fill),
		ExecutedAt:    time.Now().UTC(),
	}
}

// --- CRUD basics ---

func TestMemoryStore_CreateMarketDuplicate(t *testing.T) {
	s := NewMemoryStore()
	m := seedMarket(t, s, model.StatusOpen)
	if err := s.CreateMarket(context.Background(), m); err != ErrDuplicate {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func TestMemoryStore_GetMarketNotFound(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.GetMarket(context.Background(), "missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_GetMarketReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	seedMarket(t, s, model.StatusOpen)

	m1, _ := s.GetMarket(context.Background(), "m1")
	m1.Outcomes[0].SharesOutstanding = d(999)

	m2, _ := s.GetMarket(context.Background(), "m1")
	if !m2.Outcomes[0].SharesOutstanding.IsZero() {
		t.Error("mutating a returned market must not affect the store")
	}
}

// --- Status transitions ---

func TestMemoryStore_UpdateMarketStatus(t *testing.T) {
	s := NewMemoryStore()
	seedMarket(t, s, model.StatusDraft)
	ctx := context.Background()

	err := s.UpdateMarketStatus(ctx, "m1", []string{model.StatusDraft}, model.StatusOpen, 0)
	if err != nil {
		t.Fatalf("draft→open failed: %v", err)
	}

	m, _ := s.GetMarket(ctx, "m1")
	if m.Status != model.StatusOpen {
		t.Errorf("expected open, got %s", m.Status)
	}
	if m.Version != 1 {
		t.Errorf("expected version bump to 1, got %d", m.Version)
	}
}

func TestMemoryStore_UpdateMarketStatusWrongSource(t *testing.T) {
	s := NewMemoryStore()
	seedMarket(t, s, model.StatusDraft)

	err := s.UpdateMarketStatus(context.Background(), "m1", []string{model.StatusOpen}, model.StatusPaused, 0)
	if err != ErrInvalidTransition {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestMemoryStore_UpdateMarketStatusStaleVersion(t *testing.T) {
	s := NewMemoryStore()
	seedMarket(t, s, model.StatusDraft)

	err := s.UpdateMarketStatus(context.Background(), "m1", []string{model.StatusDraft}, model.StatusOpen, 99)
	if err != ErrVersionConflict {
		t.Errorf("expected ErrVersionConflict, got %v", err)
	}
}

// --- SetOutcomeShares ---

func TestMemoryStore_SetOutcomeSharesDraftOnly(t *testing.T) {
	s := NewMemoryStore()
	seedMarket(t, s, model.StatusOpen)

	err := s.SetOutcomeShares(context.Background(), "m1", 0, []decimal.Decimal{d(10), d(20)})
	if err != ErrInvalidTransition {
		t.Errorf("expected ErrInvalidTransition on open market, got %v", err)
	}
}

func TestMemoryStore_SetOutcomeShares(t *testing.T) {
	s := NewMemoryStore()
	seedMarket(t, s, model.StatusDraft)
	ctx := context.Background()

	if err := s.SetOutcomeShares(ctx, "m1", 0, []decimal.Decimal{d(10), d(20)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, _ := s.GetMarket(ctx, "m1")
	if !m.Outcomes[0].SharesOutstanding.Equal(d(10)) || !m.Outcomes[1].SharesOutstanding.Equal(d(20)) {
		t.Errorf("shares not applied: %s / %s",
			m.Outcomes[0].SharesOutstanding, m.Outcomes[1].SharesOutstanding)
	}
}

// --- ApplyTrade ---

func TestMemoryStore_ApplyTradeFourSteps(t *testing.T) {
	s := NewMemoryStore()
	seedMarket(t, s, model.StatusOpen)
	seedUser(t, s, "u1", 1000)
	ctx := context.Background()

	balance, err := s.ApplyTrade(ctx, trade("u1", 0, 10, 5.5, 0.55))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !balance.Equal(d(994.5)) {
		t.Errorf("returned balance: expected 994.5, got %s", balance)
	}

	u, _ := s.GetUser(ctx, "u1")
	if !u.Balance.Equal(d(994.5)) {
		t.Errorf("balance: expected 994.5, got %s", u.Balance)
	}

	m, _ := s.GetMarket(ctx, "m1")
	if !m.Outcomes[0].SharesOutstanding.Equal(d(10)) {
		t.Errorf("outstanding: expected 10, got %s", m.Outcomes[0].SharesOutstanding)
	}
	if m.Version != 1 {
		t.Errorf("version: expected 1, got %d", m.Version)
	}

	p, err := s.GetPosition(ctx, "u1", "o1")
	if err != nil {
		t.Fatalf("position missing: %v", err)
	}
	if !p.Shares.Equal(d(10)) || !p.AvgCostBasis.Equal(d(0.55)) {
		t.Errorf("position: shares=%s basis=%s", p.Shares, p.AvgCostBasis)
	}

	txs, _ := s.ListTransactionsByUser(ctx, "u1")
	if len(txs) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(txs))
	}
	tx := txs[0]
	if tx.Type != model.TxBuy || !tx.BalanceBefore.Equal(d(1000)) || !tx.BalanceAfter.Equal(d(994.5)) {
		t.Errorf("transaction: type=%s before=%s after=%s", tx.Type, tx.BalanceBefore, tx.BalanceAfter)
	}
}

func TestMemoryStore_ApplyTradeStaleVersion(t *testing.T) {
	s := NewMemoryStore()
	seedMarket(t, s, model.StatusOpen)
	seedUser(t, s, "u1", 1000)
	ctx := context.Background()

	if _, err := s.ApplyTrade(ctx, trade("u1", 0, 10, 5.5, 0.55)); err != nil {
		t.Fatalf("first trade: %v", err)
	}
	// Second trade still carries version 0; the store is now at 1.
	if _, err := s.ApplyTrade(ctx, trade("u1", 0, 10, 5.5, 0.55)); err != ErrVersionConflict {
		t.Errorf("expected ErrVersionConflict, got %v", err)
	}
}

func TestMemoryStore_ApplyTradeWeightedBasis(t *testing.T) {
	s := NewMemoryStore()
	seedMarket(t, s, model.StatusOpen)
	seedUser(t, s, "u1", 1000)
	ctx := context.Background()

	// 10 shares at 0.50, then 10 more at 0.70.
	if _, err := s.ApplyTrade(ctx, trade("u1", 0, 10, 5.0, 0.50)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ApplyTrade(ctx, trade("u1", 1, 10, 7.0, 0.70)); err != nil {
		t.Fatal(err)
	}

	p, _ := s.GetPosition(ctx, "u1", "o1")
	if !p.Shares.Equal(d(20)) {
		t.Errorf("shares: expected 20, got %s", p.Shares)
	}
	if !p.AvgCostBasis.Equal(d(0.6)) {
		t.Errorf("basis: expected 0.6, got %s", p.AvgCostBasis)
	}
}

func TestMemoryStore_ApplyTradeSellKeepsBasis(t *testing.T) {
	s := NewMemoryStore()
	seedMarket(t, s, model.StatusOpen)
	seedUser(t, s, "u1", 1000)
	ctx := context.Background()

	if _, err := s.ApplyTrade(ctx, trade("u1", 0, 10, 5.0, 0.50)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ApplyTrade(ctx, trade("u1", 1, -4, -2.2, 0.55)); err != nil {
		t.Fatal(err)
	}

	p, _ := s.GetPosition(ctx, "u1", "o1")
	if !p.Shares.Equal(d(6)) {
		t.Errorf("shares: expected 6, got %s", p.Shares)
	}
	if !p.AvgCostBasis.Equal(d(0.50)) {
		t.Errorf("sells must not move the basis: got %s", p.AvgCostBasis)
	}

	// Sale credits the balance.
	u, _ := s.GetUser(ctx, "u1")
	if !u.Balance.Equal(d(997.2)) {
		t.Errorf("balance: expected 997.2, got %s", u.Balance)
	}
}

func TestMemoryStore_ApplyTradeDeletesDustPosition(t *testing.T) {
	s := NewMemoryStore()
	seedMarket(t, s, model.StatusOpen)
	seedUser(t, s, "u1", 1000)
	ctx := context.Background()

	if _, err := s.ApplyTrade(ctx, trade("u1", 0, 10, 5.0, 0.50)); err != nil {
		t.Fatal(err)
	}
	// Sell everything but sub-floor dust.
	if _, err := s.ApplyTrade(ctx, trade("u1", 1, -9.99995, -4.9, 0.49)); err != nil {
		t.Fatal(err)
	}

	if _, err := s.GetPosition(ctx, "u1", "o1"); err != ErrNotFound {
		t.Errorf("dust position should be deleted, got %v", err)
	}
}

func TestMemoryStore_ApplyTradeReturnsCommittedBalance(t *testing.T) {
	s := NewMemoryStore()
	seedMarket(t, s, model.StatusOpen)
	seedUser(t, s, "u1", 1000)
	ctx := context.Background()

	m2 := &model.Market{
		ID:     "m2",
		Name:   "second market",
		Status: model.StatusOpen,
		B:      d(100),
		Outcomes: []model.Outcome{
			{ID: "o3", MarketID: "m2", Name: "Yes"},
			{ID: "o4", MarketID: "m2", Name: "No", DisplayOrder: 1},
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateMarket(ctx, m2); err != nil {
		t.Fatalf("seed second market: %v", err)
	}

	if _, err := s.ApplyTrade(ctx, trade("u1", 0, 10, 5.0, 0.50)); err != nil {
		t.Fatal(err)
	}

	// The delta carries no balance, so the returned value can only come
	// from the store's own committed state, including the first trade.
	balance, err := s.ApplyTrade(ctx, TradeDelta{
		TxID:          "tx-cross",
		MarketID:      "m2",
		MarketVersion: 0,
		UserID:        "u1",
		OutcomeID:     "o3",
		DeltaShares:   d(10),
		Cost:          d(7),
		FillPrice:     d(0.70),
		ExecutedAt:    time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("cross-market trade: %v", err)
	}
	if !balance.Equal(d(988)) {
		t.Errorf("returned balance: expected 988, got %s", balance)
	}
	u, _ := s.GetUser(ctx, "u1")
	if !u.Balance.Equal(balance) {
		t.Errorf("returned balance %s differs from stored %s", balance, u.Balance)
	}
}

func TestMemoryStore_ApplyTradeOverdraftRejected(t *testing.T) {
	s := NewMemoryStore()
	seedMarket(t, s, model.StatusOpen)
	seedUser(t, s, "u1", 10)
	ctx := context.Background()

	if _, err := s.ApplyTrade(ctx, trade("u1", 0, 10, 6.0, 0.60)); err != nil {
		t.Fatalf("first trade: %v", err)
	}
	// A second debit would push the balance to -2.
	if _, err := s.ApplyTrade(ctx, trade("u1", 1, 10, 6.0, 0.60)); err != ErrOverdraft {
		t.Fatalf("expected ErrOverdraft, got %v", err)
	}

	// Nothing from the rejected trade is observable.
	u, _ := s.GetUser(ctx, "u1")
	if !u.Balance.Equal(d(4)) {
		t.Errorf("balance: expected 4, got %s", u.Balance)
	}
	m, _ := s.GetMarket(ctx, "m1")
	if !m.Outcomes[0].SharesOutstanding.Equal(d(10)) || m.Version != 1 {
		t.Errorf("market changed by rejected trade: outstanding=%s version=%d",
			m.Outcomes[0].SharesOutstanding, m.Version)
	}
	txs, _ := s.ListTransactionsByUser(ctx, "u1")
	if len(txs) != 1 {
		t.Errorf("expected 1 transaction, got %d", len(txs))
	}
}

// --- ResolveMarket ---

func TestMemoryStore_ResolveMarket(t *testing.T) {
	s := NewMemoryStore()
	seedMarket(t, s, model.StatusOpen)
	seedUser(t, s, "u1", 100)
	ctx := context.Background()

	err := s.ResolveMarket(ctx, Resolution{
		MarketID:         "m1",
		MarketVersion:    0,
		WinningOutcomeID: "o1",
		Payouts: []Payout{
			{TxID: "p1", UserID: "u1", OutcomeID: "o1", Shares: d(25)},
		},
		ResolvedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m, _ := s.GetMarket(ctx, "m1")
	if m.Status != model.StatusResolved || m.WinningOutcomeID != "o1" || m.ResolvedAt == nil {
		t.Errorf("market not terminal: status=%s winner=%s", m.Status, m.WinningOutcomeID)
	}

	u, _ := s.GetUser(ctx, "u1")
	if !u.Balance.Equal(d(125)) {
		t.Errorf("payout: expected balance 125, got %s", u.Balance)
	}

	txs, _ := s.ListTransactionsByUser(ctx, "u1")
	if len(txs) != 1 || txs[0].Type != model.TxPayout || !txs[0].PricePerShare.Equal(decimal.NewFromInt(1)) {
		t.Errorf("expected one $1-per-share payout transaction, got %+v", txs)
	}
}

func TestMemoryStore_ResolveMarketTerminal(t *testing.T) {
	s := NewMemoryStore()
	seedMarket(t, s, model.StatusOpen)
	ctx := context.Background()

	res := Resolution{MarketID: "m1", MarketVersion: 0, WinningOutcomeID: "o1", ResolvedAt: time.Now().UTC()}
	if err := s.ResolveMarket(ctx, res); err != nil {
		t.Fatalf("first resolution: %v", err)
	}

	res.MarketVersion = 1
	if err := s.ResolveMarket(ctx, res); err != ErrInvalidTransition {
		t.Errorf("re-resolution should fail with ErrInvalidTransition, got %v", err)
	}
}

func TestMemoryStore_ResolveDraftRejected(t *testing.T) {
	s := NewMemoryStore()
	seedMarket(t, s, model.StatusDraft)

	err := s.ResolveMarket(context.Background(), Resolution{
		MarketID: "m1", MarketVersion: 0, WinningOutcomeID: "o1", ResolvedAt: time.Now().UTC(),
	})
	if err != ErrInvalidTransition {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

// --- Position queries ---

func TestMemoryStore_PositionsByUserCarryMarketStatus(t *testing.T) {
	s := NewMemoryStore()
	seedMarket(t, s, model.StatusOpen)
	seedUser(t, s, "u1", 1000)
	ctx := context.Background()

	if _, err := s.ApplyTrade(ctx, trade("u1", 0, 10, 5.0, 0.50)); err != nil {
		t.Fatal(err)
	}
	if err := s.ResolveMarket(ctx, Resolution{
		MarketID: "m1", MarketVersion: 1, WinningOutcomeID: "o1", ResolvedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	positions, _ := s.GetPositionsByUser(ctx, "u1")
	if len(positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(positions))
	}
	if positions[0].MarketStatus != model.StatusResolved {
		t.Errorf("position should carry resolved market status, got %q", positions[0].MarketStatus)
	}
}

func TestMemoryStore_ListUsersByBalance(t *testing.T) {
	s := NewMemoryStore()
	seedUser(t, s, "poor", 10)
	seedUser(t, s, "rich", 5000)
	seedUser(t, s, "mid", 500)

	users, err := s.ListUsersByBalance(context.Background(), 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(users) != 2 || users[0].ID != "rich" || users[1].ID != "mid" {
		t.Errorf("unexpected leaderboard order: %+v", users)
	}
}

// --- Sentinel hygiene ---

func TestSentinelsAreDistinct(t *testing.T) {
	sentinels := []error{ErrNotFound, ErrVersionConflict, ErrInvalidTransition, ErrDuplicate, ErrOverdraft}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i != j && errors.Is(a, b) {
				t.Errorf("sentinels %d and %d overlap", i, j)
			}
		}
	}
}
