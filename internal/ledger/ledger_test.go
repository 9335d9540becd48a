package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/market-engine/internal/engine"
	"github.com/papertrade/market-engine/internal/model"
	"github.com/papertrade/market-engine/internal/store"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newFixture(t *testing.T) (*Ledger, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	ctx := context.Background()

	m := &model.Market{
		ID:     "m1",
		Name:   "test market",
		Status: model.StatusOpen,
		B:      d(100),
		Outcomes: []model.Outcome{
			{ID: "o1", MarketID: "m1", Name: "Yes"},
			{ID: "o2", MarketID: "m1", Name: "No", DisplayOrder: 1},
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := st.CreateMarket(ctx, m); err != nil {
		t.Fatalf("seed market: %v", err)
	}
	for _, id := range []string{"alice", "bob"} {
		if err := st.CreateUser(ctx, &model.User{ID: id, Name: id, Balance: d(1000)}); err != nil {
			t.Fatalf("seed user %s: %v", id, err)
		}
	}
	return New(st), st
}

// --- ExecuteTrade ---

func TestExecuteTrade_Buy(t *testing.T) {
	led, st := newFixture(t)
	ctx := context.Background()

	res, err := led.ExecuteTrade(ctx, "alice", "m1", "o1", model.SideBuy, d(10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.TotalCost.LessThanOrEqual(decimal.Zero) {
		t.Errorf("total cost should be positive, got %s", res.TotalCost)
	}
	if len(res.NewPrices) != 2 {
		t.Fatalf("expected 2 prices, got %d", len(res.NewPrices))
	}
	if res.NewPrices[0].Price.LessThanOrEqual(d(0.5)) {
		t.Errorf("buying o1 should push its price above 0.5, got %s", res.NewPrices[0].Price)
	}

	u, _ := st.GetUser(ctx, "alice")
	if !u.Balance.Equal(res.NewBalance) {
		t.Errorf("reported balance %s != stored balance %s", res.NewBalance, u.Balance)
	}
}

func TestExecuteTrade_SellRoundTrip(t *testing.T) {
	led, st := newFixture(t)
	ctx := context.Background()

	if _, err := led.ExecuteTrade(ctx, "alice", "m1", "o1", model.SideBuy, d(10)); err != nil {
		t.Fatal(err)
	}
	if _, err := led.ExecuteTrade(ctx, "alice", "m1", "o1", model.SideSell, d(10)); err != nil {
		t.Fatal(err)
	}

	// Buying and selling back the same shares nets to zero up to rounding.
	u, _ := st.GetUser(ctx, "alice")
	if u.Balance.Sub(d(1000)).Abs().GreaterThan(d(0.0001)) {
		t.Errorf("round trip should restore balance, got %s", u.Balance)
	}
	if _, err := st.GetPosition(ctx, "alice", "o1"); err != store.ErrNotFound {
		t.Errorf("position should be closed, got %v", err)
	}
}

func TestExecuteTrade_MoneyConservation(t *testing.T) {
	led, st := newFixture(t)
	ctx := context.Background()

	trades := []struct {
		user   string
		side   string
		shares float64
	}{
		{"alice", model.SideBuy, 30},
		{"bob", model.SideBuy, 15},
		{"alice", model.SideSell, 10},
		{"bob", model.SideBuy, 5},
	}
	for _, tr := range trades {
		if _, err := led.ExecuteTrade(ctx, tr.user, "m1", "o1", tr.side, d(tr.shares)); err != nil {
			t.Fatalf("%s %s %f: %v", tr.user, tr.side, tr.shares, err)
		}
	}

	// Sum of user balance changes must equal the net cost the maker took in.
	alice, _ := st.GetUser(ctx, "alice")
	bob, _ := st.GetUser(ctx, "bob")
	spent := d(2000).Sub(alice.Balance.Add(bob.Balance))

	var netCost decimal.Decimal
	txs, _ := st.ListTransactionsByMarket(ctx, "m1")
	for _, tx := range txs {
		if tx.Type == model.TxBuy {
			netCost = netCost.Add(tx.TotalCost)
		} else {
			netCost = netCost.Sub(tx.TotalCost)
		}
	}
	if spent.Sub(netCost).Abs().GreaterThan(d(0.0001)) {
		t.Errorf("money leak: balances say %s spent, log says %s", spent, netCost)
	}
}

func TestExecuteTrade_ValidationSurfaces(t *testing.T) {
	led, _ := newFixture(t)
	ctx := context.Background()

	if _, err := led.ExecuteTrade(ctx, "alice", "m1", "nope", model.SideBuy, d(10)); err != engine.ErrInvalidOutcome {
		t.Errorf("expected ErrInvalidOutcome, got %v", err)
	}
	if _, err := led.ExecuteTrade(ctx, "alice", "m1", "o1", model.SideBuy, decimal.Zero); err != engine.ErrZeroSizeTrade {
		t.Errorf("expected ErrZeroSizeTrade, got %v", err)
	}
	if _, err := led.ExecuteTrade(ctx, "alice", "m1", "o1", model.SideSell, d(5)); err != engine.ErrInsufficientShares {
		t.Errorf("expected ErrInsufficientShares for flat seller, got %v", err)
	}
	if _, err := led.ExecuteTrade(ctx, "alice", "m1", "o1", model.SideBuy, d(100000)); err != engine.ErrInsufficientBalance {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}
	if _, err := led.ExecuteTrade(ctx, "ghost", "m1", "o1", model.SideBuy, d(10)); err != store.ErrNotFound {
		t.Errorf("expected ErrNotFound for unknown user, got %v", err)
	}
}

func TestExecuteTrade_RejectedTradeChangesNothing(t *testing.T) {
	led, st := newFixture(t)
	ctx := context.Background()

	if _, err := led.ExecuteTrade(ctx, "alice", "m1", "o1", model.SideBuy, d(100000)); err == nil {
		t.Fatal("expected rejection")
	}

	u, _ := st.GetUser(ctx, "alice")
	if !u.Balance.Equal(d(1000)) {
		t.Errorf("rejected trade must not touch balance, got %s", u.Balance)
	}
	m, _ := st.GetMarket(ctx, "m1")
	if !m.Outcomes[0].SharesOutstanding.IsZero() {
		t.Errorf("rejected trade must not touch shares, got %s", m.Outcomes[0].SharesOutstanding)
	}
	txs, _ := st.ListTransactionsByMarket(ctx, "m1")
	if len(txs) != 0 {
		t.Errorf("rejected trade must not log, got %d transactions", len(txs))
	}
}

// staleBalanceStore inflates balance reads, standing in for a concurrent
// debit on another market landing between the read and the commit.
type staleBalanceStore struct {
	*store.MemoryStore
	inflate decimal.Decimal
}

func (s *staleBalanceStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	u, err := s.MemoryStore.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	u.Balance = u.Balance.Add(s.inflate)
	return u, nil
}

func TestExecuteTrade_OverdraftAtCommitRejected(t *testing.T) {
	_, st := newFixture(t)
	ctx := context.Background()
	led := New(&staleBalanceStore{MemoryStore: st, inflate: d(10000)})

	// Costs ~1930 against a stored balance of 1000: validation sees the
	// inflated read and passes, but the commit must refuse the overdraft.
	_, err := led.ExecuteTrade(ctx, "alice", "m1", "o1", model.SideBuy, d(2000))
	if err != engine.ErrInsufficientBalance {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	u, _ := st.GetUser(ctx, "alice")
	if !u.Balance.Equal(d(1000)) {
		t.Errorf("rejected trade must not touch balance, got %s", u.Balance)
	}
	m, _ := st.GetMarket(ctx, "m1")
	if m.Version != 0 {
		t.Errorf("rejected trade must not bump version, got %d", m.Version)
	}
}

func TestExecuteTrade_ConcurrentTradesAllApply(t *testing.T) {
	led, st := newFixture(t)
	ctx := context.Background()

	// More traders than the default fixture.
	const n = 8
	users := make([]string, n)
	for i := range users {
		users[i] = string(rune('a' + i))
		if err := st.CreateUser(ctx, &model.User{ID: users[i], Name: users[i], Balance: d(1000)}); err != nil {
			t.Fatal(err)
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i, uid := range users {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = led.ExecuteTrade(ctx, uid, "m1", "o1", model.SideBuy, d(5))
		}()
	}
	wg.Wait()

	applied := 0
	for _, err := range errs {
		if err == nil {
			applied++
		} else if err != ErrTradeContention {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if applied == 0 {
		t.Fatal("no trade applied")
	}

	// Every applied trade moved the shares; total must match exactly.
	m, _ := st.GetMarket(ctx, "m1")
	want := d(5).Mul(decimal.NewFromInt(int64(applied)))
	if !m.Outcomes[0].SharesOutstanding.Equal(want) {
		t.Errorf("outstanding %s != %d applied trades x 5", m.Outcomes[0].SharesOutstanding, applied)
	}
	if m.Version != int64(applied) {
		t.Errorf("version %d != applied %d", m.Version, applied)
	}

	// And the transaction log agrees with the balances.
	total := decimal.Zero
	for _, uid := range users {
		u, _ := st.GetUser(ctx, uid)
		total = total.Add(u.Balance)
	}
	txs, _ := st.ListTransactionsByMarket(ctx, "m1")
	spent := decimal.Zero
	for _, tx := range txs {
		spent = spent.Add(tx.TotalCost)
	}
	if total.Add(spent).Sub(d(1000 * n)).Abs().GreaterThan(d(0.0001)) {
		t.Errorf("balances %s + spent %s != starting %d", total, spent, 1000*n)
	}
}

// --- Calibrate ---

func TestCalibrate_DraftOnly(t *testing.T) {
	led, _ := newFixture(t) // fixture market is open
	_, err := led.Calibrate(context.Background(), "m1", []decimal.Decimal{d(0.7), d(0.3)})
	if err != ErrMarketNotDraft {
		t.Errorf("expected ErrMarketNotDraft, got %v", err)
	}
}

func TestCalibrate_SetsPrices(t *testing.T) {
	led, st := newFixture(t)
	ctx := context.Background()

	draft := &model.Market{
		ID:     "m2",
		Name:   "draft market",
		Status: model.StatusDraft,
		B:      d(100),
		Outcomes: []model.Outcome{
			{ID: "x1", MarketID: "m2", Name: "A"},
			{ID: "x2", MarketID: "m2", Name: "B", DisplayOrder: 1},
			{ID: "x3", MarketID: "m2", Name: "C", DisplayOrder: 2},
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := st.CreateMarket(ctx, draft); err != nil {
		t.Fatal(err)
	}

	res, err := led.Calibrate(ctx, "m2", []decimal.Decimal{d(0.6), d(0.3), d(0.1)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []decimal.Decimal{d(0.6), d(0.3), d(0.1)}
	for i, p := range res.Prices {
		if p.Price.Sub(want[i]).Abs().GreaterThan(d(0.000001)) {
			t.Errorf("outcome %d: expected %s, got %s", i, want[i], p.Price)
		}
	}

	m, _ := st.GetMarket(ctx, "m2")
	for i, o := range m.Outcomes {
		if !o.SharesOutstanding.Equal(res.Shares[i]) {
			t.Errorf("outcome %d: stored shares %s != reported %s", i, o.SharesOutstanding, res.Shares[i])
		}
	}
}

func TestCalibrate_TargetCountMismatch(t *testing.T) {
	led, st := newFixture(t)
	ctx := context.Background()

	draft := &model.Market{
		ID: "m2", Name: "draft", Status: model.StatusDraft, B: d(100),
		Outcomes: []model.Outcome{
			{ID: "x1", MarketID: "m2", Name: "A"},
			{ID: "x2", MarketID: "m2", Name: "B", DisplayOrder: 1},
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := st.CreateMarket(ctx, draft); err != nil {
		t.Fatal(err)
	}

	if _, err := led.Calibrate(ctx, "m2", []decimal.Decimal{d(1)}); err != ErrOddsMismatch {
		t.Errorf("expected ErrOddsMismatch, got %v", err)
	}
}

// --- Resolve ---

func TestResolve_PaysWinnersOnly(t *testing.T) {
	led, st := newFixture(t)
	ctx := context.Background()

	if _, err := led.ExecuteTrade(ctx, "alice", "m1", "o1", model.SideBuy, d(20)); err != nil {
		t.Fatal(err)
	}
	if _, err := led.ExecuteTrade(ctx, "bob", "m1", "o2", model.SideBuy, d(30)); err != nil {
		t.Fatal(err)
	}

	aliceBefore, _ := st.GetUser(ctx, "alice")
	bobBefore, _ := st.GetUser(ctx, "bob")

	res, err := led.Resolve(ctx, "m1", "o1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.PayoutCount != 1 {
		t.Errorf("expected 1 payout, got %d", res.PayoutCount)
	}
	if !res.TotalPaid.Equal(d(20)) {
		t.Errorf("expected total paid 20 ($1 per winning share), got %s", res.TotalPaid)
	}

	aliceAfter, _ := st.GetUser(ctx, "alice")
	bobAfter, _ := st.GetUser(ctx, "bob")
	if !aliceAfter.Balance.Equal(aliceBefore.Balance.Add(d(20))) {
		t.Errorf("winner should gain 20: before=%s after=%s", aliceBefore.Balance, aliceAfter.Balance)
	}
	if !bobAfter.Balance.Equal(bobBefore.Balance) {
		t.Errorf("loser balance must not move: before=%s after=%s", bobBefore.Balance, bobAfter.Balance)
	}
}

func TestResolve_Idempotency(t *testing.T) {
	led, st := newFixture(t)
	ctx := context.Background()

	if _, err := led.ExecuteTrade(ctx, "alice", "m1", "o1", model.SideBuy, d(20)); err != nil {
		t.Fatal(err)
	}
	if _, err := led.Resolve(ctx, "m1", "o1"); err != nil {
		t.Fatal(err)
	}

	balanceAfterFirst, _ := st.GetUser(ctx, "alice")

	if _, err := led.Resolve(ctx, "m1", "o1"); err != ErrMarketResolved {
		t.Errorf("re-resolution should fail with ErrMarketResolved, got %v", err)
	}

	u, _ := st.GetUser(ctx, "alice")
	if !u.Balance.Equal(balanceAfterFirst.Balance) {
		t.Errorf("failed re-resolution must not pay again: %s vs %s", u.Balance, balanceAfterFirst.Balance)
	}
}

func TestResolve_TradingClosedAfter(t *testing.T) {
	led, _ := newFixture(t)
	ctx := context.Background()

	if _, err := led.Resolve(ctx, "m1", "o1"); err != nil {
		t.Fatal(err)
	}
	if _, err := led.ExecuteTrade(ctx, "alice", "m1", "o1", model.SideBuy, d(5)); err != ErrMarketResolved {
		t.Errorf("trade on resolved market should fail with ErrMarketResolved, got %v", err)
	}
}

func TestResolve_DraftRejected(t *testing.T) {
	led, st := newFixture(t)
	ctx := context.Background()

	draft := &model.Market{
		ID: "m2", Name: "draft", Status: model.StatusDraft, B: d(100),
		Outcomes: []model.Outcome{
			{ID: "x1", MarketID: "m2", Name: "A"},
			{ID: "x2", MarketID: "m2", Name: "B", DisplayOrder: 1},
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := st.CreateMarket(ctx, draft); err != nil {
		t.Fatal(err)
	}
	if _, err := led.Resolve(ctx, "m2", "x1"); err != ErrNotResolvable {
		t.Errorf("expected ErrNotResolvable, got %v", err)
	}
}

func TestResolve_UnknownWinner(t *testing.T) {
	led, _ := newFixture(t)
	if _, err := led.Resolve(context.Background(), "m1", "nope"); err != engine.ErrInvalidOutcome {
		t.Errorf("expected ErrInvalidOutcome, got %v", err)
	}
}

func TestResolve_PausedMarketResolvable(t *testing.T) {
	led, st := newFixture(t)
	ctx := context.Background()

	m, _ := st.GetMarket(ctx, "m1")
	if err := st.UpdateMarketStatus(ctx, "m1", []string{model.StatusOpen}, model.StatusPaused, m.Version); err != nil {
		t.Fatal(err)
	}
	if _, err := led.Resolve(ctx, "m1", "o1"); err != nil {
		t.Errorf("paused market should be resolvable, got %v", err)
	}
}

// --- CurrentPrices ---

func TestCurrentPrices_FreshMarketUniform(t *testing.T) {
	led, _ := newFixture(t)
	prices, err := led.CurrentPrices(context.Background(), "m1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(prices) != 2 {
		t.Fatalf("expected 2 prices, got %d", len(prices))
	}
	for _, p := range prices {
		if p.Price.Sub(d(0.5)).Abs().GreaterThan(d(0.0000001)) {
			t.Errorf("fresh binary market should price at 0.5, got %s", p.Price)
		}
	}
}
