package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/papertrade/market-engine/internal/model"
)

// positionFloor is the share count below which a position is deleted
// rather than kept as float dust.
var positionFloor = decimal.NewFromFloat(0.0001)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. A single mutex covers every write path, so the version
// checks and four-step trade apply are trivially atomic.
type MemoryStore struct {
	mu        sync.RWMutex
	markets   map[string]*model.Market
	users     map[string]*model.User
	positions map[string]*model.Position // key: userID + "|" + outcomeID
	txlog     []model.Transaction
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:   make(map[string]*model.Market),
		users:     make(map[string]*model.User),
		positions: make(map[string]*model.Position),
	}
}

func posKey(userID, outcomeID string) string { return userID + "|" + outcomeID }

func copyMarket(m *model.Market) *model.Market {
	cp := *m
	cp.Outcomes = make([]model.Outcome, len(m.Outcomes))
	copy(cp.Outcomes, m.Outcomes)
	return &cp
}

// --- Markets ---

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return ErrDuplicate
	}
	s.markets[m.ID] = copyMarket(m)
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyMarket(m), nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *copyMarket(m))
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

func (s *MemoryStore) UpdateMarketStatus(_ context.Context, id string, from []string, to string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[id]
	if !ok {
		return ErrNotFound
	}
	if !statusIn(m.Status, from) {
		return ErrInvalidTransition
	}
	if m.Version != version {
		return ErrVersionConflict
	}
	m.Status = to
	m.Version++
	return nil
}

func (s *MemoryStore) SetOutcomeShares(_ context.Context, marketID string, version int64, shares []decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[marketID]
	if !ok {
		return ErrNotFound
	}
	if m.Status != model.StatusDraft {
		return ErrInvalidTransition
	}
	if m.Version != version {
		return ErrVersionConflict
	}
	for i := range m.Outcomes {
		m.Outcomes[i].SharesOutstanding = shares[i]
	}
	m.Version++
	return nil
}

// --- Users ---

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return ErrDuplicate
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) ListUsersByBalance(_ context.Context, limit int) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]model.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, *u)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].Balance.GreaterThan(users[j].Balance)
	})
	if limit > 0 && len(users) > limit {
		users = users[:limit]
	}
	return users, nil
}

// --- Positions ---

func (s *MemoryStore) GetPosition(_ context.Context, userID, outcomeID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[posKey(userID, outcomeID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetPositionsByUser(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.UserID != userID {
			continue
		}
		cp := *p
		if m, ok := s.markets[p.MarketID]; ok {
			cp.MarketStatus = m.Status
		}
		result = append(result, cp)
	}
	return result, nil
}

func (s *MemoryStore) GetPositionsByMarket(_ context.Context, marketID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.MarketID == marketID && p.Shares.GreaterThan(decimal.Zero) {
			result = append(result, *p)
		}
	}
	return result, nil
}

// --- Atomic writes ---

// ApplyTrade applies balance, outstanding shares, position, and the
// transaction record under one lock acquisition. The version check makes
// concurrent trades against a stale share vector retry instead of
// double-spending a favorable price.
func (s *MemoryStore) ApplyTrade(_ context.Context, d TradeDelta) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[d.MarketID]
	if !ok {
		return decimal.Decimal{}, ErrNotFound
	}
	if m.Version != d.MarketVersion {
		return decimal.Decimal{}, ErrVersionConflict
	}

	oi := m.OutcomeIndex(d.OutcomeID)
	if oi < 0 {
		return decimal.Decimal{}, ErrNotFound
	}

	u, ok := s.users[d.UserID]
	if !ok {
		return decimal.Decimal{}, ErrNotFound
	}

	balanceBefore := u.Balance
	balanceAfter := balanceBefore.Sub(d.Cost)
	if balanceAfter.IsNegative() {
		return decimal.Decimal{}, ErrOverdraft
	}

	// 1. Balance.
	u.Balance = balanceAfter

	// 2. Outstanding shares.
	m.Outcomes[oi].SharesOutstanding = m.Outcomes[oi].SharesOutstanding.Add(d.DeltaShares)
	m.Version++

	// 3. Position upsert / delete.
	key := posKey(d.UserID, d.OutcomeID)
	if p, ok := s.positions[key]; ok {
		newShares := p.Shares.Add(d.DeltaShares)
		if newShares.LessThanOrEqual(positionFloor) {
			delete(s.positions, key)
		} else {
			if d.DeltaShares.IsPositive() {
				total := p.AvgCostBasis.Mul(p.Shares).Add(d.Cost)
				p.AvgCostBasis = total.Div(newShares)
			}
			p.Shares = newShares
		}
	} else if d.DeltaShares.IsPositive() {
		s.positions[key] = &model.Position{
			UserID:       d.UserID,
			OutcomeID:    d.OutcomeID,
			MarketID:     d.MarketID,
			Shares:       d.DeltaShares,
			AvgCostBasis: d.FillPrice,
		}
	}

	// 4. Immutable transaction record.
	txType := model.TxBuy
	if d.DeltaShares.IsNegative() {
		txType = model.TxSell
	}
	s.txlog = append(s.txlog, model.Transaction{
		ID:            d.TxID,
		UserID:        d.UserID,
		MarketID:      d.MarketID,
		OutcomeID:     d.OutcomeID,
		Type:          txType,
		Shares:        d.DeltaShares.Abs(),
		PricePerShare: d.FillPrice,
		TotalCost:     d.Cost.Abs(),
		BalanceBefore: balanceBefore,
		BalanceAfter:  balanceAfter,
		CreatedAt:     d.ExecutedAt,
	})
	return balanceAfter, nil
}

// ResolveMarket flips status, records the winner, and credits every payout
// in the same critical section, so no trade can commit against an outcome
// mid-settlement.
func (s *MemoryStore) ResolveMarket(_ context.Context, res Resolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[res.MarketID]
	if !ok {
		return ErrNotFound
	}
	if m.Status != model.StatusOpen && m.Status != model.StatusPaused {
		return ErrInvalidTransition
	}
	if m.Version != res.MarketVersion {
		return ErrVersionConflict
	}

	one := decimal.NewFromInt(1)
	for _, p := range res.Payouts {
		u, ok := s.users[p.UserID]
		if !ok {
			return ErrNotFound
		}
		before := u.Balance
		u.Balance = before.Add(p.Shares)
		s.txlog = append(s.txlog, model.Transaction{
			ID:            p.TxID,
			UserID:        p.UserID,
			MarketID:      res.MarketID,
			OutcomeID:     p.OutcomeID,
			Type:          model.TxPayout,
			Shares:        p.Shares,
			PricePerShare: one,
			TotalCost:     p.Shares,
			BalanceBefore: before,
			BalanceAfter:  u.Balance,
			CreatedAt:     res.ResolvedAt,
		})
	}

	resolvedAt := res.ResolvedAt
	m.Status = model.StatusResolved
	m.WinningOutcomeID = res.WinningOutcomeID
	m.ResolvedAt = &resolvedAt
	m.Version++
	return nil
}

// --- Transaction log ---

func (s *MemoryStore) ListTransactionsByUser(_ context.Context, userID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, tx := range s.txlog {
		if tx.UserID == userID {
			result = append(result, tx)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListTransactionsByMarket(_ context.Context, marketID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, tx := range s.txlog {
		if tx.MarketID == marketID {
			result = append(result, tx)
		}
	}
	return result, nil
}

func statusIn(status string, set []string) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}
