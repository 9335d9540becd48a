package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/papertrade/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for hot market reads (quote traffic dominates writes by orders of
// magnitude). Writes go to the primary store and invalidate the cache;
// reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	data, err := s.rdb.Get(ctx, userKey(id)).Bytes()
	if err == nil {
		var u model.User
		if json.Unmarshal(data, &u) == nil {
			return &u, nil
		}
	}

	u, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(u); err == nil {
		s.rdb.Set(ctx, userKey(id), data, s.ttl)
	}
	return u, nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

func (s *CachedStore) UpdateMarketStatus(ctx context.Context, id string, from []string, to string, version int64) error {
	if err := s.primary.UpdateMarketStatus(ctx, id, from, to, version); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(id))
	return nil
}

func (s *CachedStore) SetOutcomeShares(ctx context.Context, marketID string, version int64, shares []decimal.Decimal) error {
	if err := s.primary.SetOutcomeShares(ctx, marketID, version, shares); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(marketID))
	return nil
}

func (s *CachedStore) ApplyTrade(ctx context.Context, d TradeDelta) (decimal.Decimal, error) {
	balance, err := s.primary.ApplyTrade(ctx, d)
	if err != nil {
		return decimal.Decimal{}, err
	}
	s.rdb.Del(ctx, marketKey(d.MarketID), userKey(d.UserID))
	return balance, nil
}

func (s *CachedStore) ResolveMarket(ctx context.Context, res Resolution) error {
	if err := s.primary.ResolveMarket(ctx, res); err != nil {
		return err
	}
	keys := []string{marketKey(res.MarketID)}
	for _, p := range res.Payouts {
		keys = append(keys, userKey(p.UserID))
	}
	s.rdb.Del(ctx, keys...)
	return nil
}

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	return s.primary.CreateUser(ctx, u)
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) ListUsersByBalance(ctx context.Context, limit int) ([]model.User, error) {
	return s.primary.ListUsersByBalance(ctx, limit)
}

func (s *CachedStore) GetPosition(ctx context.Context, userID, outcomeID string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, userID, outcomeID)
}

func (s *CachedStore) GetPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	return s.primary.GetPositionsByUser(ctx, userID)
}

func (s *CachedStore) GetPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error) {
	return s.primary.GetPositionsByMarket(ctx, marketID)
}

func (s *CachedStore) ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error) {
	return s.primary.ListTransactionsByUser(ctx, userID)
}

func (s *CachedStore) ListTransactionsByMarket(ctx context.Context, marketID string) ([]model.Transaction, error) {
	return s.primary.ListTransactionsByMarket(ctx, marketID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}

func marketKey(id string) string { return fmt.Sprintf("market:%s", id) }
func userKey(id string) string   { return fmt.Sprintf("user:%s", id) }
