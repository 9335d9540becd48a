// Package bots simulates traders that keep markets liquid and priced.
//
// Each bot owns its belief state as a plain value: every decision step takes
// the bot in and returns the updated bot out. Nothing here is shared between
// goroutines, so a tick can fan out across all bots safely.
package bots

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/papertrade/market-engine/internal/engine"
	"github.com/papertrade/market-engine/internal/ledger"
	"github.com/papertrade/market-engine/internal/model"
	"github.com/papertrade/market-engine/internal/store"
)

// Beliefs maps marketID → outcomeID → subjective probability. Probabilities
// per market sum to 1. Beliefs are probabilities, not money, so float64 is
// fine here.
type Beliefs map[string]map[string]float64

// Bot is a simulated trader. It is a value: decision functions return an
// updated copy rather than mutating in place.
type Bot struct {
	UserID        string
	Name          string
	RiskTolerance float64 // 0..1, higher bets bigger and sells less
	LearningRate  float64 // 0..1, how fast beliefs chase market prices
	Beliefs       Beliefs
}

// Decision is one intended trade produced by a decision step.
type Decision struct {
	MarketID  string
	OutcomeID string
	Side      string
	Shares    decimal.Decimal
}

const (
	sellProbability = 0.3  // base chance a bot trims a position instead of buying
	minTradeShares  = 0.01 // decisions below this size are discarded
	maxBetFraction  = 0.15 // largest fraction of balance risked per tick
)

// InitBeliefs seeds a bot's beliefs for every market it has none for:
// uniform over the outcome set plus per-outcome noise, normalized. Markets
// already in the belief map are left alone.
func InitBeliefs(b Bot, markets []model.Market, rng *rand.Rand) Bot {
	out := b.cloneBeliefs()
	for _, m := range markets {
		if _, ok := out.Beliefs[m.ID]; ok {
			continue
		}
		mb := make(map[string]float64, len(m.Outcomes))
		base := 1.0 / float64(len(m.Outcomes))
		for _, o := range m.Outcomes {
			noise := (rng.Float64()*2 - 1) * 0.2
			mb[o.ID] = max(0.01, base+noise)
		}
		normalize(mb)
		out.Beliefs[m.ID] = mb
	}
	return out
}

// UpdateBeliefs blends the bot's beliefs for one market toward the observed
// price vector at the bot's learning rate, then renormalizes. The market
// prices act as the external signal the bot learns from.
func UpdateBeliefs(b Bot, marketID string, prices []ledger.OutcomePrice) Bot {
	out := b.cloneBeliefs()
	mb, ok := out.Beliefs[marketID]
	if !ok {
		return out
	}
	for _, p := range prices {
		prior, ok := mb[p.OutcomeID]
		if !ok {
			continue
		}
		observed, _ := p.Price.Float64()
		mb[p.OutcomeID] = prior*(1-b.LearningRate) + observed*b.LearningRate
	}
	normalize(mb)
	return out
}

// Decide picks at most one trade for the bot against the given open markets.
// positions and balance are the bot's current holdings, read from the store
// by the caller. Returns nil when the bot sits this tick out.
func Decide(b Bot, markets []model.Market, positions []model.Position, balance decimal.Decimal, rng *rand.Rand) *Decision {
	open := make([]model.Market, 0, len(markets))
	for _, m := range markets {
		if m.Status == model.StatusOpen {
			open = append(open, m)
		}
	}
	if len(open) == 0 {
		return nil
	}

	// Risk-tolerant bots trim positions less often.
	sellChance := sellProbability * (1 - b.RiskTolerance*0.5)
	if len(positions) > 0 && rng.Float64() < sellChance {
		return decideSell(positions, open, rng)
	}
	return decideBuy(b, open, balance, rng)
}

// decideSell trims a random held position, weighted by its size.
func decideSell(positions []model.Position, open []model.Market, rng *rand.Rand) *Decision {
	byMarket := make(map[string]bool, len(open))
	for _, m := range open {
		byMarket[m.ID] = true
	}
	var candidates []model.Position
	var weights []float64
	for _, p := range positions {
		if !byMarket[p.MarketID] {
			continue
		}
		w, _ := p.Shares.Float64()
		if w <= 0 {
			continue
		}
		candidates = append(candidates, p)
		weights = append(weights, w)
	}
	if len(candidates) == 0 {
		return nil
	}
	p := candidates[weightedIndex(weights, rng)]

	// Sell between a quarter and all of the position.
	fraction := 0.25 + rng.Float64()*0.75
	shares := p.Shares.Mul(decimal.NewFromFloat(fraction)).Round(4)
	if shares.LessThan(decimal.NewFromFloat(minTradeShares)) {
		return nil
	}
	return &Decision{
		MarketID:  p.MarketID,
		OutcomeID: p.OutcomeID,
		Side:      model.SideSell,
		Shares:    shares,
	}
}

// decideBuy picks a market and an outcome where the bot's belief exceeds the
// market price, sizing the buy to a risk-scaled slice of its balance.
func decideBuy(b Bot, open []model.Market, balance decimal.Decimal, rng *rand.Rand) *Decision {
	m := open[rng.IntN(len(open))]
	mb, ok := b.Beliefs[m.ID]
	if !ok {
		return nil
	}

	// Weight outcomes by expected value: belief over price. A bot buys
	// where it thinks the market is cheap.
	q := m.ShareVector()
	weights := make([]float64, len(m.Outcomes))
	for i, o := range m.Outcomes {
		belief := mb[o.ID]
		price := marginalPrice(m.B, q, i)
		if price <= 0 {
			price = 0.5
		}
		weights[i] = belief / price
	}
	outcome := m.Outcomes[weightedIndex(weights, rng)]

	budget := balance.Mul(decimal.NewFromFloat(maxBetFraction * (0.3 + b.RiskTolerance*0.7) * rng.Float64()))
	if budget.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	shares, err := engine.SharesForBudget(&m, outcome.ID, budget)
	if err != nil || shares.LessThan(decimal.NewFromFloat(minTradeShares)) {
		return nil
	}
	return &Decision{
		MarketID:  m.ID,
		OutcomeID: outcome.ID,
		Side:      model.SideBuy,
		Shares:    shares.Round(4),
	}
}

// Pool runs a fixed set of bots against the ledger. The pool owns the bots'
// belief state between ticks; everything else is read fresh from the store.
type Pool struct {
	store  store.Store
	ledger *ledger.Ledger

	mu   sync.Mutex
	bots []Bot
}

// NewPool creates a bot pool. Bots must already exist as users in the store.
func NewPool(st store.Store, led *ledger.Ledger, bots []Bot) *Pool {
	return &Pool{store: st, ledger: led, bots: bots}
}

// Size reports the number of bots in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.bots)
}

// TickResult summarizes one pool tick.
type TickResult struct {
	Ticked int `json:"ticked"`
	Traded int `json:"traded"`
}

// Tick runs one decision step for every bot concurrently. Each goroutine
// works on its own bot value and writes the updated bot back to its own
// slot, so no belief state is shared. Trades that fail validation (market
// paused mid-tick, balance too low) are logged and skipped, not fatal.
func (p *Pool) Tick(ctx context.Context) (*TickResult, error) {
	markets, err := p.store.ListMarkets(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	bots := make([]Bot, len(p.bots))
	copy(bots, p.bots)
	p.mu.Unlock()

	updated := make([]Bot, len(bots))
	traded := make([]bool, len(bots))

	g, gctx := errgroup.WithContext(ctx)
	for i, bot := range bots {
		g.Go(func() error {
			b, didTrade, err := p.tickBot(gctx, bot, markets)
			if err != nil {
				return err
			}
			updated[i] = b
			traded[i] = didTrade
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.bots = updated
	p.mu.Unlock()

	result := &TickResult{Ticked: len(bots)}
	for _, t := range traded {
		if t {
			result.Traded++
		}
	}
	slog.Info("bot tick complete", "ticked", result.Ticked, "traded", result.Traded)
	return result, nil
}

func (p *Pool) tickBot(ctx context.Context, b Bot, markets []model.Market) (Bot, bool, error) {
	rng := rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	b = InitBeliefs(b, markets, rng)

	// Learn from current prices before deciding.
	for _, m := range markets {
		if m.Status != model.StatusOpen {
			continue
		}
		prices, err := p.ledger.CurrentPrices(ctx, m.ID)
		if err != nil {
			continue
		}
		b = UpdateBeliefs(b, m.ID, prices)
	}

	user, err := p.store.GetUser(ctx, b.UserID)
	if err != nil {
		return b, false, err
	}
	positions, err := p.store.GetPositionsByUser(ctx, b.UserID)
	if err != nil {
		return b, false, err
	}

	d := Decide(b, markets, positions, user.Balance, rng)
	if d == nil {
		return b, false, nil
	}

	_, err = p.ledger.ExecuteTrade(ctx, b.UserID, d.MarketID, d.OutcomeID, d.Side, d.Shares)
	if err != nil {
		// Bots trade through the same validation as humans; rejections
		// are expected when the world moved under them.
		if isRejection(err) {
			slog.Debug("bot trade rejected", "bot", b.Name, "err", err)
			return b, false, nil
		}
		return b, false, err
	}
	return b, true, nil
}

func isRejection(err error) bool {
	return errors.Is(err, engine.ErrMarketNotOpen) ||
		errors.Is(err, engine.ErrInsufficientBalance) ||
		errors.Is(err, engine.ErrInsufficientShares) ||
		errors.Is(err, engine.ErrZeroSizeTrade) ||
		errors.Is(err, ledger.ErrMarketResolved) ||
		errors.Is(err, ledger.ErrTradeContention)
}

// --- helpers ---

func (b Bot) cloneBeliefs() Bot {
	out := b
	out.Beliefs = make(Beliefs, len(b.Beliefs))
	for mid, mb := range b.Beliefs {
		cp := make(map[string]float64, len(mb))
		for oid, v := range mb {
			cp[oid] = v
		}
		out.Beliefs[mid] = cp
	}
	return out
}

func normalize(mb map[string]float64) {
	sum := 0.0
	for _, v := range mb {
		sum += v
	}
	if sum <= 0 {
		return
	}
	for k := range mb {
		mb[k] /= sum
	}
}

// weightedIndex picks an index with probability proportional to its weight.
// Falls back to uniform when all weights are zero.
func weightedIndex(weights []float64, rng *rand.Rand) int {
	total := 0.0
	for _, w := range weights {
		if w > 0 {
			total += w
		}
	}
	if total <= 0 {
		return rng.IntN(len(weights))
	}
	r := rng.Float64() * total
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		r -= w
		if r <= 0 {
			return i
		}
	}
	return len(weights) - 1
}

// marginalPrice computes the instantaneous price of outcome i without going
// through decimal, for decision weighting only.
func marginalPrice(b decimal.Decimal, q []decimal.Decimal, i int) float64 {
	bf, _ := b.Float64()
	if bf <= 0 {
		return 0
	}
	maxQ := 0.0
	qs := make([]float64, len(q))
	for j, v := range q {
		qs[j], _ = v.Float64()
		if j == 0 || qs[j] > maxQ {
			maxQ = qs[j]
		}
	}
	var sum, num float64
	for j, v := range qs {
		e := math.Exp((v - maxQ) / bf)
		sum += e
		if j == i {
			num = e
		}
	}
	if sum == 0 {
		return 0
	}
	return num / sum
}
