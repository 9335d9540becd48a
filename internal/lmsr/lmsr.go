// Package lmsr implements the Logarithmic Market Scoring Rule (LMSR)
// automated market maker for categorical prediction markets.
//
// The LMSR was proposed by Robin Hanson and provides:
//   - Bounded loss for the market maker (capped at b * ln(n))
//   - Continuous pricing with infinite liquidity
//   - Path-independent cost function
//
// All monetary values use shopspring/decimal — never float64 for money.
// Internal transcendental math uses the log-sum-exp trick for numerical
// stability, with results immediately converted to decimal.
//
// Reference: Hanson, R. (2003) "Combinatorial Information Market Design"
package lmsr

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidLiquidity is returned when b <= 0.
	ErrInvalidLiquidity = errors.New("lmsr: liquidity parameter b must be positive")

	// ErrEmptyShareVector is returned when a market has no outcomes.
	ErrEmptyShareVector = errors.New("lmsr: share vector must not be empty")

	// ErrInvalidTargetPrices is returned by Calibrate when a target price
	// is zero or negative.
	ErrInvalidTargetPrices = errors.New("lmsr: target prices must be positive")

	// PriceScale is the number of decimal places for price/cost rounding.
	PriceScale int32 = 8
)

// MarketMaker implements the LMSR cost function for n-outcome markets.
// It is stateless — share quantities are passed as arguments, not stored.
type MarketMaker struct {
	b decimal.Decimal
}

// NewMarketMaker creates a new LMSR market maker with the given liquidity
// parameter b. Higher b → more liquidity, lower price impact per trade.
// Maximum market-maker loss is bounded by b * ln(n) for n outcomes.
func NewMarketMaker(b decimal.Decimal) (*MarketMaker, error) {
	if b.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidLiquidity
	}
	return &MarketMaker{b: b}, nil
}

// B returns the liquidity parameter.
func (m *MarketMaker) B() decimal.Decimal {
	return m.b
}

// logSumExp computes ln(Σ exp(x_i)) using the log-sum-exp trick to prevent
// floating-point overflow. Without this trick, exp(x) overflows float64
// when x > ~709.
//
// Algorithm: LSE(x) = max(x) + ln(Σ exp(x_i - max(x)))
// Since (x_i - max(x)) <= 0, all exp arguments are in [0, 1].
func logSumExp(xs []float64) float64 {
	if len(xs) == 0 {
		return math.Inf(-1)
	}

	maxVal := xs[0]
	for _, x := range xs[1:] {
		if x > maxVal {
			maxVal = x
		}
	}

	if math.IsInf(maxVal, -1) {
		return math.Inf(-1)
	}

	var sum float64
	for _, x := range xs {
		sum += math.Exp(x - maxVal)
	}
	return maxVal + math.Log(sum)
}

// scaled converts the share vector to float64 q_i/b values.
func (m *MarketMaker) scaled(q []decimal.Decimal) []float64 {
	bf := m.b.InexactFloat64()
	xs := make([]float64, len(q))
	for i, qi := range q {
		xs[i] = qi.InexactFloat64() / bf
	}
	return xs
}

// Cost computes the LMSR cost function:
//
//	C(q) = b * ln(Σ exp(q_i / b))
//
// It is the market maker's running liability. Uses logSumExp internally
// for numerical stability.
func (m *MarketMaker) Cost(q []decimal.Decimal) decimal.Decimal {
	bf := m.b.InexactFloat64()
	lse := logSumExp(m.scaled(q))
	return decimal.NewFromFloat(bf * lse).Round(PriceScale)
}

// Prices computes the instantaneous price (probability) vector:
//
//	p_i = exp(q_i / b) / Σ_j exp(q_j / b)
//
// This is the softmax function; by construction the returned prices sum
// to 1 and each lies in (0, 1). Uses max-subtraction for stability.
func (m *MarketMaker) Prices(q []decimal.Decimal) []decimal.Decimal {
	xs := m.scaled(q)
	if len(xs) == 0 {
		return nil
	}

	maxVal := xs[0]
	for _, x := range xs[1:] {
		if x > maxVal {
			maxVal = x
		}
	}

	exps := make([]float64, len(xs))
	var sum float64
	for i, x := range xs {
		exps[i] = math.Exp(x - maxVal)
		sum += exps[i]
	}

	prices := make([]decimal.Decimal, len(xs))
	total := decimal.Zero
	largest := 0
	for i, e := range exps {
		prices[i] = decimal.NewFromFloat(e / sum).Round(PriceScale)
		total = total.Add(prices[i])
		if prices[i].GreaterThan(prices[largest]) {
			largest = i
		}
	}

	// Per-entry rounding can leave the vector a few 1e-8 off a sum of 1.
	// Fold the residual into the largest price so normalization is exact.
	if residual := decimal.NewFromInt(1).Sub(total); !residual.IsZero() {
		prices[largest] = prices[largest].Add(residual)
	}
	return prices
}

// Price returns the instantaneous price of one outcome.
func (m *MarketMaker) Price(q []decimal.Decimal, i int) decimal.Decimal {
	return m.Prices(q)[i]
}

// TradeCost computes the signed cost of changing outcome i by delta shares:
//
//	cost = C(q with q_i += delta) - C(q)
//
// Positive delta = buying (positive cost to trader).
// Negative delta = selling (negative cost = payout to trader).
// This is exact integration of the marginal price curve, so any size is
// quotable — the maker never runs out of depth.
func (m *MarketMaker) TradeCost(q []decimal.Decimal, i int, delta decimal.Decimal) decimal.Decimal {
	after := make([]decimal.Decimal, len(q))
	copy(after, q)
	after[i] = after[i].Add(delta)
	return m.Cost(after).Sub(m.Cost(q))
}

// FillPrice returns the average execution price per share for a trade,
// positive for both buys and sells. For a zero delta it degenerates to
// the current marginal price.
func (m *MarketMaker) FillPrice(q []decimal.Decimal, i int, delta decimal.Decimal) decimal.Decimal {
	if delta.IsZero() {
		return m.Price(q, i)
	}
	return m.TradeCost(q, i, delta).Div(delta).Abs().Round(PriceScale)
}

// Calibrate computes a share vector that reproduces the target price
// vector: q_i = b·ln(p_i), shifted by -min(q) so all entries are
// non-negative. The shift is a free gauge choice — only cost differences
// matter, not absolute shares. Targets need not sum to 1; they are
// normalized first. Used to seed initial odds on draft markets.
func (m *MarketMaker) Calibrate(targets []decimal.Decimal) ([]decimal.Decimal, error) {
	if len(targets) == 0 {
		return nil, ErrEmptyShareVector
	}

	sum := decimal.Zero
	for _, p := range targets {
		if p.LessThanOrEqual(decimal.Zero) {
			return nil, ErrInvalidTargetPrices
		}
		sum = sum.Add(p)
	}

	bf := m.b.InexactFloat64()
	sumF := sum.InexactFloat64()

	raw := make([]float64, len(targets))
	minShare := math.Inf(1)
	for i, p := range targets {
		raw[i] = bf * math.Log(p.InexactFloat64()/sumF)
		if raw[i] < minShare {
			minShare = raw[i]
		}
	}

	q := make([]decimal.Decimal, len(raw))
	for i, s := range raw {
		q[i] = decimal.NewFromFloat(s - minShare).Round(PriceScale)
	}
	return q, nil
}

// SharesForBudget returns the maximum shares of outcome i purchasable for
// the given budget, found by binary search on the convex cost function.
func (m *MarketMaker) SharesForBudget(q []decimal.Decimal, i int, budget decimal.Decimal) decimal.Decimal {
	if budget.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}

	// Cost per share is always below 1, so budget*10 safely brackets
	// the answer even after heavy price movement.
	low := decimal.Zero
	high := budget.Mul(decimal.NewFromInt(10))
	two := decimal.NewFromInt(2)

	for iter := 0; iter < 50; iter++ {
		mid := low.Add(high).Div(two)
		if m.TradeCost(q, i, mid).LessThanOrEqual(budget) {
			low = mid
		} else {
			high = mid
		}
	}
	return low.Round(PriceScale)
}

// MaxLoss returns the maximum possible loss for the market maker across n
// outcomes: b * ln(n).
func (m *MarketMaker) MaxLoss(n int) decimal.Decimal {
	bf := m.b.InexactFloat64()
	return decimal.NewFromFloat(bf * math.Log(float64(n))).Round(PriceScale)
}
