// Package engine prices and validates trades against a market snapshot.
// It is pure computation: reading state and applying deltas belong to the
// ledger and store. All monetary values use shopspring/decimal.
package engine

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/papertrade/market-engine/internal/lmsr"
	"github.com/papertrade/market-engine/internal/model"
)

var (
	// ErrInvalidOutcome is returned when the outcome index is out of range
	// for the market's outcome set.
	ErrInvalidOutcome = errors.New("engine: invalid outcome")

	// ErrZeroSizeTrade is returned for a zero-share trade.
	ErrZeroSizeTrade = errors.New("engine: cannot trade zero shares")

	// ErrInsufficientShares is returned for a sell exceeding the trader's
	// current position in that outcome.
	ErrInsufficientShares = errors.New("engine: insufficient shares to sell")

	// ErrInsufficientBalance is returned for a buy whose cost exceeds the
	// trader's balance.
	ErrInsufficientBalance = errors.New("engine: insufficient balance")

	// ErrMarketNotOpen is returned when the market's status does not
	// permit trading.
	ErrMarketNotOpen = errors.New("engine: market is not open for trading")

	// Epsilon absorbs floating-point noise in share/balance comparisons.
	Epsilon = decimal.NewFromFloat(0.0001)
)

// Trade is a fully priced, validated trade ready for the ledger to apply.
// Delta is signed: positive buys, negative sells. Cost is signed the same
// way: positive debits the trader, negative credits them.
type Trade struct {
	OutcomeIndex int
	Delta        decimal.Decimal
	Cost         decimal.Decimal
	FillPrice    decimal.Decimal
}

// Quote is a read-only projection of a hypothetical trade. Producing one
// must never mutate or reserve anything.
type Quote struct {
	OutcomeID    string          `json:"outcome_id"`
	OutcomeName  string          `json:"outcome_name"`
	Side         string          `json:"side"`
	Shares       decimal.Decimal `json:"shares"`
	TotalCost    decimal.Decimal `json:"total_cost"`
	AvgPrice     decimal.Decimal `json:"avg_price_per_share"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	NewPrice     decimal.Decimal `json:"new_price"`
	PriceImpact  decimal.Decimal `json:"price_impact"`
}

// PriceTrade computes the signed cost of changing outcome i by delta shares
// and validates it against the trader's balance and holdings. The returned
// Trade carries everything the ledger needs to apply the delta atomically.
//
// positionShares is the trader's current holding in the traded outcome;
// balance is their current balance. Both are compared with an epsilon
// tolerance for floating noise.
func PriceTrade(market *model.Market, i int, delta, balance, positionShares decimal.Decimal) (*Trade, error) {
	if market.Status != model.StatusOpen {
		return nil, ErrMarketNotOpen
	}
	if i < 0 || i >= len(market.Outcomes) {
		return nil, ErrInvalidOutcome
	}
	if delta.IsZero() {
		return nil, ErrZeroSizeTrade
	}

	mm, err := lmsr.NewMarketMaker(market.B)
	if err != nil {
		// b <= 0 is rejected at market creation; reaching this is a
		// corrupted-state bug, not a user error.
		return nil, err
	}

	q := market.ShareVector()

	if delta.IsNegative() {
		if delta.Abs().GreaterThan(positionShares.Add(Epsilon)) {
			return nil, ErrInsufficientShares
		}
	}

	cost := mm.TradeCost(q, i, delta)
	if delta.IsPositive() && cost.GreaterThan(balance.Add(Epsilon)) {
		return nil, ErrInsufficientBalance
	}

	return &Trade{
		OutcomeIndex: i,
		Delta:        delta,
		Cost:         cost,
		FillPrice:    mm.FillPrice(q, i, delta),
	}, nil
}

// QuoteTrade projects the cost and price impact of a hypothetical trade
// against the given market snapshot. Pure: no locks, no reservations, no
// state. shares must be positive; side selects the sign.
func QuoteTrade(market *model.Market, outcomeID, side string, shares decimal.Decimal) (*Quote, error) {
	if market.Status != model.StatusOpen {
		return nil, ErrMarketNotOpen
	}
	i := market.OutcomeIndex(outcomeID)
	if i < 0 {
		return nil, ErrInvalidOutcome
	}
	if shares.LessThanOrEqual(decimal.Zero) {
		return nil, ErrZeroSizeTrade
	}

	mm, err := lmsr.NewMarketMaker(market.B)
	if err != nil {
		return nil, err
	}

	delta := shares
	if side == model.SideSell {
		delta = shares.Neg()
	}

	q := market.ShareVector()
	after := make([]decimal.Decimal, len(q))
	copy(after, q)
	after[i] = after[i].Add(delta)

	current := mm.Price(q, i)
	next := mm.Price(after, i)

	return &Quote{
		OutcomeID:    outcomeID,
		OutcomeName:  market.Outcomes[i].Name,
		Side:         side,
		Shares:       shares,
		TotalCost:    mm.TradeCost(q, i, delta).Abs(),
		AvgPrice:     mm.FillPrice(q, i, delta),
		CurrentPrice: current,
		NewPrice:     next,
		PriceImpact:  next.Sub(current),
	}, nil
}

// SharesForBudget sizes the largest buy of outcomeID affordable within
// budget against the given snapshot. Read-only, like QuoteTrade.
func SharesForBudget(market *model.Market, outcomeID string, budget decimal.Decimal) (decimal.Decimal, error) {
	i := market.OutcomeIndex(outcomeID)
	if i < 0 {
		return decimal.Zero, ErrInvalidOutcome
	}
	mm, err := lmsr.NewMarketMaker(market.B)
	if err != nil {
		return decimal.Zero, err
	}
	return mm.SharesForBudget(market.ShareVector(), i, budget), nil
}
