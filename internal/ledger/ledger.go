// Package ledger owns the write path of the market engine: it reads
// authoritative state, prices and validates trades through the engine, and
// applies the resulting deltas through the store's atomic, version-checked
// writes. Lost races surface as version conflicts and are retried with
// fresh reads a bounded number of times, so every committed trade was
// priced against the share vector it executed on.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papertrade/market-engine/internal/engine"
	"github.com/papertrade/market-engine/internal/lmsr"
	"github.com/papertrade/market-engine/internal/metrics"
	"github.com/papertrade/market-engine/internal/model"
	"github.com/papertrade/market-engine/internal/store"
)

const maxRetries = 3

var (
	// ErrTradeContention is returned after a write lost the version race
	// maxRetries times in a row. Transient; the caller may retry.
	ErrTradeContention = errors.New("ledger: market too contended, retry")

	// ErrMarketResolved is returned for any write against a resolved
	// market. Resolution is terminal.
	ErrMarketResolved = errors.New("ledger: market already resolved")

	// ErrMarketNotDraft is returned when odds calibration is attempted
	// after the market left draft.
	ErrMarketNotDraft = errors.New("ledger: odds can only be set on draft markets")

	// ErrNotResolvable is returned when resolution is attempted on a
	// draft market.
	ErrNotResolvable = errors.New("ledger: only open or paused markets can be resolved")

	// ErrOddsMismatch is returned when the calibration target vector does
	// not cover every outcome exactly once.
	ErrOddsMismatch = errors.New("ledger: must provide a target price for every outcome")
)

// OutcomePrice pairs an outcome with its instantaneous price.
type OutcomePrice struct {
	OutcomeID string          `json:"outcome_id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
}

// TradeResult is returned from a committed trade.
type TradeResult struct {
	TradeID    string          `json:"trade_id"`
	Side       string          `json:"side"`
	Shares     decimal.Decimal `json:"shares"`
	TotalCost  decimal.Decimal `json:"total_cost"`
	AvgPrice   decimal.Decimal `json:"avg_price_per_share"`
	NewBalance decimal.Decimal `json:"new_balance"`
	NewPrices  []OutcomePrice  `json:"new_prices"`
}

// CalibrationResult reports the share vector written by odds calibration
// and the prices it produces.
type CalibrationResult struct {
	Shares []decimal.Decimal `json:"shares"`
	Prices []OutcomePrice    `json:"resulting_prices"`
}

// ResolutionResult summarizes a settlement.
type ResolutionResult struct {
	WinningOutcomeID string          `json:"winning_outcome_id"`
	PayoutCount      int             `json:"payout_count"`
	TotalPaid        decimal.Decimal `json:"total_paid"`
}

// Ledger applies trades, calibration, and settlement against a Store.
type Ledger struct {
	store store.Store
}

// New creates a ledger over the given store.
func New(st store.Store) *Ledger {
	return &Ledger{store: st}
}

// ExecuteTrade prices, validates, and atomically applies one trade.
// shares must be positive; side selects buy or sell. On success the
// returned result carries the trader's new balance and the full post-trade
// price vector.
func (l *Ledger) ExecuteTrade(ctx context.Context, userID, marketID, outcomeID, side string, shares decimal.Decimal) (*TradeResult, error) {
	if shares.LessThanOrEqual(decimal.Zero) {
		return nil, engine.ErrZeroSizeTrade
	}
	delta := shares
	if side == model.SideSell {
		delta = shares.Neg()
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		market, err := l.store.GetMarket(ctx, marketID)
		if err != nil {
			return nil, err
		}
		if market.Status == model.StatusResolved {
			return nil, ErrMarketResolved
		}

		i := market.OutcomeIndex(outcomeID)
		if i < 0 {
			return nil, engine.ErrInvalidOutcome
		}

		user, err := l.store.GetUser(ctx, userID)
		if err != nil {
			return nil, err
		}

		posShares := decimal.Zero
		if pos, err := l.store.GetPosition(ctx, userID, outcomeID); err == nil {
			posShares = pos.Shares
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}

		tr, err := engine.PriceTrade(market, i, delta, user.Balance, posShares)
		if err != nil {
			return nil, err
		}

		d := store.TradeDelta{
			TxID:          uuid.New().String(),
			MarketID:      marketID,
			MarketVersion: market.Version,
			UserID:        userID,
			OutcomeID:     outcomeID,
			DeltaShares:   tr.Delta,
			Cost:          tr.Cost,
			FillPrice:     tr.FillPrice,
			ExecutedAt:    time.Now().UTC(),
		}
		newBalance, err := l.store.ApplyTrade(ctx, d)
		if errors.Is(err, store.ErrVersionConflict) {
			metrics.VersionConflicts.Inc()
			slog.Debug("trade lost version race, retrying",
				"market", marketID, "attempt", attempt+1)
			continue
		}
		if errors.Is(err, store.ErrOverdraft) {
			// Balance moved under us on another market. Surface as an
			// ordinary insufficient-funds rejection.
			return nil, engine.ErrInsufficientBalance
		}
		if err != nil {
			return nil, err
		}

		slog.Info("trade executed",
			"trade_id", d.TxID,
			"user", userID,
			"market", marketID,
			"outcome", outcomeID,
			"side", side,
			"shares", shares.String(),
			"cost", tr.Cost.String(),
			"fill_price", tr.FillPrice.String(),
		)

		return &TradeResult{
			TradeID:    d.TxID,
			Side:       side,
			Shares:     shares,
			TotalCost:  tr.Cost.Abs(),
			AvgPrice:   tr.FillPrice,
			NewBalance: newBalance,
			NewPrices:  pricesAfter(market, i, tr.Delta),
		}, nil
	}
	return nil, ErrTradeContention
}

// pricesAfter computes the post-trade price vector from the snapshot the
// trade committed against, avoiding a re-read.
func pricesAfter(market *model.Market, i int, delta decimal.Decimal) []OutcomePrice {
	mm, err := lmsr.NewMarketMaker(market.B)
	if err != nil {
		return nil
	}
	q := market.ShareVector()
	q[i] = q[i].Add(delta)

	prices := mm.Prices(q)
	result := make([]OutcomePrice, len(prices))
	for j, p := range prices {
		result[j] = OutcomePrice{
			OutcomeID: market.Outcomes[j].ID,
			Name:      market.Outcomes[j].Name,
			Price:     p,
		}
	}
	return result
}

// CurrentPrices returns the live price vector for a market.
func (l *Ledger) CurrentPrices(ctx context.Context, marketID string) ([]OutcomePrice, error) {
	market, err := l.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	return pricesAfter(market, 0, decimal.Zero), nil
}

// Calibrate seeds a draft market's outstanding shares so its prices match
// the target vector. Targets need not sum to 1.
func (l *Ledger) Calibrate(ctx context.Context, marketID string, targets []decimal.Decimal) (*CalibrationResult, error) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		market, err := l.store.GetMarket(ctx, marketID)
		if err != nil {
			return nil, err
		}
		if market.Status != model.StatusDraft {
			return nil, ErrMarketNotDraft
		}
		if len(targets) != len(market.Outcomes) {
			return nil, ErrOddsMismatch
		}

		mm, err := lmsr.NewMarketMaker(market.B)
		if err != nil {
			return nil, err
		}
		shares, err := mm.Calibrate(targets)
		if err != nil {
			return nil, err
		}

		err = l.store.SetOutcomeShares(ctx, marketID, market.Version, shares)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if errors.Is(err, store.ErrInvalidTransition) {
			return nil, ErrMarketNotDraft
		}
		if err != nil {
			return nil, err
		}

		prices := mm.Prices(shares)
		result := &CalibrationResult{Shares: shares}
		for j, p := range prices {
			result.Prices = append(result.Prices, OutcomePrice{
				OutcomeID: market.Outcomes[j].ID,
				Name:      market.Outcomes[j].Name,
				Price:     p,
			})
		}

		slog.Info("market odds calibrated", "market", marketID)
		return result, nil
	}
	return nil, ErrTradeContention
}

// Resolve settles a market: flips it to resolved and pays every winning
// position exactly its share count ($1 per winning share). Losing
// positions are left in place for history. Re-resolution fails cleanly
// with ErrMarketResolved and pays nothing.
func (l *Ledger) Resolve(ctx context.Context, marketID, winningOutcomeID string) (*ResolutionResult, error) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		market, err := l.store.GetMarket(ctx, marketID)
		if err != nil {
			return nil, err
		}
		switch market.Status {
		case model.StatusResolved:
			return nil, ErrMarketResolved
		case model.StatusDraft:
			return nil, ErrNotResolvable
		}
		if market.OutcomeIndex(winningOutcomeID) < 0 {
			return nil, engine.ErrInvalidOutcome
		}

		positions, err := l.store.GetPositionsByMarket(ctx, marketID)
		if err != nil {
			return nil, err
		}

		var payouts []store.Payout
		totalPaid := decimal.Zero
		for _, p := range positions {
			if p.OutcomeID != winningOutcomeID {
				continue // losers get nothing, rows stay for history
			}
			payouts = append(payouts, store.Payout{
				TxID:      uuid.New().String(),
				UserID:    p.UserID,
				OutcomeID: p.OutcomeID,
				Shares:    p.Shares,
			})
			totalPaid = totalPaid.Add(p.Shares)
		}

		err = l.store.ResolveMarket(ctx, store.Resolution{
			MarketID:         marketID,
			MarketVersion:    market.Version,
			WinningOutcomeID: winningOutcomeID,
			Payouts:          payouts,
			ResolvedAt:       time.Now().UTC(),
		})
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if errors.Is(err, store.ErrInvalidTransition) {
			return nil, ErrMarketResolved
		}
		if err != nil {
			return nil, err
		}

		slog.Info("market resolved",
			"market", marketID,
			"winning_outcome", winningOutcomeID,
			"payout_count", len(payouts),
			"total_paid", totalPaid.String(),
		)

		return &ResolutionResult{
			WinningOutcomeID: winningOutcomeID,
			PayoutCount:      len(payouts),
			TotalPaid:        totalPaid,
		}, nil
	}
	return nil, ErrTradeContention
}
