// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Market status values. Resolved is terminal.
const (
	StatusDraft    = "draft"
	StatusOpen     = "open"
	StatusPaused   = "paused"
	StatusResolved = "resolved"
)

// Trade sides accepted on the wire.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Transaction types recorded in the audit log.
const (
	TxBuy    = "buy"
	TxSell   = "sell"
	TxPayout = "payout"
)

// Market represents a categorical prediction market priced by an LMSR
// market maker. Outcomes are fixed once the market leaves draft.
// Version increments on every state-changing write and is the
// optimistic-concurrency token for trade and resolution applies.
type Market struct {
	ID               string          `json:"id" db:"id"`
	Name             string          `json:"name" db:"name"`
	Description      string          `json:"description,omitempty" db:"description"`
	Status           string          `json:"status" db:"status"`
	B                decimal.Decimal `json:"liquidity_param" db:"liquidity_param"`
	WinningOutcomeID string          `json:"winning_outcome_id,omitempty" db:"winning_outcome_id"`
	Version          int64           `json:"version" db:"version"`
	Outcomes         []Outcome       `json:"outcomes"`
	ResolvedAt       *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// OutcomeIndex returns the position of an outcome ID within the market's
// ordered outcome set, or -1 if it does not belong to this market.
func (m *Market) OutcomeIndex(outcomeID string) int {
	for i, o := range m.Outcomes {
		if o.ID == outcomeID {
			return i
		}
	}
	return -1
}

// ShareVector returns the outstanding shares of all outcomes in display order.
func (m *Market) ShareVector() []decimal.Decimal {
	q := make([]decimal.Decimal, len(m.Outcomes))
	for i, o := range m.Outcomes {
		q[i] = o.SharesOutstanding
	}
	return q
}

// Outcome is one member of a market's mutually exclusive outcome set.
// SharesOutstanding is the market maker's net issued shares; it may be
// negative after calibration or heavy selling.
type Outcome struct {
	ID                string          `json:"id" db:"id"`
	MarketID          string          `json:"market_id" db:"market_id"`
	Name              string          `json:"name" db:"name"`
	SharesOutstanding decimal.Decimal `json:"shares_outstanding" db:"shares_outstanding"`
	DisplayOrder      int             `json:"display_order" db:"display_order"`
}

// User holds a play-money account. Balance is only ever mutated by the
// ledger, inside the same atomic step as the trade or payout it reflects.
type User struct {
	ID        string          `json:"id" db:"id"`
	Name      string          `json:"name" db:"name"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Position is one user's holding in one outcome, unique per (user, outcome).
// AvgCostBasis is a weighted running average updated only on buys; sells
// reduce Shares and leave the basis untouched.
type Position struct {
	UserID       string          `json:"user_id" db:"user_id"`
	OutcomeID    string          `json:"outcome_id" db:"outcome_id"`
	MarketID     string          `json:"market_id" db:"market_id"`
	Shares       decimal.Decimal `json:"shares" db:"shares"`
	AvgCostBasis decimal.Decimal `json:"avg_cost_basis" db:"avg_cost_basis"`
	MarketStatus string          `json:"market_status,omitempty" db:"market_status"`
}

// Transaction is an immutable, append-only record of one executed trade or
// payout. Never updated or deleted — it is the audit trail and the source
// of truth for reconciling balances.
type Transaction struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	MarketID      string          `json:"market_id" db:"market_id"`
	OutcomeID     string          `json:"outcome_id" db:"outcome_id"`
	Type          string          `json:"type" db:"type"` // buy, sell, payout
	Shares        decimal.Decimal `json:"shares" db:"shares"`
	PricePerShare decimal.Decimal `json:"price_per_share" db:"price_per_share"`
	TotalCost     decimal.Decimal `json:"total_cost" db:"total_cost"` // absolute value
	BalanceBefore decimal.Decimal `json:"balance_before" db:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after" db:"balance_after"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}
