// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
//
// The write methods that touch contended market state (ApplyTrade,
// SetOutcomeShares, ResolveMarket) are atomic and version-checked: they
// succeed only if the caller's market version still matches the stored one,
// and they bump it. Callers retry on ErrVersionConflict with fresh reads.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/market-engine/internal/model"
)

var (
	// ErrNotFound is returned when a market, user, or position does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrVersionConflict is returned when a version-checked write lost the
	// race against a concurrent write to the same market.
	ErrVersionConflict = errors.New("store: market version conflict")

	// ErrInvalidTransition is returned when a status-gated write finds the
	// market in a status that does not permit the operation.
	ErrInvalidTransition = errors.New("store: market status does not permit operation")

	// ErrDuplicate is returned when a unique constraint would be violated.
	ErrDuplicate = errors.New("store: already exists")

	// ErrOverdraft is returned when an applied trade would push a balance
	// below zero. Validation catches this against a fresh read in the
	// normal path; the store-level check makes the invariant hold even
	// when concurrent writes on other markets moved the balance between
	// the caller's read and the commit.
	ErrOverdraft = errors.New("store: balance would go negative")
)

// TradeDelta is the atomic state change for one validated trade. The store
// applies all four legs as a unit: balance, outstanding shares, position
// upsert, transaction append. BalanceBefore/After on the written transaction
// are filled from the in-transaction balance read.
type TradeDelta struct {
	TxID          string
	MarketID      string
	MarketVersion int64
	UserID        string
	OutcomeID     string
	DeltaShares   decimal.Decimal // signed: +buy, -sell
	Cost          decimal.Decimal // signed: +debit, -credit
	FillPrice     decimal.Decimal // average price per share, positive
	ExecutedAt    time.Time
}

// Payout is one winning position's settlement, priced at $1 per share.
type Payout struct {
	TxID      string
	UserID    string
	OutcomeID string
	Shares    decimal.Decimal
}

// Resolution is the atomic terminal transition of a market: status flip,
// winning outcome record, and every payout applied together.
type Resolution struct {
	MarketID         string
	MarketVersion    int64
	WinningOutcomeID string
	Payouts          []Payout
	ResolvedAt       time.Time
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Market operations ---

	// CreateMarket persists a new market with its outcome set.
	CreateMarket(ctx context.Context, market *model.Market) error

	// GetMarket retrieves a market with outcomes in display order.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns all markets with their outcomes.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// UpdateMarketStatus transitions status when the current status is one
	// of from and the version matches; bumps the version.
	UpdateMarketStatus(ctx context.Context, id string, from []string, to string, version int64) error

	// SetOutcomeShares overwrites outstanding shares for every outcome in
	// display order. Draft markets only; version-checked.
	SetOutcomeShares(ctx context.Context, marketID string, version int64, shares []decimal.Decimal) error

	// --- Users ---

	CreateUser(ctx context.Context, user *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)

	// ListUsersByBalance returns up to limit users, richest first.
	ListUsersByBalance(ctx context.Context, limit int) ([]model.User, error)

	// --- Positions ---

	// GetPosition returns the (user, outcome) position, or ErrNotFound.
	GetPosition(ctx context.Context, userID, outcomeID string) (*model.Position, error)

	// GetPositionsByUser returns all of a user's positions, annotated with
	// each market's status so settled books are distinguishable.
	GetPositionsByUser(ctx context.Context, userID string) ([]model.Position, error)

	// GetPositionsByMarket returns every open position across a market's
	// outcomes. Used by settlement.
	GetPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error)

	// --- Atomic writes ---

	// ApplyTrade applies one trade's four-step delta as a unit, or fails
	// with ErrVersionConflict leaving no partial state. Returns the
	// user's post-trade balance as committed, which may differ from any
	// pre-apply read if other writes landed in between.
	ApplyTrade(ctx context.Context, delta TradeDelta) (decimal.Decimal, error)

	// ResolveMarket flips the market to resolved and applies all payouts
	// atomically. Fails with ErrInvalidTransition if already resolved.
	ResolveMarket(ctx context.Context, res Resolution) error

	// --- Immutable transaction log ---

	ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error)
	ListTransactionsByMarket(ctx context.Context, marketID string) ([]model.Transaction, error)
}
