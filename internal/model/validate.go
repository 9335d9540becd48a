package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Outcome-set bounds. A categorical market needs at least two mutually
// exclusive outcomes; sixteen keeps the price vector readable and the
// worst-case maker subsidy (b·ln n) bounded.
const (
	MinOutcomes = 2
	MaxOutcomes = 16
)

var (
	// ErrInvalidLiquidity is returned when the liquidity parameter b <= 0.
	// This is a configuration error: it is rejected at market creation and
	// must never surface mid-trade.
	ErrInvalidLiquidity = errors.New("model: liquidity parameter b must be positive")

	// ErrInvalidOutcomeSet is returned for a malformed outcome set at
	// market creation (too few/many outcomes, blank or duplicate names).
	ErrInvalidOutcomeSet = errors.New("model: invalid outcome set")
)

// ValidateDefinition checks a market definition before it is persisted.
// Outcome sets are fixed at creation; everything rejected here can never
// become a runtime pricing failure.
func ValidateDefinition(name string, b decimal.Decimal, outcomeNames []string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: market name is required", ErrInvalidOutcomeSet)
	}
	if b.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidLiquidity
	}
	if len(outcomeNames) < MinOutcomes || len(outcomeNames) > MaxOutcomes {
		return fmt.Errorf("%w: need %d..%d outcomes, got %d",
			ErrInvalidOutcomeSet, MinOutcomes, MaxOutcomes, len(outcomeNames))
	}

	seen := make(map[string]bool, len(outcomeNames))
	for _, n := range outcomeNames {
		key := strings.ToLower(strings.TrimSpace(n))
		if key == "" {
			return fmt.Errorf("%w: outcome name must not be blank", ErrInvalidOutcomeSet)
		}
		if seen[key] {
			return fmt.Errorf("%w: duplicate outcome %q", ErrInvalidOutcomeSet, n)
		}
		seen[key] = true
	}
	return nil
}
