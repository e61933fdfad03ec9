// Package correlation implements open-stake limits that account for
// correlation between instruments sharing a currency or commodity leg.
//
// A user buying UP on EUR/USD, EUR/GBP and EUR/JPY at once is making one
// bet on EUR. The limiter sums open (PENDING) stakes per asset and per leg
// and rejects trades that would push either beyond its maximum.
package correlation

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrPerAssetLimitExceeded is returned when a trade would push the open
	// stake on a single asset beyond the per-asset maximum.
	ErrPerAssetLimitExceeded = errors.New("correlation: per-asset stake limit exceeded")

	// ErrCorrelatedLimitExceeded is returned when a trade would push the
	// aggregate open stake across assets sharing a leg beyond the
	// correlated maximum.
	ErrCorrelatedLimitExceeded = errors.New("correlation: correlated stake limit exceeded")
)

// Exposure is the open stake a user holds on one asset.
type Exposure struct {
	AssetID string
	Legs    []string
	Stake   decimal.Decimal
}

// PositionLimiter enforces stake limits with correlation awareness.
// A zero limit disables the corresponding check.
type PositionLimiter struct {
	// MaxPerAsset is the maximum open stake on any single asset.
	MaxPerAsset decimal.Decimal

	// MaxCorrelated is the maximum aggregate open stake across all assets
	// that share a leg with the traded asset, counted per leg.
	MaxCorrelated decimal.Decimal
}

// NewPositionLimiter creates a limiter with the given per-asset and
// correlated stake limits.
func NewPositionLimiter(maxPerAsset, maxCorrelated decimal.Decimal) *PositionLimiter {
	return &PositionLimiter{
		MaxPerAsset:   maxPerAsset,
		MaxCorrelated: maxCorrelated,
	}
}

// CheckLimit validates whether a new stake respects the limits.
//
// Parameters:
//   - assetID, legs: the asset being traded and its legs
//   - stake: the new trade's stake
//   - open: the user's current open exposures
//
// Returns nil if the trade is within limits, or an error describing the violation.
func (l *PositionLimiter) CheckLimit(assetID string, legs []string, stake decimal.Decimal, open []Exposure) error {
	if l == nil {
		return nil
	}

	// 1. Per-asset limit.
	if l.MaxPerAsset.IsPositive() {
		onAsset := stake
		for _, e := range open {
			if e.AssetID == assetID {
				onAsset = onAsset.Add(e.Stake)
			}
		}
		if onAsset.GreaterThan(l.MaxPerAsset) {
			return ErrPerAssetLimitExceeded
		}
	}

	// 2. Correlated limit, evaluated independently for each leg.
	if l.MaxCorrelated.IsPositive() {
		for _, leg := range legs {
			total := stake
			for _, e := range open {
				if hasLeg(e.Legs, leg) {
					total = total.Add(e.Stake)
				}
			}
			if total.GreaterThan(l.MaxCorrelated) {
				return ErrCorrelatedLimitExceeded
			}
		}
	}

	return nil
}

func hasLeg(legs []string, leg string) bool {
	for _, l := range legs {
		if l == leg {
			return true
		}
	}
	return false
}
