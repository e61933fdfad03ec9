// Package oracle implements the deterministic synthetic price function that
// every quote, candle and settlement in the engine is derived from.
//
// The price of an asset at time t is a pure function of (assetID, t, basePrice,
// regime):
//   - a stable integer seed is derived from the asset id
//   - a 12-octave ladder of sine/cosine terms, phase-shifted by the seed,
//     produces a bounded self-similar walk
//   - the regime shapes the walk: linear drift for UP/DOWN, amplified swings
//     for VOLATILE, damped swings for RANGING
//
// Nothing is stored. Any past, present or near-future price can be recomputed
// bit-for-bit, so no price history is ever persisted.
package oracle

import (
	"math"
	"unicode/utf16"

	"github.com/atmx/otc-engine/internal/model"
)

// MinPrice is the floor applied to every evaluated price.
const MinPrice = 0.00001

// frequencies and amplitudes form the noise ladder, from macro trend-like
// periods down to jitter. Index i of both slices belongs to one octave.
var (
	frequencies = [...]float64{0.00002, 0.00008, 0.0003, 0.001, 0.004, 0.015, 0.06, 0.2, 0.8, 2.5, 8.0, 20.0}
	amplitudes  = [...]float64{0.12, 0.06, 0.03, 0.015, 0.008, 0.004, 0.002, 0.001, 0.0005, 0.0002, 0.0001, 0.00005}
)

const (
	goldenRatio     = 1.618
	cosineWeight    = 0.4
	baseTrendSpeed  = 0.00002
	rangingDampener = 0.3
)

// defaultRegimes maps seed mod 4 to the asset's own regime.
var defaultRegimes = [4]model.Regime{
	model.RegimeUp,
	model.RegimeDown,
	model.RegimeVolatile,
	model.RegimeRanging,
}

// Seed derives the asset's stable seed: the sum of its UTF-16 code units,
// so a character outside the BMP counts as its two surrogates.
func Seed(assetID string) int {
	seed := 0
	for _, u := range utf16.Encode([]rune(assetID)) {
		seed += int(u)
	}
	return seed
}

// Fraction returns a reproducible pseudo-random value in [0, 1) for x.
func Fraction(x float64) float64 {
	v := math.Sin(x) * 10000
	return v - math.Floor(v)
}

// DefaultRegime returns the regime an asset follows without an override.
func DefaultRegime(assetID string) model.Regime {
	return defaultRegimes[Seed(assetID)%4]
}

// ResolveRegime returns the regime that applies to assetID given an
// optional override. An empty or NORMAL override falls back to the seed.
func ResolveRegime(assetID string, override model.Regime) model.Regime {
	switch override {
	case model.RegimeUp, model.RegimeDown, model.RegimeVolatile, model.RegimeRanging:
		return override
	default:
		return DefaultRegime(assetID)
	}
}

// Evaluate returns the price of assetID at timestampMs (Unix milliseconds).
// It never fails and always returns a value >= MinPrice.
func Evaluate(assetID string, timestampMs int64, basePrice float64, override model.Regime) float64 {
	seed := Seed(assetID)
	fseed := float64(seed)
	t := float64(timestampMs) / 1000

	noise := 0.0
	for i, f := range frequencies {
		a := amplitudes[i]
		phase1 := fseed * (float64(i) + 1.234)
		phase2 := fseed * (float64(i) + 5.678)
		noise += math.Sin(t*f+phase1) * a
		noise += math.Cos(t*f*goldenRatio+phase2) * (a * cosineWeight)
	}

	multiplier := 1.0
	trendSpeed := baseTrendSpeed * (1 + Fraction(fseed)*2)

	switch ResolveRegime(assetID, override) {
	case model.RegimeUp:
		noise += t * trendSpeed
		multiplier = 0.9 + Fraction(fseed+1)*0.5
	case model.RegimeDown:
		noise -= t * trendSpeed
		multiplier = 0.9 + Fraction(fseed+2)*0.5
	case model.RegimeVolatile:
		multiplier = 3.5 + Fraction(fseed+3)*4.0
	case model.RegimeRanging:
		noise *= rangingDampener
		multiplier = 0.4 + Fraction(fseed+4)*0.2
	}

	return math.Max(MinPrice, basePrice*(1+noise*multiplier))
}

// maxNoise is the largest absolute value the oscillating part of the noise
// can reach before regime shaping.
func maxNoise() float64 {
	sum := 0.0
	for _, a := range amplitudes {
		sum += a * (1 + cosineWeight)
	}
	return sum
}
