// Package candle assembles OHLC candles from the deterministic price oracle.
//
// Candles are never stored or patched. Every request rebuilds the series
// from the oracle, so a resized window or a reopened chart always agrees
// with the ground truth.
package candle

import (
	"errors"
	"fmt"
	"iter"
	"math"
	"time"

	"github.com/atmx/otc-engine/internal/model"
	"github.com/atmx/otc-engine/internal/oracle"
)

const (
	// Samples is the number of sub-intervals a period is split into; the
	// open, the close and Samples-1 interior points are evaluated.
	Samples = 8

	DefaultCount = 200
	MaxCount     = 1000
)

var ErrUnknownTimeFrame = errors.New("candle: unknown timeframe")

// TimeFrames lists the supported chart periods in ascending order.
var TimeFrames = []string{"5s", "10s", "30s", "1m", "2m", "5m", "15m", "30m", "1h", "4h"}

var timeFrameDurations = map[string]time.Duration{
	"5s":  5 * time.Second,
	"10s": 10 * time.Second,
	"30s": 30 * time.Second,
	"1m":  time.Minute,
	"2m":  2 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"4h":  4 * time.Hour,
}

// ParseTimeFrame returns the period of a named timeframe.
func ParseTimeFrame(tf string) (time.Duration, error) {
	d, ok := timeFrameDurations[tf]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownTimeFrame, tf)
	}
	return d, nil
}

// RegimeLookup returns the override for an asset, if any.
type RegimeLookup interface {
	Get(assetID string) (model.Regime, bool)
}

// Assembler builds candles for assets.
type Assembler struct {
	overrides RegimeLookup
}

// NewAssembler creates an assembler. overrides may be nil.
func NewAssembler(overrides RegimeLookup) *Assembler {
	return &Assembler{overrides: overrides}
}

func (a *Assembler) regime(assetID string) model.Regime {
	if a.overrides == nil {
		return model.RegimeNormal
	}
	if r, ok := a.overrides.Get(assetID); ok {
		return r
	}
	return model.RegimeNormal
}

// PeriodStart floors t to the start of its period.
func PeriodStart(t time.Time, period time.Duration) time.Time {
	ms := t.UnixMilli()
	p := period.Milliseconds()
	return time.UnixMilli(ms - mod(ms, p))
}

func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

// Candle computes the closed candle for [start, start+period).
func (a *Assembler) Candle(asset model.Asset, start time.Time, period time.Duration) model.Candle {
	return a.build(asset, start, period, math.MaxInt64)
}

// build samples the period at Samples+1 evenly spaced points, skipping any
// point later than cutoffMs.
func (a *Assembler) build(asset model.Asset, start time.Time, period time.Duration, cutoffMs int64) model.Candle {
	regime := a.regime(asset.ID)
	startMs := start.UnixMilli()
	periodMs := period.Milliseconds()

	open := oracle.Evaluate(asset.ID, startMs, asset.BasePrice, regime)
	c := model.Candle{Time: time.UnixMilli(startMs), Open: open, High: open, Low: open, Close: open}

	for i := int64(1); i <= Samples; i++ {
		ts := startMs + periodMs*i/Samples
		if ts > cutoffMs {
			break
		}
		p := oracle.Evaluate(asset.ID, ts, asset.BasePrice, regime)
		c.High = math.Max(c.High, p)
		c.Low = math.Min(c.Low, p)
		if i == Samples {
			c.Close = p
		}
	}
	return c
}

// Live returns the in-progress candle of the period containing now. Its
// open is the deterministic period open; close, high and low are extended
// by the streaming price. Sample points after now are not evaluated.
func (a *Assembler) Live(asset model.Asset, now time.Time, period time.Duration, price float64) model.Candle {
	start := PeriodStart(now, period)
	c := a.build(asset, start, period, now.UnixMilli())
	c.Close = price
	c.High = math.Max(c.High, price)
	c.Low = math.Min(c.Low, price)
	c.Live = true
	return c
}

// Series yields the last count closed candles before the current period,
// oldest first, followed by the live candle. The sequence is finite and can
// be ranged over any number of times; each pass recomputes from scratch.
func (a *Assembler) Series(asset model.Asset, now time.Time, period time.Duration, count int, price float64) iter.Seq[model.Candle] {
	if count <= 0 {
		count = DefaultCount
	}
	if count > MaxCount {
		count = MaxCount
	}
	current := PeriodStart(now, period)

	return func(yield func(model.Candle) bool) {
		for i := count; i > 0; i-- {
			start := current.Add(-time.Duration(i) * period)
			if !yield(a.Candle(asset, start, period)) {
				return
			}
		}
		yield(a.Live(asset, now, period, price))
	}
}

// Remaining returns the time left until the period containing now closes.
func Remaining(now time.Time, period time.Duration) time.Duration {
	return PeriodStart(now, period).Add(period).Sub(now)
}
