// Package ticker drives the two recurring jobs of the engine: repricing the
// asset table from the oracle and settling trades whose time has run out.
//
// Both jobs run on independent tickers from an injected clock, so tests can
// call RefreshAt and SweepAt directly or advance a fake clock under Run.
package ticker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/atmx/otc-engine/internal/ledger"
	"github.com/atmx/otc-engine/internal/market"
	"github.com/atmx/otc-engine/internal/metrics"
	"github.com/atmx/otc-engine/internal/model"
	"github.com/atmx/otc-engine/internal/oracle"
)

const (
	DefaultRefreshInterval = 50 * time.Millisecond
	DefaultSweepInterval   = 200 * time.Millisecond
)

// Publisher receives price ticks and settlement events. Implementations
// must not block.
type Publisher interface {
	PublishPrices(ticks []model.AssetSnapshot)
	PublishSettlement(t model.Trade)
}

// RegimeLookup returns the regime override of an asset, NORMAL if none.
type RegimeLookup interface {
	Regime(assetID string) model.Regime
}

// Config holds the tick periods. Zero values fall back to the defaults.
type Config struct {
	RefreshInterval time.Duration
	SweepInterval   time.Duration
}

// Scheduler owns the refresh and sweep loops.
type Scheduler struct {
	clock     clockwork.Clock
	table     *market.Table
	ledger    *ledger.Ledger
	overrides RegimeLookup
	pub       Publisher

	refreshEvery time.Duration
	sweepEvery   time.Duration
}

// New creates a scheduler. pub may be nil.
func New(clock clockwork.Clock, table *market.Table, l *ledger.Ledger, overrides RegimeLookup, pub Publisher, cfg Config) *Scheduler {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	return &Scheduler{
		clock:        clock,
		table:        table,
		ledger:       l,
		overrides:    overrides,
		pub:          pub,
		refreshEvery: cfg.RefreshInterval,
		sweepEvery:   cfg.SweepInterval,
	}
}

// RefreshAt reprices every asset for now and swaps the table snapshot.
func (s *Scheduler) RefreshAt(now time.Time) []model.AssetSnapshot {
	ms := now.UnixMilli()
	ticks := s.table.Reprice(now, func(a model.Asset) float64 {
		return oracle.Evaluate(a.ID, ms, a.BasePrice, s.overrides.Regime(a.ID))
	})
	metrics.PriceRefreshes.Inc()

	if s.pub != nil {
		s.pub.PublishPrices(ticks)
	}
	return ticks
}

// SweepResult summarises one settlement pass.
type SweepResult struct {
	Due     int
	Won     int
	Lost    int
	Skipped int // already settled by a concurrent pass
	Failed  int
}

// SweepAt settles every PENDING trade whose end time is at or before now,
// against the asset's current table price. A failure on one trade is logged
// and the pass continues.
func (s *Scheduler) SweepAt(now time.Time) SweepResult {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	due := s.ledger.DueTrades(now)
	metrics.DueTrades.Set(float64(len(due)))

	res := SweepResult{Due: len(due)}
	for _, t := range due {
		status, exit := s.outcome(t)

		settled, err := s.ledger.Settle(t.ID, status, exit)
		if errors.Is(err, ledger.ErrAlreadySettled) {
			res.Skipped++
			continue
		}
		if err != nil {
			res.Failed++
			slog.Error("settlement failed", "trade_id", t.ID, "err", err)
			continue
		}

		metrics.TradesSettled.WithLabelValues(string(settled.Status)).Inc()
		if settled.Status == model.StatusWon {
			res.Won++
			payout, _ := settled.Payout().Float64()
			metrics.PayoutsTotal.WithLabelValues(string(settled.AccountType)).Add(payout)
		} else {
			res.Lost++
		}

		attrs := []any{
			"trade_id", settled.ID,
			"user", settled.UserID,
			"asset", settled.AssetID,
			"direction", settled.Direction,
			"entry", settled.EntryPrice.String(),
			"status", settled.Status,
		}
		if settled.ExitPrice != nil {
			attrs = append(attrs, "exit", settled.ExitPrice.String())
		}
		slog.Info("trade settled", attrs...)

		if s.pub != nil {
			s.pub.PublishSettlement(settled)
		}
	}
	return res
}

func (s *Scheduler) outcome(t model.Trade) (model.TradeStatus, *decimal.Decimal) {
	asset, ok := s.table.Get(t.AssetID)
	if !ok {
		slog.Warn("asset missing at settlement, trade lost", "trade_id", t.ID, "asset", t.AssetID)
		return model.StatusLost, nil
	}
	current := decimal.NewFromFloat(asset.CurrentPrice)
	return Resolve(t.Direction, t.EntryPrice, current), &current
}

// Resolve decides a trade: UP wins iff current > entry, DOWN wins iff
// current < entry. A tie loses.
func Resolve(direction model.Direction, entry, current decimal.Decimal) model.TradeStatus {
	switch direction {
	case model.DirectionUp:
		if current.GreaterThan(entry) {
			return model.StatusWon
		}
	case model.DirectionDown:
		if current.LessThan(entry) {
			return model.StatusWon
		}
	}
	return model.StatusLost
}

// Run refreshes and sweeps on independent tickers until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("ticker started", "refresh", s.refreshEvery.String(), "sweep", s.sweepEvery.String())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.loop(ctx, s.refreshEvery, func(now time.Time) { s.RefreshAt(now) })
	}()
	go func() {
		defer wg.Done()
		s.loop(ctx, s.sweepEvery, func(now time.Time) { s.SweepAt(now) })
	}()
	wg.Wait()

	slog.Info("ticker stopped")
}

func (s *Scheduler) loop(ctx context.Context, every time.Duration, job func(time.Time)) {
	t := s.clock.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.Chan():
			job(now)
		}
	}
}
