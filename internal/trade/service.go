// Package trade provides the HTTP handlers and business logic for placing
// binary trades, querying accounts and administering the market.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/atmx/otc-engine/internal/candle"
	"github.com/atmx/otc-engine/internal/correlation"
	"github.com/atmx/otc-engine/internal/instrument"
	"github.com/atmx/otc-engine/internal/ledger"
	"github.com/atmx/otc-engine/internal/market"
	"github.com/atmx/otc-engine/internal/metrics"
	"github.com/atmx/otc-engine/internal/model"
	"github.com/atmx/otc-engine/internal/oracle"
	"github.com/atmx/otc-engine/internal/override"
)

var (
	// ErrValidation wraps every rejected input. Nothing is mutated.
	ErrValidation = errors.New("trade: validation failed")

	// ErrInsufficientBalance is returned when the stake exceeds the
	// selected sub-balance.
	ErrInsufficientBalance = errors.New("trade: insufficient balance")
)

// Durations lists the allowed trade lengths.
var Durations = []time.Duration{
	5 * time.Second,
	10 * time.Second,
	time.Minute,
	2 * time.Minute,
	5 * time.Minute,
	30 * time.Minute,
}

// Service handles trading operations. Uses a mutex for serialized trade
// placement so the balance and limit checks see the ledger as it will be
// when the trade is inserted (single-instance).
type Service struct {
	clock     clockwork.Clock
	table     *market.Table
	ledger    *ledger.Ledger
	overrides *override.Registry
	candles   *candle.Assembler
	limiter   *correlation.PositionLimiter
	minStake  decimal.Decimal
	onChange  func(tables ...string)
	mu        sync.Mutex
	wsHub     *WSHub // optional WebSocket hub for real-time broadcasts
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the clock used for trade start times.
func WithClock(c clockwork.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithMinStake sets the smallest accepted stake.
func WithMinStake(amount decimal.Decimal) Option {
	return func(s *Service) { s.minStake = amount }
}

// WithOverrideHook registers fn to be called after an override changes,
// with the name of the snapshot table to save.
func WithOverrideHook(fn func(tables ...string)) Option {
	return func(s *Service) { s.onChange = fn }
}

// NewService creates a new trade service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(table *market.Table, l *ledger.Ledger, reg *override.Registry, limiter *correlation.PositionLimiter, hub *WSHub, opts ...Option) *Service {
	s := &Service{
		clock:     clockwork.NewRealClock(),
		table:     table,
		ledger:    l,
		overrides: reg,
		candles:   candle.NewAssembler(reg),
		limiter:   limiter,
		minStake:  decimal.NewFromInt(1),
		wsHub:     hub,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// --- Commands ---

// PlaceTradeRequest is the JSON body for POST /trades.
type PlaceTradeRequest struct {
	UserID      string            `json:"user_id"`
	AssetID     string            `json:"asset_id"`
	Amount      decimal.Decimal   `json:"amount"`
	Direction   model.Direction   `json:"direction"`
	Duration    string            `json:"duration"`               // one of Durations, e.g. "1m"
	AccountType model.AccountType `json:"account_type,omitempty"` // defaults to the user's selection
}

// ParseDuration validates a trade duration against Durations.
func ParseDuration(s string) (time.Duration, error) {
	dur, err := time.ParseDuration(s)
	if err != nil || !slices.Contains(Durations, dur) {
		return 0, fmt.Errorf("%w: duration %q not allowed", ErrValidation, s)
	}
	return dur, nil
}

// PlaceTrade validates the request and opens a PENDING trade at the asset's
// current table price, debiting the stake.
func (s *Service) PlaceTrade(req PlaceTradeRequest) (model.Trade, error) {
	// --- Input validation ---
	if req.UserID == "" {
		return model.Trade{}, fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	if !req.Direction.Valid() {
		return model.Trade{}, fmt.Errorf("%w: direction must be UP or DOWN", ErrValidation)
	}
	if !req.Amount.IsPositive() || req.Amount.LessThan(s.minStake) {
		return model.Trade{}, fmt.Errorf("%w: amount must be at least %s", ErrValidation, s.minStake)
	}
	dur, err := ParseDuration(req.Duration)
	if err != nil {
		return model.Trade{}, err
	}
	if req.AccountType != "" && !req.AccountType.Valid() {
		return model.Trade{}, fmt.Errorf("%w: account_type must be DEMO or LIVE", ErrValidation)
	}

	asset, ok := s.table.Get(req.AssetID)
	if !ok {
		return model.Trade{}, fmt.Errorf("%w: unknown asset %q", ErrValidation, req.AssetID)
	}
	inst, err := instrument.ParseSymbol(asset.Symbol)
	if err != nil {
		return model.Trade{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	// Serialize placement.
	s.mu.Lock()
	defer s.mu.Unlock()

	balances := s.ledger.OpenAccount(req.UserID)
	acct := req.AccountType
	if acct == "" {
		acct = balances.Selected
	}
	// Early answer for the common case. Admin adjustments and withdrawals are
	// not serialized by s.mu, so PlaceFunded repeats the check atomically.
	if req.Amount.GreaterThan(accountBalance(balances, acct)) {
		return model.Trade{}, fmt.Errorf("%w: %s balance %s, stake %s",
			ErrInsufficientBalance, acct, accountBalance(balances, acct), req.Amount)
	}

	// --- Position limit check ---
	if err := s.limiter.CheckLimit(asset.ID, inst.Legs(), req.Amount, s.openExposures(req.UserID)); err != nil {
		metrics.PositionLimitRejections.Inc()
		return model.Trade{}, err
	}

	// Re-read so the entry price is the latest refreshed quote.
	asset, ok = s.table.Get(req.AssetID)
	if !ok {
		return model.Trade{}, fmt.Errorf("%w: unknown asset %q", ErrValidation, req.AssetID)
	}

	start := s.clock.Now().UTC()
	placed, err := s.ledger.PlaceFunded(model.Trade{
		ID:          uuid.New().String(),
		UserID:      req.UserID,
		AssetID:     asset.ID,
		AssetSymbol: asset.Symbol,
		Amount:      req.Amount,
		Direction:   req.Direction,
		EntryPrice:  decimal.NewFromFloat(asset.CurrentPrice),
		StartTime:   start,
		EndTime:     start.Add(dur),
		PayoutPct:   asset.PayoutPct,
		AccountType: acct,
	})
	if errors.Is(err, ledger.ErrInsufficientFunds) {
		return model.Trade{}, fmt.Errorf("%w: %v", ErrInsufficientBalance, err)
	}
	if err != nil {
		return model.Trade{}, err
	}

	metrics.TradesPlaced.WithLabelValues(string(placed.Direction), string(placed.AccountType)).Inc()
	slog.Info("trade placed",
		"trade_id", placed.ID,
		"user", placed.UserID,
		"asset", placed.AssetID,
		"direction", placed.Direction,
		"amount", placed.Amount.String(),
		"entry", placed.EntryPrice.String(),
		"account", placed.AccountType,
		"ends", placed.EndTime,
	)

	// Broadcast via WebSocket.
	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{Type: MsgTradePlaced, Trade: &placed})
	}
	return placed, nil
}

func accountBalance(b model.Balances, typ model.AccountType) decimal.Decimal {
	if typ == model.AccountLive {
		return b.Live
	}
	return b.Demo
}

// openExposures sums the user's PENDING stakes per asset.
func (s *Service) openExposures(userID string) []correlation.Exposure {
	byAsset := make(map[string]*correlation.Exposure)
	var order []string
	for _, t := range s.ledger.TradesFor(userID) {
		if t.Status != model.StatusPending {
			continue
		}
		e, ok := byAsset[t.AssetID]
		if !ok {
			var legs []string
			if inst, err := instrument.ParseSymbol(t.AssetSymbol); err == nil {
				legs = inst.Legs()
			}
			e = &correlation.Exposure{AssetID: t.AssetID, Legs: legs, Stake: decimal.Zero}
			byAsset[t.AssetID] = e
			order = append(order, t.AssetID)
		}
		e.Stake = e.Stake.Add(t.Amount)
	}
	out := make([]correlation.Exposure, 0, len(order))
	for _, id := range order {
		out = append(out, *byAsset[id])
	}
	return out
}

// SelectAccount switches the user's default sub-account.
func (s *Service) SelectAccount(userID string, typ model.AccountType) (model.Balances, error) {
	if !typ.Valid() {
		return model.Balances{}, fmt.Errorf("%w: account_type must be DEMO or LIVE", ErrValidation)
	}
	return s.ledger.SelectAccount(userID, typ)
}

// SubmitTransaction files a deposit or withdraw request for review.
func (s *Service) SubmitTransaction(userID string, typ model.TxType, method string, amount decimal.Decimal) (model.Transaction, error) {
	if userID == "" {
		return model.Transaction{}, fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	if !typ.Valid() {
		return model.Transaction{}, fmt.Errorf("%w: type must be DEPOSIT or WITHDRAW", ErrValidation)
	}
	if !amount.IsPositive() {
		return model.Transaction{}, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}

	tx, err := s.ledger.SubmitTransaction(model.Transaction{
		ID:        uuid.New().String(),
		UserID:    userID,
		Type:      typ,
		Method:    method,
		Amount:    amount,
		CreatedAt: s.clock.Now().UTC(),
	})
	if err != nil {
		return model.Transaction{}, err
	}
	slog.Info("transaction submitted", "tx_id", tx.ID, "user", userID, "type", typ, "amount", amount.String())
	return tx, nil
}

// ApproveDeposit approves a PENDING deposit, crediting the live balance.
func (s *Service) ApproveDeposit(txID string) (model.Transaction, bool, error) {
	return s.review(txID, "deposit approved", s.ledger.ApproveDeposit)
}

// RejectDeposit rejects a PENDING deposit.
func (s *Service) RejectDeposit(txID string) (model.Transaction, bool, error) {
	return s.review(txID, "deposit rejected", s.ledger.RejectDeposit)
}

// ApproveWithdrawal approves a PENDING withdrawal, debiting the live balance.
func (s *Service) ApproveWithdrawal(txID string) (model.Transaction, bool, error) {
	return s.review(txID, "withdrawal approved", s.ledger.ApproveWithdrawal)
}

// RejectWithdrawal rejects a PENDING withdrawal.
func (s *Service) RejectWithdrawal(txID string) (model.Transaction, bool, error) {
	return s.review(txID, "withdrawal rejected", s.ledger.RejectWithdrawal)
}

func (s *Service) review(txID, msg string, apply func(string) (model.Transaction, bool, error)) (model.Transaction, bool, error) {
	tx, applied, err := apply(txID)
	if err == nil && applied {
		slog.Info(msg, "tx_id", tx.ID, "user", tx.UserID, "amount", tx.Amount.String())
	}
	return tx, applied, err
}

// AdjustBalance credits (or, with a negative delta, debits) a sub-balance.
func (s *Service) AdjustBalance(userID string, typ model.AccountType, delta decimal.Decimal) (model.Balances, error) {
	if userID == "" {
		return model.Balances{}, fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	if !typ.Valid() {
		return model.Balances{}, fmt.Errorf("%w: account_type must be DEMO or LIVE", ErrValidation)
	}
	b, err := s.ledger.AdjustBalance(userID, typ, delta)
	if err != nil {
		return model.Balances{}, err
	}
	slog.Info("balance adjusted", "user", userID, "account", typ, "delta", delta.String())
	return b, nil
}

// SetOverride forces a regime on a listed asset. NORMAL clears it.
func (s *Service) SetOverride(assetID string, regime model.Regime) error {
	if _, ok := s.table.Get(assetID); !ok {
		return fmt.Errorf("%w: %s", market.ErrAssetNotFound, assetID)
	}
	if err := s.overrides.Set(assetID, regime); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if s.onChange != nil {
		s.onChange(override.TableName)
	}

	slog.Info("market override set", "asset", assetID, "regime", regime)
	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:     MsgOverride,
			Override: &model.MarketOverride{AssetID: assetID, Regime: regime},
		})
	}
	return nil
}

// --- Queries ---

// CandleSeries is the chart view of an asset.
type CandleSeries struct {
	AssetID          string         `json:"asset_id"`
	TimeFrame        string         `json:"tf"`
	Candles          []model.Candle `json:"candles"`
	RemainingSeconds float64        `json:"remaining_seconds"`
}

// Candles returns count closed candles plus the live one for tf.
func (s *Service) Candles(assetID, tf string, count int) (CandleSeries, error) {
	period, err := candle.ParseTimeFrame(tf)
	if err != nil {
		return CandleSeries{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	asset, ok := s.table.Get(assetID)
	if !ok {
		return CandleSeries{}, fmt.Errorf("%w: %s", market.ErrAssetNotFound, assetID)
	}

	now := s.clock.Now()
	return CandleSeries{
		AssetID:          asset.ID,
		TimeFrame:        tf,
		Candles:          slices.Collect(s.candles.Series(asset, now, period, count, asset.CurrentPrice)),
		RemainingSeconds: candle.Remaining(now, period).Seconds(),
	}, nil
}

// PriceQuote is a deterministic price evaluation.
type PriceQuote struct {
	AssetID   string       `json:"asset_id"`
	Timestamp int64        `json:"timestamp_ms"`
	Regime    model.Regime `json:"regime"`
	Price     float64      `json:"price"`
}

// PriceAt replays the oracle for an asset at a timestamp under the current
// override.
func (s *Service) PriceAt(assetID string, tsMs int64) (PriceQuote, error) {
	asset, ok := s.table.Get(assetID)
	if !ok {
		return PriceQuote{}, fmt.Errorf("%w: %s", market.ErrAssetNotFound, assetID)
	}
	forced := s.overrides.Regime(assetID)
	return PriceQuote{
		AssetID:   assetID,
		Timestamp: tsMs,
		Regime:    oracle.ResolveRegime(assetID, forced),
		Price:     oracle.Evaluate(assetID, tsMs, asset.BasePrice, forced),
	}, nil
}
