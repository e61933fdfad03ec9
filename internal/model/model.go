// Package model defines the core domain types shared across the quote engine.
// All monetary values use shopspring/decimal, never float64.
// Quoted prices come out of the oracle as float64 and are converted to
// decimal once, when a trade captures its entry or exit price.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Regime is the noise-shaping mode that governs a synthetic price.
type Regime string

const (
	// RegimeNormal means "no override": the asset's seed picks its regime.
	// It is never stored in the override registry.
	RegimeNormal   Regime = "NORMAL"
	RegimeUp       Regime = "UP"
	RegimeDown     Regime = "DOWN"
	RegimeVolatile Regime = "VOLATILE"
	RegimeRanging  Regime = "RANGING"
)

// ParseRegime validates a regime name.
func ParseRegime(s string) (Regime, error) {
	switch r := Regime(s); r {
	case RegimeNormal, RegimeUp, RegimeDown, RegimeVolatile, RegimeRanging:
		return r, nil
	default:
		return "", fmt.Errorf("unknown regime %q", s)
	}
}

// Direction is the side of a binary trade.
type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
)

func (d Direction) Valid() bool {
	return d == DirectionUp || d == DirectionDown
}

// TradeStatus moves PENDING → WON or PENDING → LOST, exactly once.
type TradeStatus string

const (
	StatusPending TradeStatus = "PENDING"
	StatusWon     TradeStatus = "WON"
	StatusLost    TradeStatus = "LOST"
)

// Final reports whether the status is a settled outcome.
func (s TradeStatus) Final() bool {
	return s == StatusWon || s == StatusLost
}

// AccountType selects the DEMO or LIVE sub-account of a user.
type AccountType string

const (
	AccountDemo AccountType = "DEMO"
	AccountLive AccountType = "LIVE"
)

func (a AccountType) Valid() bool {
	return a == AccountDemo || a == AccountLive
}

// TxType distinguishes deposit and withdraw requests.
type TxType string

const (
	TxDeposit  TxType = "DEPOSIT"
	TxWithdraw TxType = "WITHDRAW"
)

func (t TxType) Valid() bool {
	return t == TxDeposit || t == TxWithdraw
}

// TxStatus is the administrative state of a cashier request.
type TxStatus string

const (
	TxPending  TxStatus = "PENDING"
	TxSuccess  TxStatus = "SUCCESS"
	TxRejected TxStatus = "REJECTED"
)

// Category groups assets in the catalog.
type Category string

const (
	CategoryForex       Category = "Forex"
	CategoryCrypto      Category = "Crypto"
	CategoryCommodities Category = "Commodities"
)

// Asset is a tracked OTC instrument. BasePrice never changes; CurrentPrice
// and ChangePct are replaced on every refresh tick.
type Asset struct {
	ID           string          `json:"id"`
	Symbol       string          `json:"symbol"`
	Name         string          `json:"name"`
	Category     Category        `json:"category"`
	PayoutPct    decimal.Decimal `json:"payout_pct"`
	BasePrice    float64         `json:"base_price"`
	CurrentPrice float64         `json:"current_price"`
	ChangePct    float64         `json:"change_pct"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// AssetSnapshot is the quote view of an asset.
type AssetSnapshot struct {
	AssetID   string    `json:"asset_id"`
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	ChangePct float64   `json:"change_pct"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot returns the quote view of a.
func (a Asset) Snapshot() AssetSnapshot {
	return AssetSnapshot{
		AssetID:   a.ID,
		Symbol:    a.Symbol,
		Price:     a.CurrentPrice,
		ChangePct: a.ChangePct,
		UpdatedAt: a.UpdatedAt,
	}
}

// MarketOverride forces a regime on one asset.
type MarketOverride struct {
	AssetID string `json:"asset_id"`
	Regime  Regime `json:"regime"`
}

// Trade is a time-boxed directional wager. Trades are append-only: once
// created they are only ever transitioned out of PENDING by settlement.
type Trade struct {
	ID          string           `json:"id"`
	UserID      string           `json:"user_id"`
	AssetID     string           `json:"asset_id"`
	AssetSymbol string           `json:"asset_symbol"`
	Amount      decimal.Decimal  `json:"amount"`
	Direction   Direction        `json:"direction"`
	EntryPrice  decimal.Decimal  `json:"entry_price"`
	ExitPrice   *decimal.Decimal `json:"exit_price,omitempty"`
	Status      TradeStatus      `json:"status"`
	StartTime   time.Time        `json:"start_time"`
	EndTime     time.Time        `json:"end_time"`
	PayoutPct   decimal.Decimal  `json:"payout_pct"`
	AccountType AccountType      `json:"account_type"`
	SettledAt   *time.Time       `json:"settled_at,omitempty"`
}

// Payout is the amount credited when the trade wins: the stake plus
// PayoutPct percent of it.
func (t Trade) Payout() decimal.Decimal {
	return t.Amount.Add(t.Amount.Mul(t.PayoutPct).Div(decimal.NewFromInt(100)))
}

// Balances is the query view of a user account. Both balances are
// always >= 0.
type Balances struct {
	UserID   string          `json:"user_id"`
	Demo     decimal.Decimal `json:"demo"`
	Live     decimal.Decimal `json:"live"`
	Selected AccountType     `json:"selected"`
}

// Transaction is a deposit or withdraw request awaiting administrative review.
type Transaction struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Type      TxType          `json:"type"`
	Method    string          `json:"method"`
	Amount    decimal.Decimal `json:"amount"`
	Status    TxStatus        `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// Candle is an OHLC summary of simulated price over one period.
type Candle struct {
	Time  time.Time `json:"time"`
	Open  float64   `json:"open"`
	High  float64   `json:"high"`
	Low   float64   `json:"low"`
	Close float64   `json:"close"`
	Live  bool      `json:"live,omitempty"`
}

// Up reports whether the candle closed at or above its open.
func (c Candle) Up() bool { return c.Close >= c.Open }

// Stats is the administrative summary of the ledger.
type Stats struct {
	Users                int             `json:"users"`
	OpenTrades           int             `json:"open_trades"`
	PendingDeposits      int             `json:"pending_deposits"`
	PendingDepositVolume decimal.Decimal `json:"pending_deposit_volume"`
	TotalLiveBalance     decimal.Decimal `json:"total_live_balance"`
}
