// Package market owns the tracked-asset catalog and the live asset table
// that the price refresh tick rewrites.
package market

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/atmx/otc-engine/internal/model"
	"github.com/atmx/otc-engine/internal/oracle"
)

var forexPairs = []string{
	"EUR/USD", "GBP/USD", "USD/JPY", "AUD/USD", "USD/CAD", "EUR/GBP", "EUR/JPY", "GBP/JPY",
	"NZD/USD", "USD/CHF", "AUD/JPY", "CAD/JPY", "EUR/AUD", "EUR/CAD", "GBP/CAD", "AUD/CAD",
	"NZD/JPY", "GBP/AUD", "USD/INR", "USD/PKR", "USD/BRL", "USD/TRY", "USD/ZAR", "USD/MXN",
}

// DefaultCatalog returns the static base-price table: 24 OTC forex pairs
// followed by crypto and commodity instruments. Forex base prices and
// payouts are derived from the asset seed so that every process start
// produces the same table.
func DefaultCatalog() []model.Asset {
	assets := make([]model.Asset, 0, len(forexPairs)+6)

	for i, pair := range forexPairs {
		id := fmt.Sprintf("fx-%d", i)
		seed := float64(oracle.Seed(id))
		base := math.Round((1.0+oracle.Fraction(seed+11)*2)*1e5) / 1e5
		payout := 90 + int64(oracle.Fraction(seed+13)*8)
		assets = append(assets, model.Asset{
			ID:        id,
			Symbol:    pair,
			Name:      pair + " (OTC)",
			Category:  model.CategoryForex,
			PayoutPct: decimal.NewFromInt(payout),
			BasePrice: base,
		})
	}

	assets = append(assets,
		fixed("c1", "BTC/USD", "Bitcoin (OTC)", model.CategoryCrypto, 92450.50, 92),
		fixed("c2", "ETH/USD", "Ethereum (OTC)", model.CategoryCrypto, 2840.15, 90),
		fixed("m1", "XAU/USD", "Gold (OTC)", model.CategoryCommodities, 2350.40, 95),
		fixed("m2", "XAG/USD", "Silver (OTC)", model.CategoryCommodities, 28.15, 91),
		fixed("m3", "WTI", "Crude Oil (OTC)", model.CategoryCommodities, 78.45, 88),
		fixed("c3", "SOL/USD", "Solana (OTC)", model.CategoryCrypto, 145.20, 93),
	)
	return assets
}

func fixed(id, symbol, name string, cat model.Category, base float64, payout int64) model.Asset {
	return model.Asset{
		ID:        id,
		Symbol:    symbol,
		Name:      name,
		Category:  cat,
		PayoutPct: decimal.NewFromInt(payout),
		BasePrice: base,
	}
}
