package market

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/otc-engine/internal/instrument"
	"github.com/atmx/otc-engine/internal/model"
	"github.com/atmx/otc-engine/internal/oracle"
)

func TestDefaultCatalog_StableAndValid(t *testing.T) {
	a := DefaultCatalog()
	b := DefaultCatalog()
	require.Equal(t, a, b, "catalog must be identical across calls")
	require.Len(t, a, 30)

	seen := map[string]bool{}
	for _, asset := range a {
		assert.False(t, seen[asset.ID], "duplicate id %s", asset.ID)
		seen[asset.ID] = true

		assert.Greater(t, asset.BasePrice, 0.0, asset.ID)
		assert.True(t, asset.PayoutPct.GreaterThanOrEqual(decimalInt(88)), asset.ID)
		assert.True(t, asset.PayoutPct.LessThanOrEqual(decimalInt(97)), asset.ID)

		_, err := instrument.ParseSymbol(asset.Symbol)
		assert.NoError(t, err, asset.Symbol)
	}
}

func decimalInt(n int64) decimal.Decimal {
	return decimal.NewFromInt(n)
}

func TestNewTable_StartsAtBase(t *testing.T) {
	table := NewTable(DefaultCatalog())
	a, ok := table.Get("c1")
	require.True(t, ok)
	assert.Equal(t, 92450.50, a.CurrentPrice)
	assert.Equal(t, 30, table.Len())
}

func TestReprice_UpdatesAllAssets(t *testing.T) {
	table := NewTable([]model.Asset{
		{ID: "a", Symbol: "AAA/USD", BasePrice: 100},
		{ID: "b", Symbol: "BBB/USD", BasePrice: 10},
	})
	now := time.UnixMilli(1_700_000_000_000)

	snaps := table.Reprice(now, func(a model.Asset) float64 { return a.BasePrice * 1.1 })
	require.Len(t, snaps, 2)

	a, _ := table.Get("a")
	assert.InDelta(t, 110, a.CurrentPrice, 1e-9)
	assert.InDelta(t, 10, a.ChangePct, 1e-9)
	assert.Equal(t, now, a.UpdatedAt)
	assert.Equal(t, 100.0, a.BasePrice, "base price is immutable")
}

func TestSnapshot_NotFound(t *testing.T) {
	table := NewTable(nil)
	_, err := table.Snapshot("nope")
	assert.ErrorIs(t, err, ErrAssetNotFound)
}

func TestSetPrice_FloorsAtMinPrice(t *testing.T) {
	table := NewTable(DefaultCatalog())
	now := time.Now()

	for _, p := range []float64{0, -3, math.NaN()} {
		require.NoError(t, table.SetPrice("c1", p, now))
		a, _ := table.Get("c1")
		assert.Equal(t, oracle.MinPrice, a.CurrentPrice, "price %v", p)
	}

	require.ErrorIs(t, table.SetPrice("nope", 1, now), ErrAssetNotFound)
}

func TestReprice_FloorsAtMinPrice(t *testing.T) {
	table := NewTable(DefaultCatalog())
	table.Reprice(time.Now(), func(model.Asset) float64 { return -1 })
	for _, a := range table.List() {
		assert.Equal(t, oracle.MinPrice, a.CurrentPrice, a.ID)
	}
}

func TestConcurrentRepriceAndSetPrice(t *testing.T) {
	table := NewTable(DefaultCatalog())
	now := time.Now()
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			table.Reprice(now, func(a model.Asset) float64 { return a.BasePrice })
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			assert.NoError(t, table.SetPrice("c2", 3000, now))
		}
	}()
	wg.Wait()

	for _, a := range table.List() {
		assert.Greater(t, a.CurrentPrice, 0.0)
	}
}
