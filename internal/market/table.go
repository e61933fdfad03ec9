package market

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/atmx/otc-engine/internal/model"
	"github.com/atmx/otc-engine/internal/oracle"
)

// ErrAssetNotFound is returned for ids missing from the table.
var ErrAssetNotFound = errors.New("market: asset not found")

// snapshot is an immutable view of the whole table. Writers build a new
// snapshot and swap it in; readers never see a partially updated table.
type snapshot struct {
	order  []string
	assets map[string]model.Asset
}

func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		order:  make([]string, len(s.order)),
		assets: make(map[string]model.Asset, len(s.assets)),
	}
	copy(next.order, s.order)
	for id, a := range s.assets {
		next.assets[id] = a
	}
	return next
}

// Table is the live asset table.
type Table struct {
	snap atomic.Pointer[snapshot]
}

// NewTable seeds a table from a catalog. Current prices start at the base
// price until the first refresh tick.
func NewTable(catalog []model.Asset) *Table {
	s := &snapshot{assets: make(map[string]model.Asset, len(catalog))}
	for _, a := range catalog {
		if _, dup := s.assets[a.ID]; dup {
			continue
		}
		if a.CurrentPrice <= 0 {
			a.CurrentPrice = a.BasePrice
		}
		s.order = append(s.order, a.ID)
		s.assets[a.ID] = a
	}
	t := &Table{}
	t.snap.Store(s)
	return t
}

// Get returns the asset with the given id.
func (t *Table) Get(id string) (model.Asset, bool) {
	a, ok := t.snap.Load().assets[id]
	return a, ok
}

// Snapshot returns the quote view of one asset.
func (t *Table) Snapshot(id string) (model.AssetSnapshot, error) {
	a, ok := t.Get(id)
	if !ok {
		return model.AssetSnapshot{}, ErrAssetNotFound
	}
	return a.Snapshot(), nil
}

// List returns all assets in catalog order.
func (t *Table) List() []model.Asset {
	s := t.snap.Load()
	out := make([]model.Asset, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.assets[id])
	}
	return out
}

// Len returns the number of tracked assets.
func (t *Table) Len() int { return len(t.snap.Load().order) }

// Reprice applies price to every asset and swaps the new table in with a
// compare-and-swap loop. price receives a copy of each asset and returns
// its new current price.
func (t *Table) Reprice(now time.Time, price func(a model.Asset) float64) []model.AssetSnapshot {
	for {
		old := t.snap.Load()
		next := old.clone()
		out := make([]model.AssetSnapshot, 0, len(next.order))
		for _, id := range next.order {
			a := next.assets[id]
			a.CurrentPrice = floorPrice(price(a))
			if a.BasePrice > 0 {
				a.ChangePct = (a.CurrentPrice - a.BasePrice) / a.BasePrice * 100
			}
			a.UpdatedAt = now
			next.assets[id] = a
			out = append(out, a.Snapshot())
		}
		if t.snap.CompareAndSwap(old, next) {
			return out
		}
	}
}

// SetPrice overrides the current price of one asset until the next
// refresh. Prices below oracle.MinPrice are raised to it.
func (t *Table) SetPrice(id string, price float64, now time.Time) error {
	price = floorPrice(price)
	for {
		old := t.snap.Load()
		a, ok := old.assets[id]
		if !ok {
			return ErrAssetNotFound
		}
		next := old.clone()
		a.CurrentPrice = price
		if a.BasePrice > 0 {
			a.ChangePct = (price - a.BasePrice) / a.BasePrice * 100
		}
		a.UpdatedAt = now
		next.assets[id] = a
		if t.snap.CompareAndSwap(old, next) {
			return nil
		}
	}
}

// floorPrice keeps every quote strictly positive, NaN included.
func floorPrice(p float64) float64 {
	if !(p >= oracle.MinPrice) {
		return oracle.MinPrice
	}
	return p
}
