// Package override holds the administrative market overrides: a mapping from
// asset id to a forced price regime.
package override

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/otc-engine/internal/model"
)

// ErrInvalidRegime is returned when Set receives an unknown regime.
var ErrInvalidRegime = errors.New("override: invalid regime")

// TableName is the snapshot key the registry persists under.
const TableName = "overrides"

// Registry is read on every price evaluation and written rarely, so it is
// guarded by an RWMutex. A NORMAL regime is never stored: setting it deletes
// the entry.
type Registry struct {
	mu      sync.RWMutex
	regimes map[string]model.Regime
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{regimes: make(map[string]model.Regime)}
}

// Set forces regime on assetID. Setting NORMAL removes the override.
func (r *Registry) Set(assetID string, regime model.Regime) error {
	if _, err := model.ParseRegime(string(regime)); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidRegime, regime)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if regime == model.RegimeNormal {
		delete(r.regimes, assetID)
		return nil
	}
	r.regimes[assetID] = regime
	return nil
}

// Get returns the forced regime for assetID, if any.
func (r *Registry) Get(assetID string) (model.Regime, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regime, ok := r.regimes[assetID]
	return regime, ok
}

// Regime returns the override for assetID or NORMAL when there is none.
func (r *Registry) Regime(assetID string) model.Regime {
	if regime, ok := r.Get(assetID); ok {
		return regime
	}
	return model.RegimeNormal
}

// List returns all overrides sorted by asset id.
func (r *Registry) List() []model.MarketOverride {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.MarketOverride, 0, len(r.regimes))
	for id, regime := range r.regimes {
		out = append(out, model.MarketOverride{AssetID: id, Regime: regime})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out
}

// --- Snapshot ---

// Tables lists the snapshot keys owned by the registry.
func (r *Registry) Tables() []string { return []string{TableName} }

// MarshalTable encodes the override list.
func (r *Registry) MarshalTable(table string) ([]byte, error) {
	if table != TableName {
		return nil, fmt.Errorf("override: unknown table %q", table)
	}
	return json.Marshal(r.List())
}

// UnmarshalTable replaces the registry contents from a snapshot. Entries
// with NORMAL or unknown regimes are dropped.
func (r *Registry) UnmarshalTable(table string, data []byte) error {
	if table != TableName {
		return fmt.Errorf("override: unknown table %q", table)
	}
	var list []model.MarketOverride
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("override: decode snapshot: %w", err)
	}

	next := make(map[string]model.Regime, len(list))
	for _, o := range list {
		regime, err := model.ParseRegime(string(o.Regime))
		if err != nil || regime == model.RegimeNormal || o.AssetID == "" {
			continue
		}
		next[o.AssetID] = regime
	}

	r.mu.Lock()
	r.regimes = next
	r.mu.Unlock()
	return nil
}
