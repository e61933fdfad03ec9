package override

import (
	"errors"
	"sync"
	"testing"

	"github.com/atmx/otc-engine/internal/model"
	"github.com/atmx/otc-engine/internal/oracle"
)

func TestSet_UpsertAndGet(t *testing.T) {
	r := NewRegistry()

	if err := r.Set("fx-1", model.RegimeUp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Set("fx-1", model.RegimeVolatile); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, ok := r.Get("fx-1")
	if !ok || got != model.RegimeVolatile {
		t.Errorf("expected VOLATILE, got %q (ok=%v)", got, ok)
	}
	if len(r.List()) != 1 {
		t.Errorf("expected 1 override, got %d", len(r.List()))
	}
}

func TestSet_NormalDeletes(t *testing.T) {
	r := NewRegistry()
	r.Set("fx-1", model.RegimeDown)
	r.Set("fx-1", model.RegimeNormal)

	if _, ok := r.Get("fx-1"); ok {
		t.Error("NORMAL should remove the entry")
	}
	if r.Regime("fx-1") != model.RegimeNormal {
		t.Errorf("expected NORMAL fallback, got %s", r.Regime("fx-1"))
	}
	for _, o := range r.List() {
		if o.Regime == model.RegimeNormal {
			t.Error("NORMAL must never be stored")
		}
	}
}

func TestSet_InvalidRegime(t *testing.T) {
	r := NewRegistry()
	err := r.Set("fx-1", "SIDEWAYS")
	if !errors.Is(err, ErrInvalidRegime) {
		t.Errorf("expected ErrInvalidRegime, got %v", err)
	}
}

func TestOverrideRoundTrip_MatchesBaseline(t *testing.T) {
	const id = "c1"
	const base = 92450.50

	baseline := make([]float64, 0, 200)
	for ts := int64(0); ts < 200; ts++ {
		baseline = append(baseline, oracle.Evaluate(id, 1_700_000_000_000+ts*997, base, ""))
	}

	r := NewRegistry()
	r.Set(id, model.RegimeVolatile)
	r.Set(id, model.RegimeNormal)

	for i, ts := 0, int64(0); ts < 200; i, ts = i+1, ts+1 {
		got := oracle.Evaluate(id, 1_700_000_000_000+ts*997, base, r.Regime(id))
		if got != baseline[i] {
			t.Fatalf("price at sample %d drifted after override round trip: %v != %v", i, got, baseline[i])
		}
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	r := NewRegistry()
	r.Set("fx-2", model.RegimeRanging)
	r.Set("m1", model.RegimeUp)

	data, err := r.MarshalTable(TableName)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	restored := NewRegistry()
	if err := restored.UnmarshalTable(TableName, data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := restored.Regime("fx-2"); got != model.RegimeRanging {
		t.Errorf("expected RANGING, got %s", got)
	}
	if got := restored.Regime("m1"); got != model.RegimeUp {
		t.Errorf("expected UP, got %s", got)
	}
}

func TestUnmarshal_DropsNormalAndUnknown(t *testing.T) {
	r := NewRegistry()
	data := []byte(`[{"asset_id":"a","regime":"NORMAL"},{"asset_id":"b","regime":"WILD"},{"asset_id":"c","regime":"DOWN"}]`)
	if err := r.UnmarshalTable(TableName, data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(r.List()) != 1 {
		t.Fatalf("expected only the DOWN override to survive, got %v", r.List())
	}
}

func TestConcurrentReadersAndWriter(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				r.Get("fx-1")
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		regimes := []model.Regime{model.RegimeUp, model.RegimeNormal, model.RegimeRanging}
		for j := 0; j < 300; j++ {
			r.Set("fx-1", regimes[j%len(regimes)])
		}
	}()
	wg.Wait()
}
