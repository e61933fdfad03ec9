package persist_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/otc-engine/internal/ledger"
	"github.com/atmx/otc-engine/internal/model"
	"github.com/atmx/otc-engine/internal/override"
	"github.com/atmx/otc-engine/internal/persist"
	"github.com/atmx/otc-engine/internal/store"
)

// flakyStore fails the first n Puts.
type flakyStore struct {
	*store.MemoryStore
	failures atomic.Int32
}

func (f *flakyStore) Put(ctx context.Context, table string, data []byte) error {
	if f.failures.Add(-1) >= 0 {
		return errors.New("disk on fire")
	}
	return f.MemoryStore.Put(ctx, table, data)
}

func TestWriter_FlushSavesDirtyTables(t *testing.T) {
	st := store.NewMemoryStore()
	reg := override.NewRegistry()
	l := ledger.New()
	w := persist.NewWriter(st, 0, l, reg)

	require.NoError(t, reg.Set("fx-1", model.RegimeUp))
	l.OpenAccount("amy")
	w.MarkDirty(store.TableOverrides, store.TableUsers, "not-a-table")
	assert.Equal(t, []string{store.TableOverrides, store.TableUsers}, w.Pending())

	require.NoError(t, w.Flush(context.Background()))
	assert.Empty(t, w.Pending())
	assert.Equal(t, 2, st.Puts())

	data, err := st.Get(context.Background(), store.TableOverrides)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"asset_id":"fx-1","regime":"UP"}]`, string(data))
}

func TestWriter_RetriesWithBackoff(t *testing.T) {
	st := &flakyStore{MemoryStore: store.NewMemoryStore()}
	st.failures.Store(2)
	reg := override.NewRegistry()
	w := persist.NewWriter(st, 0, reg)
	w.InitialInterval = time.Millisecond

	w.MarkDirty(store.TableOverrides)
	require.NoError(t, w.Flush(context.Background()))
	assert.Equal(t, 1, st.Puts())
}

func TestWriter_FailedTablesStayDirty(t *testing.T) {
	st := &flakyStore{MemoryStore: store.NewMemoryStore()}
	st.failures.Store(100)
	reg := override.NewRegistry()
	w := persist.NewWriter(st, 0, reg)
	w.InitialInterval = time.Millisecond
	w.MaxRetries = 1

	w.MarkDirty(store.TableOverrides)
	err := w.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{store.TableOverrides}, w.Pending())

	st.failures.Store(0)
	require.NoError(t, w.Flush(context.Background()))
	assert.Empty(t, w.Pending())
}

func TestWriter_RunFlushesOnChangeAndShutdown(t *testing.T) {
	st := store.NewMemoryStore()
	reg := override.NewRegistry()
	var w *persist.Writer
	l := ledger.New(ledger.WithChangeHook(func(tables ...string) { w.MarkDirty(tables...) }))
	w = persist.NewWriter(st, 1000, l, reg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	_, err := l.AdjustBalance("ben", model.AccountLive, decimal.NewFromInt(7))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := st.Get(context.Background(), store.TableUsers)
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	// A change right before shutdown is caught by the final flush.
	require.NoError(t, reg.Set("c1", model.RegimeDown))
	w.MarkDirty(store.TableOverrides)
	cancel()
	<-done

	_, err = st.Get(context.Background(), store.TableOverrides)
	assert.NoError(t, err)
}

func TestRestore_RoundTrip(t *testing.T) {
	st := store.NewMemoryStore()
	srcReg := override.NewRegistry()
	srcLedger := ledger.New()
	require.NoError(t, srcReg.Set("m1", model.RegimeVolatile))
	_, _ = srcLedger.AdjustBalance("cat", model.AccountLive, decimal.NewFromInt(42))

	w := persist.NewWriter(st, 0, srcLedger, srcReg)
	w.MarkDirty(store.AllTables...)
	require.NoError(t, w.Flush(context.Background()))

	reg := override.NewRegistry()
	l := ledger.New()
	require.NoError(t, persist.Restore(context.Background(), st, l, reg))

	assert.Equal(t, model.RegimeVolatile, reg.Regime("m1"))
	b, err := l.Balances("cat")
	require.NoError(t, err)
	assert.True(t, b.Live.Equal(decimal.NewFromInt(42)))
}

func TestRestore_MissingEmptyAndCorruptSnapshots(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.Put(ctx, store.TableUsers, []byte{}))
	require.NoError(t, st.Put(ctx, store.TableTrades, []byte(`{garbage`)))

	l := ledger.New()
	reg := override.NewRegistry()
	require.NoError(t, persist.Restore(ctx, st, l, reg))

	assert.Empty(t, reg.List())
	assert.Zero(t, l.Stats().Users)
	assert.Empty(t, l.DueTrades(time.Now().Add(time.Hour)))
}

type brokenStore struct{ store.Store }

func (brokenStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("connection refused")
}

func TestRestore_StoreFailureAborts(t *testing.T) {
	err := persist.Restore(context.Background(), brokenStore{}, override.NewRegistry())
	assert.Error(t, err)
}

// recordingSource remembers the order its tables were loaded in.
type recordingSource struct {
	tables []string
	loaded *[]string
}

func (r recordingSource) Tables() []string { return r.tables }
func (r recordingSource) MarshalTable(string) ([]byte, error) { return []byte(`[]`), nil }
func (r recordingSource) UnmarshalTable(table string, _ []byte) error {
	*r.loaded = append(*r.loaded, table)
	return nil
}

func TestRestore_FollowsTableOrder(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	for _, table := range append([]string{"zz-extra", "aa-extra"}, store.AllTables...) {
		require.NoError(t, st.Put(ctx, table, []byte(`[]`)))
	}

	var loaded []string
	late := recordingSource{tables: []string{store.TableTrades, "zz-extra", store.TableUsers}, loaded: &loaded}
	early := recordingSource{tables: []string{store.TableOverrides, "aa-extra", store.TableTransactions, store.TableAccountType}, loaded: &loaded}
	require.NoError(t, persist.Restore(ctx, st, late, early))

	assert.Equal(t, []string{
		store.TableUsers,
		store.TableAccountType,
		store.TableTransactions,
		store.TableTrades,
		store.TableOverrides,
		"aa-extra",
		"zz-extra",
	}, loaded)
}
