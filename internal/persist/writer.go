// Package persist writes snapshots of in-memory state to a store.Store in the
// background and loads them back at startup.
//
// Mutations only mark a table dirty; a single writer goroutine serialises the
// table and saves it, throttled by a rate limiter and retried with
// exponential backoff. Persistence failures are logged, never returned to the
// code that mutated the state.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/atmx/otc-engine/internal/metrics"
	"github.com/atmx/otc-engine/internal/store"
)

// Source is a component whose state is saved as one or more snapshot tables.
type Source interface {
	Tables() []string
	MarshalTable(table string) ([]byte, error)
	UnmarshalTable(table string, data []byte) error
}

// Writer batches dirty tables and saves them asynchronously.
type Writer struct {
	st      store.Store
	owners  map[string]Source
	limiter *rate.Limiter

	// Retry policy for a single table write.
	InitialInterval time.Duration
	MaxRetries      uint64

	mu     sync.Mutex
	dirty  map[string]struct{}
	signal chan struct{}
}

// NewWriter creates a writer that flushes at most perSecond times a second.
// perSecond <= 0 disables throttling.
func NewWriter(st store.Store, perSecond float64, sources ...Source) *Writer {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	w := &Writer{
		st:              st,
		owners:          make(map[string]Source),
		limiter:         rate.NewLimiter(limit, 1),
		InitialInterval: 100 * time.Millisecond,
		MaxRetries:      5,
		dirty:           make(map[string]struct{}),
		signal:          make(chan struct{}, 1),
	}
	for _, src := range sources {
		for _, table := range src.Tables() {
			w.owners[table] = src
		}
	}
	return w
}

// MarkDirty schedules tables for the next flush. It never blocks.
func (w *Writer) MarkDirty(tables ...string) {
	w.mu.Lock()
	for _, t := range tables {
		if _, ok := w.owners[t]; ok {
			w.dirty[t] = struct{}{}
		}
	}
	w.mu.Unlock()

	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// Pending returns the tables waiting to be flushed, sorted.
func (w *Writer) Pending() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return sortedKeys(w.dirty)
}

// Run flushes dirty tables until ctx is cancelled, then performs one final
// flush with a short grace period.
func (w *Writer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := w.Flush(final); err != nil {
				slog.Error("final snapshot flush failed", "err", err, "unsaved", w.Pending())
			}
			cancel()
			return

		case <-w.signal:
			if err := w.limiter.Wait(ctx); err != nil {
				continue // ctx cancelled; the final flush picks it up
			}
			if err := w.Flush(ctx); err != nil {
				slog.Warn("snapshot flush failed", "err", err)
			}
		}
	}
}

// Flush saves every dirty table now. Tables that could not be saved are
// marked dirty again and reported in the joined error.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	tables := sortedKeys(w.dirty)
	w.dirty = make(map[string]struct{})
	w.mu.Unlock()

	var errs []error
	for _, table := range tables {
		if err := w.save(ctx, table); err != nil {
			metrics.SnapshotWrites.WithLabelValues(table, "error").Inc()
			errs = append(errs, err)
			w.mu.Lock()
			w.dirty[table] = struct{}{}
			w.mu.Unlock()
			continue
		}
		metrics.SnapshotWrites.WithLabelValues(table, "ok").Inc()
	}
	return errors.Join(errs...)
}

func (w *Writer) save(ctx context.Context, table string) error {
	data, err := w.owners[table].MarshalTable(table)
	if err != nil {
		return fmt.Errorf("persist: encode %s: %w", table, err)
	}

	operation := func() error {
		return w.st.Put(ctx, table, data)
	}

	backoffStrategy := backoff.NewExponentialBackOff()
	backoffStrategy.InitialInterval = w.InitialInterval
	backoffStrategy.MaxElapsedTime = 30 * time.Second

	policy := backoff.WithContext(backoff.WithMaxRetries(backoffStrategy, w.MaxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return fmt.Errorf("persist: save %s: %w", table, err)
	}
	return nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
