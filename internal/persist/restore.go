package persist

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/atmx/otc-engine/internal/store"
)

// Restore loads every table of every source from st, in store.AllTables
// order so that users exist before anything that refers to them. Tables
// outside that list follow, sorted by name. A missing or empty snapshot
// leaves the source empty; a corrupt one is logged and skipped. Only a
// failing store aborts the restore.
func Restore(ctx context.Context, st store.Store, sources ...Source) error {
	owners := make(map[string]Source)
	var tables []string
	for _, src := range sources {
		for _, table := range src.Tables() {
			if _, dup := owners[table]; !dup {
				tables = append(tables, table)
			}
			owners[table] = src
		}
	}
	slices.SortFunc(tables, compareTables)

	for _, table := range tables {
		data, err := st.Get(ctx, table)
		if errors.Is(err, store.ErrNotFound) || (err == nil && len(data) == 0) {
			slog.Info("no snapshot, starting empty", "table", table)
			continue
		}
		if err != nil {
			return fmt.Errorf("persist: load %s: %w", table, err)
		}
		if err := owners[table].UnmarshalTable(table, data); err != nil {
			slog.Warn("corrupt snapshot ignored", "table", table, "err", err)
			continue
		}
		slog.Info("snapshot restored", "table", table, "bytes", len(data))
	}
	return nil
}

func compareTables(a, b string) int {
	ia, ib := restoreRank(a), restoreRank(b)
	if ia != ib {
		return cmp.Compare(ia, ib)
	}
	return cmp.Compare(a, b)
}

func restoreRank(table string) int {
	if i := slices.Index(store.AllTables, table); i >= 0 {
		return i
	}
	return len(store.AllTables)
}
