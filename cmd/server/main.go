package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/otc-engine/internal/config"
	"github.com/atmx/otc-engine/internal/correlation"
	"github.com/atmx/otc-engine/internal/ledger"
	"github.com/atmx/otc-engine/internal/market"
	"github.com/atmx/otc-engine/internal/metrics"
	"github.com/atmx/otc-engine/internal/override"
	"github.com/atmx/otc-engine/internal/persist"
	"github.com/atmx/otc-engine/internal/store"
	"github.com/atmx/otc-engine/internal/ticker"
	"github.com/atmx/otc-engine/internal/trade"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	slog.SetDefault(cfg.Log.NewLogger(os.Stdout))

	// --- Initialize store ---
	st, cleanup, err := openStore(cfg.Storage)
	if err != nil {
		slog.Error("store initialization failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Core state ---
	clock := clockwork.NewRealClock()
	registry := override.NewRegistry()

	var writer *persist.Writer
	markDirty := func(tables ...string) { writer.MarkDirty(tables...) }

	book := ledger.New(
		ledger.WithClock(clock),
		ledger.WithDemoBalance(cfg.Accounts.DemoStartingBalance),
		ledger.WithChangeHook(markDirty),
	)
	writer = persist.NewWriter(st, cfg.Storage.FlushPerSecond, book, registry)

	restoreCtx, cancelRestore := context.WithTimeout(context.Background(), 30*time.Second)
	if err := persist.Restore(restoreCtx, st, book, registry); err != nil {
		cancelRestore()
		slog.Error("snapshot restore failed", "err", err)
		os.Exit(1)
	}
	cancelRestore()

	table := market.NewTable(market.DefaultCatalog())
	slog.Info("asset table loaded", "assets", table.Len(), "overrides", len(registry.List()))

	// --- Position limits ---
	limiter := correlation.NewPositionLimiter(cfg.Limits.MaxStakePerAsset, cfg.Limits.MaxCorrelatedStake)

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()

	// --- Ticker ---
	sched := ticker.New(clock, table, book, registry, wsHub, ticker.Config{
		RefreshInterval: cfg.Ticker.RefreshInterval,
		SweepInterval:   cfg.Ticker.SweepInterval,
	})
	sched.RefreshAt(clock.Now()) // serve oracle prices from the first request

	// --- Trade service ---
	tradeSvc := trade.NewService(table, book, registry, limiter, wsHub,
		trade.WithClock(clock),
		trade.WithMinStake(cfg.Limits.MinStake),
		trade.WithOverrideHook(markDirty),
	)

	// --- Background workers ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var workers sync.WaitGroup
	for _, run := range []func(context.Context){wsHub.Run, sched.Run, writer.Run} {
		workers.Add(1)
		go func() {
			defer workers.Done()
			run(ctx)
		}()
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"otc-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for price ticks and trade events.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			tradeSvc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("otc-engine listening", "port", cfg.Server.Port, "storage", cfg.Storage.Driver)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down otc-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	workers.Wait() // the writer flushes pending snapshots before returning
	fmt.Println("otc-engine stopped")
}

// openStore builds the snapshot store selected by cfg, optionally wrapped
// with the Redis cache. The returned funcs release its resources.
func openStore(cfg config.StorageConfig) (store.Store, []func(), error) {
	var (
		st      store.Store
		cleanup []func()
	)

	switch cfg.Driver {
	case config.DriverPostgres:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		st = pg
		slog.Info("connected to PostgreSQL")

	case config.DriverSQLite:
		lite, err := store.NewSQLiteStore(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		cleanup = append(cleanup, func() { lite.Close() })
		st = lite
		slog.Info("opened SQLite snapshot store", "path", cfg.DSN)

	default:
		slog.Warn("no storage configured, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// Wrap with Redis read-through cache if configured.
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			for _, fn := range cleanup {
				fn()
			}
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append([]func(){func() { rdb.Close() }}, cleanup...)
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		slog.Info("Redis cache enabled")
	}

	return st, cleanup, nil
}
