package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/portfolio-ledger/internal/api"
	"github.com/atmx/portfolio-ledger/internal/config"
	"github.com/atmx/portfolio-ledger/internal/ledger"
	"github.com/atmx/portfolio-ledger/internal/metrics"
	"github.com/atmx/portfolio-ledger/internal/oracle"
	"github.com/atmx/portfolio-ledger/internal/order"
	"github.com/atmx/portfolio-ledger/internal/store"
	"github.com/atmx/portfolio-ledger/internal/valuation"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (default $CONFIG_PATH)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(config.NewLogger(cfg.Logging.Level))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Redis (optional): price oracle and read-through cache ---
	var rdb *redis.Client
	if cfg.Storage.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Storage.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	// --- Initialize store ---
	var st store.Store
	switch {
	case cfg.Storage.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("database migration failed", "err", err)
			pool.Close()
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	case cfg.Storage.SQLitePath != "":
		lite, err := store.NewSQLiteStore(ctx, cfg.Storage.SQLitePath)
		if err != nil {
			slog.Error("sqlite open failed", "path", cfg.Storage.SQLitePath, "err", err)
			os.Exit(1)
		}
		st = lite
		slog.Info("using SQLite store", "path", cfg.Storage.SQLitePath)
	default:
		slog.Warn("DATABASE_URL and SQLITE_PATH not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// Wrap with Redis read-through cache if configured.
	if rdb != nil && cfg.Storage.CacheTTL > 0 {
		st = store.NewCachedStore(st, rdb, cfg.Storage.CacheTTL)
		slog.Info("Redis cache enabled", "ttl", cfg.Storage.CacheTTL)
	}
	cleanup = append(cleanup, func() { st.Close() })

	// --- Price oracle ---
	var prices oracle.Oracle
	if rdb != nil {
		rp := oracle.NewRedis(rdb, cfg.Prices.RedisPrefix)
		// Static entries seed Redis for development setups without an
		// ingestion service.
		if err := rp.Seed(ctx, cfg.StaticPrices()); err != nil {
			slog.Warn("seeding Redis prices failed", "err", err)
		}
		prices = rp
		slog.Info("reading prices from Redis", "prefix", cfg.Prices.RedisPrefix)
	} else {
		static := oracle.NewStatic()
		for _, q := range cfg.StaticPrices() {
			static.Set(q.Ref, q.Currency, q.Rate)
		}
		prices = static
		slog.Info("using static price table", "entries", len(cfg.Prices.Static))
	}
	if cfg.Prices.CacheTTL > 0 {
		prices = oracle.NewCached(prices, cfg.Prices.CacheTTL)
	}

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run(ctx)

	// --- Services ---
	orders := order.NewManager(st, prices, wsHub, cfg.OrderConfig())
	book := ledger.NewBook(st, cfg.RetryPolicy())
	val := valuation.NewService(st, prices, cfg.ReferenceCurrency())
	handler := api.NewHandler(orders, book, val)

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
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
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
		w.Write([]byte(`{"status":"ok","service":"portfolio-ledger"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for order events; long-lived, so no timeout.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
			handler.Mount(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.Server.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("portfolio-ledger listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down portfolio-ledger...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("portfolio-ledger stopped")
}
