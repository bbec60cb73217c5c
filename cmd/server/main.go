package main

import (
	"context"
	"encoding/json"
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
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/vaultfolio/position-engine/internal/config"
	"github.com/vaultfolio/position-engine/internal/metrics"
	"github.com/vaultfolio/position-engine/internal/model"
	"github.com/vaultfolio/position-engine/internal/pricing"
	"github.com/vaultfolio/position-engine/internal/position"
	"github.com/vaultfolio/position-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := pg.EnsureSchema(ctx); err != nil {
			cancel()
			slog.Error("schema setup failed", "err", err)
			os.Exit(1)
		}
		cancel()
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Price source ---
	// VAULT_PRICES seeds a static source for development; the production
	// deployment swaps in an on-chain reader behind the same interface.
	static := pricing.Static{}
	if cfg.VaultPricesJSON != "" {
		if err := json.Unmarshal([]byte(cfg.VaultPricesJSON), &static); err != nil {
			slog.Error("invalid VAULT_PRICES", "err", err)
			os.Exit(1)
		}
	}
	normalized := pricing.Static{}
	for vault, price := range static {
		addr, err := model.NormalizeAddress(vault)
		if err != nil {
			slog.Error("invalid vault address in VAULT_PRICES", "vault", vault, "err", err)
			os.Exit(1)
		}
		normalized[addr] = price
	}
	prices := pricing.NewCache(normalized, cfg.PriceTTL)

	// --- WebSocket hub ---
	wsHub := position.NewWSHub()
	go wsHub.Run()

	// --- Position service ---
	posSvc := position.NewService(st, prices, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
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
		w.Write([]byte(`{"status":"ok","service":"position-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time ledger updates.
		r.Get("/ws", wsHub.HandleWS)

		// Ledger mutations.
		r.Post("/deposits", posSvc.RecordDeposit)
		r.Post("/redeems", posSvc.RecordRedeem)

		// Position queries.
		r.Get("/positions/{userAddress}", posSvc.GetPositions)
		r.Get("/positions/{userAddress}/{vaultAddress}", posSvc.GetPosition)

		// Portfolio queries.
		r.Get("/holdings/{userAddress}", posSvc.GetHoldings)
		r.Get("/orders/{userAddress}", posSvc.GetOrderHistory)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("position-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down position-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("position-engine stopped")
}
