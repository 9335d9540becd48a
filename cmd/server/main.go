package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/papertrade/market-engine/internal/bots"
	"github.com/papertrade/market-engine/internal/config"
	"github.com/papertrade/market-engine/internal/ledger"
	"github.com/papertrade/market-engine/internal/metrics"
	"github.com/papertrade/market-engine/internal/model"
	"github.com/papertrade/market-engine/internal/store"
	"github.com/papertrade/market-engine/internal/trade"
)

func main() {
	cfg := config.Load()

	level := slog.LevelInfo
	if cfg.LogLevel == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

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
		st = store.NewPostgresStore(pool)
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

	// --- Ledger ---
	led := ledger.New(st)
	trade.DefaultStartingBalance = cfg.StartingBalance
	trade.DefaultLiquidity = cfg.DefaultLiquidity

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run()

	// --- Bot pool ---
	botPool, err := spawnBots(context.Background(), st, led, cfg.BotCount)
	if err != nil {
		slog.Error("bot setup failed", "err", err)
		os.Exit(1)
	}

	// --- Trade service ---
	tradeSvc := trade.NewService(st, led, wsHub)

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
		w.Write([]byte(`{"status":"ok","service":"market-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time price updates.
		r.Get("/ws", wsHub.HandleWS)

		// Market management.
		r.Get("/markets", tradeSvc.ListMarkets)
		r.Post("/markets", tradeSvc.CreateMarket)
		r.Get("/markets/{marketID}", tradeSvc.GetMarket)
		r.Get("/markets/{marketID}/quote", tradeSvc.Quote)
		r.Post("/markets/{marketID}/trade", tradeSvc.ExecuteTrade)
		r.Post("/markets/{marketID}/odds", tradeSvc.SetOdds)
		r.Post("/markets/{marketID}/status", tradeSvc.UpdateStatus)
		r.Post("/markets/{marketID}/resolve", tradeSvc.Resolve)
		r.Get("/markets/{marketID}/transactions", tradeSvc.MarketTransactions)

		// Users and portfolios.
		r.Post("/users", tradeSvc.CreateUser)
		r.Get("/users/{userID}", tradeSvc.GetUser)
		r.Get("/users/{userID}/transactions", tradeSvc.UserTransactions)
		r.Get("/leaderboard", tradeSvc.Leaderboard)

		// Simulated traders: one decision step per bot, driven externally
		// (cron or manual) rather than by an internal timer.
		r.Post("/bots/tick", func(w http.ResponseWriter, r *http.Request) {
			result, err := botPool.Tick(r.Context())
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(result)
		})
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
		slog.Info("market-engine listening", "port", cfg.Port)
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

	slog.Info("shutting down market-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("market-engine stopped")
}

// spawnBots creates n bot users with randomized personalities and wraps them
// in a pool. Bot balances live in the same store as human balances, so bot
// trades settle through the exact same ledger path.
func spawnBots(ctx context.Context, st store.Store, led *ledger.Ledger, n int) (*bots.Pool, error) {
	pool := make([]bots.Bot, 0, n)
	for i := 0; i < n; i++ {
		u := &model.User{
			ID:        fmt.Sprintf("bot-%02d", i+1),
			Name:      fmt.Sprintf("bot_%02d", i+1),
			Balance:   trade.DefaultStartingBalance,
			CreatedAt: time.Now().UTC(),
		}
		if err := st.CreateUser(ctx, u); err != nil && !errors.Is(err, store.ErrDuplicate) {
			return nil, err
		}
		pool = append(pool, bots.Bot{
			UserID:        u.ID,
			Name:          u.Name,
			RiskTolerance: 0.2 + rand.Float64()*0.7,
			LearningRate:  0.4 + rand.Float64()*0.5,
			Beliefs:       bots.Beliefs{},
		})
	}
	return bots.NewPool(st, led, pool), nil
}
