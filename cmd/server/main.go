package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/lemonstand/market-engine/internal/auction"
	"github.com/lemonstand/market-engine/internal/config"
	"github.com/lemonstand/market-engine/internal/game"
	"github.com/lemonstand/market-engine/internal/metrics"
	"github.com/lemonstand/market-engine/internal/orderbook"
	"github.com/lemonstand/market-engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := store.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
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

	// --- Game session ---
	mm := orderbook.DefaultMarketMakerConfig()
	mm.PoolShares = cfg.MMPoolShares
	mm.LowWater = cfg.MMLowWater

	session, err := game.NewSession(cfg.CompanyNames, cfg.SharesPerCompany, game.Options{
		StartingCash:     cfg.StartingCash,
		FloorPrice:       cfg.IPOFloorPrice,
		Policy:           auction.Policy(cfg.UndersubscriptionPolicy),
		BotCount:         cfg.BotCount,
		BotSeed:          cfg.BotSeed,
		AllowMultipleCEO: cfg.AllowMultipleCEO,
		MarketMaker:      mm,
		Logger:           logger,
	})
	if err != nil {
		slog.Error("failed to create game session", "err", err)
		os.Exit(1)
	}

	// --- WebSocket hub ---
	wsHub := game.NewWSHub(logger)
	go wsHub.Run(ctx)

	gameSvc := game.NewService(session, st, wsHub, logger)

	if cfg.BotTickEvery > 0 {
		go runBotTicker(ctx, gameSvc, cfg.BotTickEvery)
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
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
		fmt.Fprintf(w, `{"status":"ok","service":"market-engine","phase":%q}`, session.Phase())
	})

	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/ws", wsHub.HandleWS)
		gameSvc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		slog.Info("market-engine listening",
			"port", cfg.Port,
			"companies", len(cfg.CompanyNames),
			"bot_tick_every", cfg.BotTickEvery,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down market-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("market-engine stopped")
}

// runBotTicker drives bot turns while trading is open. Ticks outside the
// trading phase are skipped quietly.
func runBotTicker(ctx context.Context, svc *game.Service, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resp, err := svc.Tick(ctx)
			if err != nil {
				slog.Debug("bot tick skipped", "err", err)
				continue
			}
			if len(resp.Trades) > 0 {
				slog.Info("bot tick", "orders", resp.Orders, "trades", len(resp.Trades))
			}
		}
	}
}
