package main

import (
	"context"
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

	"github.com/gridpool/clearing-engine/internal/config"
	"github.com/gridpool/clearing-engine/internal/logging"
	"github.com/gridpool/clearing-engine/internal/market"
	"github.com/gridpool/clearing-engine/internal/metrics"
	"github.com/gridpool/clearing-engine/internal/registry"
	"github.com/gridpool/clearing-engine/internal/store"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	slog.SetDefault(logging.New(cfg.Logging.Level, cfg.Logging.Dir))

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.Storage.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.Storage.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Storage.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.Storage.RedisURL)
			if err != nil {
				slog.Error("invalid redis url", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, time.Duration(cfg.Storage.CacheTTLSec)*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("database_url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Registry ---
	var reg *registry.Memory
	if cfg.Registry.SeedFile != "" {
		reg, err = registry.LoadFile(cfg.Registry.SeedFile)
		if err != nil {
			slog.Error("registry seed failed", "err", err)
			os.Exit(1)
		}
		slog.Info("registry seeded", "file", cfg.Registry.SeedFile,
			"total_capacity", reg.TotalCapacity())
	} else {
		slog.Warn("registry seed_file not set, all submissions will be rejected")
		reg = registry.NewMemory()
	}

	// --- WebSocket hub ---
	wsHub := market.NewWSHub()
	go wsHub.Run()

	// --- Clearing engine ---
	engine := market.NewService(st, reg, nil, market.Config{
		MinPrice: cfg.Market.MinPrice,
		MaxPrice: cfg.Market.MaxPrice,
		AutoSMP:  cfg.Market.AutoSMP,
	}, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"clearing-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for engine events.
		r.Get("/ws", wsHub.HandleWS)

		// Offer book.
		r.Post("/offers", engine.HandleSubmitOffer)
		r.Get("/offers", engine.HandleListOffers)
		r.Get("/offers/{offerID}", engine.HandleGetOffer)

		// Bid ledger and demand.
		r.Post("/bids", engine.HandleSubmitBid)
		r.Get("/bids", engine.HandleListBids)
		r.Get("/bids/{bidID}", engine.HandleGetBid)
		r.Get("/demand", engine.HandleGetDemand)

		// Dispatch.
		r.Post("/smp", engine.HandleCalculateSMP)
		r.Get("/smp/{minute}", engine.HandleGetSMP)

		// Settlement.
		r.Get("/hours/{hour}/bids", engine.HandleBidHistory)
		r.Get("/hours/{hour}/dispatch", engine.HandleDispatchedOffers)
		r.Post("/hours/{hour}/pool-price", engine.HandleCalculatePoolPrice)
		r.Get("/hours/{hour}/pool-price", engine.HandleGetPoolPrice)
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
		slog.Info("clearing-engine listening", "port", cfg.Server.Port)
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

	slog.Info("shutting down clearing-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("clearing-engine stopped")
}
