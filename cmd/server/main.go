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
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/tradecore/ledger-engine/internal/config"
	"github.com/tradecore/ledger-engine/internal/metrics"
	"github.com/tradecore/ledger-engine/internal/risk"
	"github.com/tradecore/ledger-engine/internal/settle"
	"github.com/tradecore/ledger-engine/internal/store"
	"github.com/tradecore/ledger-engine/internal/trade"
)

func main() {
	// Best effort: a local .env is a development convenience.
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config load failed:", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg.Logging))

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
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
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

	// --- Risk evaluator ---
	policy, err := riskPolicy(cfg.Risk)
	if err != nil {
		slog.Error("invalid risk policy", "err", err)
		os.Exit(1)
	}
	gate := risk.GateFunc(func(ctx context.Context, accountID string) error {
		return st.SetAccountRestricted(ctx, accountID, true)
	})
	evaluator := risk.NewEvaluator(st, policy, gate)

	// --- Settlement engine ---
	settler := settle.NewEngine(st)

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run()

	// --- Trade service ---
	tradeSvc := trade.NewService(st, evaluator, settler, wsHub, time.Duration(cfg.Engine.ScopeWait))

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
		w.Write([]byte(`{"status":"ok","service":"ledger-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time engine events.
		r.Get("/ws", wsHub.HandleWS)

		// Order lifecycle.
		r.Post("/orders", tradeSvc.PlaceOrder)
		r.Get("/orders/{orderID}", tradeSvc.GetOrderByID)
		r.Post("/orders/{orderID}/cancel", tradeSvc.CancelOrder)
		r.Get("/orders/{orderID}/executions", tradeSvc.ListOrderExecutions)

		// Execution reporting.
		r.Post("/executions", tradeSvc.RecordExecution)

		// Account queries.
		r.Get("/accounts/{accountID}/orders", tradeSvc.ListOrders)
		r.Get("/accounts/{accountID}/executions", tradeSvc.ListExecutions)
		r.Get("/accounts/{accountID}/positions", tradeSvc.ListPositions)
		r.Get("/accounts/{accountID}/lots", tradeSvc.ListLots)
		r.Get("/accounts/{accountID}/ledger", tradeSvc.ListLedger)
		r.Get("/accounts/{accountID}/balance", tradeSvc.GetBalance)
		r.Get("/accounts/{accountID}/alerts", tradeSvc.ListAlerts)

		// Risk.
		r.Post("/risk/evaluate", tradeSvc.EvaluateRisk)

		// Settlement.
		r.Post("/settlements", tradeSvc.RunSettlementBatch)
		r.Get("/settlements", tradeSvc.ListSettlements)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("ledger-engine listening", "addr", srv.Addr)
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

	slog.Info("shutting down ledger-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("ledger-engine stopped")
}

func newLogger(lc config.Logging) *slog.Logger {
	var level slog.Level
	switch lc.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func riskPolicy(rc config.Risk) (risk.Policy, error) {
	maintenance, err := decimal.NewFromString(rc.MaintenanceRatio)
	if err != nil {
		return risk.Policy{}, fmt.Errorf("maintenance_ratio: %w", err)
	}
	autoLiq, err := decimal.NewFromString(rc.AutoLiquidationRatio)
	if err != nil {
		return risk.Policy{}, fmt.Errorf("auto_liquidation_ratio: %w", err)
	}
	pct, err := decimal.NewFromString(rc.DefaultMaintenancePct)
	if err != nil {
		return risk.Policy{}, fmt.Errorf("default_maintenance_pct: %w", err)
	}
	return risk.Policy{
		MaintenanceRatio:      maintenance,
		AutoLiquidationRatio:  autoLiq,
		DefaultMaintenancePct: pct,
	}, nil
}
