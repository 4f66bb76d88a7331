package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/paykit/engine/internal/adapters/postgres"
	fakeprovider "github.com/paykit/engine/internal/adapters/provider/fake"
	"github.com/paykit/engine/internal/config"
	"github.com/paykit/engine/internal/domain/models"
	"github.com/paykit/engine/internal/domain/ports"
	callbackHandler "github.com/paykit/engine/internal/handlers/callback"
	cronHandler "github.com/paykit/engine/internal/handlers/cron"
	"github.com/paykit/engine/internal/services/engine"
	"github.com/paykit/engine/internal/services/registry"
	"github.com/paykit/engine/pkg/observability"
	"github.com/paykit/engine/pkg/shutdown"
	"github.com/paykit/engine/pkg/timeutil"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		panic(fmt.Sprintf("load config: %v", err))
	}

	logger := initLogger(cfg)
	defer logger.Sync()

	logger.Info("Starting payments engine",
		zap.String("version", "0.1.0"),
	)

	ctx := context.Background()

	dbPool, err := initDatabase(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}

	logger.Info("Database connection established",
		zap.String("database", cfg.Database.Database),
	)

	secretManager := initSecretManager(ctx, cfg, logger)

	clock := timeutil.RealClock()
	reg := initProviders(ctx, secretManager, clock, logger)

	db := postgres.NewDBExecutor(dbPool)
	eng := engine.New(engine.Config{
		PurchaseExpiresAfter:  cfg.Engine.PurchaseExpiresAfter,
		RenewalBefore:         cfg.Engine.RenewalBefore,
		LeaseTTL:              cfg.Engine.LeaseTTL,
		ConflictRetries:       cfg.Engine.ConflictRetries,
		ActionMaxAttempts:     cfg.Engine.ActionMaxAttempts,
		CascadeExpiredPrepare: cfg.Engine.CascadeExpiredPrepare,
	}, engine.Deps{
		DB:            db,
		Transactions:  postgres.NewTransactionRepository(db),
		Subscriptions: postgres.NewSubscriptionRepository(db),
		Actions:       postgres.NewActionRepository(db),
		Registry:      reg,
		Clock:         clock,
		Logger:        newZapAdapter(logger),
	})

	shutdownMgr := shutdown.NewManager(logger, 30*time.Second)
	shutdownMgr.RegisterNoErr("database", dbPool.Close)

	// Action queue worker
	workerCtx, stopWorker := context.WithCancel(ctx)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := eng.RunActionQueue(workerCtx, cfg.Engine.ActionInterval); err != nil && workerCtx.Err() == nil {
			logger.Error("Action queue worker stopped", zap.Error(err))
		}
	}()
	shutdownMgr.Register("action-queue", func(ctx context.Context) error {
		stopWorker()
		select {
		case <-workerDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	// Metrics and health server
	healthChecker := observability.NewHealthChecker(dbPool)
	metricsServer := observability.StartMetricsServer(fmt.Sprintf("%d", cfg.Server.MetricsPort), healthChecker)
	shutdownMgr.RegisterHTTPServer("metrics-server", metricsServer)

	// API server: webhook ingress plus cron-triggered reconcile passes
	apiServer := initAPIServer(cfg, eng, logger)
	shutdownMgr.RegisterHTTPServer("api-server", apiServer)

	go func() {
		logger.Info("API server listening",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port),
		)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	shutdownMgr.WaitForShutdown()
}

func initLogger(cfg *config.Config) *zap.Logger {
	if cfg.Logger.Development {
		logger, _ := zap.NewDevelopment()
		return logger
	}

	zapCfg := zap.NewProductionConfig()
	level := zapcore.InfoLevel
	if parsed, err := zapcore.ParseLevel(cfg.Logger.Level); err == nil {
		level = parsed
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	logger, _ := zapCfg.Build()
	return logger
}

// initDatabase initializes the PostgreSQL connection pool
func initDatabase(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}

	poolConfig.MaxConns = cfg.Database.MaxConns
	poolConfig.MinConns = cfg.Database.MinConns

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// initProviders registers provider adapters. The fake provider ships as
// the development back-end; real adapters register here the same way,
// pulling their credentials from the secret manager.
func initProviders(ctx context.Context, sm ports.SecretManagerAdapter, clock timeutil.Clock, logger *zap.Logger) *registry.Registry {
	fake := fakeprovider.New("fakepay", clock)
	fake.AddProduct(&models.Product{
		ID:       "premium-monthly",
		Group:    "membership",
		Type:     models.ProductTypeSubscription,
		Duration: 30 * 24 * time.Hour,
		Price:    decimal.NewFromInt(10),
		Currency: "USD",
	})
	fake.AddProduct(&models.Product{
		ID:       "premium-yearly",
		Group:    "membership",
		Type:     models.ProductTypeSubscription,
		Duration: 365 * 24 * time.Hour,
		Price:    decimal.NewFromInt(100),
		Currency: "USD",
	})
	fake.AddProduct(&models.Product{
		ID:       "coin-pack-100",
		Group:    "coins",
		Type:     models.ProductTypePurchase,
		Price:    decimal.NewFromInt(5),
		Currency: "USD",
	})

	if _, err := sm.GetSecret(ctx, "engine/providers/fakepay"); err != nil {
		logger.Warn("No credential stored for provider, continuing without one",
			zap.String("provider", "fakepay"),
			zap.Error(err),
		)
	}

	return registry.New(fake)
}

func initAPIServer(cfg *config.Config, eng *engine.Engine, logger *zap.Logger) *http.Server {
	cbHandler := callbackHandler.NewHandler(eng, logger)
	reconcileHandler := cronHandler.NewReconcileHandler(eng, logger, cfg.Server.CronSecret)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /callbacks/{provider}", cbHandler.HandleCallback)
	mux.HandleFunc("POST /cron/check-transactions", reconcileHandler.CheckTransactions)
	mux.HandleFunc("POST /cron/check-subscription-renewal", reconcileHandler.CheckSubscriptionRenewal)
	mux.HandleFunc("POST /cron/check-uncompleted-subscription", reconcileHandler.CheckUncompletedSubscription)
	mux.HandleFunc("POST /cron/drain-actions", reconcileHandler.DrainActions)

	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
