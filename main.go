package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up

	"simex/config"
	"simex/internal/adapters/binanceclient"
	"simex/internal/adapters/logger"
	"simex/internal/adapters/notifier"
	"simex/internal/adapters/sqlite"
	"simex/internal/app"
	"simex/internal/settlement"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err) // Also log to stderr
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing database repository")
		}
	}()
	appLogger.Info(context.Background(), "Database repository initialized")

	// 4. Initialize Price Feed (Binance Adapter)
	feed, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.IsTestnet,
		Logger:     appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize Binance price feed")
		log.Fatalf("FATAL: Failed to initialize Binance price feed: %v", err)
	}
	appLogger.Info(context.Background(), "Binance price feed initialized")

	// Connectivity check; settlement tolerates a flaky feed, so failure here
	// is only a warning.
	pingCtx, cancelPing := context.WithTimeout(context.Background(), cfg.StorageTimeout)
	if err := feed.Ping(pingCtx); err != nil {
		appLogger.Warn(context.Background(), "Binance price feed unreachable at startup", map[string]interface{}{"error": err.Error()})
	}
	cancelPing()

	// 5. Initialize Notifier
	notify, err := notifier.New(appLogger)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize notifier")
		log.Fatalf("FATAL: Failed to initialize notifier: %v", err)
	}

	// 6. Initialize Settlement Engine
	engine, err := settlement.New(settlement.Config{
		Trades:         repo,
		Ledger:         repo,
		Feed:           feed,
		Notifier:       notify,
		Logger:         appLogger,
		StorageTimeout: cfg.StorageTimeout,
		LedgerRetryMax: cfg.LedgerRetryMax,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize settlement engine")
		log.Fatalf("FATAL: Failed to initialize settlement engine: %v", err)
	}
	appLogger.Info(context.Background(), "Settlement engine initialized")

	// 7. Initialize Application Service
	settlementService, err := app.NewSettlementService(
		cfg,
		appLogger,
		engine,
		repo, // Pass the concrete implementation, service expects the interface
	)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize settlement service")
		log.Fatalf("FATAL: Failed to initialize settlement service: %v", err)
	}
	appLogger.Info(context.Background(), "Settlement service initialized")

	// 8. Start the Service
	// Use context.Background() as the base context for the application run
	if err := settlementService.Start(context.Background()); err != nil {
		appLogger.Error(context.Background(), err, "Settlement service exited with error")
		log.Fatalf("FATAL: Settlement service exited with error: %v", err)
	}

	appLogger.Info(context.Background(), "Application finished gracefully.")
}
