package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"os/signal"
	"syscall"

	"copyTradeBot/config"
	"copyTradeBot/internal/adapters/binancegw"
	"copyTradeBot/internal/adapters/logger"
	"copyTradeBot/internal/adapters/papergw"
	"copyTradeBot/internal/adapters/sqlite"
	"copyTradeBot/internal/adapters/telegram"
	"copyTradeBot/internal/adapters/webhook"
	"copyTradeBot/internal/app"
	"copyTradeBot/internal/ports"
	"copyTradeBot/internal/products"
	"copyTradeBot/internal/risk"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.New(logger.Config{
		Level:      cfg.LogLevel,
		Console:    cfg.LogToConsole,
		FilePath:   cfg.LogFilePath,
		MaxSizeMB:  100,
		MaxBackups: 7,
		MaxAgeDays: 30,
	})
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{
		"level": cfg.LogLevel,
		"mode":  cfg.TradingMode,
	})

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err) // Also log to stderr
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(ctx, err, "Error closing database repository")
		}
	}()
	appLogger.Info(ctx, "Database repository initialized")

	// 4. Initialize the Binance gateway. Even in paper mode it serves live
	// prices and the product catalogue; only order placement is simulated.
	binanceGw, err := binancegw.New(binancegw.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.IsTestnet,
		Logger:     appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize Binance gateway")
		log.Fatalf("FATAL: Failed to initialize Binance gateway: %v", err)
	}
	if err := binanceGw.SetServerTime(ctx); err != nil {
		appLogger.Warn(ctx, "Failed to sync server time, continuing", map[string]interface{}{"error": err.Error()})
	}
	if err := binanceGw.Ping(ctx); err != nil {
		appLogger.Warn(ctx, "Exchange unreachable at startup, continuing", map[string]interface{}{"error": err.Error()})
	}
	appLogger.Info(ctx, "Binance gateway initialized")

	// 5. Pick the order gateway for the configured mode.
	var orderGw ports.OrderGateway = binanceGw
	if cfg.IsPaper() {
		paperGw, err := papergw.New(papergw.Config{
			Prices:         binanceGw,
			Store:          repo,
			Logger:         appLogger,
			InitialBalance: cfg.PaperInitialBalance,
		})
		if err != nil {
			appLogger.Error(ctx, err, "FATAL: Failed to initialize paper gateway")
			log.Fatalf("FATAL: Failed to initialize paper gateway: %v", err)
		}
		if err := paperGw.LoadState(ctx); err != nil {
			appLogger.Error(ctx, err, "FATAL: Failed to restore paper ledger")
			log.Fatalf("FATAL: Failed to restore paper ledger: %v", err)
		}
		orderGw = paperGw
		appLogger.Info(ctx, "Paper gateway initialized", map[string]interface{}{"balance": paperGw.Balance()})
	}

	// 6. Initialize the product resolver from the persisted snapshot.
	resolver, err := products.New(products.Config{
		Source:   binanceGw,
		Repo:     repo,
		Logger:   appLogger,
		CacheTTL: cfg.ProductCacheTTL,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize product resolver")
		log.Fatalf("FATAL: Failed to initialize product resolver: %v", err)
	}
	if err := resolver.Load(ctx); err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to load product snapshot")
		log.Fatalf("FATAL: Failed to load product snapshot: %v", err)
	}

	// 7. Initialize the Telegram notifier (no-op when unconfigured).
	notifier, err := telegram.New(telegram.Config{
		BotToken: cfg.TelegramBotToken,
		ChatID:   cfg.TelegramChatID,
		Logger:   appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize Telegram notifier")
		log.Fatalf("FATAL: Failed to initialize Telegram notifier: %v", err)
	}

	// 8. Initialize the Trade Engine
	engine, err := app.NewTradeEngine(app.Config{
		Logger:         appLogger,
		Gateway:        orderGw,
		Repo:           repo,
		Resolver:       resolver,
		Validator:      risk.NewValidator(),
		Notifier:       notifier,
		Simulated:      cfg.IsPaper(),
		OrderTimeout:   cfg.OrderTimeout,
		TakerFeeRate:   cfg.TakerFeeRate,
		InitialBalance: cfg.PaperInitialBalance,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize trade engine")
		log.Fatalf("FATAL: Failed to initialize trade engine: %v", err)
	}
	appLogger.Info(ctx, "Trade engine initialized")

	// 9. Initialize the Monitor and the webhook server.
	monitor, err := app.NewMonitor(app.MonitorConfig{
		Logger:   appLogger,
		Repo:     repo,
		Prices:   orderGw,
		Closer:   engine,
		Interval: cfg.MonitorInterval,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize trade monitor")
		log.Fatalf("FATAL: Failed to initialize trade monitor: %v", err)
	}

	server, err := webhook.New(webhook.Config{
		Addr:          cfg.WebhookAddr,
		MinConfidence: cfg.MinConfidence,
		Processor:     engine,
		Logger:        appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize webhook server")
		log.Fatalf("FATAL: Failed to initialize webhook server: %v", err)
	}

	// 10. Run both loops until a signal or the first hard failure.
	errCh := make(chan error, 2)
	go func() { errCh <- monitor.Run(ctx) }()
	go func() { errCh <- server.Run(ctx) }()

	firstErr := <-errCh
	stop()
	if secondErr := <-errCh; firstErr == nil {
		firstErr = secondErr
	}

	if firstErr != nil {
		appLogger.Error(ctx, firstErr, "Application exited with error")
		log.Fatalf("FATAL: Application exited with error: %v", firstErr)
	}
	appLogger.Info(context.Background(), "Application finished gracefully.")
}
