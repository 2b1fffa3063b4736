package main

import (
	"context"
	"log"
	"time"

	"shipledger/internal/core/cache"
	"shipledger/internal/core/config"
	"shipledger/internal/core/httpclient"
	"shipledger/internal/core/logger"
	"shipledger/internal/core/server"
	"shipledger/internal/core/storage"
	exceptionadapter "shipledger/internal/features/exception/adapters"
	exceptionhandler "shipledger/internal/features/exception/handler"
	exceptionservice "shipledger/internal/features/exception/service"
	returnadapter "shipledger/internal/features/returns/adapters"
	returndomain "shipledger/internal/features/returns/domain"
	returnhandler "shipledger/internal/features/returns/handler"
	returnservice "shipledger/internal/features/returns/service"
	shipmentadapter "shipledger/internal/features/shipment/adapters"
	shipmenthandler "shipledger/internal/features/shipment/handler"
	shipmentservice "shipledger/internal/features/shipment/service"
	walletadapter "shipledger/internal/features/wallet/adapters"
	wallethandler "shipledger/internal/features/wallet/handler"
	walletports "shipledger/internal/features/wallet/ports"
	walletservice "shipledger/internal/features/wallet/service"
	"shipledger/internal/jobs/reconciler"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := logger.Init(cfg.Environment, cfg.LogLevel); err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer logger.Sync()

	l := logger.Get()
	l.Info("Application starting",
		zap.String("environment", cfg.Environment),
		zap.String("log_level", cfg.LogLevel),
	)

	// Storage
	db, err := storage.Open(cfg.Database.Path)
	if err != nil {
		l.Fatal("Failed to open database", zap.Error(err))
	}
	defer db.Close()

	// Balance cache (best effort: the app runs degraded without Redis)
	var balanceCache *walletadapter.CacheBalanceCache
	redisCache, err := cache.NewRedisAdapter(cfg.Redis.URL)
	if err == nil {
		if pingErr := redisCache.Ping(context.Background()); pingErr != nil {
			err = pingErr
		}
	}
	if err != nil {
		l.Warn("Redis unavailable, balance cache disabled", zap.Error(err))
	} else {
		defer redisCache.Close()
		balanceCache = walletadapter.NewCacheBalanceCache(redisCache,
			time.Duration(cfg.Redis.BalanceTTLSeconds)*time.Second)
		l.Info("Balance cache connected")
	}

	// Wallet
	policies := walletadapter.NewStaticTenantPolicies(
		cfg.Engine.AutoRechargeTenants,
		decimal.NewFromFloat(cfg.Engine.AutoRechargeTopUp),
	)
	var walletCache walletports.BalanceCache
	if balanceCache != nil {
		walletCache = balanceCache
	}
	wallet := walletservice.NewWalletService(
		walletadapter.NewSQLiteLedgerRepository(db),
		policies,
		walletCache,
		logger.Named("wallet"),
	)

	// Shipment state machine. The exception hooks bind after the
	// exception service exists; the ring closes below.
	exceptionHooks := shipmentadapter.NewExceptionServiceHooks()
	courierClient := httpclient.NewClient(time.Duration(cfg.Courier.TimeoutSeconds) * time.Second)
	shipments := shipmentservice.NewStateMachine(
		shipmentadapter.NewSQLiteShipmentRepository(db),
		shipmentadapter.NewHTTPCourierGateway(cfg.Courier.GatewayURL, courierClient),
		exceptionHooks,
		shipmentadapter.NewWalletLedgerHooks(wallet),
		logger.Named("shipments"),
	)

	// Return manager
	returns := returnservice.NewReturnService(
		returnadapter.NewSQLiteReturnRepository(db),
		shipments,
		returnadapter.NewWalletRTOCharger(wallet),
		returndomain.MultiplierChargePolicy{
			Multiplier: decimal.NewFromFloat(cfg.Engine.RTOChargeMultiplier),
		},
		logger.Named("returns"),
	)

	// Exception engine
	exceptions := exceptionservice.NewExceptionService(
		exceptionadapter.NewSQLiteExceptionRepository(db),
		exceptionadapter.NewReturnManagerTrigger(returns),
		time.Duration(cfg.Engine.NDRResolutionWindowHours)*time.Hour,
		logger.Named("exceptions"),
	)
	exceptionHooks.Bind(exceptions)

	// Reconciliation sweep
	sweep := reconciler.New(shipments, exceptions, returns, wallet,
		time.Duration(cfg.Engine.ReconcileIntervalSeconds)*time.Second,
		logger.Named("reconciler"),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sweep.Run(ctx)

	// Handlers
	shipmentHdl := shipmenthandler.NewShipmentHandler(shipments)
	exceptionHdl := exceptionhandler.NewExceptionHandler(exceptions)
	returnHdl := returnhandler.NewReturnHandler(returns)
	walletHdl := wallethandler.NewWalletHandler(wallet)

	srv := server.New(cfg)

	// Register Routes
	srv.App.Post("/webhooks/courier/events", shipmentHdl.PostWebhookEvent)
	srv.App.Post("/shipments", shipmentHdl.CreateShipment)
	srv.App.Get("/shipments/:id", shipmentHdl.GetShipment)
	srv.App.Get("/shipments/:id/tracking", shipmentHdl.GetCourierTracking)
	srv.App.Post("/shipments/:id/weight", shipmentHdl.RecordWeight)
	srv.App.Post("/shipments/:id/cancel", shipmentHdl.CancelShipment)
	srv.App.Post("/exceptions/:id/actions", exceptionHdl.PostAction)
	srv.App.Get("/exceptions/:id", exceptionHdl.GetException)
	srv.App.Post("/returns", returnHdl.PostTrigger)
	srv.App.Post("/returns/:id/events", returnHdl.PostEvent)
	srv.App.Post("/returns/:id/qc", returnHdl.PostQC)
	srv.App.Get("/returns/:id", returnHdl.GetReturn)
	srv.App.Get("/wallets/:tenant/balance", walletHdl.GetBalance)
	srv.App.Get("/wallets/:tenant/audit", walletHdl.GetAudit)
	srv.App.Get("/wallets/:tenant/transactions", walletHdl.ListTransactions)
	srv.App.Post("/wallets/:tenant/transactions", walletHdl.PostTransaction)
	srv.App.Post("/wallets/transactions/:id/reverse", walletHdl.PostReverse)

	if err := srv.Run(); err != nil {
		l.Fatal("Server failed to start", zap.Error(err))
	}
}
