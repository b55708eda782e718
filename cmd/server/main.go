// cmd/server/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/chainpay/chainpay-backend/internal/chain"
	"github.com/chainpay/chainpay-backend/internal/config"
	"github.com/chainpay/chainpay-backend/internal/database"
	"github.com/chainpay/chainpay-backend/internal/dispatch"
	"github.com/chainpay/chainpay-backend/internal/events"
	"github.com/chainpay/chainpay-backend/internal/ledger"
	"github.com/chainpay/chainpay-backend/internal/monitor"
	"github.com/chainpay/chainpay-backend/internal/router"
	"github.com/chainpay/chainpay-backend/internal/services"
	"github.com/chainpay/chainpay-backend/internal/stream"
	"github.com/chainpay/chainpay-backend/internal/wallet"
	"github.com/chainpay/chainpay-backend/internal/webhook"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	// JSON logs in production so collectors can parse them.
	if cfg.Environment == "production" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize database
	db, err := database.Initialize(cfg.Database)
	if err != nil {
		logrus.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close(db)

	// Run database migrations
	if err := database.RunMigrations(db); err != nil {
		logrus.Fatalf("Failed to run migrations: %v", err)
	}
	if err := database.SeedInitialData(db, cfg.Environment); err != nil {
		logrus.Fatalf("Failed to seed initial data: %v", err)
	}

	store := ledger.NewStore(db, ledger.NewCircuitBreaker(
		cfg.Breaker.FailureThreshold,
		time.Duration(cfg.Breaker.ResetTimeout)*time.Second,
	))

	// Event dispatch. An unreachable broker at startup is survivable: the
	// gateway buffers in memory until Redis comes back.
	broker, err := dispatch.NewRedisBroker(cfg.Redis, cfg.Dispatch)
	if err != nil {
		logrus.Warnf("Redis unreachable at startup, dispatch begins in fallback mode: %v", err)
	}
	gateway := dispatch.NewGateway(broker, cfg.Dispatch)

	// Consumer side: webhook deliveries plus the live merchant event stream.
	// Registration happens before Start so no event slips past unhandled.
	engine := webhook.NewEngine(store, cfg)
	hub := stream.NewHub()
	gateway.RegisterHandler(func(ctx context.Context, event events.Event) error {
		hub.Push(event)
		return engine.HandleEvent(ctx, event)
	})

	hub.Start()
	engine.Start()
	gateway.Start()

	// Deposit wallet
	depositWallet, err := wallet.NewWallet(cfg.Wallet)
	if err != nil {
		logrus.Fatalf("Failed to initialize wallet: %v", err)
	}

	// Initialize services
	transactions := services.NewTransactionService(store, gateway, cfg)
	addresses := services.NewAddressService(store, depositWallet, cfg)
	webhooks := services.NewWebhookService(store, engine, cfg)
	reports, err := services.NewReportService(store, cfg)
	if err != nil {
		logrus.Fatalf("Failed to initialize report service: %v", err)
	}
	reports.Start()

	// Chain monitoring and settlement run only when an RPC endpoint is
	// configured; the API surface comes up without them.
	var chainClient *chain.EthereumClient
	var chainMonitor *monitor.Monitor
	var settlements *services.SettlementService
	if cfg.Chain.RPCURL != "" {
		chainClient, err = chain.NewEthereumClient(cfg.Chain)
		if err != nil {
			logrus.Fatalf("Failed to connect to chain RPC: %v", err)
		}
		defer chainClient.Close()

		chainMonitor = monitor.New(store, chainClient, transactions, cfg)
		chainMonitor.Start()

		treasury, treasuryErr := wallet.NewTreasury(cfg.Wallet, cfg.Chain, chainClient.Broadcaster())
		if treasuryErr != nil {
			logrus.Warnf("Auto-settlement disabled, treasury unavailable: %v", treasuryErr)
		} else {
			settlements = services.NewSettlementService(store, treasury, transactions, gateway, cfg)
			settlements.Start()
		}
	} else {
		logrus.Warn("CHAIN_RPC_URL is not set, chain monitoring and settlement are disabled")
	}

	// Expired idempotency records are reaped in the background so replay
	// storage stays bounded.
	purgeStop := make(chan struct{})
	go purgeIdempotencyKeys(store, cfg.Idempotency, purgeStop)

	// Initialize router
	r := router.Initialize(router.Dependencies{
		Store:        store,
		Addresses:    addresses,
		Transactions: transactions,
		Webhooks:     webhooks,
		Reports:      reports,
		Gateway:      gateway,
		Hub:          hub,
	}, cfg)

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logrus.Infof("Starting server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("Shutting down server...")

	// Producers stop before the consumer side so queued events still drain.
	// The gateway closes the broker on its way out.
	close(purgeStop)
	if chainMonitor != nil {
		chainMonitor.Stop()
	}
	if settlements != nil {
		settlements.Stop()
	}
	reports.Stop()
	gateway.Stop()
	engine.Stop()
	hub.Stop()

	// Shutdown server
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logrus.Fatalf("Server forced to shutdown: %v", err)
	}

	logrus.Info("Server exited")
}

// purgeIdempotencyKeys deletes expired replay records on the configured
// interval.
func purgeIdempotencyKeys(store *ledger.Store, cfg config.IdempotencyConfig, stop chan struct{}) {
	ticker := time.NewTicker(time.Duration(cfg.SweepInterval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			purged, err := store.PurgeExpiredKeys(ctx, time.Now().UTC())
			cancel()
			if err != nil {
				logrus.Warnf("Failed to purge expired idempotency keys: %v", err)
				continue
			}
			if purged > 0 {
				logrus.WithField("purged", purged).Debug("Expired idempotency keys removed")
			}
		}
	}
}
