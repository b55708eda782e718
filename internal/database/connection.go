// internal/database/connection.go
package database

import (
	"fmt"
	"log"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/chainpay/chainpay-backend/internal/config"
	"github.com/chainpay/chainpay-backend/internal/models"
	"github.com/chainpay/chainpay-backend/internal/utils"
)

const (
	connectAttempts = 5
	connectBackoff  = 2 * time.Second
)

// Initialize opens the postgres connection and sizes the pool. The connect is
// retried a few times because the database regularly comes up after the app
// in containerized deployments.
func Initialize(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(cfg.GormLogLevel()),
	}

	var db *gorm.DB
	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		db, err = gorm.Open(postgres.Open(cfg.DSN()), gormConfig)
		if err == nil {
			break
		}
		if attempt < connectAttempts {
			log.Printf("Database not reachable (attempt %d/%d): %v", attempt, connectAttempts, err)
			time.Sleep(connectBackoff)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.MaxLifetime) * time.Second)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Println("Database connection established successfully")
	return db, nil
}

func Close(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		log.Printf("Error getting underlying sql.DB: %v", err)
		return
	}

	if err := sqlDB.Close(); err != nil {
		log.Printf("Error closing database connection: %v", err)
	} else {
		log.Println("Database connection closed successfully")
	}
}

func RunMigrations(db *gorm.DB) error {
	log.Println("Running database migrations...")

	err := db.AutoMigrate(
		&models.Merchant{},
		&models.PaymentAddress{},
		&models.Transaction{},
		&models.WebhookSubscription{},
		&models.WebhookDelivery{},
		&models.IdempotencyKey{},
	)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := createIndexes(db); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	log.Println("Database migrations completed successfully")
	return nil
}

// createIndexes adds the hot-path indexes AutoMigrate cannot express.
func createIndexes(db *gorm.DB) error {
	indexes := []string{
		// Payment address indexes
		"CREATE INDEX IF NOT EXISTS idx_payment_addresses_watch ON payment_addresses(status, monitoring_enabled, expires_at)",
		"CREATE INDEX IF NOT EXISTS idx_payment_addresses_merchant_status ON payment_addresses(merchant_id, status)",
		"CREATE INDEX IF NOT EXISTS idx_payment_addresses_created_at ON payment_addresses(created_at DESC)",

		// Transaction indexes
		"CREATE INDEX IF NOT EXISTS idx_transactions_merchant_created ON transactions(merchant_id, created_at DESC)",
		"CREATE INDEX IF NOT EXISTS idx_transactions_type_status ON transactions(transaction_type, status)",
		"CREATE INDEX IF NOT EXISTS idx_transactions_address_status ON transactions(payment_address_id, status)",
		"CREATE INDEX IF NOT EXISTS idx_transactions_settlement ON transactions(merchant_id, status) WHERE status = 'confirmed'",

		// Webhook indexes
		"CREATE INDEX IF NOT EXISTS idx_webhook_subscriptions_merchant_status ON webhook_subscriptions(merchant_id, status)",
		"CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_due ON webhook_deliveries(status, next_retry_at)",
		"CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_ordering ON webhook_deliveries(subscription_id, transaction_id, created_at)",

		// Idempotency key indexes
		"CREATE INDEX IF NOT EXISTS idx_idempotency_keys_expires ON idempotency_keys(expires_at)",
	}

	for _, index := range indexes {
		if err := db.Exec(index).Error; err != nil {
			log.Printf("Warning: Failed to create index: %s, Error: %v", index, err)
			// Continue with other indexes instead of failing completely
		}
	}

	return nil
}

// SeedInitialData creates a sandbox merchant so a fresh environment is usable
// immediately. Production gets nothing.
func SeedInitialData(db *gorm.DB, environment string) error {
	if environment == "production" {
		return nil
	}

	log.Println("Seeding initial data...")

	var merchantCount int64
	db.Model(&models.Merchant{}).Count(&merchantCount)

	if merchantCount == 0 {
		apiKey, err := utils.GenerateAPIKey()
		if err != nil {
			return fmt.Errorf("failed to generate API key: %w", err)
		}

		merchant := &models.Merchant{
			BusinessName: "Sandbox Store",
			Email:        "sandbox@chainpay.dev",
			Status:       models.MerchantStatusActive,
		}
		merchant.SetAPIKey(apiKey)

		if err := db.Create(merchant).Error; err != nil {
			return fmt.Errorf("failed to create sandbox merchant: %w", err)
		}

		// The plain key is only recoverable here; it is never stored.
		log.Printf("Sandbox merchant created, API key: %s", apiKey)
	}

	log.Println("Initial data seeding completed")
	return nil
}
