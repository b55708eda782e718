// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string
	Server      ServerConfig
	Database    DatabaseConfig
	JWT         JWTConfig
	Redis       RedisConfig
	AWS         AWSConfig
	Chain       ChainConfig
	Wallet      WalletConfig
	Payment     PaymentConfig
	Webhook     WebhookConfig
	Breaker     BreakerConfig
	Dispatch    DispatchConfig
	Idempotency IdempotencyConfig
	Frontend    FrontendConfig
}

type FrontendConfig struct {
	BaseURL string
}

type ServerConfig struct {
	Port         string
	Host         string
	ReadTimeout  int
	WriteTimeout int
	IdleTimeout  int
	AdminAPIKey  string // exchanged for admin JWTs; empty disables the admin surface
}

type DatabaseConfig struct {
	Host         string
	Port         string
	User         string
	Password     string
	Database     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  int
	LogLevel     string
}

type JWTConfig struct {
	SecretKey      string
	AccessTokenTTL int // in hours
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	S3Bucket        string
	CloudFrontURL   string
}

type ChainConfig struct {
	Network               string
	RPCURL                string
	ChainID               int64
	TokenContract         string
	TokenDecimals         int
	RequiredConfirmations int
	PollInterval          int // seconds
	RPCTimeout            int // seconds
	MaxBackoff            int // seconds, cap for the monitor's RPC retry backoff
}

type WalletConfig struct {
	SeedPhrase     string
	SeedPassphrase string
	HotWalletKey   string // hex private key used for settlement broadcasts
	GasLimit       uint64
}

// Underpayment grace policies. Hold keeps a short-paid address open until its
// natural expiry; expire pushes the expiry out by GracePeriod after the short
// payment lands.
const (
	GraceModeHold   = "hold"
	GraceModeExpire = "expire"
)

type PaymentConfig struct {
	UnderpaymentThreshold float64 // percent
	OverpaymentThreshold  float64 // percent
	AddressTTL            int     // seconds, default expiry for generated addresses
	GraceMode             string  // GraceModeHold or GraceModeExpire
	GracePeriod           int     // seconds, only used by GraceModeExpire
	SettlementInterval    int     // seconds between auto-settlement sweeps
}

type WebhookConfig struct {
	DeliveryTimeout int // seconds per attempt
	RetryInterval   int // base seconds for backoff
	MaxRetries      int
	SweepInterval   int // seconds between retry sweeps
}

type BreakerConfig struct {
	FailureThreshold int
	ResetTimeout     int // seconds
}

type DispatchConfig struct {
	Stream              string
	ConsumerGroup       string
	HealthCheckInterval int // seconds
	ReconnectBaseDelay  int // seconds
	ReconnectMaxDelay   int // seconds
	FallbackBufferSize  int
}

type IdempotencyConfig struct {
	KeyTTL        int // seconds
	SweepInterval int // seconds
}

func Load() (*Config, error) {
	// Load .env file if it exists
	godotenv.Load()

	config := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Port:         getEnv("SERVER_PORT", "8080"),
			Host:         getEnv("SERVER_HOST", "localhost"),
			ReadTimeout:  getEnvAsInt("SERVER_READ_TIMEOUT", 15),
			WriteTimeout: getEnvAsInt("SERVER_WRITE_TIMEOUT", 15),
			IdleTimeout:  getEnvAsInt("SERVER_IDLE_TIMEOUT", 60),
			AdminAPIKey:  getEnv("ADMIN_API_KEY", ""),
		},
		Database: DatabaseConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnv("DB_PORT", "5432"),
			User:         getEnv("DB_USER", "postgres"),
			Password:     getEnv("DB_PASSWORD", ""),
			Database:     getEnv("DB_NAME", "chainpay"),
			SSLMode:      getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 25),
			MaxLifetime:  getEnvAsInt("DB_MAX_LIFETIME", 300),
		},
		JWT: JWTConfig{
			SecretKey:      getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
			AccessTokenTTL: getEnvAsInt("JWT_ACCESS_TTL", 24), // 24 hours
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			S3Bucket:        getEnv("AWS_S3_BUCKET", "chainpay-reports"),
			CloudFrontURL:   getEnv("AWS_CLOUDFRONT_URL", ""),
		},
		Chain: ChainConfig{
			Network:               getEnv("CHAIN_NETWORK", "polygon"),
			RPCURL:                getEnv("CHAIN_RPC_URL", ""),
			ChainID:               int64(getEnvAsInt("CHAIN_ID", 137)),
			TokenContract:         getEnv("CHAIN_TOKEN_CONTRACT", ""),
			TokenDecimals:         getEnvAsInt("CHAIN_TOKEN_DECIMALS", 6),
			RequiredConfirmations: getEnvAsInt("CHAIN_REQUIRED_CONFIRMATIONS", 12),
			PollInterval:          getEnvAsInt("CHAIN_POLL_INTERVAL", 15),
			RPCTimeout:            getEnvAsInt("CHAIN_RPC_TIMEOUT", 10),
			MaxBackoff:            getEnvAsInt("CHAIN_MAX_BACKOFF", 300),
		},
		Wallet: WalletConfig{
			SeedPhrase:     getEnv("WALLET_SEED_PHRASE", ""),
			SeedPassphrase: getEnv("WALLET_SEED_PASSPHRASE", ""),
			HotWalletKey:   getEnv("WALLET_HOT_KEY", ""),
			GasLimit:       uint64(getEnvAsInt("WALLET_GAS_LIMIT", 90000)),
		},
		Payment: PaymentConfig{
			UnderpaymentThreshold: getEnvAsFloat("PAYMENT_UNDERPAYMENT_THRESHOLD", 5.0),
			OverpaymentThreshold:  getEnvAsFloat("PAYMENT_OVERPAYMENT_THRESHOLD", 5.0),
			AddressTTL:            getEnvAsInt("PAYMENT_ADDRESS_TTL", 3600),
			GraceMode:             getEnv("PAYMENT_GRACE_MODE", GraceModeHold),
			GracePeriod:           getEnvAsInt("PAYMENT_GRACE_PERIOD", 1800),
			SettlementInterval:    getEnvAsInt("PAYMENT_SETTLEMENT_INTERVAL", 300),
		},
		Webhook: WebhookConfig{
			DeliveryTimeout: getEnvAsInt("WEBHOOK_DELIVERY_TIMEOUT", 10),
			RetryInterval:   getEnvAsInt("WEBHOOK_RETRY_INTERVAL", 15),
			MaxRetries:      getEnvAsInt("WEBHOOK_MAX_RETRIES", 3),
			SweepInterval:   getEnvAsInt("WEBHOOK_SWEEP_INTERVAL", 10),
		},
		Breaker: BreakerConfig{
			FailureThreshold: getEnvAsInt("BREAKER_FAILURE_THRESHOLD", 5),
			ResetTimeout:     getEnvAsInt("BREAKER_RESET_TIMEOUT", 30),
		},
		Dispatch: DispatchConfig{
			Stream:              getEnv("DISPATCH_STREAM", "chainpay:events"),
			ConsumerGroup:       getEnv("DISPATCH_CONSUMER_GROUP", "webhook-engine"),
			HealthCheckInterval: getEnvAsInt("DISPATCH_HEALTH_INTERVAL", 10),
			ReconnectBaseDelay:  getEnvAsInt("DISPATCH_RECONNECT_BASE", 1),
			ReconnectMaxDelay:   getEnvAsInt("DISPATCH_RECONNECT_MAX", 60),
			FallbackBufferSize:  getEnvAsInt("DISPATCH_FALLBACK_BUFFER", 10000),
		},
		Idempotency: IdempotencyConfig{
			KeyTTL:        getEnvAsInt("IDEMPOTENCY_KEY_TTL", 86400),
			SweepInterval: getEnvAsInt("IDEMPOTENCY_SWEEP_INTERVAL", 3600),
		},
		Frontend: FrontendConfig{
			BaseURL: getEnv("FRONTEND_BASE_URL", "http://localhost:3000"),
		},
	}

	// Sandbox profiles settle fast so merchants can integrate without waiting on
	// real chain finality.
	if config.Environment == "sandbox" {
		config.Chain.RequiredConfirmations = getEnvAsInt("CHAIN_REQUIRED_CONFIRMATIONS", 1)
	}

	return config, config.Validate()
}

func (c *Config) Validate() error {
	if c.JWT.SecretKey == "your-secret-key-change-in-production" && c.Environment == "production" {
		return fmt.Errorf("JWT secret key must be changed in production")
	}

	if c.Database.Password == "" && c.Environment == "production" {
		return fmt.Errorf("database password is required in production")
	}

	if c.Environment == "production" {
		if c.Chain.RPCURL == "" {
			return fmt.Errorf("chain RPC URL is required in production")
		}
		if c.Chain.TokenContract == "" {
			return fmt.Errorf("token contract address is required in production")
		}
		if c.Wallet.SeedPhrase == "" {
			return fmt.Errorf("wallet seed phrase is required in production")
		}
	}

	if c.Payment.GraceMode != GraceModeHold && c.Payment.GraceMode != GraceModeExpire {
		return fmt.Errorf("invalid grace mode %q: must be hold or expire", c.Payment.GraceMode)
	}

	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(strings.ToLower(value)); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
