package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Engine   EngineConfig
	Secrets  SecretsConfig
	Logger   LoggerConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port        int
	Host        string
	MetricsPort int

	// CronSecret authenticates scheduler calls to the /cron endpoints
	CronSecret string
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int32
	MinConns int32
}

// EngineConfig holds the orchestration knobs
type EngineConfig struct {
	// PurchaseExpiresAfter is the payment window for prepared transactions
	PurchaseExpiresAfter time.Duration

	// RenewalBefore is how early before expiry renewals start
	RenewalBefore time.Duration

	// LeaseTTL bounds a crashed reconcile pass's single-flight lease
	LeaseTTL time.Duration

	// ActionInterval is the action queue drain interval
	ActionInterval time.Duration

	ConflictRetries   int
	ActionMaxAttempts int32

	// CascadeExpiredPrepare cancels a still-pending subscription when its
	// initiating payment dies
	CascadeExpiredPrepare bool
}

// SecretsConfig selects the secret manager backend
type SecretsConfig struct {
	// Backend: "vault", "aws", or "local"
	Backend string

	VaultAddress string
	VaultToken   string

	AWSRegion string

	// LocalPath is the base directory for the local backend
	LocalPath string
}

// LoggerConfig holds logging configuration
type LoggerConfig struct {
	Level       string // debug, info, warn, error
	Development bool
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:        getEnvAsInt("SERVER_PORT", 8080),
			Host:        getEnv("SERVER_HOST", "0.0.0.0"),
			MetricsPort: getEnvAsInt("METRICS_PORT", 9090),
			CronSecret:  getEnv("CRON_SECRET", ""),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			Database: getEnv("DB_NAME", "paykit"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
			MaxConns: int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns: int32(getEnvAsInt("DB_MIN_CONNS", 5)),
		},
		Engine: EngineConfig{
			PurchaseExpiresAfter:  getEnvAsDuration("PURCHASE_EXPIRES_AFTER", 30*time.Minute),
			RenewalBefore:         getEnvAsDuration("RENEWAL_BEFORE", 24*time.Hour),
			LeaseTTL:              getEnvAsDuration("RECONCILE_LEASE_TTL", 5*time.Minute),
			ActionInterval:        getEnvAsDuration("ACTION_INTERVAL", 10*time.Second),
			ConflictRetries:       getEnvAsInt("CONFLICT_RETRIES", 3),
			ActionMaxAttempts:     int32(getEnvAsInt("ACTION_MAX_ATTEMPTS", 5)),
			CascadeExpiredPrepare: getEnvAsBool("CASCADE_EXPIRED_PREPARE", true),
		},
		Secrets: SecretsConfig{
			Backend:      getEnv("SECRETS_BACKEND", "local"),
			VaultAddress: getEnv("VAULT_ADDR", ""),
			VaultToken:   getEnv("VAULT_TOKEN", ""),
			AWSRegion:    getEnv("AWS_REGION", "us-east-1"),
			LocalPath:    getEnv("SECRETS_LOCAL_PATH", "./secrets"),
		},
		Logger: LoggerConfig{
			Level:       getEnv("LOG_LEVEL", "info"),
			Development: getEnvAsBool("LOG_DEVELOPMENT", false),
		},
	}

	// Validate required fields
	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}
	if cfg.Server.CronSecret == "" {
		return nil, fmt.Errorf("CRON_SECRET is required")
	}
	if cfg.Secrets.Backend == "vault" && cfg.Secrets.VaultAddress == "" {
		return nil, fmt.Errorf("VAULT_ADDR is required for the vault secrets backend")
	}

	return cfg, nil
}

// ConnectionString returns PostgreSQL connection string
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
