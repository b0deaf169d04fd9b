package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/joho/godotenv"
)

// DefaultProgramID is the deployed FairSwap program.
const DefaultProgramID = "GUijjz5VNLUkPSw9KKvH5ntUNoJuSDbWQDXZSrQgx9fW"

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	LogLevel string

	// Database configuration
	DatabaseURL    string
	MigrateOnStart bool

	// Solana configuration
	SolanaRPCURL         string
	ProgramID            solana.PublicKey
	RPCTimeout           time.Duration
	RPCMaxRetries        int
	RPCRetryBackoff      time.Duration
	RPCRequestsPerSecond float64

	// Indexer configuration
	IndexerID           string
	IDLPath             string
	PollInterval        time.Duration
	SignatureBatchLimit int
	MaxFetchAttempts    int

	// Ops server
	MetricsAddr string

	// Optional sinks and cache. Empty disables the component.
	NATSURL            string
	RedisAddr          string
	ResolverCacheTTL   time.Duration
	ClickHouseAddr     string
	ClickHouseDatabase string
	ClickHouseUsername string
	ClickHousePassword string
}

// Load reads configuration from environment variables and validates all required fields.
// A .env file in the working directory is read first if present; variables
// already set in the environment take precedence.
func Load() (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	cfg := &Config{}
	var errs []error

	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}
	migrate, err := parseBool("MIGRATE_ON_START", true)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.MigrateOnStart = migrate

	cfg.SolanaRPCURL = getEnvOrDefault("SOLANA_RPC_URL", "https://api.devnet.solana.com")
	programID := getEnvOrDefault("PROGRAM_ID", DefaultProgramID)
	cfg.ProgramID, err = solana.PublicKeyFromBase58(programID)
	if err != nil {
		errs = append(errs, fmt.Errorf("PROGRAM_ID: invalid public key %q: %w", programID, err))
	}

	if cfg.RPCTimeout, err = parseDuration("RPC_TIMEOUT", "15s"); err != nil {
		errs = append(errs, err)
	}
	if cfg.RPCMaxRetries, err = parseInt("RPC_MAX_RETRIES", 3); err != nil {
		errs = append(errs, err)
	}
	if cfg.RPCRetryBackoff, err = parseDuration("RPC_RETRY_BACKOFF", "500ms"); err != nil {
		errs = append(errs, err)
	}
	if cfg.RPCRequestsPerSecond, err = parseFloat("RPC_REQUESTS_PER_SECOND", 5); err != nil {
		errs = append(errs, err)
	}

	cfg.IndexerID = getEnvOrDefault("INDEXER_ID", "fair_swap")
	cfg.IDLPath = os.Getenv("IDL_PATH")
	if cfg.PollInterval, err = parseDuration("POLL_INTERVAL", "2s"); err != nil {
		errs = append(errs, err)
	}
	if cfg.SignatureBatchLimit, err = parseInt("SIGNATURE_BATCH_LIMIT", 100); err != nil {
		errs = append(errs, err)
	}
	if cfg.MaxFetchAttempts, err = parseInt("MAX_FETCH_ATTEMPTS", 3); err != nil {
		errs = append(errs, err)
	}

	cfg.MetricsAddr = getEnvOrDefault("METRICS_ADDR", ":9091")

	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	if cfg.ResolverCacheTTL, err = parseDuration("RESOLVER_CACHE_TTL", "24h"); err != nil {
		errs = append(errs, err)
	}
	cfg.ClickHouseAddr = os.Getenv("CLICKHOUSE_ADDR")
	cfg.ClickHouseDatabase = getEnvOrDefault("CLICKHOUSE_DATABASE", "default")
	cfg.ClickHouseUsername = getEnvOrDefault("CLICKHOUSE_USERNAME", "default")
	cfg.ClickHousePassword = os.Getenv("CLICKHOUSE_PASSWORD")

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DatabaseURL is required"))
	}
	if c.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SolanaRPCURL is required"))
	}
	if c.ProgramID == (solana.PublicKey{}) {
		errs = append(errs, fmt.Errorf("ProgramID is required"))
	}
	if c.IndexerID == "" {
		errs = append(errs, fmt.Errorf("IndexerID is required"))
	}
	if c.PollInterval < 100*time.Millisecond {
		errs = append(errs, fmt.Errorf("PollInterval must be at least 100ms"))
	}
	if c.SignatureBatchLimit < 1 || c.SignatureBatchLimit > 1000 {
		errs = append(errs, fmt.Errorf("SignatureBatchLimit must be between 1 and 1000"))
	}
	if c.MaxFetchAttempts < 1 {
		errs = append(errs, fmt.Errorf("MaxFetchAttempts must be at least 1"))
	}
	if c.RPCTimeout <= 0 {
		errs = append(errs, fmt.Errorf("RPCTimeout must be positive"))
	}
	if c.RPCMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("RPCMaxRetries cannot be negative"))
	}
	if c.RPCRequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("RPCRequestsPerSecond cannot be negative"))
	}
	if c.RedisAddr != "" && c.ResolverCacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("ResolverCacheTTL must be positive when Redis is enabled"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %w", errors.Join(errs...))
	}
	return nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

func parseFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q: %w", key, value, err)
	}
	return result, nil
}

func parseBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: invalid boolean %q: %w", key, value, err)
	}
	return result, nil
}
