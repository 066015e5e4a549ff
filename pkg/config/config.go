// Package config handles application configuration loading from environment variables.
//
// Configuration follows the same patterns as other Open Cloud Ops modules,
// using TETHER_* prefixed environment variables with sensible defaults for
// local development. Database and Redis configuration uses the shared
// POSTGRES_* and REDIS_* prefixes. An optional .env file is read first;
// variables already set in the environment take precedence over it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store kinds accepted by TETHER_STORE.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Config holds all configuration values for Tether.
type Config struct {
	// Port is the HTTP port the API server listens on.
	Port string

	// LogLevel controls the verbosity of log output (debug, info, warn, error).
	LogLevel string
	// LogDevelopment switches to the human-readable console encoder.
	LogDevelopment bool

	// APIKey guards /api/v1. Empty disables the management API.
	APIKey string

	// MasterKey derives the credential encryption key.
	MasterKey string

	// Store selects the persistence adapter: memory, redis, postgres or sqlite.
	Store string
	// MemoryStoreMaxBytes bounds the memory store. Zero means unbounded.
	MemoryStoreMaxBytes int
	// DataDir holds the SQLite database file.
	DataDir string

	// DatabaseURL is the PostgreSQL connection string.
	DatabaseURL string

	// RedisURL is the Redis connection address.
	RedisURL string
	// RedisPrefix namespaces every key Tether writes to Redis.
	RedisPrefix string

	// BackupStoragePath is the root directory for snapshot archives.
	BackupStoragePath string

	// HealthInterval is the period between health checks.
	HealthInterval time.Duration
	// ResponseTimeThreshold marks a probe as slow.
	ResponseTimeThreshold time.Duration
	// FailureRateThreshold is a percentage in [0, 100].
	FailureRateThreshold float64
	// ConsecutiveFailureThreshold raises a critical alert.
	ConsecutiveFailureThreshold int

	// RecoveryMaxRetries bounds retries per failure kind and connection.
	RecoveryMaxRetries int
	// RecoveryBaseDelay is the first backoff wait.
	RecoveryBaseDelay time.Duration
	// RecoveryMaxDelay caps a single backoff wait. Zero means uncapped.
	RecoveryMaxDelay time.Duration
	// RecoveryStrategy is exponential or linear.
	RecoveryStrategy string

	// OfflineMaxBytes bounds the offline cache. Zero means unbounded.
	OfflineMaxBytes int
	// OfflineCompress stores cached tables zstd-compressed.
	OfflineCompress bool
	// AutoSyncInterval is the auto-sync period. Zero disables auto-sync.
	AutoSyncInterval time.Duration

	// AllowedOrigins defines the CORS allowed origins for the API.
	AllowedOrigins []string
}

// Load reads configuration from the environment and returns a Config.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: read .env: %w", err)
	}
	return fromEnv()
}

// LoadFiles reads the given env files before the environment. Missing files
// are an error.
func LoadFiles(paths ...string) (*Config, error) {
	if len(paths) > 0 {
		if err := godotenv.Load(paths...); err != nil {
			return nil, fmt.Errorf("config: read env files: %w", err)
		}
	}
	return fromEnv()
}

func fromEnv() (*Config, error) {
	cfg := &Config{
		Port:              getEnvOrDefault("TETHER_PORT", "8084"),
		LogLevel:          getEnvOrDefault("TETHER_LOG_LEVEL", "info"),
		APIKey:            os.Getenv("TETHER_API_KEY"),
		MasterKey:         os.Getenv("TETHER_MASTER_KEY"),
		Store:             strings.ToLower(getEnvOrDefault("TETHER_STORE", StoreMemory)),
		DataDir:           getEnvOrDefault("TETHER_DATA_DIR", "./data"),
		RedisPrefix:       getEnvOrDefault("TETHER_REDIS_PREFIX", "tether:"),
		BackupStoragePath: getEnvOrDefault("TETHER_BACKUP_STORAGE_PATH", "./data/backups"),
		RecoveryStrategy:  strings.ToLower(getEnvOrDefault("TETHER_RECOVERY_STRATEGY", "exponential")),
	}

	var p parser
	cfg.LogDevelopment = p.bool("TETHER_LOG_DEVELOPMENT", false)
	cfg.MemoryStoreMaxBytes = p.int("TETHER_MEMORY_STORE_MAX_BYTES", 0)
	cfg.HealthInterval = p.duration("TETHER_HEALTH_INTERVAL", 30*time.Second)
	cfg.ResponseTimeThreshold = p.duration("TETHER_RESPONSE_TIME_THRESHOLD", 2*time.Second)
	cfg.FailureRateThreshold = p.float("TETHER_FAILURE_RATE_THRESHOLD", 20)
	cfg.ConsecutiveFailureThreshold = p.int("TETHER_CONSECUTIVE_FAILURE_THRESHOLD", 3)
	cfg.RecoveryMaxRetries = p.int("TETHER_RECOVERY_MAX_RETRIES", 3)
	cfg.RecoveryBaseDelay = p.duration("TETHER_RECOVERY_BASE_DELAY", time.Second)
	cfg.RecoveryMaxDelay = p.duration("TETHER_RECOVERY_MAX_DELAY", time.Minute)
	cfg.OfflineMaxBytes = p.int("TETHER_OFFLINE_MAX_BYTES", 50<<20)
	cfg.OfflineCompress = p.bool("TETHER_OFFLINE_COMPRESS", true)
	cfg.AutoSyncInterval = p.duration("TETHER_AUTO_SYNC_INTERVAL", time.Minute)
	if p.err != nil {
		return nil, p.err
	}

	// Build PostgreSQL connection URL from individual components
	pgHost := getEnvOrDefault("POSTGRES_HOST", "localhost")
	pgPort := getEnvOrDefault("POSTGRES_PORT", "5432")
	pgDB := getEnvOrDefault("POSTGRES_DB", "tether")
	pgUser := getEnvOrDefault("POSTGRES_USER", "tether")
	pgPassword := os.Getenv("POSTGRES_PASSWORD")
	pgSSLMode := getEnvOrDefault("POSTGRES_SSLMODE", "require")

	// url.UserPassword percent-encodes reserved characters in credentials.
	dsn := &url.URL{
		Scheme:   "postgres",
		Host:     fmt.Sprintf("%s:%s", pgHost, pgPort),
		Path:     pgDB,
		RawQuery: fmt.Sprintf("sslmode=%s", pgSSLMode),
	}
	if pgPassword == "" {
		dsn.User = url.User(pgUser)
	} else {
		dsn.User = url.UserPassword(pgUser, pgPassword)
	}
	cfg.DatabaseURL = dsn.String()
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.DatabaseURL = dbURL
	}

	redisHost := getEnvOrDefault("REDIS_HOST", "localhost")
	redisPort := getEnvOrDefault("REDIS_PORT", "6379")
	cfg.RedisURL = fmt.Sprintf("%s:%s", redisHost, redisPort)
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.RedisURL = redisURL
	}

	originsStr := getEnvOrDefault("TETHER_ALLOWED_ORIGINS", "http://localhost:3000")
	for _, origin := range strings.Split(originsStr, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, origin)
		}
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set and valid.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("config: TETHER_PORT is required")
	}
	if c.MasterKey == "" {
		return fmt.Errorf("config: TETHER_MASTER_KEY is required to encrypt stored credentials")
	}
	switch c.Store {
	case StoreMemory:
	case StoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("config: Redis URL could not be constructed")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: database URL could not be constructed")
		}
	case StoreSQLite:
		if c.DataDir == "" {
			return fmt.Errorf("config: TETHER_DATA_DIR is required for the sqlite store")
		}
	default:
		return fmt.Errorf("config: unknown TETHER_STORE %q (want memory, redis, postgres or sqlite)", c.Store)
	}
	if c.BackupStoragePath == "" {
		return fmt.Errorf("config: TETHER_BACKUP_STORAGE_PATH is required")
	}
	if c.HealthInterval <= 0 {
		return fmt.Errorf("config: TETHER_HEALTH_INTERVAL must be positive")
	}
	if c.ResponseTimeThreshold <= 0 {
		return fmt.Errorf("config: TETHER_RESPONSE_TIME_THRESHOLD must be positive")
	}
	if c.FailureRateThreshold < 0 || c.FailureRateThreshold > 100 {
		return fmt.Errorf("config: TETHER_FAILURE_RATE_THRESHOLD must be between 0 and 100")
	}
	if c.ConsecutiveFailureThreshold <= 0 {
		return fmt.Errorf("config: TETHER_CONSECUTIVE_FAILURE_THRESHOLD must be positive")
	}
	if c.RecoveryMaxRetries < 0 {
		return fmt.Errorf("config: TETHER_RECOVERY_MAX_RETRIES must not be negative")
	}
	if c.RecoveryBaseDelay < 0 || c.RecoveryMaxDelay < 0 {
		return fmt.Errorf("config: recovery delays must not be negative")
	}
	if c.RecoveryStrategy != "exponential" && c.RecoveryStrategy != "linear" {
		return fmt.Errorf("config: TETHER_RECOVERY_STRATEGY must be exponential or linear, got %q", c.RecoveryStrategy)
	}
	if c.OfflineMaxBytes < 0 || c.MemoryStoreMaxBytes < 0 {
		return fmt.Errorf("config: byte limits must not be negative")
	}
	if c.AutoSyncInterval < 0 {
		return fmt.Errorf("config: TETHER_AUTO_SYNC_INTERVAL must not be negative")
	}
	return nil
}

// RedactedDatabaseURL returns DatabaseURL with the password masked for
// safe logging.
func (c *Config) RedactedDatabaseURL() string {
	u, err := url.Parse(c.DatabaseURL)
	if err != nil {
		return "<invalid>"
	}
	return u.Redacted()
}

// parser collects the first conversion error so Load can report it once.
type parser struct {
	err error
}

func (p *parser) lookup(key string) (string, bool) {
	if p.err != nil {
		return "", false
	}
	val := os.Getenv(key)
	return val, val != ""
}

func (p *parser) int(key string, def int) int {
	val, ok := p.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		p.err = fmt.Errorf("config: invalid %s value %q: %w", key, val, err)
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	val, ok := p.lookup(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		p.err = fmt.Errorf("config: invalid %s value %q: %w", key, val, err)
		return def
	}
	return f
}

func (p *parser) bool(key string, def bool) bool {
	val, ok := p.lookup(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		p.err = fmt.Errorf("config: invalid %s value %q: %w", key, val, err)
		return def
	}
	return b
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	val, ok := p.lookup(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		p.err = fmt.Errorf("config: invalid %s value %q: %w", key, val, err)
		return def
	}
	return d
}

// getEnvOrDefault returns the value of the environment variable named by key,
// or the defaultValue if the variable is not set or empty.
func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}
