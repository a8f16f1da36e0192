package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"fightsync/ingestion/internal/models"
)

// Config holds all application configuration
type Config struct {
	// Provider API
	ProviderBaseURL            string        `envconfig:"PROVIDER_BASE_URL" default:"https://api.fightdata.example.com/v1"`
	ProviderAPIKey             string        `envconfig:"PROVIDER_API_KEY" required:"true"`
	ProviderAuthHeader         string        `envconfig:"PROVIDER_AUTH_HEADER" default:"X-API-Key"`
	ProviderCursorParam        string        `envconfig:"PROVIDER_CURSOR_PARAM" default:"cursor"`
	ProviderPageSize           int           `envconfig:"PROVIDER_PAGE_SIZE" default:"100"`
	ProviderRequestTimeout     time.Duration `envconfig:"PROVIDER_REQUEST_TIMEOUT" default:"30s"`
	ProviderMaxInFlight        int           `envconfig:"PROVIDER_MAX_IN_FLIGHT" default:"8"`
	ProviderMinRequestInterval time.Duration `envconfig:"PROVIDER_MIN_REQUEST_INTERVAL" default:"100ms"`
	ProviderMaxAttempts        int           `envconfig:"PROVIDER_MAX_ATTEMPTS" default:"4"`
	ProviderBackoffInitial     time.Duration `envconfig:"PROVIDER_BACKOFF_INITIAL" default:"1s"`
	ProviderBackoffMax         time.Duration `envconfig:"PROVIDER_BACKOFF_MAX" default:"30s"`

	// Sync engine
	SyncWorkers     int           `envconfig:"SYNC_WORKERS" default:"4"`
	SyncBatchSize   int           `envconfig:"SYNC_BATCH_SIZE" default:"200"`
	SyncSkipStages  []string      `envconfig:"SYNC_SKIP_STAGES"`
	SyncRunDeadline time.Duration `envconfig:"SYNC_RUN_DEADLINE" default:"2h"`
	SyncLockTTL     time.Duration `envconfig:"SYNC_LOCK_TTL" default:"3h"`

	// Database
	DatabaseHost     string `envconfig:"DATABASE_HOST" default:"localhost"`
	DatabasePort     int    `envconfig:"DATABASE_PORT" default:"5432"`
	DatabaseName     string `envconfig:"DATABASE_NAME" default:"fightsync"`
	DatabaseUser     string `envconfig:"DATABASE_USER" default:"fightsync"`
	DatabasePassword string `envconfig:"DATABASE_PASSWORD" required:"true"`
	DatabaseSSLMode  string `envconfig:"DATABASE_SSL_MODE" default:"disable"`

	// Redis
	RedisHost     string `envconfig:"REDIS_HOST" default:"localhost"`
	RedisPort     int    `envconfig:"REDIS_PORT" default:"6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// Application
	AppEnv   string `envconfig:"APP_ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Scheduler
	EnableScheduler     bool   `envconfig:"ENABLE_SCHEDULER" default:"true"`
	InitialSyncEnabled  bool   `envconfig:"INITIAL_SYNC_ENABLED" default:"true"`
	FullSyncCron        string `envconfig:"FULL_SYNC_CRON" default:"0 3 * * *"`
	IncrementalSyncCron string `envconfig:"INCREMENTAL_SYNC_CRON" default:"*/30 * * * *"`

	// Monitoring
	EnableMetrics bool `envconfig:"ENABLE_METRICS" default:"true"`
	MetricsPort   int  `envconfig:"METRICS_PORT" default:"9090"`
}

// Load loads configuration from environment variables
// It first attempts to load from .env file if present
func Load() (*Config, error) {
	// Try to load .env file (ignore error if doesn't exist)
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.ProviderAPIKey == "" {
		return fmt.Errorf("PROVIDER_API_KEY is required")
	}

	if c.DatabasePassword == "" {
		return fmt.Errorf("DATABASE_PASSWORD is required")
	}

	if c.ProviderMaxInFlight < 2 {
		return fmt.Errorf("PROVIDER_MAX_IN_FLIGHT must be at least 2, got %d", c.ProviderMaxInFlight)
	}

	// The pool throttles application parallelism, the client transport
	// parallelism; the pool must stay below the client ceiling.
	if c.SyncWorkers < 1 || c.SyncWorkers >= c.ProviderMaxInFlight {
		return fmt.Errorf("SYNC_WORKERS must be between 1 and PROVIDER_MAX_IN_FLIGHT-1 (%d), got %d",
			c.ProviderMaxInFlight-1, c.SyncWorkers)
	}

	if c.ProviderMaxAttempts < 1 {
		return fmt.Errorf("PROVIDER_MAX_ATTEMPTS must be positive")
	}

	if c.SyncBatchSize < 1 {
		return fmt.Errorf("SYNC_BATCH_SIZE must be positive")
	}

	if _, err := c.SkipStages(); err != nil {
		return fmt.Errorf("SYNC_SKIP_STAGES: %w", err)
	}

	return nil
}

// SkipStages returns the configured stages to skip
func (c *Config) SkipStages() (map[models.EntityType]bool, error) {
	skip := make(map[models.EntityType]bool, len(c.SyncSkipStages))
	for _, name := range c.SyncSkipStages {
		if name == "" {
			continue
		}
		et, err := models.ParseEntityType(name)
		if err != nil {
			return nil, err
		}
		skip[et] = true
	}
	return skip, nil
}

// DatabaseDSN returns the PostgreSQL connection string
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DatabaseHost,
		c.DatabasePort,
		c.DatabaseUser,
		c.DatabasePassword,
		c.DatabaseName,
		c.DatabaseSSLMode,
	)
}

// RedisAddr returns the Redis address
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// MustLoad loads configuration or exits on error
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	return cfg
}
