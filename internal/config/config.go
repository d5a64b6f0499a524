package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all control-plane configuration, loaded from the
// environment only. cmd/fleetd-control reads a --config file into
// viper, but Load does not consult viper, so that file does not
// change these values.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Heartbeat HeartbeatConfig
	Rollout  RolloutConfig
	Webhook  WebhookConfig
	EventLog EventLogConfig
	Jobs     JobsConfig
	RateLimit RateLimitConfig
	Auth     AuthConfig
}

// ServerConfig contains HTTP surface settings.
type ServerConfig struct {
	Host            string        `env:"HOST" default:"0.0.0.0"`
	Port            int           `env:"PORT" default:"8080"`
	APIVersionPrefix string       `env:"API_VERSION_PREFIX" default:"v1"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" default:"30s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" default:"30s"`
	ShutdownGrace   time.Duration `env:"SHUTDOWN_GRACE" default:"30s"`
	CORSOrigins     []string      `env:"CORS_ORIGINS" default:""`
}

// DatabaseConfig contains the control plane's store connection settings.
type DatabaseConfig struct {
	Driver          string        `env:"DB_DRIVER" default:"sqlite3"`
	DSN             string        `env:"DATABASE_URL" default:"fleetcp.db"`
	MaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" default:"25"`
	MaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" default:"30m"`
	ConnectTimeout  time.Duration `env:"DB_CONNECT_TIMEOUT" default:"5s"`
}

// HeartbeatConfig controls the liveness monitor (component D).
type HeartbeatConfig struct {
	Enabled          bool          `env:"HEARTBEAT_ENABLED" default:"true"`
	TickInterval     time.Duration `env:"HEARTBEAT_TICK_INTERVAL" default:"60s"`
	OfflineThreshold time.Duration `env:"HEARTBEAT_OFFLINE_THRESHOLD" default:"5m"`
}

// RolloutConfig controls the orchestrator tick (component E).
type RolloutConfig struct {
	TickInterval           time.Duration `env:"ROLLOUT_TICK_INTERVAL" default:"30s"`
	DefaultMaxFailureRate  float64       `env:"ROLLOUT_DEFAULT_MAX_FAILURE_RATE" default:"0.2"`
	DefaultBatchDelay      time.Duration `env:"ROLLOUT_DEFAULT_BATCH_DELAY" default:"5m"`
	WebhookDedupWindow     time.Duration `env:"ROLLOUT_WEBHOOK_DEDUP_WINDOW" default:"0s"`
	MonitorTimeout         time.Duration `env:"ROLLOUT_MONITOR_TIMEOUT" default:"2h"`
}

// WebhookConfig controls inbound registry webhook verification.
type WebhookConfig struct {
	Secret string `env:"WEBHOOK_SECRET" default:""`
}

// EventLogConfig controls component A's partitioning and retention.
type EventLogConfig struct {
	RetentionDays       int `env:"EVENT_RETENTION_DAYS" default:"90"`
	PartitionLookaheadDays int `env:"EVENT_PARTITION_LOOKAHEAD_DAYS" default:"7"`
	MaintenanceInterval time.Duration `env:"EVENT_MAINTENANCE_INTERVAL" default:"24h"`
}

// JobsConfig controls the job dispatcher's (component H) timeout sweep.
type JobsConfig struct {
	TimeoutSweepInterval time.Duration `env:"JOBS_TIMEOUT_SWEEP_INTERVAL" default:"15s"`
}

// RateLimitConfig controls the HTTP surface's rate limiting middleware.
type RateLimitConfig struct {
	RequestsPerSecond float64 `env:"RATE_LIMIT_RPS" default:"20"`
	Burst             int     `env:"RATE_LIMIT_BURST" default:"40"`
}

// AuthConfig controls the operator-authenticated route group (spec
// §4.7's "operator credential"). Device authentication needs no
// secret, since a device authenticates with its own provisioned UUID.
type AuthConfig struct {
	OperatorJWTSecret string        `env:"OPERATOR_JWT_SECRET" default:""`
	OperatorTokenTTL  time.Duration `env:"OPERATOR_TOKEN_TTL" default:"24h"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Server.Host = getEnvString("HOST", "0.0.0.0")
	cfg.Server.Port = getEnvInt("PORT", 8080)
	cfg.Server.APIVersionPrefix = getEnvString("API_VERSION_PREFIX", "v1")
	cfg.Server.ReadTimeout = getEnvDuration("READ_TIMEOUT", 30*time.Second)
	cfg.Server.WriteTimeout = getEnvDuration("WRITE_TIMEOUT", 30*time.Second)
	cfg.Server.ShutdownGrace = getEnvDuration("SHUTDOWN_GRACE", 30*time.Second)
	if origins := getEnvString("CORS_ORIGINS", ""); origins != "" {
		cfg.Server.CORSOrigins = strings.Split(origins, ",")
	}

	cfg.Database.Driver = getEnvString("DB_DRIVER", "sqlite3")
	cfg.Database.DSN = getEnvString("DATABASE_URL", "fleetcp.db")
	cfg.Database.MaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 25)
	cfg.Database.MaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", 5)
	cfg.Database.ConnMaxLifetime = getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute)
	cfg.Database.ConnectTimeout = getEnvDuration("DB_CONNECT_TIMEOUT", 5*time.Second)

	cfg.Heartbeat.Enabled = getEnvBool("HEARTBEAT_ENABLED", true)
	cfg.Heartbeat.TickInterval = getEnvDuration("HEARTBEAT_TICK_INTERVAL", 60*time.Second)
	cfg.Heartbeat.OfflineThreshold = getEnvDuration("HEARTBEAT_OFFLINE_THRESHOLD", 5*time.Minute)

	cfg.Rollout.TickInterval = getEnvDuration("ROLLOUT_TICK_INTERVAL", 30*time.Second)
	cfg.Rollout.DefaultMaxFailureRate = getEnvFloat("ROLLOUT_DEFAULT_MAX_FAILURE_RATE", 0.2)
	cfg.Rollout.DefaultBatchDelay = getEnvDuration("ROLLOUT_DEFAULT_BATCH_DELAY", 5*time.Minute)
	cfg.Rollout.WebhookDedupWindow = getEnvDuration("ROLLOUT_WEBHOOK_DEDUP_WINDOW", 0)
	cfg.Rollout.MonitorTimeout = getEnvDuration("ROLLOUT_MONITOR_TIMEOUT", 2*time.Hour)

	cfg.Webhook.Secret = getEnvString("WEBHOOK_SECRET", "")

	cfg.EventLog.RetentionDays = getEnvInt("EVENT_RETENTION_DAYS", 90)
	cfg.EventLog.PartitionLookaheadDays = getEnvInt("EVENT_PARTITION_LOOKAHEAD_DAYS", 7)
	cfg.EventLog.MaintenanceInterval = getEnvDuration("EVENT_MAINTENANCE_INTERVAL", 24*time.Hour)

	cfg.Jobs.TimeoutSweepInterval = getEnvDuration("JOBS_TIMEOUT_SWEEP_INTERVAL", 15*time.Second)

	cfg.RateLimit.RequestsPerSecond = getEnvFloat("RATE_LIMIT_RPS", 20)
	cfg.RateLimit.Burst = getEnvInt("RATE_LIMIT_BURST", 40)

	cfg.Auth.OperatorJWTSecret = getEnvString("OPERATOR_JWT_SECRET", "")
	cfg.Auth.OperatorTokenTTL = getEnvDuration("OPERATOR_TOKEN_TTL", 24*time.Hour)

	return cfg, cfg.Validate()
}

// Validate checks if the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Database.MaxOpenConns < 1 {
		return fmt.Errorf("invalid max open conns: %d", c.Database.MaxOpenConns)
	}
	if c.Rollout.DefaultMaxFailureRate < 0 || c.Rollout.DefaultMaxFailureRate > 1 {
		return fmt.Errorf("invalid default max failure rate: %f", c.Rollout.DefaultMaxFailureRate)
	}
	if c.Heartbeat.TickInterval <= 0 {
		return fmt.Errorf("invalid heartbeat tick interval: %v", c.Heartbeat.TickInterval)
	}
	return nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
