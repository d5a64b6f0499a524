package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/lib/pq"         // postgres driver
	_ "github.com/mattn/go-sqlite3" // cgo sqlite3 driver, registered as "sqlite3": the driver behind that config name
	_ "modernc.org/sqlite"         // pure-Go sqlite driver, registered as "sqlite", a name validateConfig does not accept
)

// Config holds database connection settings.
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultConfig returns driver-appropriate pool defaults. SQLite
// doesn't tolerate concurrent writers well, so it gets a single
// connection; Postgres gets a real pool.
func DefaultConfig(driver string) *Config {
	cfg := &Config{
		Driver:          driver,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnectTimeout:  5 * time.Second,
	}
	switch driver {
	case "sqlite3":
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
	case "postgres":
		cfg.MaxOpenConns = 50
		cfg.MaxIdleConns = 10
	}
	return cfg
}

// DB wraps *sql.DB with a background health check and basic metrics.
type DB struct {
	*sql.DB
	config       *Config
	logger       *slog.Logger
	metrics      *Metrics
	mu           sync.RWMutex
	closed       bool
	healthCancel context.CancelFunc
}

// Metrics tracks rolling database health observations.
type Metrics struct {
	ErrorCount    int64
	LastError     error
	LastErrorTime time.Time
}

// New connects to the configured store and starts the background
// health-check loop. Migrations are run separately via Migrator, not
// as a side effect of New, so callers can choose when schema changes
// apply.
func New(config *Config) (*DB, error) {
	if config == nil {
		return nil, errors.New("database config is nil")
	}
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	db := &DB{config: config, logger: slog.Default(), metrics: &Metrics{}}
	if err := db.connect(); err != nil {
		return nil, err
	}

	healthCtx, cancel := context.WithCancel(context.Background())
	db.healthCancel = cancel
	go db.healthCheck(healthCtx)

	return db, nil
}

func (db *DB) connect() error {
	sqlDB, err := sql.Open(db.config.Driver, db.config.DSN)
	if err != nil {
		return fmt.Errorf("open database connection: %w", err)
	}

	if db.config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(db.config.MaxOpenConns)
	}
	if db.config.MaxIdleConns >= 0 {
		sqlDB.SetMaxIdleConns(db.config.MaxIdleConns)
	}
	if db.config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(db.config.ConnMaxLifetime)
	}

	timeout := db.config.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return fmt.Errorf("ping database: %w", err)
	}

	db.DB = sqlDB
	db.logger.Info("database connection established", "driver", db.config.Driver)
	return nil
}

// Close stops the health-check loop and closes the pool.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil
	}
	db.closed = true

	if db.healthCancel != nil {
		db.healthCancel()
	}
	if db.DB != nil {
		if err := db.DB.Close(); err != nil {
			return fmt.Errorf("close database: %w", err)
		}
	}
	db.logger.Info("database connection closed")
	return nil
}

// GetMetrics returns a snapshot of health-check metrics.
func (db *DB) GetMetrics() Metrics {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return *db.metrics
}

// Driver returns the configured driver name ("postgres" or "sqlite3").
func (db *DB) Driver() string {
	return db.config.Driver
}

func validateConfig(config *Config) error {
	if config.Driver == "" {
		return errors.New("database driver is required")
	}
	if config.DSN == "" {
		return errors.New("database DSN is required")
	}
	switch config.Driver {
	case "postgres", "sqlite3":
	default:
		return errors.New("unsupported database driver")
	}
	if config.MaxOpenConns < 1 {
		config.MaxOpenConns = 1
	}
	if config.MaxIdleConns < 0 {
		config.MaxIdleConns = 0
	}
	return nil
}

func (db *DB) healthCheck(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := db.Ping(); err != nil {
				db.logger.Error("database health check failed", "error", err)
				db.mu.Lock()
				db.metrics.ErrorCount++
				db.metrics.LastError = err
				db.metrics.LastErrorTime = time.Now()
				db.mu.Unlock()
			}
		}
	}
}
