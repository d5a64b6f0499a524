package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig holds configuration for database connection retry logic.
type RetryConfig struct {
	MaxRetries     int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	ConnectTimeout time.Duration
}

// DefaultRetryConfig returns default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     10,
		InitialDelay:   1 * time.Second,
		MaxDelay:       30 * time.Second,
		ConnectTimeout: 5 * time.Second,
	}
}

func (c RetryConfig) backoffPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialDelay
	b.MaxInterval = c.MaxDelay
	return backoff.WithMaxRetries(b, uint64(c.MaxRetries))
}

// OpenWithRetry opens a database connection, retrying transient
// failures with exponential backoff up to config.MaxRetries.
func OpenWithRetry(ctx context.Context, driver, dsn string, config RetryConfig) (*sql.DB, error) {
	var db *sql.DB
	attempt := 0

	operation := func() error {
		attempt++
		slog.Info("attempting database connection", "attempt", attempt, "max_attempts", config.MaxRetries, "driver", driver)

		var err error
		db, err = sql.Open(driver, dsn)
		if err != nil {
			slog.Error("failed to open database", "error", err, "attempt", attempt)
			return err
		}

		pingCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			db.Close()
			slog.Error("database ping failed", "error", err, "attempt", attempt)
			if !isRetryableError(err) {
				return backoff.Permanent(err)
			}
			return err
		}

		slog.Info("database connection established", "attempt", attempt, "driver", driver)
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(config.backoffPolicy(), ctx)); err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, nil
}

// WaitForDatabase polls until the database responds or timeout elapses.
func WaitForDatabase(ctx context.Context, db *sql.DB, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled while waiting for database")
		case <-ticker.C:
			if err := db.Ping(); err == nil {
				return nil
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("timeout waiting for database to be ready")
			}
		}
	}
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused", "connection reset", "broken pipe",
		"no such host", "timeout", "temporary failure",
		"too many connections", "database is locked", "deadlock",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
