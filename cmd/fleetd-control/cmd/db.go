package cmd

import (
	"fleetcp.sh/internal/config"
	"fleetcp.sh/internal/database"
)

func openDatabase(cfg config.DatabaseConfig) (*database.DB, error) {
	return database.New(&database.Config{
		Driver:          cfg.Driver,
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnectTimeout:  cfg.ConnectTimeout,
	})
}
