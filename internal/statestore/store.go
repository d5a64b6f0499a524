// Package statestore implements components B (State Store) and C (ID
// Allocator): durable TargetState/CurrentState per device, the
// application/service id registry, and device registration.
package statestore

import (
	"context"
	"log/slog"

	"fleetcp.sh/internal/database"
	"fleetcp.sh/internal/eventlog"
)

// Store holds TargetState/CurrentState/device/application data and
// publishes the events spec.md §4.2 requires on every mutation.
type Store struct {
	db     *database.DB
	events *eventlog.Store
	logger *slog.Logger
}

// New creates a state store bound to db, publishing through events.
func New(db *database.DB, events *eventlog.Store) *Store {
	return &Store{
		db:     db,
		events: events,
		logger: slog.Default().With("component", "statestore"),
	}
}

// forUpdate returns the row-locking suffix appropriate for the
// configured driver. sqlite has no row-level locking, and its
// default single-connection pool already serializes writers, so the
// clause is empty there.
func (s *Store) forUpdate(ctx context.Context) string {
	if s.db.Driver() == "postgres" {
		return " FOR UPDATE"
	}
	return ""
}
