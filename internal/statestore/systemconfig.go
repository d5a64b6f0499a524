package statestore

import (
	"context"
	"database/sql"
	"errors"

	"fleetcp.sh/internal/ferrors"
)

// GetSystemConfig returns the raw value for key, or (nil, false) if
// unset. Used by background tasks for crash-safe progress persistence
// (notably the liveness monitor's last-sweep anchor).
func (s *Store) GetSystemConfig(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	row := s.db.QueryRowContext(ctx, `SELECT value FROM system_config WHERE key = ?`, key)
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, ferrors.Wrap(err, ferrors.CodeInternal, "read system config")
	}
	return value, true, nil
}

// SetSystemConfig upserts the raw value for key.
func (s *Store) SetSystemConfig(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_config (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "write system config")
	}
	return nil
}
