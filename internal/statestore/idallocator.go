package statestore

import (
	"context"
	"encoding/json"

	"fleetcp.sh/internal/ferrors"
	"fleetcp.sh/internal/models"
)

// AllocateAppID draws the next app id (floor 1000) and registers it
// under name/metadata. A registry insert conflict burns the sequence
// value and draws the next one, up to five attempts, rather than
// retrying the same value: simpler than holding the sequence open in
// a transaction, and safe since sequences are cheap.
func (s *Store) AllocateAppID(ctx context.Context, name string, metadata map[string]any) (int64, error) {
	return s.allocateID(ctx, models.RegistryKindApp, name, metadata)
}

// AllocateServiceID draws the next service id (floor 1).
func (s *Store) AllocateServiceID(ctx context.Context, name string, metadata map[string]any) (int64, error) {
	return s.allocateID(ctx, models.RegistryKindService, name, metadata)
}

func (s *Store) allocateID(ctx context.Context, kind models.RegistryKind, name string, metadata map[string]any) (int64, error) {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return 0, ferrors.Wrap(err, ferrors.CodeInternal, "marshal id registry metadata")
	}

	const maxAttempts = 5
	for attempt := 0; attempt < maxAttempts; attempt++ {
		id, err := s.drawSequence(ctx, kind)
		if err != nil {
			return 0, err
		}

		_, err = s.db.ExecContext(ctx, `
			INSERT INTO id_registry (kind, id, name, metadata) VALUES (?, ?, ?, ?)
		`, string(kind), id, name, string(meta))
		if err == nil {
			return id, nil
		}
		// Conflict: the id was already registered (shouldn't happen with
		// a correctly-advancing sequence, but a concurrent writer could
		// race ahead). Burn this value and draw the next one.
		s.logger.Warn("id registry insert conflict, burning sequence value", "kind", kind, "id", id, "error", err)
	}
	return 0, ferrors.New(ferrors.CodeInternal, "exhausted id allocation attempts")
}

func (s *Store) drawSequence(ctx context.Context, kind models.RegistryKind) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, ferrors.Wrap(err, ferrors.CodeInternal, "begin sequence draw")
	}
	defer tx.Rollback()

	var next int64
	row := tx.QueryRowContext(ctx, `SELECT next_value FROM id_sequences WHERE kind = ?`+s.forUpdate(ctx), string(kind))
	if err := row.Scan(&next); err != nil {
		return 0, ferrors.Wrap(err, ferrors.CodeInternal, "read id sequence")
	}

	if _, err := tx.ExecContext(ctx, `UPDATE id_sequences SET next_value = ? WHERE kind = ?`, next+1, string(kind)); err != nil {
		return 0, ferrors.Wrap(err, ferrors.CodeInternal, "advance id sequence")
	}

	if err := tx.Commit(); err != nil {
		return 0, ferrors.Wrap(err, ferrors.CodeInternal, "commit sequence draw")
	}
	return next, nil
}

// RegistryEntries lists every id ever allocated under kind, for
// diagnostics.
func (s *Store) RegistryEntries(ctx context.Context, kind models.RegistryKind) ([]models.RegistryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, id, name, metadata FROM id_registry WHERE kind = ? ORDER BY id ASC`, string(kind))
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "list id registry entries")
	}
	defer rows.Close()

	var entries []models.RegistryEntry
	for rows.Next() {
		var e models.RegistryEntry
		var kindStr, meta string
		if err := rows.Scan(&kindStr, &e.ID, &e.Name, &meta); err != nil {
			return nil, ferrors.Wrap(err, ferrors.CodeInternal, "scan id registry entry")
		}
		e.Kind = models.RegistryKind(kindStr)
		if meta != "" {
			_ = json.Unmarshal([]byte(meta), &e.Metadata)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
