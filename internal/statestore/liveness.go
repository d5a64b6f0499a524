package statestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"fleetcp.sh/internal/eventlog"
	"fleetcp.sh/internal/ferrors"
	"fleetcp.sh/internal/models"
)

// MarkDevicesOffline flips online = false for each id and publishes
// device.offline, one transaction per device so one bad id can't abort
// the rest of the sweep. A device that no longer exists or already
// went offline is skipped rather than counted as a failure — a device
// deleted mid-sweep is neither success nor failure (spec §9).
func (s *Store) MarkDevicesOffline(ctx context.Context, ids []string) error {
	var merr *multierror.Error
	for _, id := range ids {
		if err := s.markDeviceOffline(ctx, id); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("device %s: %w", id, err))
		}
	}
	return merr.ErrorOrNil()
}

func (s *Store) markDeviceOffline(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "begin mark device offline")
	}
	defer tx.Rollback()

	var lastContact sql.NullTime
	var online bool
	row := tx.QueryRowContext(ctx, `SELECT last_contact_at, online FROM devices WHERE id = ?`+s.forUpdate(ctx), id)
	if err := row.Scan(&lastContact, &online); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return ferrors.Wrap(err, ferrors.CodeInternal, "read device for offline transition")
	}
	if !online {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `UPDATE devices SET online = FALSE WHERE id = ?`, id); err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "mark device offline")
	}

	payload := map[string]any{"reason": "liveness_sweep"}
	if lastContact.Valid {
		payload["last_contact_at"] = lastContact.Time
	}

	event, err := s.events.PublishTx(ctx, tx, eventlog.PublishInput{
		Type:          models.EventDeviceOffline,
		AggregateKind: "device",
		AggregateID:   id,
		Payload:       payload,
	})
	if err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "publish device offline event")
	}

	if err := tx.Commit(); err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "commit device offline transition")
	}
	s.events.Notify(event)
	return nil
}
