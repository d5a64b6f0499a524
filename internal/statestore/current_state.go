package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"fleetcp.sh/internal/eventlog"
	"fleetcp.sh/internal/ferrors"
	"fleetcp.sh/internal/models"
)

// ReportCurrentState replaces a device's reported current state,
// stamps reported_at, and touches the device (the only update that
// sets online = true on an existing device).
func (s *Store) ReportCurrentState(ctx context.Context, deviceID string, doc models.StateDocument) (*models.CurrentState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "begin report current state")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	cs := models.CurrentState{DeviceID: deviceID, Doc: doc, ReportedAt: now}

	rawDoc, err := json.Marshal(cs.Doc)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "marshal current state doc")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO current_state (device_id, doc, reported_at) VALUES (?, ?, ?)
		ON CONFLICT (device_id) DO UPDATE SET doc = excluded.doc, reported_at = excluded.reported_at
	`, deviceID, string(rawDoc), now)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "persist current state")
	}

	if err := s.touchDevice(ctx, tx, deviceID, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ferrors.New(ferrors.CodeNotFound, "device not found")
		}
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "touch device")
	}

	event, err := s.events.PublishTx(ctx, tx, eventlog.PublishInput{
		Type:          models.EventCurrentStateUpdated,
		AggregateKind: "device",
		AggregateID:   deviceID,
		Payload:       map[string]any{"reported_at": now},
	})
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "publish current state event")
	}

	if err := tx.Commit(); err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "commit report current state")
	}
	s.events.Notify(event)
	return &cs, nil
}

// GetCurrentState returns a device's last reported current state.
func (s *Store) GetCurrentState(ctx context.Context, deviceID string) (*models.CurrentState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT device_id, doc, reported_at FROM current_state WHERE device_id = ?`, deviceID)

	var cs models.CurrentState
	var doc string
	if err := row.Scan(&cs.DeviceID, &doc, &cs.ReportedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ferrors.New(ferrors.CodeNotFound, "current state not found")
		}
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "load current state")
	}
	if err := json.Unmarshal([]byte(doc), &cs.Doc); err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "unmarshal current state doc")
	}
	return &cs, nil
}
