package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"fleetcp.sh/internal/eventlog"
	"fleetcp.sh/internal/ferrors"
	"fleetcp.sh/internal/models"
)

// GetTargetState returns the device's target state. If ifNoneMatch
// equals the current ETag, notModified is true and Doc/raw body are
// omitted by the caller (the HTTP layer, not this method, decides
// whether to send a body).
func (s *Store) GetTargetState(ctx context.Context, deviceID, ifNoneMatch string) (state *models.TargetState, notModified bool, err error) {
	ts, err := s.loadTargetState(ctx, s.db, deviceID)
	if err != nil {
		return nil, false, err
	}
	if ifNoneMatch != "" && ifNoneMatch == ts.ETag() {
		return ts, true, nil
	}
	return ts, false, nil
}

func (s *Store) loadTargetState(ctx context.Context, q querier, deviceID string) (*models.TargetState, error) {
	row := q.QueryRowContext(ctx, `SELECT device_id, doc, version, updated_at FROM target_state WHERE device_id = ?`, deviceID)

	var ts models.TargetState
	var doc string
	if err := row.Scan(&ts.DeviceID, &doc, &ts.Version, &ts.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ferrors.New(ferrors.CodeNotFound, "target state not found")
		}
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "load target state")
	}
	if err := json.Unmarshal([]byte(doc), &ts.Doc); err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "unmarshal target state doc")
	}
	return &ts, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ReplaceTargetState atomically replaces a device's full target state
// document, bumping version even if the content is identical (spec
// §4.2: simplicity beats dedup).
func (s *Store) ReplaceTargetState(ctx context.Context, deviceID string, doc models.StateDocument) (*models.TargetState, error) {
	return s.mutateTargetState(ctx, deviceID, models.EventTargetStateUpdated, func(cur *models.TargetState) error {
		cur.Doc = doc
		return nil
	})
}

// PatchTargetStateApp applies mutator to one app subtree, serialized
// per-device via a row lock, then persists and bumps version.
// eventType should be one of models.EventAppAdded/Updated/Removed.
func (s *Store) PatchTargetStateApp(ctx context.Context, deviceID, appKey, eventType string, mutator func(doc *models.StateDocument) error) (*models.TargetState, error) {
	return s.mutateTargetState(ctx, deviceID, eventType, func(cur *models.TargetState) error {
		return mutator(&cur.Doc)
	})
}

// SetServiceImageTag rewrites the tag of any service in the device's
// target state whose image repo matches imageName, and bumps version.
// Used by the rollout orchestrator and rollback manager.
func (s *Store) SetServiceImageTag(ctx context.Context, deviceID, imageName, newTag string) (*models.TargetState, error) {
	return s.mutateTargetState(ctx, deviceID, models.EventTargetStateUpdated, func(cur *models.TargetState) error {
		changed := false
		for appKey, app := range cur.Doc.Apps {
			for i, svc := range app.Services {
				repo, _ := models.ParseImage(svc.Config.Image)
				if repo != imageName {
					continue
				}
				app.Services[i].Config.Image = models.FormatImage(imageName, newTag)
				changed = true
			}
			cur.Doc.Apps[appKey] = app
		}
		if !changed {
			return ferrors.New(ferrors.CodeNotFound, "no service matching image found on device")
		}
		return nil
	})
}

func (s *Store) mutateTargetState(ctx context.Context, deviceID, eventType string, mutate func(*models.TargetState) error) (*models.TargetState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "begin target state mutation")
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT device_id, doc, version, updated_at FROM target_state WHERE device_id = ?`+s.forUpdate(ctx), deviceID)
	var ts models.TargetState
	var doc string
	err = row.Scan(&ts.DeviceID, &doc, &ts.Version, &ts.UpdatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		ts = models.TargetState{DeviceID: deviceID, Doc: models.NewEmptyState(), Version: 0}
	case err != nil:
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "load target state for update")
	default:
		if err := json.Unmarshal([]byte(doc), &ts.Doc); err != nil {
			return nil, ferrors.Wrap(err, ferrors.CodeInternal, "unmarshal target state doc")
		}
	}

	if err := mutate(&ts); err != nil {
		return nil, err
	}

	ts.Version++
	ts.UpdatedAt = time.Now().UTC()

	newDoc, err := json.Marshal(ts.Doc)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "marshal target state doc")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO target_state (device_id, doc, version, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (device_id) DO UPDATE SET doc = excluded.doc, version = excluded.version, updated_at = excluded.updated_at
	`, ts.DeviceID, string(newDoc), ts.Version, ts.UpdatedAt)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "persist target state")
	}

	event, err := s.events.PublishTx(ctx, tx, eventlog.PublishInput{
		Type:          eventType,
		AggregateKind: "device",
		AggregateID:   deviceID,
		Payload:       map[string]any{"version": ts.Version},
	})
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "publish target state event")
	}

	if err := tx.Commit(); err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "commit target state mutation")
	}
	s.events.Notify(event)
	return &ts, nil
}

// FindDevicesByImage returns ids of devices whose target state
// contains at least one service with the given image repo.
func (s *Store) FindDevicesByImage(ctx context.Context, imageName string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT device_id, doc FROM target_state`)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "scan target states")
	}
	defer rows.Close()

	var matches []string
	for rows.Next() {
		var deviceID, doc string
		if err := rows.Scan(&deviceID, &doc); err != nil {
			return nil, ferrors.Wrap(err, ferrors.CodeInternal, "scan target state row")
		}
		var sd models.StateDocument
		if err := json.Unmarshal([]byte(doc), &sd); err != nil {
			continue
		}
		if _, _, ok := models.FindServiceByImageRepo(sd, imageName); ok {
			matches = append(matches, deviceID)
		}
	}
	sort.Strings(matches)
	return matches, rows.Err()
}
