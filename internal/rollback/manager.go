// Package rollback implements the rollout orchestrator's revert path
// (component G): rewriting a device's target state back to the image
// tag it ran before a rollout touched it.
package rollback

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"

	"fleetcp.sh/internal/eventlog"
	"fleetcp.sh/internal/ferrors"
	"fleetcp.sh/internal/metrics"
	"fleetcp.sh/internal/models"
	"fleetcp.sh/internal/statestore"
)

// maxConcurrentRollbacks bounds fan-out for batch/fleet-wide rollback,
// the same bounded-worker-pool shape as the teacher's snapshot
// rollback loop.
const maxConcurrentRollbacks = 8

// Manager rewrites target state back to a rollout's oldTag.
type Manager struct {
	db     *sql.DB
	state  *statestore.Store
	events *eventlog.Store
	logger *slog.Logger
}

// New builds a rollback manager. db is the raw *sql.DB because
// Manager only ever does simple, non-transactional reads/writes
// against device_rollout_status; state mutations go through state via
// statestore, which owns its own transactions.
func New(db *sql.DB, state *statestore.Store, events *eventlog.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{db: db, state: state, events: events, logger: logger.With("component", "rollback")}
}

// Result tallies the outcome of a batch or fleet-wide rollback.
type Result struct {
	RolledBack int
	Failed     int
	Errors     []error
}

// RollbackDevice reverts one device's target state to oldTag and
// marks its device_rollout_status row rolledBack. It is the unit every
// other rollback operation is built from.
func (m *Manager) RollbackDevice(ctx context.Context, rolloutID, deviceID string) (err error) {
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		metrics.RolloutRollbacksTotal.WithLabelValues(outcome).Inc()
	}()

	var imageName string
	var oldTag sql.NullString
	row := m.db.QueryRowContext(ctx, `SELECT image_name, old_tag FROM rollouts WHERE rollout_id = ?`, rolloutID)
	if err := row.Scan(&imageName, &oldTag); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ferrors.New(ferrors.CodeNotFound, "rollout not found")
		}
		return ferrors.Wrap(err, ferrors.CodeInternal, "load rollout for rollback")
	}
	if !oldTag.Valid {
		return ferrors.New(ferrors.CodeInvalidInput, "rollout has no recorded old tag to roll back to")
	}

	if _, err := m.state.SetServiceImageTag(ctx, deviceID, imageName, oldTag.String); err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err := m.db.ExecContext(ctx, `
		UPDATE device_rollout_status
		SET status = ?, update_completed_at = ?
		WHERE rollout_id = ? AND device_id = ?
	`, string(models.DeviceRolloutRolledBack), now, rolloutID, deviceID)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "mark device rollout status rolled back")
	}

	if _, err := m.events.Publish(ctx, eventlog.PublishInput{
		Type:          models.EventDeviceRolledBack,
		AggregateKind: "device",
		AggregateID:   deviceID,
		Payload:       map[string]any{"rollout_id": rolloutID, "image": imageName, "tag": oldTag.String},
	}); err != nil {
		m.logger.Error("publish device.rolled_back event", "error", err)
	}
	return nil
}

// RollbackBatch reverts every device assigned to one batch of a
// rollout, with bounded concurrency.
func (m *Manager) RollbackBatch(ctx context.Context, rolloutID string, batchNumber int) Result {
	rows, err := m.db.QueryContext(ctx, `
		SELECT device_id FROM device_rollout_status WHERE rollout_id = ? AND batch_number = ?
	`, rolloutID, batchNumber)
	if err != nil {
		return Result{Errors: []error{ferrors.Wrap(err, ferrors.CodeInternal, "list batch devices")}}
	}
	defer rows.Close()

	var deviceIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		deviceIDs = append(deviceIDs, id)
	}
	return m.rollbackDevices(ctx, rolloutID, deviceIDs)
}

// RollbackAll reverts every device in the rollout that is succeeded or
// still mid-update. It does not itself touch the rollout's own
// status row: the caller (internal/rollout.Orchestrator.RollbackAll)
// owns that transition, gated behind the same CanTransition DAG every
// other admin operation on a rollout goes through.
func (m *Manager) RollbackAll(ctx context.Context, rolloutID string) Result {
	rows, err := m.db.QueryContext(ctx, `
		SELECT device_id FROM device_rollout_status
		WHERE rollout_id = ? AND status IN (?, ?, ?, ?)
	`, rolloutID,
		string(models.DeviceRolloutSucceeded), string(models.DeviceRolloutUpdating),
		string(models.DeviceRolloutVerifying), string(models.DeviceRolloutScheduled))
	if err != nil {
		return Result{Errors: []error{ferrors.Wrap(err, ferrors.CodeInternal, "list rollout devices")}}
	}
	defer rows.Close()

	var deviceIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		deviceIDs = append(deviceIDs, id)
	}

	return m.rollbackDevices(ctx, rolloutID, deviceIDs)
}

func (m *Manager) rollbackDevices(ctx context.Context, rolloutID string, deviceIDs []string) Result {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result Result
		sem    = make(chan struct{}, maxConcurrentRollbacks)
	)

	for _, deviceID := range deviceIDs {
		wg.Add(1)
		sem <- struct{}{}
		go func(deviceID string) {
			defer wg.Done()
			defer func() { <-sem }()

			err := m.RollbackDevice(ctx, rolloutID, deviceID)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed++
				result.Errors = append(result.Errors, err)
				m.logger.Error("device rollback failed", "device_id", deviceID, "rollout_id", rolloutID, "error", err)
			} else {
				result.RolledBack++
			}
		}(deviceID)
	}
	wg.Wait()
	return result
}
