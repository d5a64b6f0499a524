package rollout

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"fleetcp.sh/internal/database"
	"fleetcp.sh/internal/ferrors"
	"fleetcp.sh/internal/models"
)

// Store persists Rollout and DeviceRolloutStatus rows.
type Store struct {
	db *database.DB
}

func newStore(db *database.DB) *Store {
	return &Store{db: db}
}

// CreateRollout persists a new rollout and its per-device status rows
// in one transaction, so a rollout is never visible without its full
// device assignment (spec §4.5 rollout-creation steps 3-5).
func (s *Store) CreateRollout(ctx context.Context, r models.Rollout, statuses []models.DeviceRolloutStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "begin create rollout")
	}
	defer tx.Rollback()

	fractions, err := json.Marshal(r.BatchFractions)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "marshal batch fractions")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rollouts (
			rollout_id, policy_id, image_name, old_tag, new_tag, strategy, status,
			total_devices, current_batch, batch_fractions, next_batch_eligible_at,
			created_at, triggered_by, webhook_payload
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.RolloutID, r.PolicyID, r.ImageName, r.OldTag, r.NewTag, string(r.Strategy), string(r.Status),
		r.TotalDevices, r.CurrentBatch, string(fractions), r.NextBatchEligibleAt,
		r.CreatedAt, r.TriggeredBy, r.WebhookPayload)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "insert rollout")
	}

	for _, st := range statuses {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO device_rollout_status (
				rollout_id, device_id, batch_number, status, old_image_tag, new_image_tag, scheduled_at
			) VALUES (?, ?, ?, ?, ?, ?, ?)
		`, st.RolloutID, st.DeviceID, st.BatchNumber, string(st.Status), st.OldImageTag, st.NewImageTag, st.ScheduledAt)
		if err != nil {
			return ferrors.Wrap(err, ferrors.CodeInternal, "insert device rollout status")
		}
	}

	return ferrors.Wrap(tx.Commit(), ferrors.CodeInternal, "commit create rollout")
}

const rolloutSelect = `
	SELECT rollout_id, policy_id, image_name, old_tag, new_tag, strategy, status,
	       total_devices, current_batch, batch_fractions, next_batch_eligible_at,
	       counter_updated, counter_succeeded, counter_failed, counter_rolled_back, counter_healthy,
	       created_at, started_at, finished_at, triggered_by, webhook_payload, pause_reason
	FROM rollouts`

// GetRollout returns one rollout by id.
func (s *Store) GetRollout(ctx context.Context, id string) (*models.Rollout, error) {
	row := s.db.QueryRowContext(ctx, rolloutSelect+` WHERE rollout_id = ?`, id)
	return scanRollout(row)
}

// ListRollouts returns rollouts, optionally narrowed to one status.
func (s *Store) ListRollouts(ctx context.Context, status string) ([]models.Rollout, error) {
	query := rolloutSelect
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "list rollouts")
	}
	defer rows.Close()

	var out []models.Rollout
	for rows.Next() {
		r, err := scanRollout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// RunningRolloutIDs returns the ids of every rollout currently
// running, the candidate set the orchestrator tick advances.
func (s *Store) RunningRolloutIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT rollout_id FROM rollouts WHERE status = ?`, string(models.RolloutRunning))
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "list running rollouts")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, ferrors.Wrap(err, ferrors.CodeInternal, "scan running rollout id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ActiveForImage reports whether a rollout for (imageName, newTag) is
// already running or pending, the dedup check webhook ingestion uses
// (spec §9: dedup beyond "already active" is out of scope).
func (s *Store) ActiveForImage(ctx context.Context, imageName, newTag string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM rollouts
		WHERE image_name = ? AND new_tag = ? AND status IN (?, ?)
	`, imageName, newTag, string(models.RolloutPending), string(models.RolloutRunning)).Scan(&count)
	if err != nil {
		return false, ferrors.Wrap(err, ferrors.CodeInternal, "check active rollout for image")
	}
	return count > 0, nil
}

// SampleOldTag samples one service currently running imageName:* on
// any device's target state and returns its tag, or ("", false) if no
// device runs the image (spec §4.5 step 1 — "majority wins, else
// null"; we approximate majority with the most common tag observed).
func (s *Store) SampleOldTag(ctx context.Context, imageName string) (string, bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM target_state`)
	if err != nil {
		return "", false, ferrors.Wrap(err, ferrors.CodeInternal, "scan target states for old tag sample")
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return "", false, ferrors.Wrap(err, ferrors.CodeInternal, "scan target state doc")
		}
		var sd models.StateDocument
		if err := json.Unmarshal([]byte(doc), &sd); err != nil {
			continue
		}
		for _, app := range sd.Apps {
			for _, svc := range app.Services {
				repo, tag := models.ParseImage(svc.Config.Image)
				if repo == imageName {
					counts[tag]++
				}
			}
		}
	}
	if err := rows.Err(); err != nil {
		return "", false, err
	}

	var best string
	var bestCount int
	for tag, n := range counts {
		if n > bestCount {
			best, bestCount = tag, n
		}
	}
	if bestCount == 0 {
		return "", false, nil
	}
	return best, true, nil
}

// SetStatus transitions a rollout to status, optionally stamping
// started_at/finished_at and a pause reason.
func (s *Store) SetStatus(ctx context.Context, id string, status models.RolloutStatus, pauseReason string) error {
	now := time.Now().UTC()
	switch status {
	case models.RolloutRunning:
		_, err := s.db.ExecContext(ctx, `UPDATE rollouts SET status = ?, started_at = COALESCE(started_at, ?) WHERE rollout_id = ?`, string(status), now, id)
		return ferrors.Wrap(err, ferrors.CodeInternal, "set rollout running")
	case models.RolloutCompleted, models.RolloutFailed, models.RolloutCancelled, models.RolloutRolledBack:
		_, err := s.db.ExecContext(ctx, `UPDATE rollouts SET status = ?, finished_at = ? WHERE rollout_id = ?`, string(status), now, id)
		return ferrors.Wrap(err, ferrors.CodeInternal, "set rollout terminal status")
	case models.RolloutPaused:
		_, err := s.db.ExecContext(ctx, `UPDATE rollouts SET status = ?, pause_reason = ? WHERE rollout_id = ?`, string(status), pauseReason, id)
		return ferrors.Wrap(err, ferrors.CodeInternal, "pause rollout")
	default:
		_, err := s.db.ExecContext(ctx, `UPDATE rollouts SET status = ? WHERE rollout_id = ?`, string(status), id)
		return ferrors.Wrap(err, ferrors.CodeInternal, "set rollout status")
	}
}

// AdvanceBatch moves a rollout to the next batch number and sets its
// next eligibility timestamp.
func (s *Store) AdvanceBatch(ctx context.Context, id string, batch int, nextEligibleAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE rollouts SET current_batch = ?, next_batch_eligible_at = ? WHERE rollout_id = ?
	`, batch, nextEligibleAt, id)
	return ferrors.Wrap(err, ferrors.CodeInternal, "advance rollout batch")
}

// IncrementCounters adds deltas to a rollout's counters.
func (s *Store) IncrementCounters(ctx context.Context, id string, updated, succeeded, failed, rolledBack, healthy int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE rollouts SET
			counter_updated = counter_updated + ?,
			counter_succeeded = counter_succeeded + ?,
			counter_failed = counter_failed + ?,
			counter_rolled_back = counter_rolled_back + ?,
			counter_healthy = counter_healthy + ?
		WHERE rollout_id = ?
	`, updated, succeeded, failed, rolledBack, healthy, id)
	return ferrors.Wrap(err, ferrors.CodeInternal, "increment rollout counters")
}

// BatchDeviceIDs returns the device ids assigned to one batch of a
// rollout.
func (s *Store) BatchDeviceIDs(ctx context.Context, rolloutID string, batchNumber int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id FROM device_rollout_status WHERE rollout_id = ? AND batch_number = ?
	`, rolloutID, batchNumber)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "list batch device ids")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, ferrors.Wrap(err, ferrors.CodeInternal, "scan batch device id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TransitionDeviceStatus moves one device_rollout_status row to
// status, stamping update_started_at the first time it leaves
// scheduled.
func (s *Store) TransitionDeviceStatus(ctx context.Context, rolloutID, deviceID string, status models.DeviceRolloutState) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE device_rollout_status
		SET status = ?, update_started_at = COALESCE(update_started_at, ?)
		WHERE rollout_id = ? AND device_id = ?
	`, string(status), now, rolloutID, deviceID)
	return ferrors.Wrap(err, ferrors.CodeInternal, "transition device rollout status")
}

// BatchOutcome tallies how many devices in a batch are in-progress,
// succeeded, or failed, the input run.go's tick loop uses to decide
// whether to advance, pause, or complete a rollout.
type BatchOutcome struct {
	InProgress int
	Succeeded  int
	Failed     int
	RolledBack int
	Total      int
}

// CountBatchOutcomes summarizes one batch's device statuses.
func (s *Store) CountBatchOutcomes(ctx context.Context, rolloutID string, batchNumber int) (BatchOutcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status FROM device_rollout_status WHERE rollout_id = ? AND batch_number = ?
	`, rolloutID, batchNumber)
	if err != nil {
		return BatchOutcome{}, ferrors.Wrap(err, ferrors.CodeInternal, "count batch outcomes")
	}
	defer rows.Close()

	var out BatchOutcome
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return BatchOutcome{}, ferrors.Wrap(err, ferrors.CodeInternal, "scan batch status")
		}
		out.Total++
		switch models.DeviceRolloutState(status) {
		case models.DeviceRolloutSucceeded:
			out.Succeeded++
		case models.DeviceRolloutFailed:
			out.Failed++
		case models.DeviceRolloutRolledBack:
			out.RolledBack++
		default:
			out.InProgress++
		}
	}
	return out, rows.Err()
}

// DevicesAwaitingVerification returns devices past updating and ready
// for the health checker, along with their health check spec scan
// inputs (device id, old/new tag) for run.go's per-device tick.
func (s *Store) DevicesAwaitingVerification(ctx context.Context, rolloutID string) ([]models.DeviceRolloutStatus, error) {
	rows, err := s.db.QueryContext(ctx, deviceRolloutStatusSelect+`
		WHERE rollout_id = ? AND status IN (?, ?)
	`, rolloutID, string(models.DeviceRolloutUpdating), string(models.DeviceRolloutVerifying))
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "list devices awaiting verification")
	}
	defer rows.Close()
	return scanDeviceRolloutStatusRows(rows)
}

// ListDeviceStatuses returns every per-device status row for a
// rollout, the backing query for `GET /rollouts/:id/devices`.
func (s *Store) ListDeviceStatuses(ctx context.Context, rolloutID string) ([]models.DeviceRolloutStatus, error) {
	rows, err := s.db.QueryContext(ctx, deviceRolloutStatusSelect+`
		WHERE rollout_id = ? ORDER BY batch_number ASC, device_id ASC
	`, rolloutID)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "list device rollout statuses")
	}
	defer rows.Close()
	return scanDeviceRolloutStatusRows(rows)
}

const deviceRolloutStatusSelect = `
	SELECT rollout_id, device_id, batch_number, status, old_image_tag, new_image_tag,
	       scheduled_at, update_started_at, update_completed_at, health_checked_at,
	       health_check_passed, retry_count, error_message
	FROM device_rollout_status`

func scanDeviceRolloutStatusRows(rows *sql.Rows) ([]models.DeviceRolloutStatus, error) {
	var out []models.DeviceRolloutStatus
	for rows.Next() {
		var st models.DeviceRolloutStatus
		var status string
		var oldTag, errMsg sql.NullString
		var updateStarted, updateCompleted, healthChecked sql.NullTime
		var healthPassed sql.NullBool
		if err := rows.Scan(&st.RolloutID, &st.DeviceID, &st.BatchNumber, &status, &oldTag, &st.NewImageTag,
			&st.ScheduledAt, &updateStarted, &updateCompleted, &healthChecked, &healthPassed, &st.RetryCount, &errMsg); err != nil {
			return nil, ferrors.Wrap(err, ferrors.CodeInternal, "scan device rollout status")
		}
		st.Status = models.DeviceRolloutState(status)
		if oldTag.Valid {
			st.OldImageTag = &oldTag.String
		}
		if updateStarted.Valid {
			st.UpdateStartedAt = &updateStarted.Time
		}
		if updateCompleted.Valid {
			st.UpdateCompletedAt = &updateCompleted.Time
		}
		if healthChecked.Valid {
			st.HealthCheckedAt = &healthChecked.Time
		}
		if healthPassed.Valid {
			st.HealthCheckPassed = &healthPassed.Bool
		}
		st.ErrorMessage = errMsg.String
		out = append(out, st)
	}
	return out, rows.Err()
}

// MarkVerifying transitions a device from updating to verifying.
func (s *Store) MarkVerifying(ctx context.Context, rolloutID, deviceID string) error {
	return s.TransitionDeviceStatus(ctx, rolloutID, deviceID, models.DeviceRolloutVerifying)
}

// CompleteDeviceCheck records a health-check outcome and moves the
// device to its terminal succeeded/failed state.
func (s *Store) CompleteDeviceCheck(ctx context.Context, rolloutID, deviceID string, passed bool, errMsg string) error {
	now := time.Now().UTC()
	status := models.DeviceRolloutSucceeded
	if !passed {
		status = models.DeviceRolloutFailed
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE device_rollout_status
		SET status = ?, health_checked_at = ?, health_check_passed = ?, update_completed_at = ?, error_message = ?
		WHERE rollout_id = ? AND device_id = ?
	`, string(status), now, passed, now, errMsg, rolloutID, deviceID)
	return ferrors.Wrap(err, ferrors.CodeInternal, "complete device rollout check")
}

func scanRollout(row rowScanner) (*models.Rollout, error) {
	var r models.Rollout
	var fractions string
	var oldTag sql.NullString
	var startedAt, finishedAt, nextBatchEligibleAt sql.NullTime
	var webhookBytes []byte

	if err := row.Scan(&r.RolloutID, &r.PolicyID, &r.ImageName, &oldTag, &r.NewTag, &r.Strategy, &r.Status,
		&r.TotalDevices, &r.CurrentBatch, &fractions, &nextBatchEligibleAt,
		&r.Counters.Updated, &r.Counters.Succeeded, &r.Counters.Failed, &r.Counters.RolledBack, &r.Counters.Healthy,
		&r.CreatedAt, &startedAt, &finishedAt, &r.TriggeredBy, &webhookBytes, &r.PauseReason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ferrors.New(ferrors.CodeNotFound, "rollout not found")
		}
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "scan rollout")
	}
	if oldTag.Valid {
		r.OldTag = &oldTag.String
	}
	if startedAt.Valid {
		r.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		r.FinishedAt = &finishedAt.Time
	}
	if nextBatchEligibleAt.Valid {
		r.NextBatchEligibleAt = &nextBatchEligibleAt.Time
	}
	r.WebhookPayload = webhookBytes
	if err := json.Unmarshal([]byte(fractions), &r.BatchFractions); err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "unmarshal batch fractions")
	}
	return &r, nil
}
