// Package jobs implements the remote job dispatcher (component H):
// templated commands enqueued per device, served through a
// non-blocking "next job" poll, reported back via status updates, and
// swept for timeouts.
package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"fleetcp.sh/internal/database"
	"fleetcp.sh/internal/eventlog"
	"fleetcp.sh/internal/ferrors"
	"fleetcp.sh/internal/metrics"
	"fleetcp.sh/internal/models"
)

// Manager persists jobs and their per-device status rows and serves
// the device-facing poll/status-report endpoints.
type Manager struct {
	db     *database.DB
	events *eventlog.Store
	logger *slog.Logger
}

// New builds a job Manager.
func New(db *database.DB, events *eventlog.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{db: db, events: events, logger: logger.With("component", "jobs")}
}

// CreateInput describes a POST /jobs/execute request.
type CreateInput struct {
	JobName        string
	TemplateID     *string
	Document       []models.JobStep
	TargetType     models.JobTargetType
	TargetDevices  []string
	TimeoutSeconds int
}

// CreateJob materializes a job plus one QUEUED DeviceJobStatus row per
// target device, eagerly, since the spec keeps no separate queue
// table (spec §4.6).
func (m *Manager) CreateJob(ctx context.Context, in CreateInput) (*models.Job, error) {
	if len(in.TargetDevices) == 0 {
		return nil, ferrors.New(ferrors.CodeInvalidInput, "job must target at least one device")
	}
	if in.TimeoutSeconds <= 0 {
		in.TimeoutSeconds = 300
	}

	document := in.Document
	if len(document) == 0 && in.TemplateID != nil {
		tmpl, err := m.GetTemplate(ctx, *in.TemplateID)
		if err != nil {
			return nil, err
		}
		document = tmpl.Document
	}
	if document == nil {
		document = []models.JobStep{}
	}
	docBytes, err := json.Marshal(document)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "marshal job document")
	}
	targetsBytes, err := json.Marshal(in.TargetDevices)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "marshal job targets")
	}

	jobID := uuid.NewString()
	now := time.Now().UTC()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "begin create job")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (
			job_id, job_name, template_id, document, target_type, target_devices,
			timeout_seconds, created_at, status, counter_queued
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, jobID, in.JobName, in.TemplateID, string(docBytes), string(in.TargetType), string(targetsBytes),
		in.TimeoutSeconds, now, string(models.JobAggPending), len(in.TargetDevices))
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "insert job")
	}

	for _, deviceID := range in.TargetDevices {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO device_job_status (job_id, device_id, status)
			VALUES (?, ?, ?)
		`, jobID, deviceID, string(models.DeviceJobQueued))
		if err != nil {
			return nil, ferrors.Wrap(err, ferrors.CodeInternal, "insert device job status")
		}
	}

	event, err := m.events.PublishTx(ctx, tx, eventlog.PublishInput{
		Type:          models.EventJobCreated,
		AggregateKind: "job",
		AggregateID:   jobID,
		Payload:       map[string]any{"job_name": in.JobName, "target_count": len(in.TargetDevices)},
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "commit create job")
	}
	m.events.Notify(event)

	return m.GetJob(ctx, jobID)
}

const jobSelect = `
	SELECT job_id, job_name, template_id, document, target_type, target_devices,
	       timeout_seconds, created_at, status,
	       counter_queued, counter_in_progress, counter_succeeded, counter_failed, counter_timed_out, counter_cancelled
	FROM jobs`

// GetJob returns one job by id.
func (m *Manager) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	row := m.db.QueryRowContext(ctx, jobSelect+` WHERE job_id = ?`, jobID)
	return scanJob(row)
}

// ListJobs returns jobs, optionally narrowed to one aggregate status.
func (m *Manager) ListJobs(ctx context.Context, status string) ([]models.Job, error) {
	query := jobSelect
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "list jobs")
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// NextJob returns the oldest QUEUED job for a device and transitions
// it to IN_PROGRESS. It returns (nil, nil) when there is nothing to
// serve or the device already has an IN_PROGRESS job — the endpoint
// never blocks (spec §5: the long-poll name is historical, the
// control plane always answers promptly).
func (m *Manager) NextJob(ctx context.Context, deviceID string) (*models.Job, error) {
	var inProgress int
	err := m.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM device_job_status WHERE device_id = ? AND status = ?
	`, deviceID, string(models.DeviceJobInProgress)).Scan(&inProgress)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "check in-progress job count")
	}
	if inProgress > 0 {
		return nil, nil
	}

	var jobID string
	err = m.db.QueryRowContext(ctx, `
		SELECT djs.job_id
		FROM device_job_status djs
		JOIN jobs j ON j.job_id = djs.job_id
		WHERE djs.device_id = ? AND djs.status = ?
		ORDER BY j.created_at ASC
		LIMIT 1
	`, deviceID, string(models.DeviceJobQueued)).Scan(&jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "find next queued job")
	}

	now := time.Now().UTC()
	if _, err := m.db.ExecContext(ctx, `
		UPDATE device_job_status SET status = ?, started_at = ? WHERE job_id = ? AND device_id = ?
	`, string(models.DeviceJobInProgress), now, jobID, deviceID); err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "mark device job in progress")
	}
	if err := m.recomputeAggregate(ctx, jobID); err != nil {
		return nil, err
	}

	return m.GetJob(ctx, jobID)
}

// StatusInput is the body of a device's PATCH .../status report.
type StatusInput struct {
	Status        models.DeviceJobState
	ExitCode      *int
	Stdout        *string
	Stderr        *string
	StatusDetails json.RawMessage
}

// ReportStatus applies a device's status update. Repeating an
// identical terminal status is a no-op (spec §4.6, §8 idempotency
// property).
func (m *Manager) ReportStatus(ctx context.Context, jobID, deviceID string, in StatusInput) error {
	var current models.DeviceJobState
	err := m.db.QueryRowContext(ctx, `
		SELECT status FROM device_job_status WHERE job_id = ? AND device_id = ?
	`, jobID, deviceID).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ferrors.New(ferrors.CodeNotFound, "device job status not found")
		}
		return ferrors.Wrap(err, ferrors.CodeInternal, "load device job status")
	}

	if current.IsTerminal() && current == in.Status {
		return nil
	}

	var completedAt *time.Time
	if in.Status.IsTerminal() {
		now := time.Now().UTC()
		completedAt = &now
	}

	_, err = m.db.ExecContext(ctx, `
		UPDATE device_job_status
		SET status = ?, exit_code = ?, stdout = ?, stderr = ?, status_details = ?, completed_at = ?
		WHERE job_id = ? AND device_id = ?
	`, string(in.Status), in.ExitCode, in.Stdout, in.Stderr, nullableRaw(in.StatusDetails), completedAt, jobID, deviceID)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "update device job status")
	}
	metrics.JobTransitionsTotal.WithLabelValues(string(in.Status)).Inc()

	return m.recomputeAggregate(ctx, jobID)
}

func nullableRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// SweepTimeouts transitions every IN_PROGRESS device job status whose
// startedAt+timeoutSeconds has elapsed to TIMED_OUT, emitting
// job.timed_out (spec §4.6).
func (m *Manager) SweepTimeouts(ctx context.Context) error {
	rows, err := m.db.QueryContext(ctx, `
		SELECT djs.job_id, djs.device_id, djs.started_at, j.timeout_seconds
		FROM device_job_status djs
		JOIN jobs j ON j.job_id = djs.job_id
		WHERE djs.status = ?
	`, string(models.DeviceJobInProgress))
	if err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "scan in-progress device jobs")
	}

	type candidate struct {
		jobID, deviceID string
	}
	var expired []candidate
	now := time.Now().UTC()
	for rows.Next() {
		var jobID, deviceID string
		var startedAt sql.NullTime
		var timeoutSeconds int
		if err := rows.Scan(&jobID, &deviceID, &startedAt, &timeoutSeconds); err != nil {
			rows.Close()
			return ferrors.Wrap(err, ferrors.CodeInternal, "scan in-progress device job row")
		}
		if !startedAt.Valid {
			continue
		}
		if now.After(startedAt.Time.Add(time.Duration(timeoutSeconds) * time.Second)) {
			expired = append(expired, candidate{jobID, deviceID})
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, c := range expired {
		if err := m.timeoutDevice(ctx, c.jobID, c.deviceID); err != nil {
			m.logger.Error("time out device job", "job_id", c.jobID, "device_id", c.deviceID, "error", err)
		}
	}
	return nil
}

func (m *Manager) timeoutDevice(ctx context.Context, jobID, deviceID string) error {
	now := time.Now().UTC()
	_, err := m.db.ExecContext(ctx, `
		UPDATE device_job_status SET status = ?, completed_at = ? WHERE job_id = ? AND device_id = ?
	`, string(models.DeviceJobTimedOut), now, jobID, deviceID)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "mark device job timed out")
	}
	metrics.JobTransitionsTotal.WithLabelValues(string(models.DeviceJobTimedOut)).Inc()

	if _, err := m.events.Publish(ctx, eventlog.PublishInput{
		Type:          models.EventJobTimedOut,
		AggregateKind: "job",
		AggregateID:   jobID,
		Payload:       map[string]any{"device_id": deviceID},
	}); err != nil {
		m.logger.Error("publish job.timed_out event", "error", err)
	}

	return m.recomputeAggregate(ctx, jobID)
}

// recomputeAggregate recounts a job's per-device statuses and derives
// its aggregate status (spec §4.6: recomputed on every per-device
// write, never stored independently of the device rows).
func (m *Manager) recomputeAggregate(ctx context.Context, jobID string) error {
	rows, err := m.db.QueryContext(ctx, `SELECT status FROM device_job_status WHERE job_id = ?`, jobID)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "scan device job statuses")
	}
	defer rows.Close()

	var counters models.JobCounters
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return ferrors.Wrap(err, ferrors.CodeInternal, "scan device job status")
		}
		switch models.DeviceJobState(status) {
		case models.DeviceJobQueued:
			counters.Queued++
		case models.DeviceJobInProgress:
			counters.InProgress++
		case models.DeviceJobSucceeded:
			counters.Succeeded++
		case models.DeviceJobFailed:
			counters.Failed++
		case models.DeviceJobTimedOut:
			counters.TimedOut++
		case models.DeviceJobCancelled:
			counters.Cancelled++
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	aggregate := deriveAggregateStatus(counters)

	_, err = m.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = ?,
			counter_queued = ?, counter_in_progress = ?, counter_succeeded = ?,
			counter_failed = ?, counter_timed_out = ?, counter_cancelled = ?
		WHERE job_id = ?
	`, string(aggregate), counters.Queued, counters.InProgress, counters.Succeeded,
		counters.Failed, counters.TimedOut, counters.Cancelled, jobID)
	return ferrors.Wrap(err, ferrors.CodeInternal, "update job aggregate")
}

// deriveAggregateStatus implements the PENDING -> IN_PROGRESS ->
// {SUCCEEDED, PARTIALLY_FAILED, FAILED, TIMED_OUT} state machine
// (spec §4.6).
func deriveAggregateStatus(c models.JobCounters) models.JobAggregateStatus {
	total := c.Queued + c.InProgress + c.Succeeded + c.Failed + c.TimedOut + c.Cancelled
	unfinished := c.Queued + c.InProgress
	if unfinished == total {
		if c.InProgress > 0 {
			return models.JobAggInProgress
		}
		return models.JobAggPending
	}
	if unfinished > 0 {
		return models.JobAggInProgress
	}

	finished := c.Succeeded + c.Failed + c.TimedOut + c.Cancelled
	badOutcomes := c.Failed + c.TimedOut
	switch {
	case badOutcomes == 0:
		return models.JobAggSucceeded
	case badOutcomes == finished:
		if c.TimedOut > 0 && c.Failed == 0 {
			return models.JobAggTimedOut
		}
		return models.JobAggFailed
	default:
		return models.JobAggPartiallyFailed
	}
}

func scanJob(row rowScanner) (*models.Job, error) {
	var j models.Job
	var templateID sql.NullString
	var document, targetDevices string

	if err := row.Scan(&j.JobID, &j.JobName, &templateID, &document, &j.TargetType, &targetDevices,
		&j.TimeoutSeconds, &j.CreatedAt, &j.Status,
		&j.Counters.Queued, &j.Counters.InProgress, &j.Counters.Succeeded,
		&j.Counters.Failed, &j.Counters.TimedOut, &j.Counters.Cancelled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ferrors.New(ferrors.CodeNotFound, "job not found")
		}
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "scan job")
	}
	if templateID.Valid {
		j.TemplateID = &templateID.String
	}
	if err := json.Unmarshal([]byte(document), &j.Document); err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "unmarshal job document")
	}
	if err := json.Unmarshal([]byte(targetDevices), &j.TargetDevices); err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "unmarshal job targets")
	}
	return &j, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}
