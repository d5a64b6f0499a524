package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetcp.sh/internal/database"
	"fleetcp.sh/internal/eventlog"
	"fleetcp.sh/internal/models"
	"fleetcp.sh/internal/statestore"
)

func newTestManager(t *testing.T) (*Manager, *statestore.Store) {
	t.Helper()
	db, err := database.New(&database.Config{Driver: "sqlite3", DSN: ":memory:", MaxOpenConns: 1, MaxIdleConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	migrator, err := database.NewMigrator(&database.MigrationConfig{Driver: "sqlite3"})
	require.NoError(t, err)
	require.NoError(t, migrator.Initialize(db.DB, "sqlite3"))
	require.NoError(t, migrator.Up(context.Background()))

	events := eventlog.New(db)
	state := statestore.New(db, events)
	return New(db, events, nil), state
}

func TestCreateJobMaterializesQueuedDeviceRows(t *testing.T) {
	m, state := newTestManager(t)
	ctx := context.Background()
	_, err := state.RegisterDevice(ctx, models.Device{ID: "dev-1", Name: "dev-1"})
	require.NoError(t, err)

	job, err := m.CreateJob(ctx, CreateInput{
		JobName:        "reboot",
		TargetType:     models.JobTargetDevice,
		TargetDevices:  []string{"dev-1"},
		TimeoutSeconds: 300,
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobAggPending, job.Status)
	assert.Equal(t, 1, job.Counters.Queued)
}

func TestNextJobServesOldestQueuedAndFlipsInProgress(t *testing.T) {
	m, state := newTestManager(t)
	ctx := context.Background()
	_, err := state.RegisterDevice(ctx, models.Device{ID: "dev-1", Name: "dev-1"})
	require.NoError(t, err)

	job, err := m.CreateJob(ctx, CreateInput{
		JobName:        "reboot",
		TargetType:     models.JobTargetDevice,
		TargetDevices:  []string{"dev-1"},
		TimeoutSeconds: 300,
	})
	require.NoError(t, err)

	next, err := m.NextJob(ctx, "dev-1")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, job.JobID, next.JobID)
	assert.Equal(t, 1, next.Counters.InProgress)

	again, err := m.NextJob(ctx, "dev-1")
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestReportStatusSucceededUpdatesAggregate(t *testing.T) {
	m, state := newTestManager(t)
	ctx := context.Background()
	_, err := state.RegisterDevice(ctx, models.Device{ID: "dev-1", Name: "dev-1"})
	require.NoError(t, err)

	job, err := m.CreateJob(ctx, CreateInput{
		JobName:        "reboot",
		TargetType:     models.JobTargetDevice,
		TargetDevices:  []string{"dev-1"},
		TimeoutSeconds: 300,
	})
	require.NoError(t, err)
	_, err = m.NextJob(ctx, "dev-1")
	require.NoError(t, err)

	zero := 0
	err = m.ReportStatus(ctx, job.JobID, "dev-1", StatusInput{Status: models.DeviceJobSucceeded, ExitCode: &zero})
	require.NoError(t, err)

	got, err := m.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobAggSucceeded, got.Status)
	assert.Equal(t, 1, got.Counters.Succeeded)

	err = m.ReportStatus(ctx, job.JobID, "dev-1", StatusInput{Status: models.DeviceJobSucceeded, ExitCode: &zero})
	require.NoError(t, err)
	got2, err := m.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, 1, got2.Counters.Succeeded)
}

func TestPartiallyFailedAggregateWithMixedOutcomes(t *testing.T) {
	m, state := newTestManager(t)
	ctx := context.Background()
	_, err := state.RegisterDevice(ctx, models.Device{ID: "dev-1", Name: "dev-1"})
	require.NoError(t, err)
	_, err = state.RegisterDevice(ctx, models.Device{ID: "dev-2", Name: "dev-2"})
	require.NoError(t, err)

	job, err := m.CreateJob(ctx, CreateInput{
		JobName:        "reboot",
		TargetType:     models.JobTargetDevice,
		TargetDevices:  []string{"dev-1", "dev-2"},
		TimeoutSeconds: 300,
	})
	require.NoError(t, err)

	_, err = m.NextJob(ctx, "dev-1")
	require.NoError(t, err)
	_, err = m.NextJob(ctx, "dev-2")
	require.NoError(t, err)

	require.NoError(t, m.ReportStatus(ctx, job.JobID, "dev-1", StatusInput{Status: models.DeviceJobSucceeded}))
	require.NoError(t, m.ReportStatus(ctx, job.JobID, "dev-2", StatusInput{Status: models.DeviceJobFailed}))

	got, err := m.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobAggPartiallyFailed, got.Status)
}

func TestSweepTimeoutsTransitionsExpiredInProgress(t *testing.T) {
	m, state := newTestManager(t)
	ctx := context.Background()
	_, err := state.RegisterDevice(ctx, models.Device{ID: "dev-1", Name: "dev-1"})
	require.NoError(t, err)

	job, err := m.CreateJob(ctx, CreateInput{
		JobName:        "reboot",
		TargetType:     models.JobTargetDevice,
		TargetDevices:  []string{"dev-1"},
		TimeoutSeconds: 1,
	})
	require.NoError(t, err)
	_, err = m.NextJob(ctx, "dev-1")
	require.NoError(t, err)

	_, err = m.db.ExecContext(ctx, `UPDATE device_job_status SET started_at = ? WHERE job_id = ? AND device_id = ?`,
		time.Now().UTC().Add(-time.Hour), job.JobID, "dev-1")
	require.NoError(t, err)

	require.NoError(t, m.SweepTimeouts(ctx))

	got, err := m.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobAggTimedOut, got.Status)
	assert.Equal(t, 1, got.Counters.TimedOut)
}
