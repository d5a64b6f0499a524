package rollback

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

func newTestManager(t *testing.T) (*Manager, *statestore.Store, *database.DB) {
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
	return New(db.DB, state, events, nil), state, db
}

func seedRolloutWithDevice(t *testing.T, db *database.DB, state *statestore.Store) {
	t.Helper()
	ctx := context.Background()

	_, err := state.RegisterDevice(ctx, models.Device{ID: "dev-1", Name: "dev-1"})
	require.NoError(t, err)

	doc := models.NewEmptyState()
	doc.Apps["1000"] = models.App{AppID: 1000, Services: []models.Service{
		{ServiceID: 1, Config: models.ServiceConfig{Image: "nginx:1.1"}},
	}}
	_, err = state.ReplaceTargetState(ctx, "dev-1", doc)
	require.NoError(t, err)

	now := time.Now().UTC()
	_, err = db.ExecContext(ctx, `
		INSERT INTO rollouts (rollout_id, policy_id, image_name, old_tag, new_tag, strategy, status, created_at, triggered_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, "roll-1", "policy-1", "nginx", "1.0", "1.1", string(models.StrategyStaged), string(models.RolloutRunning), now, "webhook")
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `
		INSERT INTO device_rollout_status (rollout_id, device_id, batch_number, status, new_image_tag, scheduled_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, "roll-1", "dev-1", 1, string(models.DeviceRolloutUpdating), "1.1", now)
	require.NoError(t, err)
}

func TestRollbackDeviceRewritesTargetStateAndStatus(t *testing.T) {
	m, state, db := newTestManager(t)
	seedRolloutWithDevice(t, db, state)
	ctx := context.Background()

	err := m.RollbackDevice(ctx, "roll-1", "dev-1")
	require.NoError(t, err)

	ts, _, err := state.GetTargetState(ctx, "dev-1", "")
	require.NoError(t, err)
	assert.Equal(t, "nginx:1.0", ts.Doc.Apps["1000"].Services[0].Config.Image)

	var status string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT status FROM device_rollout_status WHERE rollout_id = ? AND device_id = ?`, "roll-1", "dev-1").Scan(&status))
	assert.Equal(t, string(models.DeviceRolloutRolledBack), status)
}

func TestRollbackDeviceWithoutOldTagFails(t *testing.T) {
	m, state, db := newTestManager(t)
	ctx := context.Background()

	_, err := state.RegisterDevice(ctx, models.Device{ID: "dev-2", Name: "dev-2"})
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `
		INSERT INTO rollouts (rollout_id, policy_id, image_name, old_tag, new_tag, strategy, status, created_at, triggered_by)
		VALUES (?, ?, ?, NULL, ?, ?, ?, ?, ?)
	`, "roll-2", "policy-1", "nginx", "1.1", string(models.StrategyStaged), string(models.RolloutRunning), time.Now().UTC(), "webhook")
	require.NoError(t, err)

	err = m.RollbackDevice(ctx, "roll-2", "dev-2")
	assert.Error(t, err)
}

func TestRollbackAllRevertsEveryMidUpdateDevice(t *testing.T) {
	m, state, db := newTestManager(t)
	seedRolloutWithDevice(t, db, state)
	ctx := context.Background()

	result := m.RollbackAll(ctx, "roll-1")
	assert.Equal(t, 1, result.RolledBack)
	assert.Empty(t, result.Errors)

	// RollbackAll never touches the rollout's own status row; that
	// transition belongs to internal/rollout.Orchestrator.RollbackAll.
	var status string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT status FROM rollouts WHERE rollout_id = ?`, "roll-1").Scan(&status))
	assert.Equal(t, string(models.RolloutRunning), status)
}
