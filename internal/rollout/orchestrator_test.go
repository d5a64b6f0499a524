package rollout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetcp.sh/internal/database"
	"fleetcp.sh/internal/eventlog"
	"fleetcp.sh/internal/models"
	"fleetcp.sh/internal/rollback"
	"fleetcp.sh/internal/statestore"
)

type fakeChecker struct {
	pass bool
	err  error
}

func (f *fakeChecker) Check(ctx context.Context, device models.Device, current *models.CurrentState, spec models.HealthCheckSpec) (bool, error) {
	return f.pass, f.err
}

func newTestOrchestrator(t *testing.T, checker healthChecker) (*Orchestrator, *statestore.Store, *database.DB) {
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
	rb := rollback.New(db.DB, state, events, nil)
	orch := New(db, state, events, rb, checker, nil, Config{TickInterval: time.Minute})
	return orch, state, db
}

func seedDeviceRunning(t *testing.T, ctx context.Context, state *statestore.Store, id, image string) {
	t.Helper()
	_, err := state.RegisterDevice(ctx, models.Device{ID: id, Name: id})
	require.NoError(t, err)
	doc := models.NewEmptyState()
	doc.Apps["1000"] = models.App{AppID: 1000, Services: []models.Service{
		{ServiceID: 1, Config: models.ServiceConfig{Image: image}},
	}}
	_, err = state.ReplaceTargetState(ctx, id, doc)
	require.NoError(t, err)
}

func TestTriggerRejectsImageWithNoMatchingPolicy(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t, &fakeChecker{pass: true})
	ctx := context.Background()

	_, err := orch.Trigger(ctx, TriggerInput{ImageName: "nginx", NewTag: "1.1", TriggeredBy: "webhook"})
	assert.Error(t, err)
}

func TestTriggerAutoStrategyStartsFirstBatchImmediately(t *testing.T) {
	orch, state, _ := newTestOrchestrator(t, &fakeChecker{pass: true})
	ctx := context.Background()

	seedDeviceRunning(t, ctx, state, "dev-1", "nginx:1.0")

	_, err := orch.policies.CreatePolicy(ctx, models.RolloutPolicy{
		ImagePattern:    "nginx",
		Strategy:        models.StrategyAuto,
		StagedFractions: []float64{1.0},
		MaxFailureRate:  0.5,
		Enabled:         true,
	})
	require.NoError(t, err)

	r, err := orch.Trigger(ctx, TriggerInput{ImageName: "nginx", NewTag: "1.1", TriggeredBy: "webhook"})
	require.NoError(t, err)
	assert.Equal(t, models.RolloutRunning, r.Status)
	assert.Equal(t, 1, r.TotalDevices)

	ts, _, err := state.GetTargetState(ctx, "dev-1", "")
	require.NoError(t, err)
	assert.Equal(t, "nginx:1.1", ts.Doc.Apps["1000"].Services[0].Config.Image)
}

func TestTriggerManualStrategyLeavesRolloutPending(t *testing.T) {
	orch, state, _ := newTestOrchestrator(t, &fakeChecker{pass: true})
	ctx := context.Background()

	seedDeviceRunning(t, ctx, state, "dev-1", "redis:6.0")

	_, err := orch.policies.CreatePolicy(ctx, models.RolloutPolicy{
		ImagePattern:   "redis",
		Strategy:       models.StrategyManual,
		MaxFailureRate: 0.5,
		Enabled:        true,
	})
	require.NoError(t, err)

	r, err := orch.Trigger(ctx, TriggerInput{ImageName: "redis", NewTag: "6.1", TriggeredBy: "webhook"})
	require.NoError(t, err)
	assert.Equal(t, models.RolloutPending, r.Status)
}

func TestTickAdvancesBatchOnHealthyDevices(t *testing.T) {
	orch, state, _ := newTestOrchestrator(t, &fakeChecker{pass: true})
	ctx := context.Background()

	seedDeviceRunning(t, ctx, state, "dev-1", "nginx:1.0")

	_, err := orch.policies.CreatePolicy(ctx, models.RolloutPolicy{
		ImagePattern:    "nginx",
		Strategy:        models.StrategyAuto,
		StagedFractions: []float64{1.0},
		MaxFailureRate:  0.5,
		Enabled:         true,
	})
	require.NoError(t, err)

	r, err := orch.Trigger(ctx, TriggerInput{ImageName: "nginx", NewTag: "1.1", TriggeredBy: "webhook"})
	require.NoError(t, err)

	require.NoError(t, orch.tickRollout(ctx, r.RolloutID))

	got, err := orch.store.GetRollout(ctx, r.RolloutID)
	require.NoError(t, err)
	assert.Equal(t, models.RolloutCompleted, got.Status)
	assert.Equal(t, 1, got.Counters.Succeeded)
}

func TestTickPausesRolloutWhenFailureRateExceeded(t *testing.T) {
	orch, state, _ := newTestOrchestrator(t, &fakeChecker{pass: false})
	ctx := context.Background()

	seedDeviceRunning(t, ctx, state, "dev-1", "nginx:1.0")

	_, err := orch.policies.CreatePolicy(ctx, models.RolloutPolicy{
		ImagePattern:    "nginx",
		Strategy:        models.StrategyAuto,
		StagedFractions: []float64{1.0},
		MaxFailureRate:  0.1,
		AutoRollback:    false,
		Enabled:         true,
	})
	require.NoError(t, err)

	r, err := orch.Trigger(ctx, TriggerInput{ImageName: "nginx", NewTag: "1.1", TriggeredBy: "webhook"})
	require.NoError(t, err)

	require.NoError(t, orch.tickRollout(ctx, r.RolloutID))

	got, err := orch.store.GetRollout(ctx, r.RolloutID)
	require.NoError(t, err)
	assert.Equal(t, models.RolloutPaused, got.Status)
	assert.Equal(t, 1, got.Counters.Failed)
}

func TestPauseResumeTransitionGating(t *testing.T) {
	orch, state, _ := newTestOrchestrator(t, &fakeChecker{pass: true})
	ctx := context.Background()

	seedDeviceRunning(t, ctx, state, "dev-1", "nginx:1.0")
	_, err := orch.policies.CreatePolicy(ctx, models.RolloutPolicy{
		ImagePattern:    "nginx",
		Strategy:        models.StrategyManual,
		StagedFractions: []float64{1.0},
		MaxFailureRate:  0.5,
		Enabled:         true,
	})
	require.NoError(t, err)

	r, err := orch.Trigger(ctx, TriggerInput{ImageName: "nginx", NewTag: "1.1", TriggeredBy: "webhook"})
	require.NoError(t, err)

	err = orch.Pause(ctx, r.RolloutID, "operator requested")
	assert.Error(t, err)

	require.NoError(t, orch.transition(ctx, r.RolloutID, models.RolloutRunning, ""))
	require.NoError(t, orch.Pause(ctx, r.RolloutID, "operator requested"))

	err = orch.Resume(ctx, r.RolloutID, false)
	assert.Error(t, err)

	require.NoError(t, orch.Resume(ctx, r.RolloutID, true))
}

func TestRollbackAllGatesOnRunningStatusAndTransitionsRollout(t *testing.T) {
	orch, state, _ := newTestOrchestrator(t, &fakeChecker{pass: true})
	ctx := context.Background()

	seedDeviceRunning(t, ctx, state, "dev-1", "nginx:1.0")
	_, err := orch.policies.CreatePolicy(ctx, models.RolloutPolicy{
		ImagePattern:    "nginx",
		Strategy:        models.StrategyManual,
		StagedFractions: []float64{1.0},
		MaxFailureRate:  0.5,
		Enabled:         true,
	})
	require.NoError(t, err)

	r, err := orch.Trigger(ctx, TriggerInput{ImageName: "nginx", NewTag: "1.1", TriggeredBy: "webhook"})
	require.NoError(t, err)

	// Rollout is still pending (manual strategy never auto-starts); the
	// DAG only allows rolled_back from running, so this must be rejected.
	_, err = orch.RollbackAll(ctx, r.RolloutID)
	assert.Error(t, err)

	require.NoError(t, orch.transition(ctx, r.RolloutID, models.RolloutRunning, ""))

	result, err := orch.RollbackAll(ctx, r.RolloutID)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Failed)

	got, err := orch.store.GetRollout(ctx, r.RolloutID)
	require.NoError(t, err)
	assert.Equal(t, models.RolloutRolledBack, got.Status)
}
