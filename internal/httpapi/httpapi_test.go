package httpapi

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fleetcp.sh/internal/config"
	"fleetcp.sh/internal/database"
	"fleetcp.sh/internal/eventlog"
	"fleetcp.sh/internal/healthcheck"
	"fleetcp.sh/internal/jobs"
	"fleetcp.sh/internal/liveness"
	"fleetcp.sh/internal/middleware"
	"fleetcp.sh/internal/models"
	"fleetcp.sh/internal/rollback"
	"fleetcp.sh/internal/rollout"
	"fleetcp.sh/internal/statestore"
)

const testOperatorSecret = "test-operator-secret"

// testHarness wires a full in-memory Server the way cmd/fleetd-control
// does, backed by an in-memory sqlite database, for route-level tests.
type testHarness struct {
	server *Server
	state  *statestore.Store
	orch   *rollout.Orchestrator
	jobMgr *jobs.Manager
	db     *database.DB
}

func newTestHarness(t *testing.T) *testHarness {
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
	jobMgr := jobs.New(db, events, nil)
	monitor := liveness.NewMonitor(state, events, config.HeartbeatConfig{}, nil)
	rb := rollback.New(db.DB, state, events, nil)
	checker := healthcheck.New()
	orch := rollout.New(db, state, events, rb, checker, nil, rollout.Config{TickInterval: time.Minute})

	srv := NewServer(Deps{
		Config: config.ServerConfig{
			APIVersionPrefix: "v1",
		},
		Auth: config.AuthConfig{
			OperatorJWTSecret: testOperatorSecret,
		},
		RateLimit: config.RateLimitConfig{
			RequestsPerSecond: 1000,
			Burst:             1000,
		},
		DB:            db,
		State:         state,
		Orchestrator:  orch,
		Jobs:          jobMgr,
		Events:        events,
		Monitor:       monitor,
		WebhookSecret: "webhook-secret",
	})

	return &testHarness{server: srv, state: state, orch: orch, jobMgr: jobMgr, db: db}
}

func (h *testHarness) operatorToken(t *testing.T) string {
	t.Helper()
	tok, err := middleware.IssueOperatorToken([]byte(testOperatorSecret), "test-operator", "admin", time.Hour)
	require.NoError(t, err)
	return tok
}

func (h *testHarness) registerDevice(t *testing.T, id string) models.Device {
	t.Helper()
	d, err := h.state.RegisterDevice(context.Background(), models.Device{ID: id, Name: id})
	require.NoError(t, err)
	return d
}

func newTestServer(t *testing.T) (*httptest.Server, *testHarness) {
	t.Helper()
	h := newTestHarness(t)
	ts := httptest.NewServer(h.server.Handler())
	t.Cleanup(ts.Close)
	return ts, h
}
