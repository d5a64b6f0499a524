package statestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetcp.sh/internal/database"
	"fleetcp.sh/internal/eventlog"
	"fleetcp.sh/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.New(&database.Config{Driver: "sqlite3", DSN: ":memory:", MaxOpenConns: 1, MaxIdleConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	migrator, err := database.NewMigrator(&database.MigrationConfig{Driver: "sqlite3"})
	require.NoError(t, err)
	require.NoError(t, migrator.Initialize(db.DB, "sqlite3"))
	require.NoError(t, migrator.Up(context.Background()))

	return New(db, eventlog.New(db))
}

func seedDevice(t *testing.T, s *Store, id string) {
	t.Helper()
	_, err := s.RegisterDevice(context.Background(), models.Device{ID: id, Name: id})
	require.NoError(t, err)
}

func TestReplaceAndGetTargetState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedDevice(t, s, "dev-1")

	doc := models.NewEmptyState()
	doc.Apps["1000"] = models.App{AppID: 1000, AppName: "mon", Services: []models.Service{
		{ServiceID: 1, ServiceName: "nginx", Config: models.ServiceConfig{Image: "nginx:1.0"}},
	}}

	ts, err := s.ReplaceTargetState(ctx, "dev-1", doc)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ts.Version)

	got, notModified, err := s.GetTargetState(ctx, "dev-1", "")
	require.NoError(t, err)
	assert.False(t, notModified)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, "1", got.ETag())

	_, notModified, err = s.GetTargetState(ctx, "dev-1", "1")
	require.NoError(t, err)
	assert.True(t, notModified)
}

func TestReplaceTargetStateAlwaysBumpsVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedDevice(t, s, "dev-2")

	doc := models.NewEmptyState()
	ts1, err := s.ReplaceTargetState(ctx, "dev-2", doc)
	require.NoError(t, err)
	ts2, err := s.ReplaceTargetState(ctx, "dev-2", doc)
	require.NoError(t, err)
	assert.Greater(t, ts2.Version, ts1.Version)
}

func TestSetServiceImageTagAndFindDevicesByImage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedDevice(t, s, "dev-3")

	doc := models.NewEmptyState()
	doc.Apps["1000"] = models.App{AppID: 1000, AppName: "mon", Services: []models.Service{
		{ServiceID: 1, ServiceName: "nginx", Config: models.ServiceConfig{Image: "nginx:1.0"}},
	}}
	_, err := s.ReplaceTargetState(ctx, "dev-3", doc)
	require.NoError(t, err)

	found, err := s.FindDevicesByImage(ctx, "nginx")
	require.NoError(t, err)
	assert.Contains(t, found, "dev-3")

	ts, err := s.SetServiceImageTag(ctx, "dev-3", "nginx", "1.1")
	require.NoError(t, err)
	app := ts.Doc.Apps["1000"]
	assert.Equal(t, "nginx:1.1", app.Services[0].Config.Image)
	assert.Equal(t, int64(2), ts.Version)

	_, err = s.SetServiceImageTag(ctx, "dev-3", "redis", "1.0")
	assert.Error(t, err)
}

func TestReportCurrentStateTouchesDevice(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedDevice(t, s, "dev-4")

	before, err := s.GetDevice(ctx, "dev-4")
	require.NoError(t, err)
	assert.False(t, before.Online)

	_, err = s.ReportCurrentState(ctx, "dev-4", models.NewEmptyState())
	require.NoError(t, err)

	after, err := s.GetDevice(ctx, "dev-4")
	require.NoError(t, err)
	assert.True(t, after.Online)
	assert.WithinDuration(t, time.Now().UTC(), after.LastContactAt, 5*time.Second)
}

func TestAllocateAppIDStartsAtFloor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.AllocateAppID(ctx, "mon", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(models.AppIDFloor), id)

	id2, err := s.AllocateAppID(ctx, "mon2", nil)
	require.NoError(t, err)
	assert.Greater(t, id2, id)
}

func TestAllocateServiceIDStartsAtFloor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.AllocateServiceID(ctx, "nginx", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(models.ServiceIDFloor), id)
}

func TestCreateApplicationDuplicateSlugConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateApplication(ctx, "Monitoring", "mon", "desc", models.App{})
	require.NoError(t, err)

	_, err = s.CreateApplication(ctx, "Monitoring Two", "mon", "desc", models.App{})
	assert.Error(t, err)
}

func TestDeleteApplicationReferencedConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedDevice(t, s, "dev-5")

	app, err := s.CreateApplication(ctx, "Monitoring", "mon", "desc", models.App{})
	require.NoError(t, err)

	doc := models.NewEmptyState()
	doc.Apps[models.AppKeyFor(app.ID)] = models.App{AppID: app.ID, AppName: app.Name}
	_, err = s.ReplaceTargetState(ctx, "dev-5", doc)
	require.NoError(t, err)

	err = s.DeleteApplication(ctx, app.ID)
	assert.Error(t, err)
}

func TestDeleteUnreferencedApplicationSucceeds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	app, err := s.CreateApplication(ctx, "Monitoring", "mon", "desc", models.App{})
	require.NoError(t, err)

	assert.NoError(t, s.DeleteApplication(ctx, app.ID))
}
