package liveness

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetcp.sh/internal/config"
	"fleetcp.sh/internal/database"
	"fleetcp.sh/internal/eventlog"
	"fleetcp.sh/internal/models"
	"fleetcp.sh/internal/statestore"
)

func newTestMonitor(t *testing.T, cfg config.HeartbeatConfig) (*Monitor, *statestore.Store) {
	t.Helper()
	db, err := database.New(&database.Config{Driver: "sqlite3", DSN: ":memory:", MaxOpenConns: 1, MaxIdleConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	migrator, err := database.NewMigrator(&database.MigrationConfig{Driver: "sqlite3"})
	require.NoError(t, err)
	require.NoError(t, migrator.Initialize(db.DB, "sqlite3"))
	require.NoError(t, migrator.Up(context.Background()))

	events := eventlog.New(db)
	store := statestore.New(db, events)
	return NewMonitor(store, events, cfg, nil), store
}

func TestMonitorSweepMarksStaleDeviceOffline(t *testing.T) {
	cfg := config.HeartbeatConfig{Enabled: true, TickInterval: time.Minute, OfflineThreshold: 100 * time.Millisecond}
	m, store := newTestMonitor(t, cfg)
	ctx := context.Background()

	stale := time.Now().UTC().Add(-time.Hour)
	_, err := store.RegisterDevice(ctx, models.Device{ID: "dev-1", Name: "dev-1", Online: true, LastContactAt: stale})
	require.NoError(t, err)

	m.sweepOnce(ctx)

	d, err := store.GetDevice(ctx, "dev-1")
	require.NoError(t, err)
	assert.False(t, d.Online)
}

func TestMonitorSweepLeavesFreshDeviceOnline(t *testing.T) {
	cfg := config.HeartbeatConfig{Enabled: true, TickInterval: time.Minute, OfflineThreshold: time.Hour}
	m, store := newTestMonitor(t, cfg)
	ctx := context.Background()

	_, err := store.RegisterDevice(ctx, models.Device{ID: "dev-2", Name: "dev-2", Online: true, LastContactAt: time.Now().UTC()})
	require.NoError(t, err)

	m.sweepOnce(ctx)

	d, err := store.GetDevice(ctx, "dev-2")
	require.NoError(t, err)
	assert.True(t, d.Online)
}

func TestMonitorPersistsAnchorAcrossSweeps(t *testing.T) {
	cfg := config.HeartbeatConfig{Enabled: true, TickInterval: time.Minute, OfflineThreshold: time.Hour}
	m, store := newTestMonitor(t, cfg)
	ctx := context.Background()

	_, ok, err := store.GetSystemConfig(ctx, models.HeartbeatLastCheckKey)
	require.NoError(t, err)
	assert.False(t, ok)

	m.sweepOnce(ctx)

	_, ok, err = store.GetSystemConfig(ctx, models.HeartbeatLastCheckKey)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMonitorDisabledRunReturnsImmediately(t *testing.T) {
	cfg := config.HeartbeatConfig{Enabled: false}
	m, _ := newTestMonitor(t, cfg)
	done := make(chan struct{})
	go func() {
		m.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return for a disabled monitor")
	}
}
