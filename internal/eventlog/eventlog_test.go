package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetcp.sh/internal/database"
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

	return New(db)
}

func TestPublishAndGetAggregateEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Publish(ctx, PublishInput{
		Type:          "target_state.updated",
		AggregateKind: "device",
		AggregateID:   "dev-1",
		Payload:       map[string]any{"version": 2},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	events, err := store.GetAggregateEvents(ctx, "device", "dev-1", nil, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "target_state.updated", events[0].Type)
	assert.NotEmpty(t, events[0].Checksum)
}

func TestPublishBatchIsAtomic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ids, err := store.PublishBatch(ctx, []PublishInput{
		{Type: "rollout.created", AggregateKind: "rollout", AggregateID: "r-1", Payload: map[string]any{}},
		{Type: "rollout.batch_started", AggregateKind: "rollout", AggregateID: "r-1", Payload: map[string]any{}},
	})
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	events, err := store.GetAggregateEvents(ctx, "rollout", "r-1", nil, 0)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestGetEventChain(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Publish(ctx, PublishInput{
		Type: "job.timed_out", AggregateKind: "job", AggregateID: "job-1",
		Payload: map[string]any{}, CorrelationID: "chain-1",
	})
	require.NoError(t, err)
	_, err = store.Publish(ctx, PublishInput{
		Type: "device.offline", AggregateKind: "device", AggregateID: "dev-2",
		Payload: map[string]any{}, CorrelationID: "chain-1",
	})
	require.NoError(t, err)

	chain, err := store.GetEventChain(ctx, "chain-1")
	require.NoError(t, err)
	assert.Len(t, chain, 2)
}

func TestGetRecentAndStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.Publish(ctx, PublishInput{
			Type: "device.offline", AggregateKind: "device", AggregateID: "dev-3",
			Payload: map[string]any{},
		})
		require.NoError(t, err)
	}

	recent, err := store.GetRecent(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	stats, err := store.GetStats(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.ByType["device.offline"])
}

func TestListenDeliversNewEvents(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := store.Listen(ctx, Filter{AggregateKind: "device"})

	_, err := store.Publish(context.Background(), PublishInput{
		Type: "device.offline", AggregateKind: "device", AggregateID: "dev-4",
		Payload: map[string]any{},
	})
	require.NoError(t, err)

	select {
	case e := <-ch:
		assert.Equal(t, "device.offline", e.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}
