package liveness

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"fleetcp.sh/internal/config"
	"fleetcp.sh/internal/eventlog"
	"fleetcp.sh/internal/metrics"
	"fleetcp.sh/internal/models"
	"fleetcp.sh/internal/statestore"
)

// Monitor drives ComputeSweep against live state on a ticker,
// persisting T_last in SystemConfig so the anchor survives a restart.
type Monitor struct {
	store  *statestore.Store
	events *eventlog.Store
	cfg    config.HeartbeatConfig
	logger *slog.Logger
}

// NewMonitor builds a liveness monitor. cfg.Enabled gates Run entirely,
// letting deployments disable the sweep without removing the wiring.
func NewMonitor(store *statestore.Store, events *eventlog.Store, cfg config.HeartbeatConfig, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{store: store, events: events, cfg: cfg, logger: logger.With("component", "liveness")}
}

// Run blocks until ctx is cancelled, sweeping once immediately and
// then every TickInterval.
func (m *Monitor) Run(ctx context.Context) {
	if !m.cfg.Enabled {
		m.logger.Info("liveness monitor disabled")
		return
	}

	m.sweepOnce(ctx)

	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepOnce(ctx)
		}
	}
}

// TriggerSweep runs one liveness sweep on demand, independent of the
// ticker in Run. Used by the admin `POST /admin/heartbeat/check`
// endpoint.
func (m *Monitor) TriggerSweep(ctx context.Context) {
	m.sweepOnce(ctx)
}

// LastSweepAt reports the T_last anchor persisted by the most recent
// sweep, backing `GET /admin/heartbeat`.
func (m *Monitor) LastSweepAt(ctx context.Context) (time.Time, error) {
	return m.loadTLast(ctx)
}

// Enabled reports whether the heartbeat monitor is configured to run.
func (m *Monitor) Enabled() bool { return m.cfg.Enabled }

func (m *Monitor) sweepOnce(ctx context.Context) {
	start := time.Now()
	defer func() { metrics.LivenessSweepDuration.Observe(time.Since(start).Seconds()) }()

	tLast, err := m.loadTLast(ctx)
	if err != nil {
		m.logger.Error("load liveness anchor", "error", err)
		return
	}

	devices, err := m.store.ListOnlineDevices(ctx)
	if err != nil {
		m.logger.Error("list online devices", "error", err)
		return
	}

	snapshots := make([]DeviceSnapshot, len(devices))
	for i, d := range devices {
		snapshots[i] = DeviceSnapshot{ID: d.ID, LastContactAt: d.LastContactAt}
	}

	now := time.Now().UTC()
	result := ComputeSweep(tLast, now, m.cfg.TickInterval, m.cfg.OfflineThreshold, snapshots)

	if result.Restart != nil {
		m.publishRestart(ctx, result.Restart)
	}

	if len(result.ToMarkOffline) > 0 {
		if err := m.store.MarkDevicesOffline(ctx, result.ToMarkOffline); err != nil {
			m.logger.Warn("some devices failed to mark offline", "error", err)
		}
	}

	if err := m.saveTLast(ctx, result.NewTLast); err != nil {
		m.logger.Error("persist liveness anchor", "error", err)
	}
}

func (m *Monitor) loadTLast(ctx context.Context) (time.Time, error) {
	raw, ok, err := m.store.GetSystemConfig(ctx, models.HeartbeatLastCheckKey)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return time.Time{}, nil
	}
	var t time.Time
	if err := json.Unmarshal(raw, &t); err != nil {
		return time.Time{}, err
	}
	return t, nil
}

func (m *Monitor) saveTLast(ctx context.Context, t time.Time) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return m.store.SetSystemConfig(ctx, models.HeartbeatLastCheckKey, raw)
}

func (m *Monitor) publishRestart(ctx context.Context, info *RestartInfo) {
	_, err := m.events.Publish(ctx, eventlog.PublishInput{
		Type:          models.EventAPIRestart,
		AggregateKind: "system",
		AggregateID:   "control-plane",
		Payload: map[string]any{
			"downtime_seconds": info.Downtime.Seconds(),
			"t_last":           info.TLast,
			"now":              info.Now,
		},
	})
	if err != nil {
		m.logger.Error("publish api_restart event", "error", err)
	}
}
