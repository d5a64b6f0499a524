package jobs

import (
	"context"
	"time"
)

// DefaultSweepInterval is the interval Run falls back to when given a
// non-positive one.
const DefaultSweepInterval = 30 * time.Second

// Run drives the periodic job-timeout sweep (spec §5 background task
// (c)), the same immediate-run-then-ticker shape as
// internal/liveness.Monitor.Run and internal/rollout.Orchestrator.Run.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	if err := m.SweepTimeouts(ctx); err != nil {
		m.logger.Error("sweep job timeouts", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.SweepTimeouts(ctx); err != nil {
				m.logger.Error("sweep job timeouts", "error", err)
			}
		}
	}
}
