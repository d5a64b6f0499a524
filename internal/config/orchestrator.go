package config

import "time"

// TestRolloutConfig returns test-optimized rollout tick settings, the
// same role orchestrator_test.go's TestOrchestratorConfig played in
// the teacher tree: fast ticks so orchestrator tests don't sleep for
// real-world intervals.
func TestRolloutConfig() RolloutConfig {
	return RolloutConfig{
		TickInterval:          10 * time.Millisecond,
		DefaultMaxFailureRate: 0.2,
		DefaultBatchDelay:     10 * time.Millisecond,
		WebhookDedupWindow:    0,
		MonitorTimeout:        30 * time.Second,
	}
}
