package rollout

import (
	"context"
	"time"

	"fleetcp.sh/internal/ferrors"
	"fleetcp.sh/internal/metrics"
	"fleetcp.sh/internal/models"
)

// Run drives the background tick loop: every cfg.TickInterval it
// advances every running rollout one step, the same immediate-first-
// run ticker shape internal/liveness.Monitor.Run uses.
func (o *Orchestrator) Run(ctx context.Context) {
	o.tickOnce(ctx)

	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.tickOnce(ctx)
		}
	}
}

func (o *Orchestrator) tickOnce(ctx context.Context) {
	ids, err := o.store.RunningRolloutIDs(ctx)
	if err != nil {
		o.logger.Error("list running rollouts", "error", err)
		return
	}
	for _, id := range ids {
		if err := o.tickRollout(ctx, id); err != nil {
			o.logger.Error("tick rollout", "rollout_id", id, "error", err)
		}
	}
}

// tickRollout advances one rollout's device lifecycle and batch
// progression (spec §4.5 batch lifecycle and §9 tick semantics).
func (o *Orchestrator) tickRollout(ctx context.Context, rolloutID string) error {
	if err := o.advanceDeviceLifecycle(ctx, rolloutID); err != nil {
		return err
	}
	return o.advanceBatch(ctx, rolloutID)
}

// advanceDeviceLifecycle moves every device in updating/verifying
// through its health check and records the outcome.
func (o *Orchestrator) advanceDeviceLifecycle(ctx context.Context, rolloutID string) error {
	pending, err := o.store.DevicesAwaitingVerification(ctx, rolloutID)
	if err != nil {
		return err
	}

	r, err := o.store.GetRollout(ctx, rolloutID)
	if err != nil {
		return err
	}
	policy, err := o.policies.GetPolicy(ctx, r.PolicyID)
	if err != nil {
		return err
	}

	for _, st := range pending {
		if st.Status == models.DeviceRolloutUpdating {
			if err := o.store.MarkVerifying(ctx, rolloutID, st.DeviceID); err != nil {
				o.logger.Error("mark device verifying", "device_id", st.DeviceID, "error", err)
				continue
			}
		}

		device, err := o.state.GetDevice(ctx, st.DeviceID)
		if err != nil {
			o.logger.Error("load device for health check", "device_id", st.DeviceID, "error", err)
			continue
		}
		current, err := o.state.GetCurrentState(ctx, st.DeviceID)
		if err != nil && ferrors.GetCode(err) != ferrors.CodeNotFound {
			o.logger.Error("load current state for health check", "device_id", st.DeviceID, "error", err)
			continue
		}

		spec := models.HealthCheckSpec{}
		if policy.HealthCheck != nil {
			spec = *policy.HealthCheck
		}
		passed, checkErr := o.checker.Check(ctx, *device, current, spec)
		if checkErr != nil {
			o.logger.Warn("health check errored, treating as failed", "device_id", st.DeviceID, "error", checkErr)
			passed = false
		}

		if err := o.store.CompleteDeviceCheck(ctx, rolloutID, st.DeviceID, passed, errMessage(checkErr)); err != nil {
			o.logger.Error("complete device rollout check", "device_id", st.DeviceID, "error", err)
			continue
		}

		if passed {
			if err := o.store.IncrementCounters(ctx, rolloutID, 0, 1, 0, 0, 1); err != nil {
				o.logger.Error("increment rollout counters", "rollout_id", rolloutID, "error", err)
			}
			continue
		}

		if err := o.store.IncrementCounters(ctx, rolloutID, 0, 0, 1, 0, 0); err != nil {
			o.logger.Error("increment rollout counters", "rollout_id", rolloutID, "error", err)
		}
		if policy.AutoRollback {
			if err := o.rollback.RollbackDevice(ctx, rolloutID, st.DeviceID); err != nil {
				o.logger.Error("auto rollback device", "device_id", st.DeviceID, "error", err)
			}
		}
	}
	return nil
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// advanceBatch checks whether the current batch has settled and
// either pauses the rollout (failure rate exceeded), starts the next
// batch, or marks the rollout completed.
func (o *Orchestrator) advanceBatch(ctx context.Context, rolloutID string) error {
	r, err := o.store.GetRollout(ctx, rolloutID)
	if err != nil {
		return err
	}
	if r.Status != models.RolloutRunning {
		return nil
	}
	if r.NextBatchEligibleAt != nil && time.Now().UTC().Before(*r.NextBatchEligibleAt) {
		return nil
	}
	if r.CurrentBatch == 0 {
		return nil
	}

	outcome, err := o.store.CountBatchOutcomes(ctx, rolloutID, r.CurrentBatch)
	if err != nil {
		return err
	}
	if outcome.InProgress > 0 {
		return nil
	}
	if outcome.Total == 0 {
		return o.completeOrAdvance(ctx, r)
	}

	policy, err := o.policies.GetPolicy(ctx, r.PolicyID)
	if err != nil {
		return err
	}
	failureRate := float64(outcome.Failed) / float64(outcome.Total)
	if failureRate > policy.MaxFailureRate {
		metrics.RolloutBatchesTotal.WithLabelValues("paused").Inc()
		return o.setStatusAndPublish(ctx, rolloutID, models.RolloutPaused, "batch failure rate exceeded threshold", map[string]any{
			"batch":            r.CurrentBatch,
			"failure_rate":     failureRate,
			"max_failure_rate": policy.MaxFailureRate,
		})
	}

	return o.completeOrAdvance(ctx, r)
}

func (o *Orchestrator) completeOrAdvance(ctx context.Context, r *models.Rollout) error {
	nextBatch := r.CurrentBatch + 1
	if nextBatch > len(r.BatchFractions) {
		metrics.RolloutBatchesTotal.WithLabelValues("completed").Inc()
		return o.setStatusAndPublish(ctx, r.RolloutID, models.RolloutCompleted, "", nil)
	}

	policy, err := o.policies.GetPolicy(ctx, r.PolicyID)
	if err != nil {
		return err
	}
	delay := time.Duration(policy.BatchDelayMin) * time.Minute
	nextEligible := time.Now().UTC().Add(delay)
	if err := o.store.AdvanceBatch(ctx, r.RolloutID, nextBatch, nextEligible); err != nil {
		return err
	}
	metrics.RolloutBatchesTotal.WithLabelValues("advanced").Inc()

	if policy.Strategy == models.StrategyManual {
		return nil
	}
	return o.startBatch(ctx, r.RolloutID, nextBatch)
}
