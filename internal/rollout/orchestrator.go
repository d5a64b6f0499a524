package rollout

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"fleetcp.sh/internal/database"
	"fleetcp.sh/internal/eventlog"
	"fleetcp.sh/internal/ferrors"
	"fleetcp.sh/internal/models"
	"fleetcp.sh/internal/rollback"
	"fleetcp.sh/internal/statestore"
)

// Config tunes the orchestrator's tick cadence and batch pacing
// defaults (spec §4.5, §9 "configuration knobs").
type Config struct {
	TickInterval time.Duration
}

// DefaultConfig matches the spec's documented defaults.
func DefaultConfig() Config {
	return Config{TickInterval: 30 * time.Second}
}

// Orchestrator drives rollout creation, batch progression, and admin
// operations. It is the component E entrypoint webhook ingestion and
// the operator API call into.
type Orchestrator struct {
	store    *Store
	policies *PolicyStore
	state    *statestore.Store
	events   *eventlog.Store
	checker  healthChecker
	rollback *rollback.Manager
	logger   *slog.Logger
	cfg      Config
}

// healthChecker is the subset of internal/healthcheck.Checker the
// orchestrator needs, kept as an interface so run.go's tick loop is
// testable without a real HTTP/TCP probe.
type healthChecker interface {
	Check(ctx context.Context, device models.Device, current *models.CurrentState, spec models.HealthCheckSpec) (bool, error)
}

// New builds an Orchestrator.
func New(db *database.DB, state *statestore.Store, events *eventlog.Store, rb *rollback.Manager, checker healthChecker, logger *slog.Logger, cfg Config) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:    newStore(db),
		policies: newPolicyStore(db),
		state:    state,
		events:   events,
		checker:  checker,
		rollback: rb,
		logger:   logger.With("component", "rollout"),
		cfg:      cfg,
	}
}

// Policies exposes the policy CRUD surface to the HTTP layer.
func (o *Orchestrator) Policies() *PolicyStore { return o.policies }

// Rollouts exposes the rollout read surface to the HTTP layer.
func (o *Orchestrator) Rollouts() *Store { return o.store }

// TriggerInput describes an inbound image-update notification, from a
// webhook or a manual operator trigger.
type TriggerInput struct {
	ImageName   string
	NewTag      string
	TriggeredBy string
	RawPayload  []byte
}

// Trigger matches imageName against enabled policies and, on a match,
// creates and (for auto/staged strategies) immediately starts a
// rollout (spec §4.5 steps 1-7).
func (o *Orchestrator) Trigger(ctx context.Context, in TriggerInput) (*models.Rollout, error) {
	policies, err := o.policies.EnabledPolicies(ctx)
	if err != nil {
		return nil, err
	}
	policy, ok := MatchPolicy(in.ImageName, policies)
	if !ok {
		return nil, ferrors.New(ferrors.CodeNotFound, "no enabled rollout policy matches image "+in.ImageName)
	}

	active, err := o.store.ActiveForImage(ctx, in.ImageName, in.NewTag)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, ferrors.New(ferrors.CodeConflict, "a rollout for this image and tag is already active")
	}

	oldTag, found, err := o.store.SampleOldTag(ctx, in.ImageName)
	if err != nil {
		return nil, err
	}
	var oldTagPtr *string
	if found {
		oldTagPtr = &oldTag
	}

	candidates, err := o.candidateDevices(ctx, in.ImageName, policy.DeviceFilter)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rolloutID := newID()
	fractions := fractionsOrDefault(policy)
	batches := assignBatches(candidates, fractions)

	r := models.Rollout{
		RolloutID:      rolloutID,
		PolicyID:       policy.ID,
		ImageName:      in.ImageName,
		OldTag:         oldTagPtr,
		NewTag:         in.NewTag,
		Strategy:       policy.Strategy,
		Status:         models.RolloutPending,
		TotalDevices:   len(candidates),
		CurrentBatch:   0,
		BatchFractions: fractions,
		CreatedAt:      now,
		TriggeredBy:    in.TriggeredBy,
		WebhookPayload: in.RawPayload,
	}

	var statuses []models.DeviceRolloutStatus
	for batchNum, deviceIDs := range batches {
		for _, id := range deviceIDs {
			statuses = append(statuses, models.DeviceRolloutStatus{
				RolloutID:   rolloutID,
				DeviceID:    id,
				BatchNumber: batchNum + 1,
				Status:      models.DeviceRolloutScheduled,
				OldImageTag: oldTagPtr,
				NewImageTag: in.NewTag,
				ScheduledAt: now,
			})
		}
	}

	if err := o.store.CreateRollout(ctx, r, statuses); err != nil {
		return nil, err
	}

	if _, err := o.events.Publish(ctx, eventlog.PublishInput{
		Type:          models.EventRolloutCreated,
		AggregateKind: "rollout",
		AggregateID:   rolloutID,
		Payload:       map[string]any{"image": in.ImageName, "tag": in.NewTag, "total_devices": len(candidates)},
	}); err != nil {
		o.logger.Error("publish rollout.created event", "error", err)
	}

	if policy.Strategy == models.StrategyAuto || policy.Strategy == models.StrategyStaged {
		if err := o.startBatch(ctx, rolloutID, 1); err != nil {
			return nil, err
		}
	}

	return o.store.GetRollout(ctx, rolloutID)
}

func (o *Orchestrator) candidateDevices(ctx context.Context, imageName string, filter *models.DeviceFilter) ([]models.Device, error) {
	ids, err := o.state.FindDevicesByImage(ctx, imageName)
	if err != nil {
		return nil, err
	}
	var out []models.Device
	for _, id := range ids {
		d, err := o.state.GetDevice(ctx, id)
		if err != nil {
			return nil, err
		}
		if filter == nil || filter.Matches(*d) {
			out = append(out, *d)
		}
	}
	return out, nil
}

// assignBatches sorts candidates by device UUID for determinism, then
// splits them across fractions with cumulative-fraction rounding, the
// approach spec §4.5 names to keep batch membership stable across
// re-reads.
func assignBatches(devices []models.Device, fractions []float64) [][]string {
	ids := make([]string, len(devices))
	for i, d := range devices {
		ids[i] = d.ID
	}
	sort.Strings(ids)

	total := len(ids)
	batches := make([][]string, len(fractions))
	prevCut := 0
	for i, frac := range fractions {
		cut := int(math.Round(frac * float64(total)))
		if i == len(fractions)-1 {
			cut = total
		}
		if cut > total {
			cut = total
		}
		if cut < prevCut {
			cut = prevCut
		}
		batches[i] = ids[prevCut:cut]
		prevCut = cut
	}
	return batches
}

func fractionsOrDefault(p *models.RolloutPolicy) []float64 {
	if len(p.StagedFractions) == 0 {
		return models.DefaultStagedFractions
	}
	return p.StagedFractions
}

// startBatch transitions a rollout to running (if pending) and marks
// every device in batchNum scheduled -> updating, writing the new
// target-state image tag for each.
func (o *Orchestrator) startBatch(ctx context.Context, rolloutID string, batchNum int) error {
	r, err := o.store.GetRollout(ctx, rolloutID)
	if err != nil {
		return err
	}
	if r.Status == models.RolloutPending {
		if err := o.store.SetStatus(ctx, rolloutID, models.RolloutRunning, ""); err != nil {
			return err
		}
	}
	if err := o.store.AdvanceBatch(ctx, rolloutID, batchNum, time.Now().UTC()); err != nil {
		return err
	}

	deviceIDs, err := o.store.BatchDeviceIDs(ctx, rolloutID, batchNum)
	if err != nil {
		return err
	}
	for _, deviceID := range deviceIDs {
		if _, err := o.state.SetServiceImageTag(ctx, deviceID, r.ImageName, r.NewTag); err != nil {
			o.logger.Error("set service image tag for rollout batch", "device_id", deviceID, "rollout_id", rolloutID, "error", err)
			continue
		}
		if err := o.store.TransitionDeviceStatus(ctx, rolloutID, deviceID, models.DeviceRolloutUpdating); err != nil {
			o.logger.Error("transition device rollout status to updating", "device_id", deviceID, "error", err)
		}
	}
	if err := o.store.IncrementCounters(ctx, rolloutID, len(deviceIDs), 0, 0, 0, 0); err != nil {
		return err
	}
	return nil
}

// Pause, Resume, Cancel, RollbackAll, RollbackDevice are the admin
// operations spec §4.5/§6 exposes to operators, each gated by the
// RolloutStatus transition DAG.
func (o *Orchestrator) Pause(ctx context.Context, rolloutID, reason string) error {
	return o.transition(ctx, rolloutID, models.RolloutPaused, reason)
}

// Resume requires the operator to acknowledge that whatever tripped
// the batch-failure-rate pause has been mitigated (spec §4.5: "resume
// requires confirmation that batchFailureRate has been mitigated").
// ack is an opaque bool carried on the request; a false or absent ack
// is rejected rather than silently resuming.
func (o *Orchestrator) Resume(ctx context.Context, rolloutID string, ack bool) error {
	if !ack {
		return ferrors.New(ferrors.CodeInvalidInput, "resume requires the operator to acknowledge the pause cause has been mitigated")
	}
	return o.transition(ctx, rolloutID, models.RolloutRunning, "")
}

func (o *Orchestrator) Cancel(ctx context.Context, rolloutID string) error {
	return o.transition(ctx, rolloutID, models.RolloutCancelled, "")
}

func (o *Orchestrator) transition(ctx context.Context, rolloutID string, target models.RolloutStatus, reason string) error {
	r, err := o.store.GetRollout(ctx, rolloutID)
	if err != nil {
		return err
	}
	if !r.Status.CanTransition(target) {
		return ferrors.New(ferrors.CodeConflict, "cannot transition rollout from "+string(r.Status)+" to "+string(target))
	}
	return o.setStatusAndPublish(ctx, rolloutID, target, reason, nil)
}

// setStatusAndPublish persists a rollout status change and, for the
// statuses that have a corresponding event type, publishes it — the
// same best-effort-after-commit pattern Trigger uses for
// rollout.created (orchestrator.go above). A publish failure is
// logged, never returned: the status change itself already committed.
func (o *Orchestrator) setStatusAndPublish(ctx context.Context, rolloutID string, status models.RolloutStatus, reason string, payload map[string]any) error {
	if err := o.store.SetStatus(ctx, rolloutID, status, reason); err != nil {
		return err
	}
	eventType, ok := rolloutEventType(status)
	if !ok {
		return nil
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["rollout_id"] = rolloutID
	if reason != "" {
		payload["reason"] = reason
	}
	if _, err := o.events.Publish(ctx, eventlog.PublishInput{
		Type:          eventType,
		AggregateKind: "rollout",
		AggregateID:   rolloutID,
		Payload:       payload,
	}); err != nil {
		o.logger.Error("publish rollout status event", "rollout_id", rolloutID, "status", status, "error", err)
	}
	return nil
}

func rolloutEventType(status models.RolloutStatus) (string, bool) {
	switch status {
	case models.RolloutPaused:
		return models.EventRolloutPaused, true
	case models.RolloutCompleted:
		return models.EventRolloutCompleted, true
	case models.RolloutCancelled:
		return models.EventRolloutCancelled, true
	case models.RolloutRolledBack:
		return models.EventRolloutRolledBack, true
	default:
		return "", false
	}
}

// RollbackAll reverts every device in rolloutID via internal/rollback,
// first gating the rolled_back transition behind the same
// CanTransition DAG Pause/Resume/Cancel use: spec §4.5's DAG draws
// rollbackAll only as an edge out of running, so a rollout that is
// already terminal (or still pending) refuses the request instead of
// silently flipping status.
func (o *Orchestrator) RollbackAll(ctx context.Context, rolloutID string) (rollback.Result, error) {
	if err := o.transition(ctx, rolloutID, models.RolloutRolledBack, ""); err != nil {
		return rollback.Result{}, err
	}
	return o.rollback.RollbackAll(ctx, rolloutID), nil
}

// RollbackDevice reverts one device within rolloutID. A single
// device's rollback never changes the rollout's own status, but it
// still only makes sense while the rollout is running — the same edge
// RollbackAll gates on.
func (o *Orchestrator) RollbackDevice(ctx context.Context, rolloutID, deviceID string) error {
	r, err := o.store.GetRollout(ctx, rolloutID)
	if err != nil {
		return err
	}
	if r.Status != models.RolloutRunning {
		return ferrors.New(ferrors.CodeConflict, "cannot roll back a device while rollout is "+string(r.Status))
	}
	return o.rollback.RollbackDevice(ctx, rolloutID, deviceID)
}
