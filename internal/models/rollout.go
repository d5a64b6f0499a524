package models

import "time"

// RolloutStrategy selects how a Rollout progresses its batches.
type RolloutStrategy string

const (
	StrategyAuto      RolloutStrategy = "auto"
	StrategyStaged    RolloutStrategy = "staged"
	StrategyManual    RolloutStrategy = "manual"
	StrategyScheduled RolloutStrategy = "scheduled"
)

// HealthCheckType selects the probe F uses to decide an update's success.
type HealthCheckType string

const (
	HealthCheckHTTP      HealthCheckType = "HTTP"
	HealthCheckTCP       HealthCheckType = "TCP"
	HealthCheckContainer HealthCheckType = "CONTAINER"
)

// HealthCheckSpec configures the per-device probe run during verifying.
type HealthCheckSpec struct {
	Type              HealthCheckType `json:"type"`
	EndpointTemplate  string          `json:"endpointTemplate,omitempty"`
	ExpectedStatus    []int           `json:"expectedStatus,omitempty"`
	TimeoutSeconds    int             `json:"timeoutSeconds"`
	Retries           int             `json:"retries"`
	IntervalSeconds   int             `json:"intervalSeconds"`
}

// DeviceFilter narrows the candidate set beyond "runs this image".
type DeviceFilter struct {
	FleetID       string   `json:"fleetId,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	ExplicitUUIDs []string `json:"deviceUuids,omitempty"`
}

// Matches reports whether a device satisfies the filter. An empty
// filter matches every device.
func (f *DeviceFilter) Matches(d Device) bool {
	if f == nil {
		return true
	}
	if f.FleetID != "" && d.GroupID != f.FleetID {
		return false
	}
	if len(f.Tags) > 0 && !containsAll(d.Tags, f.Tags) {
		return false
	}
	if len(f.ExplicitUUIDs) > 0 && !containsString(f.ExplicitUUIDs, d.ID) {
		return false
	}
	return true
}

func containsAll(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, h := range have {
		set[h] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; !ok {
			return false
		}
	}
	return true
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// RolloutPolicy maps an image pattern to a rollout strategy and its
// safety parameters. Longer ImagePattern wins on ties against another
// matching policy.
type RolloutPolicy struct {
	ID               string            `json:"id" db:"id"`
	ImagePattern     string            `json:"imagePattern" db:"image_pattern"`
	Strategy         RolloutStrategy   `json:"strategy" db:"strategy"`
	StagedFractions  []float64         `json:"stagedFractions" db:"-"`
	BatchDelayMin    int               `json:"batchDelay" db:"batch_delay_minutes"`
	HealthCheck      *HealthCheckSpec  `json:"healthCheck,omitempty" db:"-"`
	AutoRollback     bool              `json:"autoRollback" db:"auto_rollback"`
	MaxFailureRate   float64           `json:"maxFailureRate" db:"max_failure_rate"`
	MaintenanceWindow *string          `json:"maintenanceWindow,omitempty" db:"maintenance_window"`
	DeviceFilter     *DeviceFilter     `json:"deviceFilter,omitempty" db:"-"`
	Enabled          bool              `json:"enabled" db:"enabled"`
	CreatedAt        time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt        time.Time         `json:"updatedAt" db:"updated_at"`
}

// DefaultStagedFractions is used when a policy omits StagedFractions.
var DefaultStagedFractions = []float64{0.10, 0.50, 1.00}

// RolloutStatus is a node in the rollout state machine (spec §4.5).
type RolloutStatus string

const (
	RolloutPending    RolloutStatus = "pending"
	RolloutRunning    RolloutStatus = "running"
	RolloutPaused     RolloutStatus = "paused"
	RolloutCompleted  RolloutStatus = "completed"
	RolloutFailed     RolloutStatus = "failed"
	RolloutCancelled  RolloutStatus = "cancelled"
	RolloutRolledBack RolloutStatus = "rolled_back"
)

// IsTerminal reports whether the status allows no further transitions.
func (s RolloutStatus) IsTerminal() bool {
	switch s {
	case RolloutCompleted, RolloutFailed, RolloutCancelled, RolloutRolledBack:
		return true
	}
	return false
}

// rolloutTransitions encodes the DAG from spec §4.5.
var rolloutTransitions = map[RolloutStatus][]RolloutStatus{
	RolloutPending: {RolloutRunning},
	RolloutRunning: {RolloutPaused, RolloutCompleted, RolloutFailed, RolloutRolledBack, RolloutCancelled},
	RolloutPaused:  {RolloutRunning, RolloutCancelled},
}

// CanTransition reports whether moving from s to target is legal.
func (s RolloutStatus) CanTransition(target RolloutStatus) bool {
	if s == target {
		return true
	}
	for _, allowed := range rolloutTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// RolloutCounters tallies per-device outcomes within a Rollout.
type RolloutCounters struct {
	Updated    int `json:"updated"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	RolledBack int `json:"rolledBack"`
	Healthy    int `json:"healthy"`
}

// Rollout is one fleet-wide propagation of an (image, tag) pair.
type Rollout struct {
	RolloutID           string          `json:"rolloutId" db:"rollout_id"`
	PolicyID             string          `json:"policyId" db:"policy_id"`
	ImageName            string          `json:"imageName" db:"image_name"`
	OldTag               *string         `json:"oldTag" db:"old_tag"`
	NewTag               string          `json:"newTag" db:"new_tag"`
	Strategy             RolloutStrategy `json:"strategy" db:"strategy"`
	Status               RolloutStatus   `json:"status" db:"status"`
	TotalDevices         int             `json:"totalDevices" db:"total_devices"`
	CurrentBatch         int             `json:"currentBatch" db:"current_batch"`
	BatchFractions       []float64       `json:"batchFractions" db:"-"`
	NextBatchEligibleAt  *time.Time      `json:"nextBatchEligibleAt" db:"next_batch_eligible_at"`
	Counters             RolloutCounters `json:"counters" db:"-"`
	CreatedAt            time.Time       `json:"createdAt" db:"created_at"`
	StartedAt            *time.Time      `json:"startedAt" db:"started_at"`
	FinishedAt           *time.Time      `json:"finishedAt" db:"finished_at"`
	TriggeredBy          string          `json:"triggeredBy" db:"triggered_by"`
	WebhookPayload       []byte          `json:"webhookPayload,omitempty" db:"webhook_payload"`
	PauseReason          string          `json:"pauseReason,omitempty" db:"pause_reason"`
}

// DeviceRolloutState is a per-device lifecycle node within a batch.
type DeviceRolloutState string

const (
	DeviceRolloutScheduled  DeviceRolloutState = "scheduled"
	DeviceRolloutUpdating   DeviceRolloutState = "updating"
	DeviceRolloutVerifying  DeviceRolloutState = "verifying"
	DeviceRolloutSucceeded  DeviceRolloutState = "succeeded"
	DeviceRolloutFailed     DeviceRolloutState = "failed"
	DeviceRolloutRolledBack DeviceRolloutState = "rolledBack"
)

// DeviceRolloutStatus is one row per (rollout, device).
type DeviceRolloutStatus struct {
	RolloutID         string             `json:"rolloutId" db:"rollout_id"`
	DeviceID          string             `json:"deviceId" db:"device_id"`
	BatchNumber       int                `json:"batchNumber" db:"batch_number"`
	Status            DeviceRolloutState `json:"status" db:"status"`
	OldImageTag       *string            `json:"oldImageTag" db:"old_image_tag"`
	NewImageTag       string             `json:"newImageTag" db:"new_image_tag"`
	ScheduledAt       time.Time          `json:"scheduledAt" db:"scheduled_at"`
	UpdateStartedAt   *time.Time         `json:"updateStartedAt" db:"update_started_at"`
	UpdateCompletedAt *time.Time         `json:"updateCompletedAt" db:"update_completed_at"`
	HealthCheckedAt   *time.Time         `json:"healthCheckedAt" db:"health_checked_at"`
	HealthCheckPassed *bool              `json:"healthCheckPassed" db:"health_check_passed"`
	RetryCount        int                `json:"retryCount" db:"retry_count"`
	ErrorMessage       string             `json:"errorMessage,omitempty" db:"error_message"`
}

// InProgress reports whether the device has not reached a terminal
// state within the batch yet (used by batch-completeness checks).
func (s DeviceRolloutState) InProgress() bool {
	switch s {
	case DeviceRolloutScheduled, DeviceRolloutUpdating, DeviceRolloutVerifying:
		return true
	}
	return false
}
