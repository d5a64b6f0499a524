package models

import (
	"encoding/json"
	"time"
)

// JobAction is one step of a job document.
type JobAction struct {
	Type  string          `json:"type"` // "runCommand" | "runHandler"
	Input json.RawMessage `json:"input"`
}

// JobStep wraps a single action, matching the versioned steps shape.
type JobStep struct {
	Action JobAction `json:"action"`
}

// JobTargetType selects whether Job.TargetDevices names devices
// directly or a device group.
type JobTargetType string

const (
	JobTargetDevice JobTargetType = "device"
	JobTargetGroup  JobTargetType = "group"
)

// JobAggregateStatus is the computed status of a Job across all its
// DeviceJobStatus rows.
type JobAggregateStatus string

const (
	JobAggPending         JobAggregateStatus = "PENDING"
	JobAggInProgress      JobAggregateStatus = "IN_PROGRESS"
	JobAggSucceeded       JobAggregateStatus = "SUCCEEDED"
	JobAggPartiallyFailed JobAggregateStatus = "PARTIALLY_FAILED"
	JobAggFailed          JobAggregateStatus = "FAILED"
	JobAggTimedOut        JobAggregateStatus = "TIMED_OUT"
)

// JobTemplate is a reusable job document, referenced by TemplateID.
// Supplemented feature: spec.md lists the templates endpoints without
// detailing the catalog shape; modeled the same way Application is a
// pure catalog object referenced by id.
type JobTemplate struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Document  []JobStep `json:"document" db:"-"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// Job is a one-off remote command dispatched to one or more devices.
type Job struct {
	JobID          string             `json:"jobId" db:"id"`
	JobName        string             `json:"jobName" db:"job_name"`
	TemplateID     *string            `json:"templateId,omitempty" db:"template_id"`
	Document       []JobStep          `json:"document" db:"-"`
	TargetType     JobTargetType      `json:"targetType" db:"target_type"`
	TargetDevices  []string           `json:"targetDevices" db:"-"`
	TimeoutSeconds int                `json:"timeoutSeconds" db:"timeout_seconds"`
	CreatedAt      time.Time          `json:"createdAt" db:"created_at"`
	Status         JobAggregateStatus `json:"status" db:"status"`
	Counters       JobCounters        `json:"counters" db:"-"`
}

// JobCounters tallies per-device job outcomes.
type JobCounters struct {
	Queued     int `json:"queued"`
	InProgress int `json:"inProgress"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	TimedOut   int `json:"timedOut"`
	Cancelled  int `json:"cancelled"`
}

// DeviceJobState is the per-device job lifecycle state.
type DeviceJobState string

const (
	DeviceJobQueued     DeviceJobState = "QUEUED"
	DeviceJobInProgress DeviceJobState = "IN_PROGRESS"
	DeviceJobSucceeded  DeviceJobState = "SUCCEEDED"
	DeviceJobFailed     DeviceJobState = "FAILED"
	DeviceJobTimedOut   DeviceJobState = "TIMED_OUT"
	DeviceJobCancelled  DeviceJobState = "CANCELLED"
)

// IsTerminal reports whether the state accepts no further transitions.
func (s DeviceJobState) IsTerminal() bool {
	switch s {
	case DeviceJobSucceeded, DeviceJobFailed, DeviceJobTimedOut, DeviceJobCancelled:
		return true
	}
	return false
}

// DeviceJobStatus is one row per (job, device). A device has at most
// one IN_PROGRESS row at a time.
type DeviceJobStatus struct {
	JobID          string          `json:"jobId" db:"job_id"`
	DeviceID       string          `json:"deviceId" db:"device_id"`
	Status         DeviceJobState  `json:"status" db:"status"`
	StatusDetails  json.RawMessage `json:"statusDetails,omitempty" db:"status_details"`
	ExitCode       *int            `json:"exitCode,omitempty" db:"exit_code"`
	Stdout         *string         `json:"stdout,omitempty" db:"stdout"`
	Stderr         *string         `json:"stderr,omitempty" db:"stderr"`
	StartedAt      *time.Time      `json:"startedAt,omitempty" db:"started_at"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty" db:"completed_at"`
}
