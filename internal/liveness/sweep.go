// Package liveness implements the control plane's crash-safe offline
// detector (component D): a pure sweep function isolating the
// downtime-anchor arithmetic from I/O, plus a monitor loop that wires
// it to the state store and event log.
package liveness

import "time"

// DeviceSnapshot is the minimal per-device view the sweep needs.
type DeviceSnapshot struct {
	ID            string
	LastContactAt time.Time
}

// RestartInfo describes a detected control-plane downtime gap,
// published as the api_restart event.
type RestartInfo struct {
	Downtime time.Duration
	TLast    time.Time
	Now      time.Time
}

// SweepResult is what one sweep decided: which devices to mark
// offline, the new T_last anchor to persist, and whether a restart gap
// was detected.
type SweepResult struct {
	ToMarkOffline []string
	NewTLast      time.Time
	Restart       *RestartInfo
}

// ComputeSweep is the pure heart of the liveness monitor: given the
// last recorded sweep anchor, the current time, the configured
// intervals, and the online devices observed this tick, it decides
// which devices have gone quiet and whether the gap since T_last is
// large enough to be a control-plane restart rather than a normal
// tick (spec §4.4).
//
// tLast.IsZero() means no prior sweep has ever run; that first run
// always does a normal sweep and never emits a restart event, since
// there is no anchor to compare against.
//
// devices must already be filtered to online == true: an offline
// device can't go offline again, so the sweep has nothing to decide
// for it.
func ComputeSweep(tLast, now time.Time, tickInterval, offlineThreshold time.Duration, devices []DeviceSnapshot) SweepResult {
	result := SweepResult{NewTLast: now}

	firstRun := tLast.IsZero()
	var downtime time.Duration
	restartMode := false
	if !firstRun {
		downtime = now.Sub(tLast)
		restartMode = downtime > 2*tickInterval
	}

	if restartMode {
		result.Restart = &RestartInfo{Downtime: downtime, TLast: tLast, Now: now}
	}

	for _, d := range devices {
		var stale bool
		if restartMode {
			// Only devices that were already inactive before the plane
			// went down are marked offline; a device that contacted the
			// plane between T_last and the crash is presumed online
			// pending its own inactivity (spec §4.4 step 3).
			stale = d.LastContactAt.Before(tLast)
		} else {
			stale = now.Sub(d.LastContactAt) > offlineThreshold
		}
		if stale {
			result.ToMarkOffline = append(result.ToMarkOffline, d.ID)
		}
	}

	return result
}
