package liveness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func at(hhmmss string) time.Time {
	t, err := time.Parse("15:04:05", hhmmss)
	if err != nil {
		panic(err)
	}
	return t
}

func TestComputeSweepFirstRunNeverEmitsRestart(t *testing.T) {
	devices := []DeviceSnapshot{
		{ID: "d1", LastContactAt: at("09:00:00")},
	}
	result := ComputeSweep(time.Time{}, at("10:00:00"), time.Minute, 5*time.Minute, devices)
	assert.Nil(t, result.Restart)
	assert.Contains(t, result.ToMarkOffline, "d1")
	assert.Equal(t, at("10:00:00"), result.NewTLast)
}

func TestComputeSweepNormalTickMarksStaleOnly(t *testing.T) {
	devices := []DeviceSnapshot{
		{ID: "fresh", LastContactAt: at("09:58:00")},
		{ID: "stale", LastContactAt: at("09:50:00")},
	}
	result := ComputeSweep(at("09:59:00"), at("10:00:00"), time.Minute, 5*time.Minute, devices)
	assert.Nil(t, result.Restart)
	assert.Equal(t, []string{"stale"}, result.ToMarkOffline)
}

func TestComputeSweepAcrossDowntimeUsesTLastAnchor(t *testing.T) {
	// Mirrors spec example 4: T_last=10:00:00, process down until 10:30,
	// tick interval 1m so downtime (30m) > 2*tick. Device D last
	// contacted 10:00:30 (after T_last) and must NOT be marked offline;
	// device E last contacted 09:55 (before T_last) must be.
	tLast := at("10:00:00")
	now := at("10:30:00")
	devices := []DeviceSnapshot{
		{ID: "D", LastContactAt: at("10:00:30")},
		{ID: "E", LastContactAt: at("09:55:00")},
	}
	result := ComputeSweep(tLast, now, time.Minute, 5*time.Minute, devices)
	assert.NotNil(t, result.Restart)
	assert.Equal(t, 30*time.Minute, result.Restart.Downtime)
	assert.Equal(t, []string{"E"}, result.ToMarkOffline)
	assert.NotContains(t, result.ToMarkOffline, "D")
}

func TestComputeSweepNoRestartBelowThreshold(t *testing.T) {
	// downtime exactly 2*tick is not > 2*tick, so no restart mode.
	tLast := at("09:58:00")
	now := at("10:00:00")
	devices := []DeviceSnapshot{{ID: "d1", LastContactAt: at("09:50:00")}}
	result := ComputeSweep(tLast, now, time.Minute, 5*time.Minute, devices)
	assert.Nil(t, result.Restart)
	assert.Equal(t, []string{"d1"}, result.ToMarkOffline)
}

func TestComputeSweepEmptyDeviceSetStillAdvancesAnchor(t *testing.T) {
	result := ComputeSweep(at("09:00:00"), at("10:00:00"), time.Minute, 5*time.Minute, nil)
	assert.Empty(t, result.ToMarkOffline)
	assert.Equal(t, at("10:00:00"), result.NewTLast)
}
