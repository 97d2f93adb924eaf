package status

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tunnelmesh/fleet/internal/models"
)

func entry(status models.InstanceStatus, at time.Time) models.StatusHistoryEntry {
	return models.StatusHistoryEntry{Status: status, Timestamp: at}
}

func TestUptimeEmptyAndSingleEntry(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	m := CalculateUptimeMetrics(nil)
	assert.Zero(t, m.TotalUptime)
	assert.Zero(t, m.UptimePercent)
	assert.Zero(t, m.IncidentCount)

	m = CalculateUptimeMetrics([]models.StatusHistoryEntry{entry(models.StatusOnline, base)})
	assert.Zero(t, m.TotalUptime)
	assert.Zero(t, m.IncidentCount)

	// A lone incident entry still counts as one incident.
	m = CalculateUptimeMetrics([]models.StatusHistoryEntry{entry(models.StatusOffline, base)})
	assert.Equal(t, 1, m.IncidentCount)
}

func TestUptimeAttributesIntervalsToEarlierStatus(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	history := []models.StatusHistoryEntry{
		entry(models.StatusOnline, base),                    // 10m up
		entry(models.StatusOffline, base.Add(10*time.Minute)), // 5m down
		entry(models.StatusOnline, base.Add(15*time.Minute)),  // 45m up
		entry(models.StatusOnline, base.Add(60*time.Minute)),
	}

	m := CalculateUptimeMetrics(history)
	assert.Equal(t, 55*time.Minute, m.TotalUptime)
	assert.Equal(t, 5*time.Minute, m.TotalDowntime)
	assert.Equal(t, 60*time.Minute, m.Span)
	assert.Equal(t, 1, m.IncidentCount)
	assert.InDelta(t, 91.666, m.UptimePercent, 0.01)
}

func TestUptimeIdleIsNeitherUpNorDown(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	history := []models.StatusHistoryEntry{
		entry(models.StatusOnline, base),
		entry(models.StatusIdle, base.Add(30*time.Minute)),
		entry(models.StatusOnline, base.Add(90*time.Minute)),
	}

	m := CalculateUptimeMetrics(history)
	assert.Equal(t, 30*time.Minute, m.TotalUptime)
	assert.Zero(t, m.TotalDowntime)
	assert.Equal(t, 90*time.Minute, m.Span)
	assert.Zero(t, m.IncidentCount)
	assert.InDelta(t, 100.0, m.UptimePercent, 0.001)
}

func TestUptimeCountsIncidentEdges(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	history := []models.StatusHistoryEntry{
		entry(models.StatusOffline, base), // history opens mid-incident
		entry(models.StatusOnline, base.Add(time.Minute)),
		entry(models.StatusDegraded, base.Add(2*time.Minute)),
		entry(models.StatusOffline, base.Add(3*time.Minute)), // still the same incident
		entry(models.StatusOnline, base.Add(4*time.Minute)),
		entry(models.StatusOffline, base.Add(5*time.Minute)),
	}

	m := CalculateUptimeMetrics(history)
	assert.Equal(t, 3, m.IncidentCount)
}

func TestUptimeDeterministic(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	history := []models.StatusHistoryEntry{
		entry(models.StatusActive, base),
		entry(models.StatusOnline, base.Add(5*time.Minute)),
		entry(models.StatusDegraded, base.Add(20*time.Minute)),
		entry(models.StatusOnline, base.Add(25*time.Minute)),
		entry(models.StatusOffline, base.Add(55*time.Minute)),
		entry(models.StatusOnline, base.Add(60*time.Minute)),
	}

	first := CalculateUptimeMetrics(history)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, CalculateUptimeMetrics(history))
	}
	assert.Equal(t, 50*time.Minute, first.TotalUptime)
	assert.Equal(t, 10*time.Minute, first.TotalDowntime)
	assert.Equal(t, 2, first.IncidentCount)
}

func TestUptimeOutOfOrderTimestampsClampToZero(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	history := []models.StatusHistoryEntry{
		entry(models.StatusOnline, base.Add(10*time.Minute)),
		entry(models.StatusOffline, base), // clock skew: earlier than predecessor
		entry(models.StatusOnline, base.Add(15*time.Minute)),
	}

	m := CalculateUptimeMetrics(history)
	assert.Zero(t, m.TotalUptime)
	assert.Equal(t, 15*time.Minute, m.TotalDowntime)
}
