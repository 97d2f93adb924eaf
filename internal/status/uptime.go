package status

import (
	"context"

	"github.com/tunnelmesh/fleet/internal/models"
)

// CalculateUptimeMetrics derives uptime figures from an ordered status
// history (oldest first). Each interval between consecutive entries is
// attributed to the earlier entry's status: online/active counts as uptime,
// offline/degraded as downtime. An incident is counted each time the history
// enters an incident status from a non-incident one. Deterministic for the
// same input list.
func CalculateUptimeMetrics(history []models.StatusHistoryEntry) models.UptimeMetrics {
	var m models.UptimeMetrics
	if len(history) < 2 {
		if len(history) == 1 && history[0].Status.Incident() {
			m.IncidentCount = 1
		}
		return m
	}

	if history[0].Status.Incident() {
		m.IncidentCount++
	}
	for i := 1; i < len(history); i++ {
		prev, cur := history[i-1], history[i]
		delta := cur.Timestamp.Sub(prev.Timestamp)
		if delta < 0 {
			delta = 0
		}

		switch {
		case prev.Status.Healthy():
			m.TotalUptime += delta
		case prev.Status.Incident():
			m.TotalDowntime += delta
		}
		m.Span += delta

		if cur.Status.Incident() && !prev.Status.Incident() {
			m.IncidentCount++
		}
	}

	accounted := m.TotalUptime + m.TotalDowntime
	if accounted > 0 {
		m.UptimePercent = float64(m.TotalUptime) / float64(accounted) * 100
	}
	return m
}

// GetUptimeMetrics loads an instance's bounded history and computes its
// uptime metrics.
func (e *Engine) GetUptimeMetrics(ctx context.Context, instanceID string) (models.UptimeMetrics, error) {
	history, err := e.db.GetStatusHistory(ctx, instanceID, e.cfg.HistoryLimit)
	if err != nil {
		return models.UptimeMetrics{}, err
	}
	return CalculateUptimeMetrics(history), nil
}
