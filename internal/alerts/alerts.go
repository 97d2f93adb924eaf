// Package alerts turns status transitions into operator notifications with
// per-instance cooldown suppression.
package alerts

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tunnelmesh/fleet/internal/logger"
	"github.com/tunnelmesh/fleet/internal/metrics"
	"github.com/tunnelmesh/fleet/internal/models"
)

// Alert templates. One cooldown window applies per instance/template pair.
const (
	TemplateOffline   = "offline"
	TemplateDegraded  = "degraded"
	TemplateIdle      = "idle"
	TemplateRecovered = "recovered"
)

// Alert is one rendered notification.
type Alert struct {
	InstanceID string
	Template   string
	Message    string
	Timestamp  time.Time
}

// Notifier delivers alerts. Delivery runs on the background worker pool, so
// implementations may block briefly.
type Notifier interface {
	Notify(alert Alert)
}

// LogNotifier writes alerts to the structured log. The default sink; real
// deployments plug in paging or chat delivery.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{log: logger.New("alerts")}
}

func (n *LogNotifier) Notify(a Alert) {
	n.log.Warn("ALERT",
		zap.String("template", a.Template),
		zap.String("instance_id", a.InstanceID),
		zap.String("message", a.Message))
}

// Manager applies cooldown suppression in front of a Notifier. The cooldown
// map is in-process only; each process of a scaled deployment keeps its own.
type Manager struct {
	notifier Notifier
	cooldown time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time // instanceID + "/" + template

	now func() time.Time
}

func NewManager(notifier Notifier, cooldown time.Duration) *Manager {
	return &Manager{
		notifier: notifier,
		cooldown: cooldown,
		lastSent: make(map[string]time.Time),
		now:      time.Now,
	}
}

// FireForTransition fires the alert matching a status transition, if any.
// Entering offline/degraded/idle fires that template; returning to a healthy
// status from offline or degraded fires "recovered". Healthy-to-healthy
// movement is silent.
func (m *Manager) FireForTransition(instanceID string, from, to models.InstanceStatus, reason string) {
	switch to {
	case models.StatusOffline:
		m.fire(instanceID, TemplateOffline, reason)
	case models.StatusDegraded:
		m.fire(instanceID, TemplateDegraded, reason)
	case models.StatusIdle:
		m.fire(instanceID, TemplateIdle, reason)
	default:
		if to.Healthy() && (from == models.StatusOffline || from == models.StatusDegraded) {
			m.fire(instanceID, TemplateRecovered, fmt.Sprintf("recovered to %s", to))
		}
	}
}

func (m *Manager) fire(instanceID, template, message string) {
	key := instanceID + "/" + template
	now := m.now()

	m.mu.Lock()
	last, seen := m.lastSent[key]
	if seen && now.Sub(last) < m.cooldown {
		m.mu.Unlock()
		metrics.AlertsSuppressed.Inc()
		return
	}
	m.lastSent[key] = now
	m.mu.Unlock()

	metrics.AlertsFired.WithLabelValues(template).Inc()
	m.notifier.Notify(Alert{
		InstanceID: instanceID,
		Template:   template,
		Message:    message,
		Timestamp:  now,
	})
}

// Cleanup drops cooldown entries older than the window, bounding map growth.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-m.cooldown)
	for key, t := range m.lastSent {
		if t.Before(cutoff) {
			delete(m.lastSent, key)
		}
	}
}

// SetClock overrides the time source for tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }
