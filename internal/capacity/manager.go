// Package capacity implements admission control: fleet-wide capacity checks,
// per-user plan quotas, and the combined guard run before provisioning.
package capacity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tunnelmesh/fleet/internal/config"
	"github.com/tunnelmesh/fleet/internal/domain"
	apperrors "github.com/tunnelmesh/fleet/internal/errors"
	"github.com/tunnelmesh/fleet/internal/fleet"
	"github.com/tunnelmesh/fleet/internal/logger"
	"github.com/tunnelmesh/fleet/internal/metrics"
	"github.com/tunnelmesh/fleet/internal/models"
)

// Manager answers "may this tunnel be admitted?". System capacity comes from
// the live fleet with a reserved slack withheld; user quotas come from the
// plan table and configured per-plan limits.
type Manager struct {
	registry *fleet.Registry
	store    domain.InstanceStore
	cfg      config.CapacityConfig
	plans    config.PlansConfig
	log      *zap.Logger

	now func() time.Time
}

func NewManager(registry *fleet.Registry, store domain.InstanceStore, cfg config.CapacityConfig, plans config.PlansConfig) *Manager {
	return &Manager{
		registry: registry,
		store:    store,
		cfg:      cfg,
		plans:    plans,
		log:      logger.New("capacity"),
		now:      time.Now,
	}
}

// CheckSystemCapacity reports whether the fleet can take one more tunnel.
// Effective capacity is total fleet slots minus the reserved percentage.
// With no live servers it falls back to counting connected tunnels in the
// database against the configured static total; if that fallback errors the
// answer is no capacity.
func (m *Manager) CheckSystemCapacity(ctx context.Context) (*models.SystemCapacity, error) {
	stats, err := m.registry.GetFleetStats(ctx)
	if err != nil {
		m.log.Error("Fleet stats unavailable for capacity check", zap.Error(err))
		return m.fallbackCapacity(ctx)
	}
	if stats.ActiveServers == 0 {
		return m.fallbackCapacity(ctx)
	}

	total := stats.TotalTunnelSlots
	active := stats.UsedTunnelSlots
	effective := total * (100 - m.cfg.ReservedPercent) / 100

	snapshot := &models.SystemCapacity{
		HasCapacity:    active < effective,
		ActiveTunnels:  active,
		TotalCapacity:  total,
		AvailableSlots: effective - active,
	}
	if snapshot.AvailableSlots < 0 {
		snapshot.AvailableSlots = 0
	}
	if total > 0 {
		snapshot.UtilizationPercent = float64(active) / float64(total) * 100
	}
	return snapshot, nil
}

// fallbackCapacity derives capacity from the database when no fleet view is
// available. Errors here fail closed: unknown load means no admission.
func (m *Manager) fallbackCapacity(ctx context.Context) (*models.SystemCapacity, error) {
	active, err := m.store.CountConnectedTunnels(ctx)
	if err != nil {
		m.log.Error("Capacity fallback count failed, failing closed", zap.Error(err))
		metrics.CapacityChecks.WithLabelValues("fail_closed").Inc()
		return &models.SystemCapacity{
			HasCapacity:   false,
			TotalCapacity: m.cfg.StaticTotalCapacity,
		}, nil
	}

	total := m.cfg.StaticTotalCapacity
	effective := total * (100 - m.cfg.ReservedPercent) / 100
	snapshot := &models.SystemCapacity{
		HasCapacity:    active < effective,
		ActiveTunnels:  active,
		TotalCapacity:  total,
		AvailableSlots: effective - active,
	}
	if snapshot.AvailableSlots < 0 {
		snapshot.AvailableSlots = 0
	}
	if total > 0 {
		snapshot.UtilizationPercent = float64(active) / float64(total) * 100
	}
	return snapshot, nil
}

// CheckUserQuota reports whether userID may open one more tunnel under their
// plan. Unknown users are denied.
func (m *Manager) CheckUserQuota(ctx context.Context, userID string) (*models.QuotaResult, error) {
	plan, err := m.store.GetUserPlan(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			metrics.QuotaDenials.WithLabelValues("user_not_found").Inc()
			return &models.QuotaResult{
				Allowed: false,
				Reason:  fmt.Sprintf("user %s not found", userID),
			}, apperrors.UserNotFoundError(userID)
		}
		return nil, apperrors.DatabaseError("get user plan", err)
	}

	max := m.plans.MaxTunnels(plan.Name)
	if plan.Expired(m.now()) {
		metrics.QuotaDenials.WithLabelValues("plan_expired").Inc()
		return &models.QuotaResult{
			Allowed:    false,
			MaxTunnels: max,
			Plan:       plan.Name,
			Reason:     fmt.Sprintf("plan %q expired", plan.Name),
		}, apperrors.PlanExpiredError(plan.Name)
	}

	active, err := m.store.CountConnectedTunnelsForUser(ctx, userID)
	if err != nil {
		return nil, apperrors.DatabaseError("count user tunnels", err)
	}

	res := &models.QuotaResult{
		Allowed:       active < max,
		ActiveTunnels: active,
		MaxTunnels:    max,
		Plan:          plan.Name,
	}
	if !res.Allowed {
		res.Reason = fmt.Sprintf("plan limit reached: %d tunnels active, plan %q allows %d", active, plan.Name, max)
		metrics.QuotaDenials.WithLabelValues("quota_exceeded").Inc()
	}
	return res, nil
}

// RequireCapacity is the admission guard run before provisioning a tunnel:
// system capacity first, then the user's quota. A denial comes back as a
// typed admission error. An unexpected internal failure lets the request
// proceed (logged loudly) rather than blocking all provisioning on a
// dependency hiccup.
func (m *Manager) RequireCapacity(ctx context.Context, userID string) error {
	sys, err := m.CheckSystemCapacity(ctx)
	if err != nil {
		m.log.Error("ADMISSION GUARD DEGRADED: system capacity check errored, allowing request",
			zap.String("user_id", userID), zap.Error(err))
		metrics.CapacityChecks.WithLabelValues("error_allowed").Inc()
		return nil
	}
	if !sys.HasCapacity {
		metrics.CapacityChecks.WithLabelValues("denied_system").Inc()
		return apperrors.SystemAtCapacityError(sys.ActiveTunnels, sys.TotalCapacity)
	}

	quota, err := m.CheckUserQuota(ctx, userID)
	if err != nil {
		if appErr, ok := apperrors.AsAppError(err); ok && apperrors.IsAdmission(appErr) {
			metrics.CapacityChecks.WithLabelValues("denied_user").Inc()
			return appErr
		}
		m.log.Error("ADMISSION GUARD DEGRADED: quota check errored, allowing request",
			zap.String("user_id", userID), zap.Error(err))
		metrics.CapacityChecks.WithLabelValues("error_allowed").Inc()
		return nil
	}
	if !quota.Allowed {
		metrics.CapacityChecks.WithLabelValues("denied_user").Inc()
		return apperrors.QuotaExceededError(quota.Plan, quota.ActiveTunnels, quota.MaxTunnels)
	}

	metrics.CapacityChecks.WithLabelValues("allowed").Inc()
	return nil
}

// GetCapacityStats builds the operational snapshot: system capacity, fleet
// stats, and severity-graded alerts.
func (m *Manager) GetCapacityStats(ctx context.Context) (*models.CapacityStats, error) {
	sys, err := m.CheckSystemCapacity(ctx)
	if err != nil {
		return nil, err
	}

	stats := &models.CapacityStats{System: *sys}
	if fs, err := m.registry.GetFleetStats(ctx); err == nil {
		stats.Fleet = *fs
	}
	stats.Alerts = gradeAlerts(sys.UtilizationPercent)
	return stats, nil
}

// gradeAlerts maps utilization to at most one alert per severity band.
func gradeAlerts(utilization float64) []models.CapacityAlert {
	var alerts []models.CapacityAlert
	switch {
	case utilization > 90:
		alerts = append(alerts, models.CapacityAlert{
			Severity: "critical",
			Message:  fmt.Sprintf("fleet utilization critical: %.1f%%", utilization),
		})
	case utilization > 75:
		alerts = append(alerts, models.CapacityAlert{
			Severity: "warning",
			Message:  fmt.Sprintf("fleet utilization high: %.1f%%", utilization),
		})
	case utilization > 50:
		alerts = append(alerts, models.CapacityAlert{
			Severity: "info",
			Message:  fmt.Sprintf("fleet utilization elevated: %.1f%%", utilization),
		})
	}
	return alerts
}
