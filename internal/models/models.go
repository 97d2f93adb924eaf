package models

import "time"

// InstanceStatus is the authoritative health state of a tunnel instance.
type InstanceStatus string

const (
	StatusInactive InstanceStatus = "inactive" // initial state, never started
	StatusStarting InstanceStatus = "starting" // tunnel requested, relay not yet confirmed
	StatusActive   InstanceStatus = "active"   // relay confirmed the tunnel connection
	StatusOnline   InstanceStatus = "online"   // heartbeating and fully healthy
	StatusDegraded InstanceStatus = "degraded" // reachable but embedded service unresponsive
	StatusIdle     InstanceStatus = "idle"     // reachable but no activity for the idle window
	StatusOffline  InstanceStatus = "offline"  // disconnected or heartbeat timed out
	StatusError    InstanceStatus = "error"    // unrecoverable failure reported
)

// Healthy reports whether the status counts as a healthy, serving state.
func (s InstanceStatus) Healthy() bool {
	return s == StatusActive || s == StatusOnline
}

// Incident reports whether the status counts toward incident/downtime.
func (s InstanceStatus) Incident() bool {
	return s == StatusOffline || s == StatusDegraded
}

// ServerStatusActive / ServerStatusUnhealthy are the two relay server states.
const (
	ServerStatusActive    = "active"
	ServerStatusUnhealthy = "unhealthy"
)

// RelayServer describes one relay server in the fleet: its declared capacity
// and its most recently reported load. Live fields (Status, CurrentTunnels,
// CurrentBandwidthMbps, LastHealthCheck) are mutated only by load reports and
// expire with the shared-store TTL.
type RelayServer struct {
	ID       string `json:"id"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Location string `json:"location,omitempty"`

	MaxConcurrentTunnels int     `json:"max_concurrent_tunnels"`
	MaxBandwidthMbps     float64 `json:"max_bandwidth_mbps"`

	Status               string    `json:"status"`
	CurrentTunnels       int       `json:"current_tunnels"`
	CurrentBandwidthMbps float64   `json:"current_bandwidth_mbps"`
	LastHealthCheck      time.Time `json:"last_health_check"`
	RegisteredAt         time.Time `json:"registered_at"`
}

// Utilization returns the server's overall utilization: the binding
// constraint across tunnel count and bandwidth, not the average.
func (s *RelayServer) Utilization() float64 {
	var tunnelRatio, bwRatio float64
	if s.MaxConcurrentTunnels > 0 {
		tunnelRatio = float64(s.CurrentTunnels) / float64(s.MaxConcurrentTunnels)
	}
	if s.MaxBandwidthMbps > 0 {
		bwRatio = s.CurrentBandwidthMbps / s.MaxBandwidthMbps
	}
	if tunnelRatio > bwRatio {
		return tunnelRatio
	}
	return bwRatio
}

// Saturated reports whether the server has no spare capacity on either
// dimension.
func (s *RelayServer) Saturated() bool {
	return s.Utilization() >= 1.0
}

// Instance is the durable record of a user-owned tunnel instance. Only the
// fields the control plane reads and writes are modeled here.
type Instance struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`

	ServerID string `json:"server_id,omitempty"`
	Region   string `json:"region,omitempty"`

	Status       InstanceStatus `json:"status"`
	StatusReason string         `json:"status_reason,omitempty"`

	TunnelConnected bool   `json:"tunnel_connected"`
	PublicURL       string `json:"public_url,omitempty"`
	RemotePort      int    `json:"remote_port,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Heartbeat is the ephemeral per-instance liveness record. Optional fields
// are pointers: a nil field means the client sent no update for that signal,
// not that the signal is false/zero.
type Heartbeat struct {
	InstanceID string    `json:"instance_id"`
	LastSeen   time.Time `json:"last_seen"`

	VSCodeResponsive *bool      `json:"vscode_responsive,omitempty"`
	LastActivity     *time.Time `json:"last_activity,omitempty"`
	CPUUsage         *float64   `json:"cpu_usage,omitempty"`
	MemoryUsage      *float64   `json:"memory_usage,omitempty"`
	HasCodeServer    *bool      `json:"has_code_server,omitempty"`
}

// Merge applies a newer heartbeat on top of the receiver. Fields absent from
// the update keep their previous values (absence is "no update", never
// "false").
func (h *Heartbeat) Merge(update *Heartbeat) {
	h.LastSeen = update.LastSeen
	if update.VSCodeResponsive != nil {
		h.VSCodeResponsive = update.VSCodeResponsive
	}
	if update.LastActivity != nil {
		h.LastActivity = update.LastActivity
	}
	if update.CPUUsage != nil {
		h.CPUUsage = update.CPUUsage
	}
	if update.MemoryUsage != nil {
		h.MemoryUsage = update.MemoryUsage
	}
	if update.HasCodeServer != nil {
		h.HasCodeServer = update.HasCodeServer
	}
}

// StatusHistoryEntry is one append-only record of a status transition.
type StatusHistoryEntry struct {
	Status    InstanceStatus `json:"status"`
	Reason    string         `json:"reason"`
	Timestamp time.Time      `json:"timestamp"`
}

// StatusChange is the event emitted to subscribers when an instance's
// authoritative status changes.
type StatusChange struct {
	InstanceID string         `json:"instanceId"`
	UserID     string         `json:"-"`
	Status     InstanceStatus `json:"status"`
	Reason     string         `json:"reason,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Plan is a user's subscription tier as stored durably. Concurrency limits
// per tier come from configuration, not the database.
type Plan struct {
	Name      string     `json:"name"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the plan's expiry timestamp has passed.
func (p *Plan) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && now.After(*p.ExpiresAt)
}

// SystemCapacity is the fleet-wide admission snapshot.
type SystemCapacity struct {
	HasCapacity        bool    `json:"hasCapacity"`
	ActiveTunnels      int     `json:"activeTunnels"`
	TotalCapacity      int     `json:"totalCapacity"`
	AvailableSlots     int     `json:"availableSlots"`
	UtilizationPercent float64 `json:"utilizationPercent"`
}

// QuotaResult is the per-user admission snapshot.
type QuotaResult struct {
	Allowed       bool   `json:"allowed"`
	ActiveTunnels int    `json:"activeTunnels"`
	MaxTunnels    int    `json:"maxTunnels"`
	Plan          string `json:"plan"`
	Reason        string `json:"reason,omitempty"`
}

// ServerStats is the per-server slice of a fleet report.
type ServerStats struct {
	ID                   string  `json:"id"`
	Host                 string  `json:"host"`
	Location             string  `json:"location,omitempty"`
	CurrentTunnels       int     `json:"current_tunnels"`
	MaxConcurrentTunnels int     `json:"max_concurrent_tunnels"`
	CurrentBandwidthMbps float64 `json:"current_bandwidth_mbps"`
	MaxBandwidthMbps     float64 `json:"max_bandwidth_mbps"`
	UtilizationPercent   float64 `json:"utilization_percent"`
}

// FleetStats aggregates capacity and load across all active servers.
type FleetStats struct {
	ActiveServers      int           `json:"active_servers"`
	TotalTunnelSlots   int           `json:"total_tunnel_slots"`
	UsedTunnelSlots    int           `json:"used_tunnel_slots"`
	TotalBandwidthMbps float64       `json:"total_bandwidth_mbps"`
	UsedBandwidthMbps  float64       `json:"used_bandwidth_mbps"`
	UtilizationPercent float64       `json:"utilization_percent"`
	Servers            []ServerStats `json:"servers"`
}

// CapacityAlert is one severity-graded operational alert derived from fleet
// utilization.
type CapacityAlert struct {
	Severity string `json:"severity"` // info, warning, critical
	Message  string `json:"message"`
}

// CapacityStats combines the system capacity snapshot, fleet stats, and
// derived alerts for operational dashboards.
type CapacityStats struct {
	System SystemCapacity  `json:"system"`
	Fleet  FleetStats      `json:"fleet"`
	Alerts []CapacityAlert `json:"alerts"`
}

// UptimeMetrics is the report produced from an instance's status history.
type UptimeMetrics struct {
	UptimePercent float64       `json:"uptime_percent"`
	TotalUptime   time.Duration `json:"total_uptime"`
	TotalDowntime time.Duration `json:"total_downtime"`
	IncidentCount int           `json:"incident_count"`
	Span          time.Duration `json:"span"`
}
