// Package status computes the authoritative status of each instance from
// tunnel connectivity, heartbeat freshness, and reported health, and emits
// change events, history records, and alerts.
package status

import (
	"time"

	"github.com/tunnelmesh/fleet/internal/constants"
	"github.com/tunnelmesh/fleet/internal/models"
)

// Signals is everything status determination looks at. Evaluation is a pure
// function of this snapshot: no store reads, no clock reads.
type Signals struct {
	TunnelConnected bool
	StoredStatus    models.InstanceStatus
	Heartbeat       *models.Heartbeat // nil when none was ever recorded
	Now             time.Time
}

// Result is the computed status plus its human-readable reason.
type Result struct {
	Status models.InstanceStatus
	Reason string
}

// DetermineStatus evaluates the tiers in strict precedence order; the first
// matching tier wins.
//
// Tier 1, authoritative disconnect: an explicit tunnel-disconnected report
// always yields offline, no matter how fresh the heartbeat is. A stored
// offline status also pins the instance offline, but only while no heartbeat
// exists to contradict it; a live heartbeat is fresh evidence and re-enters
// the normal tiers so the instance can recover.
//
// Tier 2, heartbeat staleness: the safety net for lost disconnect pushes.
// The boundary is inclusive: a heartbeat exactly timeout old is stale.
//
// Tier 3, service health: an embedded service reported unresponsive degrades
// the instance even though the tunnel and heartbeat look fine.
//
// Tier 4, idleness. Otherwise the instance is online.
func DetermineStatus(sig Signals, heartbeatTimeout, idleTimeout time.Duration) Result {
	if !sig.TunnelConnected || (sig.StoredStatus == models.StatusOffline && sig.Heartbeat == nil) {
		return Result{models.StatusOffline, constants.ReasonTunnelDisconnected}
	}

	if sig.Heartbeat == nil || sig.Now.Sub(sig.Heartbeat.LastSeen) >= heartbeatTimeout {
		return Result{models.StatusOffline, constants.ReasonHeartbeatTimeout}
	}

	hb := sig.Heartbeat
	hasService := hb.HasCodeServer == nil || *hb.HasCodeServer
	if hasService && hb.VSCodeResponsive != nil && !*hb.VSCodeResponsive {
		return Result{models.StatusDegraded, constants.ReasonServiceUnhealthy}
	}

	if hb.LastActivity != nil && sig.Now.Sub(*hb.LastActivity) >= idleTimeout {
		return Result{models.StatusIdle, constants.ReasonIdle}
	}

	return Result{models.StatusOnline, constants.ReasonAllHealthy}
}
