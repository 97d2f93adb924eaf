package constants

import "time"

// Database constants
const (
	DatabaseName = "tunnelmesh"
)

// Connection pool sizing tiers, selected from the expected instance count.
const (
	DBPoolSmallMaxConns  = 10
	DBPoolSmallMinConns  = 2
	DBPoolMediumMaxConns = 25
	DBPoolMediumMinConns = 5
	DBPoolLargeMaxConns  = 50
	DBPoolLargeMinConns  = 10

	DBConnMaxLifetime    = 30 * time.Minute
	DBConnMaxIdleTime    = 5 * time.Minute
	DBConnAcquireTimeout = 10 * time.Second
)

// Registration defaults applied when a relay server registers without
// declaring the field.
const (
	DefaultServerPort          = 7835
	DefaultMaxBandwidthMbps    = 1000
	DefaultMaxTunnelsPerServer = 100
)

// Status-engine defaults. All are overridable through configuration.
const (
	DefaultHeartbeatTimeout = 30 * time.Second
	DefaultSweepInterval    = 5 * time.Second
	DefaultIdleTimeout      = 30 * time.Minute
	DefaultAlertCooldown    = 5 * time.Minute
	DefaultHistoryLimit     = 100
)

// Fleet/capacity defaults.
const (
	DefaultServerTTL           = 60 * time.Second
	DefaultReservedPercent     = 20
	DefaultStaticTotalCapacity = 100
)

// Status reasons. These strings are part of the instance history record and
// the status-change events, so they are fixed here rather than inlined.
const (
	ReasonTunnelConnected    = "Tunnel connected"
	ReasonTunnelDisconnected = "Tunnel disconnected"
	ReasonHeartbeatTimeout   = "Heartbeat timeout"
	ReasonServiceUnhealthy   = "Service not responding"
	ReasonIdle               = "No activity for 30+ minutes"
	ReasonAllHealthy         = "All systems operational"
)

// Bloom filter sizing for the known-instance pre-check.
const (
	BloomEstimatedInstances = 1_000_000
	BloomFalsePositiveRate  = 0.01
)
