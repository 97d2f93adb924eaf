package config

import "time"

// FleetConfig holds fleet-registry settings.
type FleetConfig struct {
	// ServerTTL is the liveness window: a server that stops reporting load
	// falls out of the active set after this long.
	ServerTTL time.Duration `mapstructure:"server_ttl" json:"server_ttl" validate:"required,reasonable_duration"`

	DefaultServerPort       int     `mapstructure:"default_server_port"        json:"default_server_port"        validate:"required,min=1,max=65535"`
	DefaultMaxBandwidthMbps float64 `mapstructure:"default_max_bandwidth_mbps" json:"default_max_bandwidth_mbps" validate:"required,min=1"`
	DefaultMaxTunnels       int     `mapstructure:"default_max_tunnels"        json:"default_max_tunnels"        validate:"required,min=1"`
}

// CapacityConfig holds admission-control settings.
type CapacityConfig struct {
	// ReservedPercent is withheld from fleet capacity so existing users keep
	// headroom during bursts.
	ReservedPercent int `mapstructure:"reserved_percent" json:"reserved_percent" validate:"min=0,max=90"`

	// StaticTotalCapacity is the fallback total when no servers are
	// registered and capacity must be derived from the database alone.
	StaticTotalCapacity int `mapstructure:"static_total_capacity" json:"static_total_capacity" validate:"required,min=1"`
}

// ThrottlingConfig holds ingest rate-limit settings.
type ThrottlingConfig struct {
	HeartbeatsPerSecond float64 `mapstructure:"heartbeats_per_second" json:"heartbeats_per_second" validate:"required,min=0.1"`
	HeartbeatBurst      int     `mapstructure:"heartbeat_burst"       json:"heartbeat_burst"       validate:"required,min=1"`
}
