package config

import "time"

// StatusConfig holds status-engine settings.
type StatusConfig struct {
	// HeartbeatTimeout is how old a heartbeat may be before the instance is
	// considered offline. The boundary is inclusive: exactly this old is
	// already stale.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout" json:"heartbeat_timeout" validate:"required,timeout_duration"`

	// SweepInterval is how often instances with recorded heartbeats are
	// re-evaluated in the absence of new signals.
	SweepInterval time.Duration `mapstructure:"sweep_interval" json:"sweep_interval" validate:"required,timeout_duration"`

	IdleTimeout   time.Duration `mapstructure:"idle_timeout"   json:"idle_timeout"   validate:"required,reasonable_duration"`
	AlertCooldown time.Duration `mapstructure:"alert_cooldown" json:"alert_cooldown" validate:"required,reasonable_duration"`

	// HistoryLimit bounds the per-instance status history.
	HistoryLimit int `mapstructure:"history_limit" json:"history_limit" validate:"required,min=1,max=10000"`
}
