package config

import "time"

// StateStoreConfig selects and configures the shared TTL-keyed state store.
// With Distributed=false every process keeps its own in-memory store, which
// is only correct for single-instance deployments.
type StateStoreConfig struct {
	Distributed bool          `mapstructure:"distributed"  json:"distributed"`
	Endpoints   []string      `mapstructure:"endpoints"    json:"endpoints"    validate:"omitempty,dive,required"`
	Namespace   string        `mapstructure:"namespace"    json:"namespace"    validate:"required"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" json:"dial_timeout" validate:"required,timeout_duration"`
}
