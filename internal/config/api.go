package config

import "time"

// APIConfig holds the boundary HTTP API settings.
type APIConfig struct {
	ListenAddr   string        `mapstructure:"listen_addr"   json:"listen_addr"   validate:"required,listenaddr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"  json:"read_timeout"  validate:"required,timeout_duration"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" json:"write_timeout" validate:"required,timeout_duration"`
}
