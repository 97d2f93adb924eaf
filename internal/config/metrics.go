package config

// MetricsConfig holds metrics configuration settings.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	Port    int  `mapstructure:"port"    json:"port"    validate:"required,min=1024,max=65535"`
}
