package config

import "strings"

// PlansConfig maps plan tiers to their max concurrent tunnel counts.
type PlansConfig struct {
	Trial      int `mapstructure:"trial"      json:"trial"      validate:"required,min=1"`
	Pro        int `mapstructure:"pro"        json:"pro"        validate:"required,min=1"`
	Enterprise int `mapstructure:"enterprise" json:"enterprise" validate:"required,min=1"`
}

// MaxTunnels returns the concurrent-tunnel cap for a plan tier. Unknown
// tiers get the trial limit, the most restrictive.
func (p PlansConfig) MaxTunnels(plan string) int {
	switch strings.ToLower(plan) {
	case "pro":
		return p.Pro
	case "enterprise":
		return p.Enterprise
	default:
		return p.Trial
	}
}
