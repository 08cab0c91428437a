package config

import (
	"fmt"
	"strings"
)

// validate validates the configuration
func validate(cfg *Config) error {
	// Validate network config
	if cfg.Network.Port <= 0 || cfg.Network.Port > 65535 {
		return fmt.Errorf("network.port must be between 1 and 65535")
	}

	// Validate call timing
	if cfg.Call.PacketIntervalMS <= 0 {
		return fmt.Errorf("call.packet_interval_ms must be positive")
	}
	if cfg.Call.FlywheelPeriodMS <= cfg.Call.PacketIntervalMS {
		return fmt.Errorf("call.flywheel_period_ms must exceed call.packet_interval_ms")
	}
	if cfg.Call.HangRepeats < 1 {
		return fmt.Errorf("call.hang_repeats must be at least 1")
	}
	if cfg.Call.IdleTimeout < 0 || cfg.Call.CleanupInterval < 0 {
		return fmt.Errorf("call.idle_timeout and call.cleanup_interval must not be negative")
	}

	// Validate web config
	if cfg.Web.Enabled {
		if cfg.Web.Port <= 0 || cfg.Web.Port > 65535 {
			return fmt.Errorf("web.port must be between 1 and 65535")
		}
	}

	// Validate metrics config
	if cfg.Metrics.Enabled && cfg.Metrics.Prometheus.Enabled {
		if cfg.Metrics.Prometheus.Port <= 0 || cfg.Metrics.Prometheus.Port > 65535 {
			return fmt.Errorf("metrics.prometheus.port must be between 1 and 65535")
		}
		if !strings.HasPrefix(cfg.Metrics.Prometheus.Path, "/") {
			return fmt.Errorf("metrics.prometheus.path must start with /")
		}
	}

	// Validate database config
	if cfg.Database.Enabled && cfg.Database.Path == "" {
		return fmt.Errorf("database.path is required when database is enabled")
	}

	// Validate logging config
	switch strings.ToLower(cfg.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}

	return validateProvisioning(&cfg.Provisioning)
}

// validateProvisioning checks that group members reference provisioned
// subscribers and that ids are not repeated.
func validateProvisioning(p *ProvisioningConfig) error {
	subs := make(map[uint32]bool, len(p.Subscribers))
	for _, id := range p.Subscribers {
		if subs[id] {
			return fmt.Errorf("provisioning: subscriber %d listed twice", id)
		}
		subs[id] = true
	}

	groups := make(map[uint32]bool, len(p.Groups))
	for i, grp := range p.Groups {
		if groups[grp.ID] {
			return fmt.Errorf("provisioning group %d: id %d listed twice", i, grp.ID)
		}
		groups[grp.ID] = true

		for _, member := range grp.Members {
			if !subs[member] {
				return fmt.Errorf("provisioning group %d: member %d is not a provisioned subscriber", grp.ID, member)
			}
		}
	}

	return nil
}
