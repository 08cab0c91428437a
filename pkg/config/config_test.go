package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func validConfig() *Config {
	return &Config{
		Network: NetworkConfig{IP: "0.0.0.0", Port: 32000},
		Call: CallConfig{
			PacketIntervalMS: 20,
			FlywheelPeriodMS: 1500,
			HangRepeats:      3,
			IdleTimeout:      time.Minute,
			CleanupInterval:  10 * time.Second,
		},
		Provisioning: ProvisioningConfig{
			Subscribers: []uint32{2, 3, 4},
			Groups:      []GroupConfig{{ID: 0x900, Members: []uint32{2, 3}}},
		},
	}
}

func TestLoad_UsesDefaults_WhenNoFile(t *testing.T) {
	// Reset viper to avoid cross-test pollution
	viper.Reset()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	// Spot-check a few defaults
	if cfg.Network.Port != 32000 {
		t.Errorf("expected Network.Port default 32000, got %d", cfg.Network.Port)
	}
	if cfg.Call.PacketInterval() != 20*time.Millisecond {
		t.Errorf("expected packet interval 20ms, got %s", cfg.Call.PacketInterval())
	}
	if cfg.Call.FlywheelPeriod() != 1500*time.Millisecond {
		t.Errorf("expected flywheel period 1.5s, got %s", cfg.Call.FlywheelPeriod())
	}
	if cfg.Call.HangRepeats != 3 {
		t.Errorf("expected hang repeats 3, got %d", cfg.Call.HangRepeats)
	}
	if cfg.Call.IdleTimeout != 60*time.Second {
		t.Errorf("expected idle timeout 60s, got %s", cfg.Call.IdleTimeout)
	}
	if cfg.Web.Port != 8080 {
		t.Errorf("expected Web.Port default 8080, got %d", cfg.Web.Port)
	}
	if cfg.Logging.Level == "" {
		t.Errorf("expected Logging.Level to be set (default info)")
	}
	if cfg.Metrics.Prometheus.Port != 9090 {
		t.Errorf("expected Prometheus.Port default 9090, got %d", cfg.Metrics.Prometheus.Port)
	}
}

func TestLoad_FromFile(t *testing.T) {
	viper.Reset()

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
network:
  port: 32100
call:
  packet_interval_ms: 40
  flywheel_period_ms: 2000
  hang_repeats: 5
provisioning:
  subscribers: [2, 3, 4, 5]
  groups:
    - id: 2304
      name: dispatch
      members: [2, 3, 4]
    - id: 2305
      members: [5]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Network.Port != 32100 {
		t.Errorf("expected port 32100, got %d", cfg.Network.Port)
	}
	if cfg.Call.PacketInterval() != 40*time.Millisecond {
		t.Errorf("expected packet interval 40ms, got %s", cfg.Call.PacketInterval())
	}
	if cfg.Call.HangRepeats != 5 {
		t.Errorf("expected hang repeats 5, got %d", cfg.Call.HangRepeats)
	}
	if len(cfg.Provisioning.Subscribers) != 4 {
		t.Fatalf("expected 4 subscribers, got %d", len(cfg.Provisioning.Subscribers))
	}
	if len(cfg.Provisioning.Groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(cfg.Provisioning.Groups))
	}
	grp := cfg.Provisioning.Groups[0]
	if grp.ID != 2304 || grp.Name != "dispatch" || len(grp.Members) != 3 {
		t.Errorf("unexpected first group: %+v", grp)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	viper.Reset()
	t.Setenv("PTT_NETWORK_PORT", "32222")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Network.Port != 32222 {
		t.Errorf("expected env override 32222, got %d", cfg.Network.Port)
	}
}

func TestValidate_Valid(t *testing.T) {
	if err := validate(validConfig()); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"network port out of range", func(c *Config) { c.Network.Port = 70000 }},
		{"zero packet interval", func(c *Config) { c.Call.PacketIntervalMS = 0 }},
		{"flywheel not above interval", func(c *Config) { c.Call.FlywheelPeriodMS = 20 }},
		{"zero hang repeats", func(c *Config) { c.Call.HangRepeats = 0 }},
		{"negative idle timeout", func(c *Config) { c.Call.IdleTimeout = -time.Second }},
		{"web port when enabled", func(c *Config) { c.Web = WebConfig{Enabled: true, Port: 0} }},
		{"database without path", func(c *Config) { c.Database = DatabaseConfig{Enabled: true} }},
		{"unknown log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"metrics path", func(c *Config) {
			c.Metrics = MetricsConfig{Enabled: true, Prometheus: PrometheusConfig{Enabled: true, Port: 9090, Path: "metrics"}}
		}},
		{"member not provisioned", func(c *Config) {
			c.Provisioning.Groups[0].Members = append(c.Provisioning.Groups[0].Members, 99)
		}},
		{"duplicate subscriber", func(c *Config) {
			c.Provisioning.Subscribers = append(c.Provisioning.Subscribers, 2)
		}},
		{"duplicate group", func(c *Config) {
			c.Provisioning.Groups = append(c.Provisioning.Groups, GroupConfig{ID: 0x900})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if err := validate(cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
