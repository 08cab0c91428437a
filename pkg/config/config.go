package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Network      NetworkConfig      `mapstructure:"network"`
	Call         CallConfig         `mapstructure:"call"`
	Provisioning ProvisioningConfig `mapstructure:"provisioning"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Web          WebConfig          `mapstructure:"web"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

// ServerConfig holds server identification
type ServerConfig struct {
	Name        string `mapstructure:"name"`
	Description string `mapstructure:"description"`
}

// NetworkConfig holds the UDP listener address
type NetworkConfig struct {
	IP   string `mapstructure:"ip"`
	Port int    `mapstructure:"port"`
}

// CallConfig holds call timing and call table housekeeping
type CallConfig struct {
	PacketIntervalMS int           `mapstructure:"packet_interval_ms"` // Ti
	FlywheelPeriodMS int           `mapstructure:"flywheel_period_ms"` // Tf
	HangRepeats      int           `mapstructure:"hang_repeats"`       // N
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`       // Idle processors older than this are reaped
	CleanupInterval  time.Duration `mapstructure:"cleanup_interval"`
}

// PacketInterval returns Ti as a duration
func (c CallConfig) PacketInterval() time.Duration {
	return time.Duration(c.PacketIntervalMS) * time.Millisecond
}

// FlywheelPeriod returns Tf as a duration
func (c CallConfig) FlywheelPeriod() time.Duration {
	return time.Duration(c.FlywheelPeriodMS) * time.Millisecond
}

// ProvisioningConfig lists the subscribers and talk-groups known at start-up
type ProvisioningConfig struct {
	Subscribers []uint32      `mapstructure:"subscribers"`
	Groups      []GroupConfig `mapstructure:"groups"`
}

// GroupConfig is one talk-group and its members
type GroupConfig struct {
	ID      uint32   `mapstructure:"id"`
	Name    string   `mapstructure:"name"`
	Members []uint32 `mapstructure:"members"`
}

// DatabaseConfig holds the provisioning store settings
type DatabaseConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// WebConfig holds web dashboard configuration
type WebConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled    bool             `mapstructure:"enabled"`
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
}

// PrometheusConfig holds Prometheus metrics configuration
type PrometheusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// Load loads configuration from file and environment variables
func Load(configFile string) (*Config, error) {
	// Set defaults
	setDefaults()

	// Set config file
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath("/etc/ptt-trunk")
	}

	// Environment variables, e.g. PTT_NETWORK_PORT
	viper.SetEnvPrefix("PTT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Read config file
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found is OK, use defaults
		} else if os.IsNotExist(err) {
			// File explicitly specified but doesn't exist - that's also OK
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Unmarshal to struct
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// Server defaults
	viper.SetDefault("server.name", "PTT-Trunk")
	viper.SetDefault("server.description", "Push-to-talk trunking relay")

	// Network defaults
	viper.SetDefault("network.ip", "0.0.0.0")
	viper.SetDefault("network.port", 32000)

	// Call defaults
	viper.SetDefault("call.packet_interval_ms", 20)
	viper.SetDefault("call.flywheel_period_ms", 1500)
	viper.SetDefault("call.hang_repeats", 3)
	viper.SetDefault("call.idle_timeout", "60s")
	viper.SetDefault("call.cleanup_interval", "10s")

	// Database defaults
	viper.SetDefault("database.enabled", false)
	viper.SetDefault("database.path", "ptt-trunk.db")

	// Web defaults
	viper.SetDefault("web.enabled", true)
	viper.SetDefault("web.host", "0.0.0.0")
	viper.SetDefault("web.port", 8080)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")

	// Metrics defaults
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.prometheus.enabled", true)
	viper.SetDefault("metrics.prometheus.port", 9090)
	viper.SetDefault("metrics.prometheus.path", "/metrics")
}
