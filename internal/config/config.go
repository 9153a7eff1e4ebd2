// Package config handles configuration management for the relay.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the relay server.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat" yaml:"heartbeat"`
	Reconnect ReconnectConfig `mapstructure:"reconnect" yaml:"reconnect"`
	Registry  RegistryConfig  `mapstructure:"registry" yaml:"registry"`
	Router    RouterConfig    `mapstructure:"router" yaml:"router"`
	Health    HealthConfig    `mapstructure:"health" yaml:"health"`
	Poll      PollConfig      `mapstructure:"poll" yaml:"poll"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig holds listener configuration.
type ServerConfig struct {
	Host        string `mapstructure:"host" yaml:"host"`
	Port        int    `mapstructure:"port" yaml:"port"`
	ExternalURL string `mapstructure:"external_url" yaml:"external_url"` // optional public URL when behind a tunnel/proxy
}

// HeartbeatConfig holds liveness probe timing.
type HeartbeatConfig struct {
	IntervalSec int `mapstructure:"interval_sec" yaml:"interval_sec"`
	TimeoutSec  int `mapstructure:"timeout_sec" yaml:"timeout_sec"`
}

// ReconnectConfig holds client backoff policy.
type ReconnectConfig struct {
	BaseDelayMS int `mapstructure:"base_delay_ms" yaml:"base_delay_ms"`
	MaxDelayMS  int `mapstructure:"max_delay_ms" yaml:"max_delay_ms"`
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"` // per transport before advancing to the next
}

// RegistryConfig holds idle eviction settings.
type RegistryConfig struct {
	IdleTimeoutSec   int `mapstructure:"idle_timeout_sec" yaml:"idle_timeout_sec"`
	SweepIntervalSec int `mapstructure:"sweep_interval_sec" yaml:"sweep_interval_sec"`
}

// RouterConfig holds inbound dispatch settings.
type RouterConfig struct {
	TickMS   int `mapstructure:"tick_ms" yaml:"tick_ms"`
	MaxQueue int `mapstructure:"max_queue" yaml:"max_queue"`
}

// HealthConfig holds self-healing thresholds.
type HealthConfig struct {
	MinIntervalSec  int     `mapstructure:"min_interval_sec" yaml:"min_interval_sec"`
	ErrorWindowSec  int     `mapstructure:"error_window_sec" yaml:"error_window_sec"`
	ErrorThreshold  int     `mapstructure:"error_threshold" yaml:"error_threshold"`
	MemoryThreshold float64 `mapstructure:"memory_threshold" yaml:"memory_threshold"`
	MaxCycles       int     `mapstructure:"max_cycles" yaml:"max_cycles"`
	ProbeHost       string  `mapstructure:"probe_host" yaml:"probe_host"`
}

// PollConfig holds HTTP fallback settings.
type PollConfig struct {
	QueueSize  int `mapstructure:"queue_size" yaml:"queue_size"`   // per-client outbox bound
	IntervalMS int `mapstructure:"interval_ms" yaml:"interval_ms"` // client poll cadence
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Load loads configuration from files and environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.relay")
		v.AddConfigPath("/etc/relay")
	}

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Config file is optional.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
