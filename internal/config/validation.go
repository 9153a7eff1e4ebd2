package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
)

// Validate validates the configuration.
func Validate(cfg *Config) error {
	if err := validateServer(&cfg.Server); err != nil {
		return err
	}
	if err := validateHeartbeat(&cfg.Heartbeat); err != nil {
		return err
	}
	if err := validateReconnect(&cfg.Reconnect); err != nil {
		return err
	}
	if err := validateRegistry(&cfg.Registry); err != nil {
		return err
	}
	if err := validateRouter(&cfg.Router); err != nil {
		return err
	}
	if err := validateHealth(&cfg.Health); err != nil {
		return err
	}
	if err := validatePoll(&cfg.Poll); err != nil {
		return err
	}
	return nil
}

func validateServer(cfg *ServerConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Port)
	}
	if cfg.Host != "" {
		if ip := net.ParseIP(cfg.Host); ip == nil && cfg.Host != "localhost" {
			// Hostnames are fine too; reject only values that cannot be
			// a host at all (e.g. contain a port).
			if _, _, err := net.SplitHostPort(cfg.Host); err == nil {
				return fmt.Errorf("server.host must not contain a port, got %q", cfg.Host)
			}
		}
	}
	if cfg.ExternalURL != "" {
		u, err := url.Parse(cfg.ExternalURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("server.external_url must be an http(s) URL, got %q", cfg.ExternalURL)
		}
	}
	return nil
}

func validateHeartbeat(cfg *HeartbeatConfig) error {
	if cfg.IntervalSec <= 0 {
		return fmt.Errorf("heartbeat.interval_sec must be positive, got %d", cfg.IntervalSec)
	}
	if cfg.TimeoutSec <= 0 {
		return fmt.Errorf("heartbeat.timeout_sec must be positive, got %d", cfg.TimeoutSec)
	}
	if cfg.TimeoutSec >= cfg.IntervalSec {
		return fmt.Errorf("heartbeat.timeout_sec (%d) must be less than heartbeat.interval_sec (%d)",
			cfg.TimeoutSec, cfg.IntervalSec)
	}
	return nil
}

func validateReconnect(cfg *ReconnectConfig) error {
	if cfg.BaseDelayMS <= 0 {
		return fmt.Errorf("reconnect.base_delay_ms must be positive, got %d", cfg.BaseDelayMS)
	}
	if cfg.MaxDelayMS < cfg.BaseDelayMS {
		return fmt.Errorf("reconnect.max_delay_ms (%d) must be at least reconnect.base_delay_ms (%d)",
			cfg.MaxDelayMS, cfg.BaseDelayMS)
	}
	if cfg.MaxAttempts < 1 {
		return fmt.Errorf("reconnect.max_attempts must be at least 1, got %d", cfg.MaxAttempts)
	}
	return nil
}

func validateRegistry(cfg *RegistryConfig) error {
	if cfg.IdleTimeoutSec <= 0 {
		return fmt.Errorf("registry.idle_timeout_sec must be positive, got %d", cfg.IdleTimeoutSec)
	}
	if cfg.SweepIntervalSec <= 0 {
		return fmt.Errorf("registry.sweep_interval_sec must be positive, got %d", cfg.SweepIntervalSec)
	}
	return nil
}

func validateRouter(cfg *RouterConfig) error {
	if cfg.TickMS <= 0 {
		return fmt.Errorf("router.tick_ms must be positive, got %d", cfg.TickMS)
	}
	if cfg.MaxQueue < 1 {
		return fmt.Errorf("router.max_queue must be at least 1, got %d", cfg.MaxQueue)
	}
	return nil
}

func validateHealth(cfg *HealthConfig) error {
	if cfg.MinIntervalSec <= 0 {
		return fmt.Errorf("health.min_interval_sec must be positive, got %d", cfg.MinIntervalSec)
	}
	if cfg.ErrorWindowSec <= 0 {
		return fmt.Errorf("health.error_window_sec must be positive, got %d", cfg.ErrorWindowSec)
	}
	if cfg.ErrorThreshold < 1 {
		return fmt.Errorf("health.error_threshold must be at least 1, got %d", cfg.ErrorThreshold)
	}
	if cfg.MemoryThreshold <= 0 || cfg.MemoryThreshold > 1 {
		return fmt.Errorf("health.memory_threshold must be in (0, 1], got %s",
			strconv.FormatFloat(cfg.MemoryThreshold, 'f', -1, 64))
	}
	if cfg.MaxCycles < 1 {
		return fmt.Errorf("health.max_cycles must be at least 1, got %d", cfg.MaxCycles)
	}
	if cfg.ProbeHost == "" {
		return fmt.Errorf("health.probe_host must not be empty")
	}
	return nil
}

func validatePoll(cfg *PollConfig) error {
	if cfg.QueueSize < 1 {
		return fmt.Errorf("poll.queue_size must be at least 1, got %d", cfg.QueueSize)
	}
	if cfg.IntervalMS <= 0 {
		return fmt.Errorf("poll.interval_ms must be positive, got %d", cfg.IntervalMS)
	}
	return nil
}
