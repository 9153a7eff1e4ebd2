package config

import "github.com/spf13/viper"

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8780)
	v.SetDefault("server.external_url", "")

	// Heartbeat defaults: interval in the 20-30s band, timeout 5-10s.
	v.SetDefault("heartbeat.interval_sec", 25)
	v.SetDefault("heartbeat.timeout_sec", 8)

	// Reconnect backoff: min(base * 2^(n-1), max).
	v.SetDefault("reconnect.base_delay_ms", 1000)
	v.SetDefault("reconnect.max_delay_ms", 30000)
	v.SetDefault("reconnect.max_attempts", 3)

	// Registry eviction
	v.SetDefault("registry.idle_timeout_sec", 120)
	v.SetDefault("registry.sweep_interval_sec", 30)

	// Router dispatch
	v.SetDefault("router.tick_ms", 100)
	v.SetDefault("router.max_queue", 4096)

	// Health monitor
	v.SetDefault("health.min_interval_sec", 300)
	v.SetDefault("health.error_window_sec", 300)
	v.SetDefault("health.error_threshold", 25)
	v.SetDefault("health.memory_threshold", 0.90)
	v.SetDefault("health.max_cycles", 3)
	v.SetDefault("health.probe_host", "terrafield.io")

	// HTTP poll fallback
	v.SetDefault("poll.queue_size", 256)
	v.SetDefault("poll.interval_ms", 2000)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
