package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err == nil {
		t.Fatal("expected error for explicit missing config file")
	}

	// Without an explicit path a missing file falls back to defaults.
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	defer func() { _ = os.Chdir(wd) }()

	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load defaults: %v", err)
	}

	if cfg.Server.Port != 8780 {
		t.Fatalf("server.port = %d, want 8780", cfg.Server.Port)
	}
	if cfg.Heartbeat.IntervalSec != 25 || cfg.Heartbeat.TimeoutSec != 8 {
		t.Fatalf("heartbeat = %+v", cfg.Heartbeat)
	}
	if cfg.Reconnect.BaseDelayMS != 1000 || cfg.Reconnect.MaxDelayMS != 30000 || cfg.Reconnect.MaxAttempts != 3 {
		t.Fatalf("reconnect = %+v", cfg.Reconnect)
	}
	if cfg.Registry.IdleTimeoutSec != 120 {
		t.Fatalf("registry.idle_timeout_sec = %d, want 120", cfg.Registry.IdleTimeoutSec)
	}
	if cfg.Router.TickMS != 100 {
		t.Fatalf("router.tick_ms = %d, want 100", cfg.Router.TickMS)
	}
	if cfg.Health.MinIntervalSec != 300 || cfg.Health.MaxCycles != 3 {
		t.Fatalf("health = %+v", cfg.Health)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9000
  host: "0.0.0.0"
heartbeat:
  interval_sec: 30
  timeout_sec: 10
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9000 || cfg.Server.Host != "0.0.0.0" {
		t.Fatalf("server = %+v", cfg.Server)
	}
	if cfg.Heartbeat.IntervalSec != 30 {
		t.Fatalf("heartbeat.interval_sec = %d, want 30", cfg.Heartbeat.IntervalSec)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("logging.level = %q", cfg.Logging.Level)
	}
	// Untouched sections keep their defaults.
	if cfg.Router.TickMS != 100 {
		t.Fatalf("router.tick_ms = %d, want default 100", cfg.Router.TickMS)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
heartbeat:
  interval_sec: 5
  timeout_sec: 10
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for timeout >= interval")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server:    ServerConfig{Host: "127.0.0.1", Port: 8780},
			Heartbeat: HeartbeatConfig{IntervalSec: 25, TimeoutSec: 8},
			Reconnect: ReconnectConfig{BaseDelayMS: 1000, MaxDelayMS: 30000, MaxAttempts: 3},
			Registry:  RegistryConfig{IdleTimeoutSec: 120, SweepIntervalSec: 30},
			Router:    RouterConfig{TickMS: 100, MaxQueue: 4096},
			Health: HealthConfig{
				MinIntervalSec:  300,
				ErrorWindowSec:  300,
				ErrorThreshold:  25,
				MemoryThreshold: 0.9,
				MaxCycles:       3,
				ProbeHost:       "terrafield.io",
			},
			Poll: PollConfig{QueueSize: 256, IntervalMS: 2000},
		}
	}

	if err := Validate(valid()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port zero", func(c *Config) { c.Server.Port = 0 }},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }},
		{"host with port", func(c *Config) { c.Server.Host = "example.com:8780" }},
		{"bad external url", func(c *Config) { c.Server.ExternalURL = "ftp://x" }},
		{"heartbeat timeout >= interval", func(c *Config) { c.Heartbeat.TimeoutSec = 25 }},
		{"zero base delay", func(c *Config) { c.Reconnect.BaseDelayMS = 0 }},
		{"max delay below base", func(c *Config) { c.Reconnect.MaxDelayMS = 500 }},
		{"zero attempts", func(c *Config) { c.Reconnect.MaxAttempts = 0 }},
		{"zero idle timeout", func(c *Config) { c.Registry.IdleTimeoutSec = 0 }},
		{"zero tick", func(c *Config) { c.Router.TickMS = 0 }},
		{"memory threshold over 1", func(c *Config) { c.Health.MemoryThreshold = 1.5 }},
		{"empty probe host", func(c *Config) { c.Health.ProbeHost = "" }},
		{"zero poll queue", func(c *Config) { c.Poll.QueueSize = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Fatalf("%s: invalid config accepted", tc.name)
			}
		})
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("RELAY_SERVER_PORT", "9999")

	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	defer func() { _ = os.Chdir(wd) }()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Fatalf("server.port = %d, want env override 9999", cfg.Server.Port)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server: [not a map"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.Contains(err.Error(), "config") {
		t.Fatalf("err = %v", err)
	}
}
