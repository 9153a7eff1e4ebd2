package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	configInitLocal bool
	configInitForce bool
)

// configCmd displays or manages configuration.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Display and manage configuration",
	Long: `Display and manage relay configuration.

Without subcommands, shows the current effective configuration.

Examples:
  relay config              # Show current config
  relay config init         # Create config file with defaults
  relay config path         # Show config file search paths`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		printConfig(cfg)
	},
}

// configInitCmd creates a config file with defaults.
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a config file with default settings",
	Long: `Create a config file with default settings and documentation.

By default, creates ~/.relay/config.yaml.
Use --local to create ./config.yaml in the current directory.

Examples:
  relay config init          # Create ~/.relay/config.yaml
  relay config init --local  # Create ./config.yaml
  relay config init --force  # Overwrite existing file`,
	RunE: runConfigInit,
}

// configPathCmd shows config file locations.
var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show config file search paths",
	Run:   runConfigPath,
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)

	configInitCmd.Flags().BoolVar(&configInitLocal, "local", false, "create config in current directory instead of ~/.relay/")
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite existing config file")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	var configPath string

	if configInitLocal {
		configPath = "config.yaml"
	} else {
		dir := filepath.Join(userHomeDir(), ".relay")
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
		configPath = filepath.Join(dir, "config.yaml")
	}

	if _, err := os.Stat(configPath); err == nil {
		if !configInitForce {
			return fmt.Errorf("config file already exists: %s\nUse --force to overwrite", configPath)
		}
	}

	if err := os.WriteFile(configPath, []byte(defaultConfigYAML), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Created %s\n", configPath)
	fmt.Println("Edit this file to customize relay behavior.")
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) {
	locations := configSearchPaths(cfgFile)

	fmt.Println("Config search paths (in order):")
	for i, loc := range locations {
		exists := "not found"
		if _, err := os.Stat(loc); err == nil {
			exists = "exists"
		}
		fmt.Printf("  %d. %s (%s)\n", i+1, loc, exists)
	}
}

func configSearchPaths(explicit string) []string {
	if explicit != "" {
		return []string{explicit}
	}
	return []string{
		filepath.Join(".", "config.yaml"),
		filepath.Join(userHomeDir(), ".relay", "config.yaml"),
		"/etc/relay/config.yaml",
	}
}

func userHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

const defaultConfigYAML = `# relay Configuration
# Copy this file to ~/.relay/config.yaml and modify as needed

# Server settings
server:
  # Unified port for all transports (WebSocket, event stream, polling)
  port: 8780

  # Bind address (use 0.0.0.0 to allow external connections)
  host: "127.0.0.1"

  # External URL when running behind a tunnel or proxy
  # external_url: "https://your-tunnel.example.com"

# Application-level heartbeat
heartbeat:
  interval_sec: 25
  timeout_sec: 8

# Client reconnection policy (served to clients for reference)
reconnect:
  base_delay_ms: 1000
  max_delay_ms: 30000
  max_attempts: 3

# Connection registry
registry:
  # Evict connections silent for longer than this
  idle_timeout_sec: 120
  sweep_interval_sec: 30

# Inbound message router
router:
  tick_ms: 100
  max_queue: 4096

# Self-healing health monitor
health:
  min_interval_sec: 300
  error_window_sec: 300
  error_threshold: 25
  memory_threshold: 0.90
  max_cycles: 3
  probe_host: "terrafield.io"

# HTTP polling fallback
poll:
  queue_size: 256
  interval_ms: 2000

# Logging settings
logging:
  # Log level: debug, info, warn, error
  level: "info"

  # Log format: console (human-readable) or json
  format: "json"
`
