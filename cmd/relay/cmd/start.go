package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/terrafield/relay/internal/app"
	"github.com/terrafield/relay/internal/config"
)

var (
	host        string
	port        int
	externalURL string
)

// shutdownGrace bounds how long a stopping server waits for in-flight
// requests after clients have been notified.
const shutdownGrace = 10 * time.Second

// startCmd represents the start command.
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the relay server",
	Long: `Start the relay server and begin accepting client connections.

The server multiplexes four transports on a single port:

  /ws       primary WebSocket
  /ws/alt   alternate WebSocket path (for proxies that block /ws)
  /events   server-push event stream
  /poll     HTTP polling fallback (paired with POST /message)

Example:
  relay start                          # defaults from config
  relay start --port 8780              # custom port
  relay start --host 0.0.0.0           # accept external connections`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringVar(&host, "host", "", "bind address (default: 127.0.0.1)")
	startCmd.Flags().IntVar(&port, "port", 0, "server port for all transports (default: 8780)")
	startCmd.Flags().StringVar(&externalURL, "external-url", "", "external URL when behind a tunnel or proxy (e.g., https://tunnel.example.com)")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Override config with flags
	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if externalURL != "" {
		cfg.Server.ExternalURL = externalURL
	}

	// Re-validate after overrides
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	setupLogging(cfg)

	log.Info().
		Str("version", version).
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Msg("starting relay")

	application := app.New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("application error: %w", err)
	}

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer stopCancel()
	if err := application.Stop(stopCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}

	log.Info().Msg("relay stopped")
	return nil
}

func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Logging.Format == "console" || verbose {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

func printConfig(cfg *config.Config) {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error rendering config: %v\n", err)
		return
	}
	fmt.Println("# Effective configuration")
	fmt.Print(string(out))
}
