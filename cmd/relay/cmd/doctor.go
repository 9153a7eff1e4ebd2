package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/terrafield/relay/internal/config"
)

var (
	doctorJSON        bool
	doctorStrict      bool
	doctorHTTPTimeout int
)

type doctorStatus string

const (
	doctorStatusOK   doctorStatus = "ok"
	doctorStatusWarn doctorStatus = "warn"
	doctorStatusFail doctorStatus = "fail"
)

type doctorCheck struct {
	ID          string                 `json:"id"`
	Status      doctorStatus           `json:"status"`
	Message     string                 `json:"message"`
	Details     map[string]interface{} `json:"details,omitempty"`
	Remediation string                 `json:"remediation,omitempty"`
}

type doctorSummary struct {
	Total int `json:"total"`
	OK    int `json:"ok"`
	Warn  int `json:"warn"`
	Fail  int `json:"fail"`
}

type doctorReport struct {
	Version     string        `json:"version"`
	GeneratedAt string        `json:"generated_at"`
	Overall     doctorStatus  `json:"overall_status"`
	Summary     doctorSummary `json:"summary"`
	Checks      []doctorCheck `json:"checks"`
	SearchPaths []string      `json:"config_search_paths,omitempty"`
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run local diagnostics with remediation hints",
	Long: `Run read-only diagnostics against the local relay setup and print
actionable hints.

By default the output is human-readable text.
Use --json for machine-readable output.`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)

	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false, "output machine-readable JSON")
	doctorCmd.Flags().BoolVar(&doctorStrict, "strict", false, "return non-zero on warnings")
	doctorCmd.Flags().IntVar(&doctorHTTPTimeout, "http-timeout", 2, "server endpoint timeout in seconds")
}

func runDoctor(cmd *cobra.Command, args []string) error {
	report := collectDoctorReport()

	if doctorJSON {
		if err := printDoctorJSON(report); err != nil {
			return err
		}
	} else {
		printDoctorText(report)
	}

	if report.Summary.Fail > 0 {
		return fmt.Errorf("doctor found %d failing check(s)", report.Summary.Fail)
	}
	if doctorStrict && report.Summary.Warn > 0 {
		return fmt.Errorf("doctor strict mode failed with %d warning(s)", report.Summary.Warn)
	}
	return nil
}

func collectDoctorReport() doctorReport {
	checks := make([]doctorCheck, 0, 8)

	cfg := defaultDoctorConfig()
	loadedCfg, cfgCheck := checkConfigLoad(cfgFile)
	checks = append(checks, cfgCheck)
	if loadedCfg != nil {
		cfg = loadedCfg
	}

	checks = append(checks, checkServerEndpoint("server.health_endpoint", cfg.Server.Host, cfg.Server.Port, "/healthz"))
	checks = append(checks, checkServerEndpoint("server.stats_endpoint", cfg.Server.Host, cfg.Server.Port, "/stats"))
	checks = append(checks, checkDNSProbe(cfg.Health.ProbeHost))

	summary := summarizeDoctorChecks(checks)
	return doctorReport{
		Version:     "1.0",
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Overall:     overallStatus(summary),
		Summary:     summary,
		Checks:      checks,
		SearchPaths: configSearchPaths(cfgFile),
	}
}

func checkConfigLoad(path string) (*config.Config, doctorCheck) {
	cfg, err := config.Load(path)
	searchPaths := configSearchPaths(path)
	if err != nil {
		return nil, doctorCheck{
			ID:      "config.load",
			Status:  doctorStatusFail,
			Message: fmt.Sprintf("Failed to load config: %v", err),
			Details: map[string]interface{}{
				"config_path":  strings.TrimSpace(path),
				"search_paths": searchPaths,
			},
			Remediation: "Fix the config file syntax, or run `relay config init --force` to regenerate defaults.",
		}
	}

	return cfg, doctorCheck{
		ID:      "config.load",
		Status:  doctorStatusOK,
		Message: "Configuration loaded successfully",
		Details: map[string]interface{}{
			"search_paths": searchPaths,
		},
	}
}

func checkServerEndpoint(id, host string, port int, path string) doctorCheck {
	if strings.TrimSpace(host) == "" {
		host = "127.0.0.1"
	}
	timeout := doctorHTTPTimeout
	if timeout <= 0 {
		timeout = 2
	}

	url := fmt.Sprintf("http://%s:%d%s", host, port, path)
	client := &http.Client{Timeout: time.Duration(timeout) * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return doctorCheck{
			ID:      id,
			Status:  doctorStatusWarn,
			Message: fmt.Sprintf("Endpoint is not reachable: %v", err),
			Details: map[string]interface{}{
				"url": url,
			},
			Remediation: "Start the server with `relay start` and verify host/port configuration.",
		}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return doctorCheck{
			ID:      id,
			Status:  doctorStatusFail,
			Message: fmt.Sprintf("Endpoint returned non-200 status: %d", resp.StatusCode),
			Details: map[string]interface{}{
				"url":         url,
				"status_code": resp.StatusCode,
				"body":        strings.TrimSpace(string(body)),
			},
			Remediation: "Check server logs (`relay start -v`) to diagnose HTTP startup issues.",
		}
	}

	return doctorCheck{
		ID:      id,
		Status:  doctorStatusOK,
		Message: "Endpoint is reachable",
		Details: map[string]interface{}{
			"url":         url,
			"status_code": resp.StatusCode,
		},
	}
}

func checkDNSProbe(host string) doctorCheck {
	if strings.TrimSpace(host) == "" {
		return doctorCheck{
			ID:          "health.dns_probe",
			Status:      doctorStatusWarn,
			Message:     "No DNS probe host configured",
			Remediation: "Set `health.probe_host` in config so the server can detect network outages.",
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return doctorCheck{
			ID:      "health.dns_probe",
			Status:  doctorStatusFail,
			Message: fmt.Sprintf("DNS resolution failed: %v", err),
			Details: map[string]interface{}{
				"host": host,
			},
			Remediation: "Check network connectivity, or set `health.probe_host` to a resolvable name.",
		}
	}

	return doctorCheck{
		ID:      "health.dns_probe",
		Status:  doctorStatusOK,
		Message: "DNS probe host resolves",
		Details: map[string]interface{}{
			"host":      host,
			"addresses": addrs,
		},
	}
}

func summarizeDoctorChecks(checks []doctorCheck) doctorSummary {
	summary := doctorSummary{Total: len(checks)}
	for _, check := range checks {
		switch check.Status {
		case doctorStatusOK:
			summary.OK++
		case doctorStatusWarn:
			summary.Warn++
		case doctorStatusFail:
			summary.Fail++
		}
	}
	return summary
}

func overallStatus(summary doctorSummary) doctorStatus {
	if summary.Fail > 0 {
		return doctorStatusFail
	}
	if summary.Warn > 0 {
		return doctorStatusWarn
	}
	return doctorStatusOK
}

func printDoctorJSON(report doctorReport) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}

func printDoctorText(report doctorReport) {
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: time.Kitchen,
	}))

	logger.Info("relay doctor",
		"version", report.Version,
		"overall", string(report.Overall),
		"ok", report.Summary.OK,
		"warn", report.Summary.Warn,
		"fail", report.Summary.Fail,
	)

	for _, check := range report.Checks {
		switch check.Status {
		case doctorStatusOK:
			logger.Info(check.Message, "check", check.ID)
		case doctorStatusWarn:
			logger.Warn(check.Message, "check", check.ID, "fix", check.Remediation)
		case doctorStatusFail:
			logger.Error(check.Message, "check", check.ID, "fix", check.Remediation)
		}
	}

	fmt.Println()
	fmt.Println("Tip: run `relay doctor --json` for machine-readable output.")
}

func defaultDoctorConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Host: "127.0.0.1",
			Port: 8780,
		},
		Health: config.HealthConfig{
			ProbeHost: "terrafield.io",
		},
	}
}
