package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPaths     []string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	Validate        bool
	PrintConfig     bool
}

func parseFlags(args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)

	var paths string
	fs.StringVar(&paths, "config", os.Getenv("PLOTTER_CONFIG"),
		"Comma-separated config files, later files override earlier ones (env: PLOTTER_CONFIG)")
	fs.StringVar(&paths, "c", os.Getenv("PLOTTER_CONFIG"), "Shorthand for -config")

	// Empty means "use the configuration value", which already honors
	// PLOTTER_LOG_LEVEL and PLOTTER_LOG_FORMAT.
	fs.StringVar(&cfg.LogLevel, "log-level", "", "Log level: debug, info, warn, error (env: PLOTTER_LOG_LEVEL)")
	fs.StringVar(&cfg.LogFormat, "log-format", "", "Log format: json, text (env: PLOTTER_LOG_FORMAT)")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("PLOTTER_SHUTDOWN_TIMEOUT", 10*time.Second),
		"Graceful shutdown timeout (env: PLOTTER_SHUTDOWN_TIMEOUT)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")
	fs.BoolVar(&cfg.PrintConfig, "print-config", false, "Print the merged configuration and exit")

	fs.Usage = func() { printHelp(fs) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	for _, p := range strings.Split(paths, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cfg.ConfigPaths = append(cfg.ConfigPaths, p)
		}
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion {
		return nil
	}
	for _, p := range cfg.ConfigPaths {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("config file not found: %s", p)
		}
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %v", cfg.ShutdownTimeout)
	}
	return nil
}

func printHelp(fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(os.Stderr, `%s - live plot ingestion server

Usage: %s [options]

Options:
`, appName, os.Args[0])
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Defaults: TCP 2000, UDP 2001, WebSocket 8080, metrics 9090
  %[1]s

  # Base file plus a site override
  %[1]s -config=/etc/plotter/base.yaml,/etc/plotter/site.yaml

  # Environment overrides
  export PLOTTER_TCP_PORT=3000
  export PLOTTER_NATS_ENABLED=true
  %[1]s --log-level=debug --log-format=text

Version: %[2]s
`, os.Args[0], Version)
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
