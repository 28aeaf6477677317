// Package main runs the plot ingestion server: TCP and UDP inputs feed a
// single dispatcher that applies updates to the curve registry, which
// pushes changes to WebSocket renderers and, when enabled, NATS and a
// recording file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/d-wizard/plotter-sub000/config"
)

const (
	Version = "0.1.0"
	appName = "plotter"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cli, err := parseFlags(args)
	if err != nil {
		return err
	}
	if err := validateFlags(cli); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cli.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	logger := setupLogger(os.Stdout, cfg.Service.Name, cfg.Service.LogLevel, cfg.Service.LogFormat)
	slog.SetDefault(logger)

	if cli.PrintConfig {
		fmt.Println(cfg.String())
		return nil
	}
	if cli.Validate {
		logger.Info("Configuration is valid", "config_paths", cli.ConfigPaths)
		return nil
	}

	logger.Info("Starting plotter", "config_paths", cli.ConfigPaths)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx, cli.ShutdownTimeout); err != nil {
		return fmt.Errorf("plotter: %w", err)
	}
	logger.Info("Plotter shutdown complete")
	return nil
}

// loadConfig merges the config layers and applies flag overrides on top
// of the environment.
func loadConfig(cli *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	for _, p := range cli.ConfigPaths {
		loader.AddLayer(p)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if cli.LogLevel != "" {
		cfg.Service.LogLevel = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Service.LogFormat = cli.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
