package main

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"

	flag "github.com/spf13/pflag"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPaths     []string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	Provision       []string
	Deprovision     []string
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func parseFlags(args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)

	var defaultConfigs []string
	if path := getEnv("MINTGATE_CONFIG", ""); path != "" {
		defaultConfigs = []string{path}
	}

	fs.StringSliceVarP(&cfg.ConfigPaths, "config", "c", defaultConfigs,
		"Configuration file, JSON or YAML; repeat to layer files (env: MINTGATE_CONFIG)")

	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("MINTGATE_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: MINTGATE_LOG_LEVEL)")

	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("MINTGATE_LOG_FORMAT", "json"),
		"Log format: json, text (env: MINTGATE_LOG_FORMAT)")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("MINTGATE_SHUTDOWN_TIMEOUT", 15*time.Second),
		"Graceful shutdown timeout (env: MINTGATE_SHUTDOWN_TIMEOUT)")

	fs.StringSliceVar(&cfg.Provision, "provision", nil,
		"Allow these device serials to connect, then exit")
	fs.StringSliceVar(&cfg.Deprovision, "deprovision", nil,
		"Revoke these device serials, then exit")

	fs.BoolVarP(&cfg.ShowVersion, "version", "v", false, "Show version information")
	fs.BoolVarP(&cfg.ShowHelp, "help", "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() {
		printDetailedHelp(fs)
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.ShowHelp {
		fs.Usage()
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	for _, path := range cfg.ConfigPaths {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("config file not found: %s", path)
		}
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}

	return nil
}

func printDetailedHelp(fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(os.Stderr, `%s - IoT device and dashboard gateway

Usage: %s [options]

Options:
`, appName, os.Args[0])
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run with a config file
  %s --config=/etc/mintgate/config.yaml

  # Run a second replica against the same NATS cluster
  MINTGATE_NODE_ID=edge-2 MINTGATE_GATEWAY_DEVICE_ADDR=:2738 MINTGATE_GATEWAY_HTTP_ADDR=:8081 %s

  # Allow two devices to connect
  %s --provision=sensor-1,sensor-2

  # Validate configuration only
  %s --validate

Version: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
