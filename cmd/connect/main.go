// Package main is the entry point for the Connect gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/vyrodovalexey/connect/internal/config"
	"github.com/vyrodovalexey/connect/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// Environment variables read by the command line.
const (
	envConfigPath = "CONNECT_CONFIG_PATH"
	envLogLevel   = "CONNECT_LOG_LEVEL"
	envLogFormat  = "CONNECT_LOG_FORMAT"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == tokenCommand {
		if err := runToken(os.Args[2:], os.Stdout, os.LookupEnv); err != nil {
			fmt.Fprintf(os.Stderr, "connect token: %v\n", err)
			os.Exit(1)
		}
		return
	}

	flags, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	if flags.showVersion {
		printVersion()
		return
	}

	cfg, err := loadAndValidateConfig(flags.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	logger := initLogger(flags, cfg)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting connect",
		observability.String("version", version),
		observability.String("connect_version", cfg.Connect.Version),
		observability.String("config", flags.configPath),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := initApplication(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize application", observability.Error(err))
	}

	if err := runGateway(ctx, app, flags.configPath); err != nil {
		logger.Fatal("gateway failed", observability.Error(err))
	}
}

// parseFlags parses command line flags. Flags default to their CONNECT_*
// environment variables.
func parseFlags(fs *flag.FlagSet, args []string) (cliFlags, error) {
	var flags cliFlags
	fs.StringVar(&flags.configPath, "config", getEnvOrDefault(envConfigPath, ""),
		"Path to configuration file (defaults plus environment when empty)")
	fs.StringVar(&flags.logLevel, "log-level", getEnvOrDefault(envLogLevel, ""),
		"Log level (debug, info, warn, error); overrides the configuration")
	fs.StringVar(&flags.logFormat, "log-format", getEnvOrDefault(envLogFormat, ""),
		"Log format (json, console); overrides the configuration")
	fs.BoolVar(&flags.showVersion, "version", false, "Show version information")

	if err := fs.Parse(args); err != nil {
		return cliFlags{}, err
	}
	return flags, nil
}

// printVersion prints version information.
func printVersion() {
	fmt.Printf("connect version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// loadAndValidateConfig loads the configuration file, or the defaults
// plus environment when path is empty.
func loadAndValidateConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Connect.Version == config.DefaultConnectVersion {
		cfg.Connect.Version = version
	}
	return cfg, nil
}

// initLogger creates the application logger. Flags win over the file.
func initLogger(flags cliFlags, cfg *config.Config) observability.Logger {
	logCfg := observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}
	if flags.logLevel != "" {
		logCfg.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		logCfg.Format = flags.logFormat
	}

	logger, err := observability.NewLogger(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}
