package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/regdu/regdu/internal/config"
	"github.com/regdu/regdu/internal/registry"
)

var (
	// Global flags
	cfgPath   string
	logLevel  string
	logFormat string
	quiet     bool

	globalCfg *config.Config
	logger    *slog.Logger
)

// NewRootCmd creates and returns the root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "regdu",
		Short: "Report storage usage of container images in a registry",
		Long: `regdu walks a Docker Registry HTTP API v2 endpoint, fetches every
tag's manifest and reports two figures per tag, per repository and for the
whole registry: the logical size (every referenced layer counted) and the
disk size (each distinct blob counted once, the way content-addressable
storage actually stores it).`,
		Example: `  regdu usage --registry registry.example.com --credentials-file ~/.regdu-creds
  regdu usage --sort disksize
  regdu delete my/app sha256:8f2e...`,
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()

			if shouldSkipConfig(cmd.Name()) {
				return nil
			}

			if cfgPath == "" {
				var err error
				cfgPath, err = config.FindConfigFile()
				if err != nil {
					logger.Debug("config file not found, using defaults", "error", err)
				}
			}

			if cfgPath != "" {
				var err error
				globalCfg, err = config.Load(cfgPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			} else {
				globalCfg = config.DefaultConfig()
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	cmd.AddCommand(
		newUsageCmd(),
		newDeleteCmd(),
		newVersionCmd(),
	)

	return cmd
}

// setupLogging initializes the slog logger based on flags.
func setupLogging() {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if quiet {
		level = slog.LevelError
	}

	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":    true,
		"version": true,
	}
	return skipConfigCmds[cmdName]
}

// newRegistryClient builds a client from the loaded config after
// resolving credentials.
func newRegistryClient() (*registry.Client, error) {
	if globalCfg == nil {
		return nil, fmt.Errorf("config not loaded")
	}
	if err := globalCfg.Validate(); err != nil {
		return nil, err
	}
	if err := globalCfg.ResolveCredentials(); err != nil {
		return nil, err
	}
	creds := registry.Credentials{
		Username: globalCfg.Registry.Username,
		Password: globalCfg.Registry.Password,
	}
	opts := registry.Options{
		Timeout: time.Duration(globalCfg.Registry.RequestTimeoutSeconds) * time.Second,
	}
	return registry.NewClient(globalCfg.Registry.Endpoint, creds, logger, opts), nil
}
