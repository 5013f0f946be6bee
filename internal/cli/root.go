// Package cli defines the command-line interface around the daemon and
// its maintenance operations.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hindsight-dev/hindsight/internal/build"
	"github.com/hindsight-dev/hindsight/internal/config"
	"github.com/hindsight-dev/hindsight/internal/logger"
	"github.com/hindsight-dev/hindsight/internal/logger/tag"
)

var (
	configFile string
	debugFlag  bool
	quietFlag  bool
)

// NewRootCmd assembles the command tree.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           build.Slug,
		Short:         "Session knowledge daemon",
		Long:          "Watches conversational agent session logs, analyzes completed task segments, and maintains a queryable knowledge graph.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       build.Version,
	}
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	cmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "suppress log output")

	cmd.AddCommand(
		newStartCmd(),
		newStopCmd(),
		newStatusCmd(),
		newQueueCmd(),
		newRebuildIndexCmd(),
		newRebuildEmbeddingsCmd(),
		newHealthCmd(),
		newVersionCmd(),
	)
	return cmd
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// setup loads .env and the config file, then builds the logging context
// every command runs under.
func setup(cmd *cobra.Command) (context.Context, *config.Config, error) {
	// A .env beside the working directory can hold credentials and
	// endpoint overrides; absence is not an error.
	_ = godotenv.Load()

	cfgPath := configFile
	if cfgPath == "" {
		cfgPath = os.Getenv("HINDSIGHT_CONFIG_PATH")
	}
	var opts []config.ConfigLoaderOption
	if cfgPath != "" {
		opts = append(opts, config.WithConfigFile(cfgPath))
	}
	cfg, err := config.NewConfigLoader(viper.New(), opts...).Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if debugFlag {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	var logOpts []logger.Option
	if cfg.Debug {
		logOpts = append(logOpts, logger.WithDebug())
	}
	if cfg.LogLevel != "" {
		logOpts = append(logOpts, logger.WithLevel(cfg.LogLevel))
	}
	if cfg.LogFormat != "" {
		logOpts = append(logOpts, logger.WithFormat(cfg.LogFormat))
	}
	if quietFlag {
		logOpts = append(logOpts, logger.WithQuiet())
	}
	ctx := logger.WithLogger(cmd.Context(), logger.NewLogger(logOpts...))

	for _, warning := range cfg.Warnings {
		logger.Warn(ctx, "config warning", tag.String("warning", warning))
	}
	if cfg.Paths.ConfigFileUsed != "" {
		logger.Debug(ctx, "config loaded", tag.Config(cfg.Paths.ConfigFileUsed))
	}
	return ctx, cfg, nil
}
