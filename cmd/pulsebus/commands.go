package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sureshkrishnan-v/pulsebus/internal/config"
	"github.com/sureshkrishnan-v/pulsebus/internal/constants"
	"github.com/sureshkrishnan-v/pulsebus/internal/runtime"
	"github.com/sureshkrishnan-v/pulsebus/internal/topic"
)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "pulsebus",
		Short: "In-process event bus service",
		Long: `pulsebus routes published events to subscribers by hierarchical topic.

Available commands:
  serve      Run the bus, API server and exporters until SIGINT/SIGTERM
  validate   Load and validate a configuration file
  match      Check whether a topic matches a subscription pattern
  version    Print the version`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", constants.DefaultConfigPath, "path to the YAML config file")

	root.AddCommand(
		newServeCmd(&configPath),
		newValidateCmd(&configPath),
		newMatchCmd(),
		newVersionCmd(),
	)
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bus until SIGINT/SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			logger, err := newLogger(cfg.Service.LogLevel)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer logger.Sync()

			logger.Info("pulsebus starting",
				zap.String("version", constants.Version),
				zap.String("config", *configPath))

			// Context with signal-based cancellation for graceful shutdown
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			rt, err := runtime.NewRuntime(cfg, logger)
			if err != nil {
				return err
			}
			return rt.Run(ctx)
		},
	}
}

func newValidateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(*configPath); err != nil {
				return fmt.Errorf("config %s: %w", *configPath, err)
			}
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid: %d subscriptions, sinks %v\n",
				*configPath, len(cfg.Subscriptions), cfg.SinksInUse())
			return nil
		},
	}
}

func newMatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "match <pattern> <topic>",
		Short: "Check whether a topic matches a subscription pattern",
		Long: `Check whether a topic matches a subscription pattern.

Patterns use '.' separated segments; '+' matches exactly one segment and
'#' (last segment only) matches zero or more trailing segments.

Examples:
  pulsebus match 'user.+' user.created     # match
  pulsebus match 'logs.#' logs             # match
  pulsebus match 'user.+' user.a.b         # no match`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := topic.Compile(args[0])
			if err != nil {
				return err
			}
			if err := topic.ValidateTopic(args[1]); err != nil {
				return err
			}
			if !p.Matches(args[1]) {
				return fmt.Errorf("%s does not match %s", args[1], p)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s matches %s\n", args[1], p)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of pulsebus",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pulsebus v%s\n", constants.Version)
		},
	}
}

// newLogger builds the production JSON logger at the given level.
func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	logConfig := zap.NewProductionConfig()
	logConfig.Level = zap.NewAtomicLevelAt(lvl)
	logConfig.EncoderConfig.TimeKey = "ts"
	logConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return logConfig.Build()
}
