package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fluxorio/replstream/pkg/config"
	"github.com/fluxorio/replstream/pkg/log"
)

type globalFlags struct {
	configPath string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:          "replstream",
		Short:        "Replicated stream node and client",
		Long:         "replstream appends to and reads from replicated, range-partitioned streams and serves their placement metadata.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "YAML or JSON config file")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level override (trace, debug, info, warn, error)")

	root.AddCommand(
		newAppendCommand(g),
		newFetchCommand(g),
		newServeCommand(g),
		newPlacementCommand(g),
		newStoreCommand(g),
	)
	return root
}

// load resolves the configuration and builds the process logger.
func (g *globalFlags) load() (*config.Config, log.Logger, error) {
	cfg, err := config.LoadFile(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
	}
	logger := log.New(log.Options{
		Name:  "replstream",
		Level: cfg.Log.Level,
		JSON:  cfg.Log.JSON,
	})
	return cfg, logger, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
