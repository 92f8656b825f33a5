package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/fluxorio/replstream/pkg/placement"
)

func newPlacementCommand(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{Use: "placement", Short: "Placement service commands"}
	cmd.AddCommand(newPlacementServeCommand(g), newPlacementListCommand(g))
	return cmd
}

func newPlacementServeCommand(g *globalFlags) *cobra.Command {
	var backend string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a placement backend over NATS",
		Long:  "Answer placement list/create/seal requests on <prefix>.placement.* using the memory or SQL backend.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load()
			if err != nil {
				return err
			}
			if backend != "" {
				cfg.Placement.Backend = backend
			}
			if cfg.Placement.Backend == "nats" {
				return fmt.Errorf("placement serve needs a memory or sql backend, not nats")
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()

			store, closeStore, err := openPlacement(ctx, cfg, nodeName())
			if err != nil {
				return err
			}
			if closeStore != nil {
				defer closeStore()
			}

			srv, err := placement.NewNATSServer(ctx, cfg.Placement.NATS, store, logger)
			if err != nil {
				return err
			}
			defer srv.Close()

			logger.Infof("serving %s placement on %s (prefix %q)", cfg.Placement.Backend, cfg.Placement.NATS.URL, cfg.Placement.NATS.Prefix)
			<-ctx.Done()
			logger.Infof("shutting down")
			return nil
		},
	}
	cmd.Flags().StringVar(&backend, "backend", "", "backend to serve: memory or sql (default: placement.backend)")
	return cmd
}

func newPlacementListCommand(g *globalFlags) *cobra.Command {
	var streamID int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print the ranges recorded for a stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.load()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()

			client, closeClient, err := openPlacement(ctx, cfg, nodeName())
			if err != nil {
				return err
			}
			if closeClient != nil {
				defer closeClient()
			}
			ranges, err := client.ListRanges(ctx, streamID)
			if err != nil {
				return err
			}
			sort.Slice(ranges, func(i, j int) bool { return ranges[i].Index < ranges[j].Index })
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(ranges)
		},
	}
	cmd.Flags().Int64Var(&streamID, "stream", 0, "stream id")
	_ = cmd.MarkFlagRequired("stream")
	return cmd
}
