package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fluxorio/replstream/pkg/log"
	"github.com/fluxorio/replstream/pkg/placement"
	"github.com/fluxorio/replstream/pkg/rangestore"
	"github.com/fluxorio/replstream/pkg/wal"
)

func newStoreCommand(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{Use: "store", Short: "Inspect and maintain the local range store"}
	cmd.AddCommand(
		newStoreStatsCommand(g),
		newStoreCheckpointCommand(g),
		newStoreCompactCommand(g),
	)
	return cmd
}

// withOfflineStore opens the local store without contacting placement; the
// maintenance commands never create ranges.
func withOfflineStore(cmd *cobra.Command, g *globalFlags, fn func(context.Context, *rangestore.Store, log.Logger) error) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(cmd)
	defer cancel()
	store, err := openStore(ctx, cfg, placement.NewMemoryStore(nodeName()), nil, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, store, logger)
}

func newStoreStatsCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print WAL statistics and the locally hosted ranges",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOfflineStore(cmd, g, func(_ context.Context, s *rangestore.Store, _ log.Logger) error {
				ranges, err := s.Ranges()
				if err != nil {
					return err
				}
				stats := storeStats(s)
				stats["ranges"] = ranges
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			})
		},
	}
}

// storeStats is the store summary shared by `store stats` and /store.
func storeStats(s *rangestore.Store) map[string]interface{} {
	return map[string]interface{}{
		"node":   s.NodeID(),
		"wal":    s.Stats(),
		"worker": s.WorkerStats(),
	}
}

func newStoreCheckpointCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "Flush the index and advance the WAL checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOfflineStore(cmd, g, func(ctx context.Context, s *rangestore.Store, _ log.Logger) error {
				pos, err := s.Checkpoint(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "checkpoint at WAL position %d\n", pos)
				return nil
			})
		},
	}
}

func newStoreCompactCommand(g *globalFlags) *cobra.Command {
	var below uint64
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Drop data below a WAL position",
		Long:  "Remove index entries and sealed WAL segments below --below. The data is gone afterwards; only use it once the offsets were copied elsewhere.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOfflineStore(cmd, g, func(ctx context.Context, s *rangestore.Store, logger log.Logger) error {
				removed, err := s.Compact(ctx, wal.Position(below))
				if err != nil {
					return err
				}
				logger.Infof("compacted below WAL position %d", below)
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d index entries\n", removed)
				return nil
			})
		},
	}
	cmd.Flags().Uint64Var(&below, "below", 0, "WAL position to compact below")
	_ = cmd.MarkFlagRequired("below")
	return cmd
}
