package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/fluxorio/replstream/pkg/admin"
	"github.com/fluxorio/replstream/pkg/stream"
)

func newServeCommand(g *globalFlags) *cobra.Command {
	var (
		streamIDs []int64
		epoch     uint64
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Hold streams open and serve the admin endpoint",
		Long:  "Open the given streams on this node, checkpoint the local store periodically and serve /metrics, /healthz and /streams until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()

			n, err := openNode(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer n.Close()

			if epoch == 0 {
				epoch = defaultEpoch()
			}
			registry := admin.NewRegistry()
			var streams []*stream.Stream
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				for _, s := range streams {
					if err := s.Close(closeCtx); err != nil {
						logger.Warnf("close stream %d: %v", s.ID(), err)
					}
					registry.Remove(s.ID())
				}
				if _, err := n.store.Checkpoint(closeCtx); err != nil {
					logger.Warnf("final checkpoint: %v", err)
				}
			}()
			for _, id := range streamIDs {
				s, err := n.openStream(ctx, id, epoch)
				if err != nil {
					return err
				}
				streams = append(streams, s)
				registry.Add(s)
			}

			go n.runCheckpoints(ctx)

			if cfg.Admin.Enabled {
				srv := admin.NewServer(admin.Options{
					Registry:   registry,
					Metrics:    n.metrics,
					Logger:     logger.Named("admin"),
					StoreStats: func() interface{} { return storeStats(n.store) },
				})
				errc := make(chan error, 1)
				go func() { errc <- srv.ListenAndServe(cfg.Admin.Addr) }()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := srv.Shutdown(shutdownCtx); err != nil {
						logger.Warnf("admin shutdown: %v", err)
					}
				}()
				select {
				case <-ctx.Done():
				case err := <-errc:
					return err
				}
			} else {
				<-ctx.Done()
			}

			logger.Infof("shutting down")
			return nil
		},
	}
	cmd.Flags().Int64SliceVar(&streamIDs, "stream", nil, "stream ids to open (repeatable)")
	cmd.Flags().Uint64Var(&epoch, "epoch", 0, "writer epoch (default: current time in milliseconds)")
	return cmd
}
