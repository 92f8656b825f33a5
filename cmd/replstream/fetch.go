package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/fluxorio/replstream/pkg/stream"
)

func newFetchCommand(g *globalFlags) *cobra.Command {
	var (
		streamID int64
		epoch    uint64
		from     uint64
		to       uint64
		maxBytes uint32
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Read records from a stream",
		Long:  "Read [from, to) from a stream, following partial results until the window is covered. --to defaults to the confirm offset.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load()
			if err != nil {
				return err
			}
			if maxBytes == 0 {
				maxBytes = cfg.Stream.FetchMaxBytes
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
			s, err := n.openReader(ctx, streamID, epoch)
			if err != nil {
				return err
			}
			defer s.Close(context.Background())

			if !cmd.Flags().Changed("to") {
				to = s.ConfirmOffset()
			}
			if !cmd.Flags().Changed("from") {
				from = s.StartOffset()
			}
			return fetchRange(ctx, s, cmd.OutOrStdout(), from, to, maxBytes, asJSON)
		},
	}
	cmd.Flags().Int64Var(&streamID, "stream", 0, "stream id")
	cmd.Flags().Uint64Var(&epoch, "epoch", 0, "reader epoch (default: current time in milliseconds)")
	cmd.Flags().Uint64Var(&from, "from", 0, "first offset (default: stream start)")
	cmd.Flags().Uint64Var(&to, "to", 0, "end offset, exclusive")
	cmd.Flags().Uint32Var(&maxBytes, "max-bytes", 0, "byte budget per round trip (default: stream.fetch_max_bytes)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON object per record")
	_ = cmd.MarkFlagRequired("stream")
	return cmd
}

type fetchedRecord struct {
	Offset uint64 `json:"offset"`
	Key    string `json:"key,omitempty"`
	Value  string `json:"value"`
}

func fetchRange(ctx context.Context, s *stream.Stream, out io.Writer, from, to uint64, maxBytes uint32, asJSON bool) error {
	enc := json.NewEncoder(out)
	for start := from; start < to; {
		ds, err := s.Fetch(ctx, start, to, maxBytes)
		if err != nil {
			return err
		}
		if len(ds.Blocks) == 0 {
			return fmt.Errorf("fetch [%d, %d) returned no data", start, to)
		}
		for _, b := range ds.Blocks {
			batch, err := b.Batch()
			if err != nil {
				return fmt.Errorf("decode block at %d: %w", b.BaseOffset, err)
			}
			for i, rec := range batch.Records {
				off := b.BaseOffset + uint64(i)
				if off < start || off >= to {
					continue
				}
				if asJSON {
					if err := enc.Encode(fetchedRecord{Offset: off, Key: string(rec.Key), Value: string(rec.Value)}); err != nil {
						return err
					}
					continue
				}
				fmt.Fprintf(out, "%d\t%s\n", off, rec.Value)
			}
		}
		start = ds.EndOffset(start)
	}
	return nil
}
