package main

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/fluxorio/replstream/pkg/model"
	"github.com/fluxorio/replstream/pkg/stream"
)

func newAppendCommand(g *globalFlags) *cobra.Command {
	var (
		streamID  int64
		epoch     uint64
		batchSize int
		key       string
	)
	cmd := &cobra.Command{
		Use:   "append [value...]",
		Short: "Append records to a stream",
		Long:  "Append the given values, or one record per stdin line when no value is given, and print the offsets they were assigned.",
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
			s, err := n.openStream(ctx, streamID, epoch)
			if err != nil {
				return err
			}
			defer s.Close(context.Background())

			out := cmd.OutOrStdout()
			if len(args) > 0 {
				return appendBatch(ctx, s, out, key, args)
			}
			return appendLines(ctx, s, out, key, cmd.InOrStdin(), batchSize)
		},
	}
	cmd.Flags().Int64Var(&streamID, "stream", 0, "stream id")
	cmd.Flags().Uint64Var(&epoch, "epoch", 0, "writer epoch (default: current time in milliseconds)")
	cmd.Flags().IntVar(&batchSize, "batch", 100, "records per batch when reading stdin")
	cmd.Flags().StringVar(&key, "key", "", "record key")
	_ = cmd.MarkFlagRequired("stream")
	return cmd
}

func appendBatch(ctx context.Context, s *stream.Stream, out io.Writer, key string, values []string) error {
	batch := model.RecordBatch{Records: make([]model.Record, len(values))}
	for i, v := range values {
		batch.Records[i] = model.Record{Value: []byte(v)}
		if key != "" {
			batch.Records[i].Key = []byte(key)
		}
	}
	base, err := s.Append(ctx, batch)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "appended %d records at [%d, %d)\n", len(values), base, base+uint64(len(values)))
	return nil
}

func appendLines(ctx context.Context, s *stream.Stream, out io.Writer, key string, in io.Reader, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 1
	}
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	pending := make([]string, 0, batchSize)
	for scanner.Scan() {
		pending = append(pending, scanner.Text())
		if len(pending) == batchSize {
			if err := appendBatch(ctx, s, out, key, pending); err != nil {
				return err
			}
			pending = pending[:0]
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	if len(pending) > 0 {
		return appendBatch(ctx, s, out, key, pending)
	}
	return nil
}
