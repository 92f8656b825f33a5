package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fluxorio/replstream/pkg/config"
	"github.com/fluxorio/replstream/pkg/log"
	"github.com/fluxorio/replstream/pkg/metrics"
	"github.com/fluxorio/replstream/pkg/placement"
	"github.com/fluxorio/replstream/pkg/rangestore"
	"github.com/fluxorio/replstream/pkg/stream"
	"github.com/fluxorio/replstream/pkg/tracing"
	"github.com/fluxorio/replstream/pkg/wal"
)

// node owns everything a stream needs on this process: placement client,
// range store, metrics and the tracer provider.
type node struct {
	cfg       *config.Config
	logger    log.Logger
	metrics   *metrics.Metrics
	placement placement.Client
	store     *rangestore.Store
	closers   []func() error
}

func openNode(ctx context.Context, cfg *config.Config, logger log.Logger) (n *node, err error) {
	n = &node{cfg: cfg, logger: logger, metrics: metrics.Default()}
	defer func() {
		if err != nil {
			n.Close()
		}
	}()

	tp, err := tracing.Initialize(ctx, cfg.Tracing)
	if err != nil {
		return nil, err
	}
	n.closers = append(n.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tp.Shutdown(shutdownCtx)
	})

	backend, closeBackend, err := openPlacement(ctx, cfg, nodeName())
	if err != nil {
		return nil, err
	}
	if closeBackend != nil {
		n.closers = append(n.closers, closeBackend)
	}
	n.placement = placement.Instrument(backend, n.metrics)

	store, err := openStore(ctx, cfg, n.placement, n.metrics, logger)
	if err != nil {
		return nil, err
	}
	n.store = store
	n.closers = append(n.closers, store.Close)

	logger.Infof("node %s ready: placement=%s dir=%s durability=%s",
		store.NodeID(), cfg.Placement.Backend, cfg.Store.Dir, cfg.Store.Durability)
	return n, nil
}

// openStream opens stream id at epoch on this node for appending.
func (n *node) openStream(ctx context.Context, id int64, epoch uint64) (*stream.Stream, error) {
	s := n.newStream(id, epoch)
	if err := s.Open(ctx); err != nil {
		return nil, fmt.Errorf("open stream %d: %w", id, err)
	}
	return s, nil
}

// openReader opens stream id for fetching without sealing its last range.
func (n *node) openReader(ctx context.Context, id int64, epoch uint64) (*stream.Stream, error) {
	s := n.newStream(id, epoch)
	if err := s.OpenReadOnly(ctx); err != nil {
		s.Close(context.Background())
		return nil, fmt.Errorf("open stream %d: %w", id, err)
	}
	return s, nil
}

func (n *node) newStream(id int64, epoch uint64) *stream.Stream {
	return stream.New(id, epoch, stream.Options{
		Placement:     n.placement,
		Ranges:        n.store,
		Logger:        n.logger,
		Metrics:       n.metrics,
		QueueCapacity: n.cfg.Stream.QueueCapacity,
		RetryBackoff:  n.cfg.Stream.RetryBackoff,
	})
}

// runCheckpoints advances the WAL checkpoint until ctx is done.
func (n *node) runCheckpoints(ctx context.Context) {
	interval := n.cfg.Store.CheckpointInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pos, err := n.store.Checkpoint(ctx)
			if err != nil {
				if ctx.Err() == nil {
					n.logger.Warnf("checkpoint failed: %v", err)
				}
				continue
			}
			n.logger.Debugf("checkpoint at WAL position %d", pos)
		}
	}
}

// Close releases resources in reverse order of acquisition.
func (n *node) Close() error {
	var errs []error
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	n.closers = nil
	return errors.Join(errs...)
}

// openPlacement builds the configured placement backend. The returned close
// function may be nil.
func openPlacement(ctx context.Context, cfg *config.Config, node string) (placement.Client, func() error, error) {
	switch cfg.Placement.Backend {
	case "memory":
		return placement.NewMemoryStore(node), nil, nil
	case "sql":
		if err := ensureSQLiteDir(cfg.Placement.SQL); err != nil {
			return nil, nil, err
		}
		s, err := placement.OpenSQLStore(ctx, cfg.Placement.SQL, node)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "nats":
		c, err := placement.NewNATSClient(cfg.Placement.NATS)
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown placement backend %q", cfg.Placement.Backend)
	}
}

func ensureSQLiteDir(cfg placement.SQLConfig) error {
	if cfg.Driver != "sqlite3" || cfg.DSN == ":memory:" || strings.HasPrefix(cfg.DSN, "file:") {
		return nil
	}
	return os.MkdirAll(filepath.Dir(cfg.DSN), 0o755)
}

func openStore(ctx context.Context, cfg *config.Config, p placement.Client, m *metrics.Metrics, logger log.Logger) (*rangestore.Store, error) {
	durability, err := wal.ParseDurability(cfg.Store.Durability)
	if err != nil {
		return nil, err
	}
	return rangestore.Open(ctx, rangestore.Options{
		Dir:             cfg.Store.Dir,
		MaxSegmentBytes: cfg.Store.MaxSegmentBytes,
		Durability:      durability,
		CacheBytes:      cfg.Store.CacheBytes,
		QueueSize:       cfg.Store.QueueSize,
		Placement:       p,
		Metrics:         m,
		Logger:          logger,
	})
}

func nodeName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "replstream"
	}
	return host
}

// defaultEpoch orders successive writers on the same stream without a
// coordinator.
func defaultEpoch() uint64 {
	return uint64(time.Now().UnixMilli())
}
