// Package rangestore hosts stream ranges on the local node. Batches are
// written to a write-ahead log, located through a persistent index and kept
// warm in a byte-bounded cache. A single worker applies every write, seal and
// checkpoint so the log holds one total order.
package rangestore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fluxorio/replstream/pkg/cache"
	"github.com/fluxorio/replstream/pkg/concurrency"
	"github.com/fluxorio/replstream/pkg/failfast"
	"github.com/fluxorio/replstream/pkg/future"
	"github.com/fluxorio/replstream/pkg/index"
	"github.com/fluxorio/replstream/pkg/log"
	"github.com/fluxorio/replstream/pkg/metrics"
	"github.com/fluxorio/replstream/pkg/model"
	"github.com/fluxorio/replstream/pkg/placement"
	"github.com/fluxorio/replstream/pkg/stream"
	"github.com/fluxorio/replstream/pkg/wal"
)

// Options configures a Store.
type Options struct {
	// Dir holds the "wal" and "index" subdirectories.
	Dir string

	MaxSegmentBytes int64
	Durability      wal.Durability

	// CacheBytes bounds the hot cache. Zero disables it.
	CacheBytes int64

	// QueueSize bounds pending writes. A full queue fences the range.
	QueueSize int

	Placement placement.Client
	Metrics   *metrics.Metrics
	Logger    log.Logger
}

// Store hosts ranges and creates new ones. It satisfies stream.RangeFactory.
type Store struct {
	log       *wal.Log
	index     *index.Index
	cache     *cache.Cache
	worker    *concurrency.Executor
	placement placement.Client
	metrics   *metrics.Metrics
	logger    log.Logger
	nodeID    string

	mu     sync.Mutex
	ranges map[rangeKey]*Range
}

type rangeKey struct {
	streamID int64
	index    int32
}

var _ stream.RangeFactory = (*Store)(nil)

// Open opens the log and index under opts.Dir, restores the node id and
// re-indexes every batch written after the last checkpoint.
func Open(ctx context.Context, opts Options) (*Store, error) {
	failfast.NotNil(opts.Placement, "placement")
	if opts.Dir == "" {
		return nil, fmt.Errorf("rangestore: dir is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 4096
	}

	l, err := wal.Open(wal.Config{
		Dir:             filepath.Join(opts.Dir, "wal"),
		MaxSegmentBytes: opts.MaxSegmentBytes,
		Durability:      opts.Durability,
	})
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	idx, err := index.Open(index.Options{Dir: filepath.Join(opts.Dir, "index"), Logger: opts.Logger})
	if err != nil {
		l.Close()
		return nil, err
	}

	s := &Store{
		log:       l,
		index:     idx,
		cache:     cache.New(opts.CacheBytes, opts.Metrics),
		placement: opts.Placement,
		metrics:   opts.Metrics,
		logger:    opts.Logger.Named("rangestore"),
		ranges:    make(map[rangeKey]*Range),
	}
	if err := s.restore(); err != nil {
		idx.Close()
		l.Close()
		return nil, err
	}
	wcfg := concurrency.DefaultExecutorConfig()
	wcfg.QueueSize = opts.QueueSize
	s.worker = concurrency.NewExecutor(ctx, wcfg, s.logger)
	return s, nil
}

func (s *Store) restore() error {
	id, err := s.index.NodeID()
	if err != nil {
		return err
	}
	if id == "" {
		id = uuid.New().String()
		if err := s.index.SetNodeID(id); err != nil {
			return err
		}
		s.logger.Infof("Assigned node id %s", id)
	}
	s.nodeID = id

	checkpoint, err := s.index.WALCheckpoint()
	if err != nil {
		return err
	}
	replayed := 0
	err = s.log.Replay(wal.Position(checkpoint), func(pos wal.Position, data []byte) error {
		hdr, err := model.DecodeBatchHeader(data)
		if err != nil {
			return fmt.Errorf("wal frame at %d: %w", pos, err)
		}
		replayed++
		return s.index.Index(entryFor(hdr, pos, len(data)))
	})
	if err != nil {
		return fmt.Errorf("replay wal: %w", err)
	}
	st := s.log.Stats()
	s.metrics.SetWALSegments(st.Segments)
	s.logger.Infof("Recovered node %s: replayed %d batches from wal position %d, truncated %d torn bytes",
		id, replayed, checkpoint, st.TruncatedBytes)
	return nil
}

func entryFor(hdr model.BatchHeader, pos wal.Position, n int) index.Entry {
	return index.Entry{
		StreamID:    hdr.StreamID,
		RangeIndex:  hdr.RangeIndex,
		BaseOffset:  hdr.BaseOffset,
		Count:       hdr.Count,
		WALPosition: uint64(pos),
		Length:      uint32(n),
		Checksum:    hdr.Checksum,
	}
}

// NodeID returns the persistent identity of this node.
func (s *Store) NodeID() string {
	return s.nodeID
}

// Create registers a range with the placement service and records it locally.
func (s *Store) Create(ctx context.Context, streamID int64, epoch uint64, idx int32, start uint64) (model.RangeMetadata, error) {
	meta, err := s.placement.CreateRange(ctx, streamID, epoch, idx, start)
	if err != nil {
		return model.RangeMetadata{}, err
	}
	if err := s.index.Add(meta); err != nil {
		return model.RangeMetadata{}, fmt.Errorf("record %s: %w", meta, err)
	}
	return meta, nil
}

// Open returns the handle on a hosted range. The confirm offset of an open
// range is recovered from the index.
func (s *Store) Open(meta model.RangeMetadata, writable bool, ack func()) stream.Range {
	r := &Range{
		store:    s,
		ack:      ack,
		streamID: meta.StreamID,
		index:    meta.Index,
		start:    meta.Start,
		name:     fmt.Sprintf("Range[stream=%d index=%d]", meta.StreamID, meta.Index),
		meta:     meta,
	}
	r.writable.Store(writable && !meta.Sealed())
	if meta.End != nil {
		r.confirm.Store(*meta.End)
	} else {
		r.confirm.Store(s.recoverConfirm(meta))
	}

	// A reader's handle never displaces the writer's.
	key := rangeKey{meta.StreamID, meta.Index}
	s.mu.Lock()
	if cur := s.ranges[key]; cur == nil || writable || !cur.IsWritable() {
		s.ranges[key] = r
	}
	s.mu.Unlock()
	return r
}

// recoverConfirm rebuilds the confirm offset from the highest batch indexed
// for the range; entries below it may already be compacted away.
func (s *Store) recoverConfirm(meta model.RangeMetadata) uint64 {
	last, ok, err := s.index.LastEntryOf(meta)
	if err != nil {
		s.logger.Errorf("Recover confirm offset of %s: %v", meta, err)
	}
	if !ok || last.EndOffset() < meta.Start {
		return meta.Start
	}
	return last.EndOffset()
}

// Fence stops writes to a hosted range so that its stream rolls over.
func (s *Store) Fence(streamID int64, idx int32) bool {
	s.mu.Lock()
	r := s.ranges[rangeKey{streamID, idx}]
	s.mu.Unlock()
	if r == nil {
		return false
	}
	r.Fence()
	return true
}

// Ranges lists every range recorded on this node.
func (s *Store) Ranges() ([]model.RangeMetadata, error) {
	return s.index.List()
}

// do runs fn on the write worker and waits for its result.
func (s *Store) do(ctx context.Context, name string, fn func() (uint64, error)) (uint64, error) {
	p := future.NewPromise[uint64]()
	task := concurrency.NewNamedTask(name, func(context.Context) error {
		v, err := fn()
		if err != nil {
			p.TryFail(err)
			return err
		}
		p.TryComplete(v)
		return nil
	})
	if err := s.worker.Submit(task); err != nil {
		return 0, err
	}
	return p.Await(ctx)
}

// Checkpoint makes every batch written so far durable in the index and moves
// the replay start past them. It returns the new checkpoint.
func (s *Store) Checkpoint(ctx context.Context) (wal.Position, error) {
	pos, err := s.do(ctx, "checkpoint", func() (uint64, error) {
		if err := s.log.Sync(); err != nil {
			return 0, err
		}
		pos := uint64(s.log.Next())
		if err := s.index.Flush(); err != nil {
			return 0, err
		}
		return pos, s.index.AdvanceWALCheckpoint(pos)
	})
	return wal.Position(pos), err
}

// Compact drops index entries whose WAL position is below minWAL and removes
// the log segments holding only such entries.
func (s *Store) Compact(ctx context.Context, minWAL wal.Position) (int, error) {
	removed, err := s.do(ctx, "compact", func() (uint64, error) {
		res, err := s.index.Compact(uint64(minWAL))
		if err != nil {
			return 0, err
		}
		if res.Watermark < uint64(minWAL) {
			s.logger.Infof("Compaction held at %d by an open range (requested %d)", res.Watermark, minWAL)
		}
		// Seal the active segment once it lies wholly below the watermark so
		// Truncate can drop it.
		if res.Watermark >= uint64(s.log.Next()) {
			if err := s.log.Rotate(); err != nil {
				return uint64(res.Entries), err
			}
		}
		segs, err := s.log.Truncate(wal.Position(res.Watermark))
		if err != nil {
			return uint64(res.Entries), err
		}
		s.logger.Infof("Compacted %d index entries, %d sealed ranges and %d wal segments below %d",
			res.Entries, res.Ranges, segs, res.Watermark)
		return uint64(res.Entries), nil
	})
	s.metrics.RecordCompaction(int(removed))
	s.metrics.SetWALSegments(s.log.Stats().Segments)
	return int(removed), err
}

// Stats returns write-ahead log counters.
func (s *Store) Stats() wal.Stats {
	return s.log.Stats()
}

// WorkerStats returns the counters of the write worker.
func (s *Store) WorkerStats() concurrency.ExecutorStats {
	return s.worker.Stats()
}

// Close drains pending writes and closes the log and index.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.worker.Shutdown(ctx); err != nil {
		s.logger.Warnf("Shutdown write worker: %v", err)
	}
	werr := s.log.Close()
	ierr := s.index.Close()
	if werr != nil {
		return werr
	}
	return ierr
}
