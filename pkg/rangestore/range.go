package rangestore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fluxorio/replstream/pkg/cache"
	"github.com/fluxorio/replstream/pkg/concurrency"
	"github.com/fluxorio/replstream/pkg/index"
	"github.com/fluxorio/replstream/pkg/model"
	"github.com/fluxorio/replstream/pkg/stream"
	"github.com/fluxorio/replstream/pkg/wal"
)

// Range is a range hosted by a Store.
type Range struct {
	store    *Store
	ack      func()
	streamID int64
	index    int32
	start    uint64
	name     string

	mu   sync.Mutex
	meta model.RangeMetadata

	// confirm and writable change only on the store worker, except for Fence.
	confirm  atomic.Uint64
	writable atomic.Bool
}

var _ stream.Range = (*Range)(nil)

func (r *Range) Metadata() model.RangeMetadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.meta
}

func (r *Range) StartOffset() uint64 {
	return r.start
}

func (r *Range) ConfirmOffset() uint64 {
	return r.confirm.Load()
}

func (r *Range) IsWritable() bool {
	return r.writable.Load()
}

func (r *Range) notify() {
	if r.ack != nil {
		r.ack()
	}
}

// Fence marks the range unwritable and wakes its stream.
func (r *Range) Fence() {
	if r.writable.Swap(false) {
		r.store.logger.Warnf("%s fenced at confirm offset %d", r.name, r.confirm.Load())
	}
	r.notify()
}

// Append queues the batch for the store worker. A batch that cannot be
// queued or written fences the range.
func (r *Range) Append(batch model.RecordBatch, actx model.AppendContext) {
	task := concurrency.NewNamedTask("append", func(context.Context) error {
		r.write(batch, actx.BaseOffset)
		return nil
	})
	if err := r.store.worker.Submit(task); err != nil {
		r.store.logger.Errorf("%s rejected append at %d: %v", r.name, actx.BaseOffset, err)
		r.Fence()
	}
}

func (r *Range) write(batch model.RecordBatch, base uint64) {
	if !r.writable.Load() {
		return
	}
	confirm := r.confirm.Load()
	switch {
	case base < confirm:
		r.store.logger.Debugf("%s ignores duplicate batch at %d, confirm offset %d", r.name, base, confirm)
		return
	case base > confirm:
		r.store.logger.Errorf("%s got batch at %d past confirm offset %d", r.name, base, confirm)
		r.Fence()
		return
	}

	data := model.EncodeBatch(r.streamID, r.index, base, batch)
	pos, err := r.store.log.Append(data)
	if err != nil {
		r.store.logger.Errorf("%s wal append at %d: %v", r.name, base, err)
		r.Fence()
		return
	}
	hdr, _ := model.DecodeBatchHeader(data)
	if err := r.store.index.Index(entryFor(hdr, pos, len(data))); err != nil {
		r.store.logger.Errorf("%s index batch at %d: %v", r.name, base, err)
		r.Fence()
		return
	}
	r.store.cache.Put(model.Block{
		StreamID:   r.streamID,
		RangeIndex: r.index,
		BaseOffset: base,
		Count:      batch.Count(),
		Data:       data,
	})
	r.store.metrics.RecordWALWrite(len(data))

	r.confirm.Store(base + uint64(batch.Count()))
	r.notify()
}

// Seal stops the range at its confirm offset and records the end in the index
// and with the placement service. Sealing runs after every queued write.
func (r *Range) Seal(ctx context.Context) (uint64, error) {
	if m := r.Metadata(); m.End != nil {
		return *m.End, nil
	}
	return r.store.do(ctx, "seal", func() (uint64, error) {
		r.writable.Store(false)
		m := r.Metadata()
		if m.End != nil {
			return *m.End, nil
		}
		end := r.confirm.Load()
		if err := r.store.index.Seal(m.StreamID, m.Start, end); err != nil {
			return 0, err
		}
		sealed, err := r.store.placement.SealRange(ctx, m.WithEnd(end))
		if err != nil {
			return 0, fmt.Errorf("seal %s at %d: %w", m, end, err)
		}
		r.mu.Lock()
		r.meta = sealed
		r.mu.Unlock()
		r.store.logger.Infof("Sealed %s", sealed)
		return end, nil
	})
}

// Fetch returns whole batches covering [start, end), stopping once maxBytes
// is reached. At least one batch is returned.
func (r *Range) Fetch(ctx context.Context, start, end uint64, maxBytes uint32) (model.FetchDataset, error) {
	if err := ctx.Err(); err != nil {
		return model.FetchDataset{}, err
	}
	if confirm := r.confirm.Load(); start < r.start || end > confirm || start > end {
		return model.FetchDataset{}, &stream.Error{
			Code:    stream.CodeOffsetOutOfRangeBounds,
			Message: fmt.Sprintf("[%d, %d) outside [%d, %d)", start, end, r.start, confirm),
		}
	}
	if start == end {
		return model.FetchDataset{Kind: model.DatasetFull}, nil
	}

	var (
		ds    model.FetchDataset
		bytes int
		err   error
	)
	scanErr := r.store.index.Scan(r.streamID, start, end, func(e index.Entry) bool {
		if e.RangeIndex != r.index {
			return true
		}
		var b model.Block
		if b, err = r.block(e); err != nil {
			return false
		}
		ds.Blocks = append(ds.Blocks, b)
		bytes += len(b.Data)
		return bytes < int(maxBytes)
	})
	if scanErr != nil {
		return model.FetchDataset{}, scanErr
	}
	if err != nil {
		return model.FetchDataset{}, err
	}

	ds.Kind = model.DatasetPartial
	if ds.EndOffset(start) >= end {
		ds.Kind = model.DatasetFull
	}
	return ds, nil
}

func (r *Range) block(e index.Entry) (model.Block, error) {
	key := cache.Key{StreamID: e.StreamID, RangeIndex: e.RangeIndex, BaseOffset: e.BaseOffset}
	if b, ok := r.store.cache.Get(key); ok {
		return b, nil
	}
	data, err := r.store.log.ReadAt(wal.Position(e.WALPosition))
	if err != nil {
		return model.Block{}, fmt.Errorf("read batch %d of %s: %w", e.BaseOffset, r.name, err)
	}
	hdr, err := model.DecodeBatchHeader(data)
	if err != nil {
		return model.Block{}, err
	}
	if hdr.Checksum != e.Checksum || hdr.BaseOffset != e.BaseOffset {
		return model.Block{}, fmt.Errorf("%w: index and wal disagree at %d", model.ErrCorruptBatch, e.BaseOffset)
	}
	b := model.Block{
		StreamID:   e.StreamID,
		RangeIndex: e.RangeIndex,
		BaseOffset: e.BaseOffset,
		Count:      e.Count,
		Data:       data,
	}
	r.store.cache.Put(b)
	return b, nil
}
