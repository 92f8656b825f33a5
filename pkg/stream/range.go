package stream

import (
	"context"

	"github.com/fluxorio/replstream/pkg/model"
)

// Range is one replicated segment of a stream, served by a single replica set.
type Range interface {
	Metadata() model.RangeMetadata

	// StartOffset is the first offset the range covers.
	StartOffset() uint64

	// ConfirmOffset is the exclusive end of the offsets the range guarantees
	// durable. It only moves forward.
	ConfirmOffset() uint64

	// IsWritable turns false once the range has been sealed or fenced; the
	// append engine then rolls over to a successor.
	IsWritable() bool

	// Seal stops the range and returns its end offset. Sealing twice returns
	// the same end.
	Seal(ctx context.Context) (uint64, error)

	// Append hands a batch to the range without waiting. Progress is observed
	// through ConfirmOffset and the ack callback passed to RangeFactory.Open.
	Append(batch model.RecordBatch, actx model.AppendContext)

	// Fetch reads [start, end) bounded by maxBytes.
	Fetch(ctx context.Context, start, end uint64, maxBytes uint32) (model.FetchDataset, error)
}

// RangeFactory creates and opens ranges for a stream.
type RangeFactory interface {
	// Create registers a new range with the placement service.
	Create(ctx context.Context, streamID int64, epoch uint64, index int32, start uint64) (model.RangeMetadata, error)

	// Open returns a handle on an existing range. ack is invoked every time
	// the range confirm offset advances.
	Open(meta model.RangeMetadata, writable bool, ack func()) Range
}
