// Package placement is the client side of the metadata service that records
// which ranges make up a stream and where they live.
package placement

import (
	"context"
	"errors"
	"time"

	"github.com/fluxorio/replstream/pkg/metrics"
	"github.com/fluxorio/replstream/pkg/model"
)

var (
	// ErrRangeExists is returned when creating a range whose index is taken.
	ErrRangeExists = errors.New("placement: range already exists")

	// ErrRangeNotFound is returned when sealing an unknown range.
	ErrRangeNotFound = errors.New("placement: range not found")

	// ErrConflict is returned when a seal disagrees with a recorded end offset,
	// or a create does not start where the previous range ends.
	ErrConflict = errors.New("placement: conflicting range state")
)

// Client talks to the placement service.
type Client interface {
	// ListRanges returns every known range of the stream, in no particular
	// order.
	ListRanges(ctx context.Context, streamID int64) ([]model.RangeMetadata, error)

	// CreateRange records a new open range.
	CreateRange(ctx context.Context, streamID int64, epoch uint64, index int32, start uint64) (model.RangeMetadata, error)

	// SealRange records the end offset of meta. Sealing an already sealed
	// range with the same end is a no-op.
	SealRange(ctx context.Context, meta model.RangeMetadata) (model.RangeMetadata, error)
}

// Instrument wraps c so every call is recorded on m.
func Instrument(c Client, m *metrics.Metrics) Client {
	if m == nil {
		return c
	}
	return &instrumented{next: c, metrics: m}
}

type instrumented struct {
	next    Client
	metrics *metrics.Metrics
}

func (i *instrumented) ListRanges(ctx context.Context, streamID int64) ([]model.RangeMetadata, error) {
	start := time.Now()
	ranges, err := i.next.ListRanges(ctx, streamID)
	i.metrics.RecordPlacement("list", err, time.Since(start))
	return ranges, err
}

func (i *instrumented) CreateRange(ctx context.Context, streamID int64, epoch uint64, index int32, start uint64) (model.RangeMetadata, error) {
	begin := time.Now()
	meta, err := i.next.CreateRange(ctx, streamID, epoch, index, start)
	i.metrics.RecordPlacement("create", err, time.Since(begin))
	return meta, err
}

func (i *instrumented) SealRange(ctx context.Context, meta model.RangeMetadata) (model.RangeMetadata, error) {
	start := time.Now()
	sealed, err := i.next.SealRange(ctx, meta)
	i.metrics.RecordPlacement("seal", err, time.Since(start))
	return sealed, err
}

// validateCreate checks a create against the ranges already recorded.
func validateCreate(existing []model.RangeMetadata, index int32, start uint64) error {
	for _, r := range existing {
		if r.Index == index {
			return ErrRangeExists
		}
	}
	if len(existing) == 0 {
		return nil
	}
	last := existing[0]
	for _, r := range existing[1:] {
		if r.Index > last.Index {
			last = r
		}
	}
	if index < last.Index {
		return ErrConflict
	}
	if last.End != nil && *last.End != start {
		return ErrConflict
	}
	return nil
}
