package stream

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fluxorio/replstream/pkg/metrics"
	"github.com/fluxorio/replstream/pkg/model"
)

// Fetch reads [start, end) from the stream.
//
// A window inside the writable range is served by that range. A window
// starting in an older range is served by that range alone, capped at its
// confirm offset, and the result is always Partial: the caller fetches again
// from the returned end offset.
func (s *Stream) Fetch(ctx context.Context, start, end uint64, maxBytes uint32) (ds model.FetchDataset, err error) {
	ctx, span := s.tracer.Start(ctx, "stream.Fetch", trace.WithAttributes(
		attribute.Int64("stream.id", s.id),
		attribute.Int64("fetch.start", int64(start)),
		attribute.Int64("fetch.end", int64(end)),
	))
	path := "fast"
	defer func() {
		result := metrics.ResultOK
		if err != nil {
			result = metrics.ResultError
		}
		s.metrics.RecordFetch(path, result)
		endSpan(span, err)
	}()

	if s.closed.Load() {
		return model.FetchDataset{}, ErrStreamAlreadyClosed
	}
	if start == end {
		path = "empty"
		return model.FetchDataset{Kind: model.DatasetPartial}, nil
	}
	if start > end {
		return model.FetchDataset{}, errorf(CodeInvalidArgument, "fetch start %d is after end %d", start, end)
	}

	last := s.lastRange()
	if last == nil {
		return model.FetchDataset{}, errorf(CodeOffsetOutOfRangeBounds, "stream has no range")
	}
	if confirm := last.ConfirmOffset(); confirm < end {
		return model.FetchDataset{}, errorf(CodeOffsetOutOfRangeBounds, "fetch end %d beyond confirm offset %d", end, confirm)
	}

	if last.StartOffset() <= start {
		return last.Fetch(ctx, start, end, maxBytes)
	}

	path = "slow"
	s.rmu.RLock()
	r := s.dir.floor(start)
	s.rmu.RUnlock()
	if r == nil || r.StartOffset() > start {
		return model.FetchDataset{}, errorf(CodeOffsetOutOfRangeBounds, "no range covers offset %d", start)
	}

	capped := min(end, r.ConfirmOffset())
	ds, err = r.Fetch(ctx, start, capped, maxBytes)
	if err != nil {
		return model.FetchDataset{}, err
	}
	switch ds.Kind {
	case model.DatasetFull:
		ds.Kind = model.DatasetPartial
		return ds, nil
	case model.DatasetPartial, model.DatasetMixin:
		return ds, nil
	default:
		s.logger.Errorf("Range[%d] returned %s dataset for [%d, %d)", r.Metadata().Index, ds.Kind, start, capped)
		return model.FetchDataset{}, errorf(CodeUnexpected, "range returned %s dataset", ds.Kind)
	}
}
