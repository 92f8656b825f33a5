// Package stream implements a replicated, append-only stream on top of a
// sequence of ranges. Offsets are assigned synchronously on Append; a
// background append engine forwards batches to the writable range in offset
// order and rolls over to a new range whenever the current one is sealed.
package stream

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fluxorio/replstream/pkg/concurrency"
	"github.com/fluxorio/replstream/pkg/failfast"
	"github.com/fluxorio/replstream/pkg/log"
	"github.com/fluxorio/replstream/pkg/metrics"
	"github.com/fluxorio/replstream/pkg/model"
	"github.com/fluxorio/replstream/pkg/placement"
)

const (
	// DefaultQueueCapacity bounds the append requests waiting for the engine.
	DefaultQueueCapacity = 1024

	// DefaultRetryBackoff is the delay after a failed range create or seal.
	DefaultRetryBackoff = time.Second

	tracerName = "github.com/fluxorio/replstream/pkg/stream"
)

// Options wires a Stream to its collaborators.
type Options struct {
	Placement placement.Client
	Ranges    RangeFactory

	Logger  log.Logger
	Metrics *metrics.Metrics
	Tracer  trace.Tracer

	QueueCapacity int
	RetryBackoff  time.Duration
}

// Stream is an append-only, offset-addressed log made of ranges.
//
// At most one Stream per (id, epoch) may be open at a time; the caller is
// responsible for that.
type Stream struct {
	id    int64
	epoch uint64

	placement placement.Client
	factory   RangeFactory
	logger    log.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer

	// mu orders offset assignment with enqueueing.
	mu         sync.Mutex
	nextOffset uint64
	closed     atomic.Bool
	opened     atomic.Bool
	readOnly   atomic.Bool

	// rmu guards the directory and the last range.
	rmu  sync.RWMutex
	dir  directory
	last Range

	engine *engine
}

// New creates a stream and starts its append engine. Call Open before
// appending to a stream that already has ranges.
func New(id int64, epoch uint64, opts Options) *Stream {
	failfast.NotNil(opts.Placement, "placement client")
	failfast.NotNil(opts.Ranges, "range factory")

	if opts.Logger == nil {
		opts.Logger = log.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = DefaultQueueCapacity
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}

	s := &Stream{
		id:        id,
		epoch:     epoch,
		placement: opts.Placement,
		factory:   opts.Ranges,
		logger:    opts.Logger.Named(fmt.Sprintf("Stream[%d]", id)),
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
	}
	s.engine = newEngine(s, opts.QueueCapacity, opts.RetryBackoff)
	go s.engine.run()

	// A stream dropped without Close still stops its engine.
	runtime.AddCleanup(s, func(cancel context.CancelFunc) { cancel() }, s.engine.cancel)
	return s
}

// ID returns the stream id.
func (s *Stream) ID() int64 { return s.id }

// Epoch returns the stream epoch.
func (s *Stream) Epoch() uint64 { return s.epoch }

// Open loads the stream's ranges from the placement service and seals the
// last one, so new appends start after everything a previous owner wrote.
// Errors are returned as is; the caller retries the whole open.
func (s *Stream) Open(ctx context.Context) error {
	return s.open(ctx, "stream.Open", false)
}

// OpenReadOnly loads the stream's ranges without sealing anything, leaving a
// concurrent writer undisturbed. The stream serves Fetch only: Append fails
// with ErrUnsupported and Close seals nothing.
func (s *Stream) OpenReadOnly(ctx context.Context) error {
	return s.open(ctx, "stream.OpenReadOnly", true)
}

func (s *Stream) open(ctx context.Context, name string, readOnly bool) (err error) {
	ctx, span := s.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.Int64("stream.id", s.id),
		attribute.Int64("stream.epoch", int64(s.epoch)),
	))
	defer func() { endSpan(span, err) }()

	if s.closed.Load() {
		return ErrStreamAlreadyClosed
	}
	s.readOnly.Store(readOnly)

	metas, err := s.placement.ListRanges(ctx, s.id)
	if err != nil {
		s.logger.Errorf("List ranges failed: %v", err)
		return fmt.Errorf("list ranges of stream %d: %w", s.id, err)
	}
	// A later range sharing its start with an earlier empty one wins.
	sort.Slice(metas, func(i, j int) bool { return metas[i].Index < metas[j].Index })

	s.rmu.Lock()
	for _, meta := range metas {
		s.dir.insert(s.factory.Open(meta, false, s.ackCallback()))
	}
	last := s.dir.last()
	s.last = last
	count := s.dir.len()
	s.rmu.Unlock()

	var next uint64
	switch {
	case last != nil && readOnly:
		next = last.ConfirmOffset()
	case last != nil:
		end, err := last.Seal(ctx)
		if err != nil {
			s.logger.Errorf("Seal last range[%d] on open failed: %v", last.Metadata().Index, err)
			return fmt.Errorf("seal last range of stream %d: %w", s.id, err)
		}
		next = end
	}

	s.mu.Lock()
	s.nextOffset = next
	s.mu.Unlock()

	if s.opened.CompareAndSwap(false, true) {
		s.metrics.StreamOpened()
	}
	s.logger.Infof("Opened with range_count=%d next_offset=%d read_only=%v", count, next, readOnly)
	return nil
}

// Close fails every outstanding append with ErrStreamAlreadyClosed and seals
// the writable range. The seal is best effort: its error is returned but the
// stream is closed regardless. Close is idempotent.
func (s *Stream) Close(ctx context.Context) (err error) {
	s.mu.Lock()
	already := s.closed.Swap(true)
	s.mu.Unlock()
	if already {
		return nil
	}

	ctx, span := s.tracer.Start(ctx, "stream.Close", trace.WithAttributes(attribute.Int64("stream.id", s.id)))
	defer func() { endSpan(span, err) }()

	s.engine.shutdown()
	if err := s.engine.wait(ctx); err != nil {
		s.logger.Warnf("Append task did not exit before close deadline: %v", err)
	}

	if s.opened.CompareAndSwap(true, false) {
		s.metrics.StreamClosed()
	}

	last := s.lastRange()
	if last == nil || s.readOnly.Load() {
		s.logger.Infof("Closed")
		return nil
	}
	end, err := last.Seal(ctx)
	if err != nil {
		s.logger.Warnf("Seal range[%d] on close failed: %v", last.Metadata().Index, err)
		return fmt.Errorf("seal last range of stream %d: %w", s.id, err)
	}
	s.logger.Infof("Closed, range[%d] sealed at end_offset=%d", last.Metadata().Index, end)
	return nil
}

// StartOffset is the first offset of the stream, or 0 if it has no range.
func (s *Stream) StartOffset() uint64 {
	s.rmu.RLock()
	defer s.rmu.RUnlock()
	if first := s.dir.first(); first != nil {
		return first.StartOffset()
	}
	return 0
}

// ConfirmOffset is the confirm offset of the last range, or 0.
func (s *Stream) ConfirmOffset() uint64 {
	if last := s.lastRange(); last != nil {
		return last.ConfirmOffset()
	}
	return 0
}

// NextOffset is the exclusive end of the offsets handed out so far.
func (s *Stream) NextOffset() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextOffset
}

// Append assigns [base, base+batch.Count()) to batch and waits until the
// stream confirms it or closes. The offsets are assigned before Append
// blocks, so concurrent callers receive contiguous offsets in call order.
//
// Cancelling ctx stops the wait only; the batch stays queued and keeps its
// offsets.
func (s *Stream) Append(ctx context.Context, batch model.RecordBatch) (base uint64, err error) {
	ctx, span := s.tracer.Start(ctx, "stream.Append", trace.WithAttributes(
		attribute.Int64("stream.id", s.id),
		attribute.Int("batch.count", int(batch.Count())),
	))
	defer func() { endSpan(span, err) }()

	if batch.Count() == 0 {
		s.metrics.RecordRejected("invalid")
		return 0, errorf(CodeInvalidArgument, "empty record batch")
	}

	if s.readOnly.Load() {
		s.metrics.RecordRejected("read_only")
		return 0, errorf(CodeUnsupported, "stream %d is open read-only", s.id)
	}

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		s.metrics.RecordRejected("closed")
		return 0, ErrStreamAlreadyClosed
	}
	req := newAppendRequest(s.nextOffset, batch)
	if err := s.engine.submit(req); err != nil {
		s.mu.Unlock()
		reason := "closed"
		if errors.Is(err, concurrency.ErrMailboxFull) {
			reason = "queue_full"
		}
		s.metrics.RecordRejected(reason)
		return 0, &Error{Code: CodeStreamAlreadyClosed, Message: "append queue rejected request", Err: err}
	}
	s.nextOffset = req.endOffset()
	s.mu.Unlock()

	span.SetAttributes(attribute.Int64("append.base_offset", int64(req.baseOffset)))
	return req.promise.Await(ctx)
}

// Trim is reserved for retention and always fails with ErrUnsupported.
func (s *Stream) Trim(ctx context.Context, newStart uint64) error {
	return ErrUnsupported
}

// Status is a point-in-time view of a stream.
type Status struct {
	ID            int64                 `json:"id"`
	Epoch         uint64                `json:"epoch"`
	StartOffset   uint64                `json:"start_offset"`
	ConfirmOffset uint64                `json:"confirm_offset"`
	NextOffset    uint64                `json:"next_offset"`
	Inflight      int64                 `json:"inflight"`
	Queued        int                   `json:"queued"`
	QueueCapacity int                   `json:"queue_capacity"`
	ReadOnly      bool                  `json:"read_only"`
	Closed        bool                  `json:"closed"`
	Ranges        []model.RangeMetadata `json:"ranges"`
}

// Status returns a snapshot of the stream.
func (s *Stream) Status() Status {
	st := Status{
		ID:            s.id,
		Epoch:         s.epoch,
		NextOffset:    s.NextOffset(),
		Inflight:      s.engine.inflightCount.Load(),
		Queued:        s.engine.requests.Size(),
		QueueCapacity: s.engine.requests.Capacity(),
		ReadOnly:      s.readOnly.Load(),
		Closed:        s.closed.Load(),
	}
	s.rmu.RLock()
	ranges := s.dir.snapshot()
	s.rmu.RUnlock()
	for _, r := range ranges {
		st.Ranges = append(st.Ranges, r.Metadata())
	}
	st.StartOffset = s.StartOffset()
	st.ConfirmOffset = s.ConfirmOffset()
	return st
}

func (s *Stream) lastRange() Range {
	s.rmu.RLock()
	defer s.rmu.RUnlock()
	return s.last
}

// newRange creates range (index, start) and makes it the writable range.
func (s *Stream) newRange(ctx context.Context, index int32, start uint64) error {
	meta, err := s.factory.Create(ctx, s.id, s.epoch, index, start)
	if err != nil {
		return err
	}
	r := s.factory.Open(meta, true, s.ackCallback())

	s.rmu.Lock()
	s.dir.insert(r)
	s.last = r
	s.rmu.Unlock()

	s.logger.Infof("Create new range: %s", meta)
	return nil
}

// ackCallback wakes the engine when a range confirms more data. It holds the
// stream weakly; a collected stream turns it into a no-op.
func (s *Stream) ackCallback() func() {
	wp := weak.Make(s)
	return func() {
		if st := wp.Value(); st != nil {
			st.triggerAppend()
		}
	}
}

func (s *Stream) triggerAppend() {
	s.engine.wake()
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
