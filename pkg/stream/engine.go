package stream

import (
	"context"
	"sort"
	"sync/atomic"
	"time"
	"weak"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fluxorio/replstream/pkg/concurrency"
	"github.com/fluxorio/replstream/pkg/failfast"
	"github.com/fluxorio/replstream/pkg/log"
	"github.com/fluxorio/replstream/pkg/metrics"
	"github.com/fluxorio/replstream/pkg/model"
)

type eventKind int

const (
	eventRequestArrived eventKind = iota
	eventWake
	eventShutdown
)

func (k eventKind) String() string {
	switch k {
	case eventRequestArrived:
		return "request"
	case eventWake:
		return "wake"
	case eventShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

type event struct {
	kind eventKind
	req  *appendRequest
}

// maxBatchedRequests bounds how many queued requests one iteration pulls in.
const maxBatchedRequests = 256

// engine is the per-stream append task. It owns the in-flight table and the
// write cursor; everything else it reaches through a weak pointer to the
// stream, resolved once per event.
type engine struct {
	stream  weak.Pointer[Stream]
	id      int64
	logger  log.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	backoff time.Duration

	requests *concurrency.Mailbox[*appendRequest]
	wakeCh   chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}

	inflight        []*appendRequest
	nextAppendStart uint64
	inflightCount   atomic.Int64
}

func newEngine(s *Stream, capacity int, backoff time.Duration) *engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &engine{
		stream:   weak.Make(s),
		id:       s.id,
		logger:   s.logger,
		metrics:  s.metrics,
		tracer:   s.tracer,
		backoff:  backoff,
		requests: concurrency.NewMailbox[*appendRequest](capacity),
		wakeCh:   make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// submit queues req without blocking.
func (e *engine) submit(req *appendRequest) error {
	return e.requests.Send(req)
}

// wake schedules another iteration. Wakes coalesce.
func (e *engine) wake() {
	select {
	case e.wakeCh <- struct{}{}:
	default:
	}
}

func (e *engine) shutdown() {
	e.cancel()
}

// wait blocks until the engine has terminated or ctx is done.
func (e *engine) wait(ctx context.Context) error {
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *engine) next() event {
	select {
	case req, ok := <-e.requests.Ready():
		if !ok {
			return event{kind: eventShutdown}
		}
		return event{kind: eventRequestArrived, req: req}
	case <-e.wakeCh:
		return event{kind: eventWake}
	case <-e.ctx.Done():
		return event{kind: eventShutdown}
	}
}

func (e *engine) run() {
	defer close(e.done)
	for {
		ev := e.next()
		if ev.kind == eventRequestArrived {
			e.insert(ev.req)
			for i := 0; i < maxBatchedRequests; i++ {
				req, ok := e.requests.TryReceive()
				if !ok {
					break
				}
				e.insert(req)
			}
		}

		s := e.stream.Value()
		switch {
		case s == nil:
			e.terminate("stream released")
			return
		case ev.kind == eventShutdown || s.closed.Load():
			e.terminate("stream closed")
			return
		}
		e.step(s)
		e.publishInflight()
	}
}

func (e *engine) step(s *Stream) {
	if s.readOnly.Load() {
		return
	}
	last := s.lastRange()
	if last == nil {
		e.logger.Infof("No range yet, creating range 0 at offset 0")
		if err := s.newRange(e.ctx, 0, 0); err != nil {
			e.metrics.RecordRangeFailure("create")
			e.logger.Errorf("Create first range failed, retry in %s: %v", e.backoff, err)
			e.sleep()
		}
		e.wake()
		return
	}

	meta := last.Metadata()
	if !last.IsWritable() {
		e.rollover(s, last, meta)
		e.wake()
		return
	}

	if len(e.inflight) == 0 {
		return
	}

	confirm := last.ConfirmOffset()
	retired := 0
	for retired < len(e.inflight) && e.inflight[retired].baseOffset < confirm {
		req := e.inflight[retired]
		if req.success() {
			e.metrics.RecordAppend(metrics.ResultOK, time.Since(req.enqueuedAt))
		}
		e.logger.Tracef("Ack append request with base_offset=%d, confirm_offset=%d", req.baseOffset, confirm)
		retired++
	}
	if retired > 0 {
		clear(e.inflight[:retired])
		e.inflight = e.inflight[retired:]
	}

	i := e.lowerBound(e.nextAppendStart)
	for ; i < len(e.inflight); i++ {
		req := e.inflight[i]
		if req.baseOffset != e.nextAppendStart {
			e.logger.Warnf("Hold append request with base_offset=%d, write cursor at %d", req.baseOffset, e.nextAppendStart)
			break
		}
		last.Append(req.batch, model.AppendContext{BaseOffset: req.baseOffset})
		e.logger.Tracef("Append request with base_offset=%d to range[%d]", req.baseOffset, meta.Index)
		e.nextAppendStart = req.endOffset()
	}
}

// rollover seals a range that stopped accepting writes and creates its
// successor at the sealed end offset.
func (e *engine) rollover(s *Stream, last Range, meta model.RangeMetadata) {
	ctx, span := e.tracer.Start(e.ctx, "stream.rollover", trace.WithAttributes(
		attribute.Int64("stream.id", e.id),
		attribute.Int("range.index", int(meta.Index)),
	))
	defer span.End()

	e.logger.Infof("Last range[%d] is not writable, rolling over", meta.Index)
	end, err := last.Seal(ctx)
	if err != nil {
		span.RecordError(err)
		e.metrics.RecordRangeFailure("seal")
		e.logger.Errorf("Seal of range[%d] failed, retry in %s: %v", meta.Index, e.backoff, err)
		e.sleep()
		return
	}
	e.logger.Infof("Sealed range[%d] with end_offset=%d", meta.Index, end)
	e.nextAppendStart = end

	if err := s.newRange(ctx, meta.Index+1, end); err != nil {
		span.RecordError(err)
		e.metrics.RecordRangeFailure("create")
		e.logger.Errorf("Create successor range failed, retry in %s: %v", e.backoff, err)
		e.sleep()
		return
	}
	failfast.Contiguous(end, s.lastRange().StartOffset(), "successor range")
	e.metrics.RecordRollover(e.id)
}

func (e *engine) sleep() {
	t := time.NewTimer(e.backoff)
	defer t.Stop()
	select {
	case <-t.C:
	case <-e.ctx.Done():
	}
}

// terminate fails every request the engine still knows about, including the
// ones buffered in the queue.
func (e *engine) terminate(reason string) {
	failed := 0
	for _, req := range e.inflight {
		if req.fail(ErrStreamAlreadyClosed) {
			e.metrics.RecordAppend(metrics.ResultClosed, time.Since(req.enqueuedAt))
			failed++
		}
	}
	e.inflight = nil

	failed += e.requests.Drain(func(req *appendRequest) {
		if req.fail(ErrStreamAlreadyClosed) {
			e.metrics.RecordAppend(metrics.ResultClosed, time.Since(req.enqueuedAt))
		}
	})
	e.publishInflight()
	e.logger.Infof("Append task exits, %s, quick fail %d append requests", reason, failed)
}

func (e *engine) insert(req *appendRequest) {
	n := len(e.inflight)
	if n == 0 || e.inflight[n-1].baseOffset < req.baseOffset {
		e.inflight = append(e.inflight, req)
		return
	}
	i := e.lowerBound(req.baseOffset)
	e.inflight = append(e.inflight, nil)
	copy(e.inflight[i+1:], e.inflight[i:])
	e.inflight[i] = req
}

// lowerBound returns the index of the first request with base >= offset.
func (e *engine) lowerBound(offset uint64) int {
	return sort.Search(len(e.inflight), func(i int) bool {
		return e.inflight[i].baseOffset >= offset
	})
}

func (e *engine) publishInflight() {
	e.inflightCount.Store(int64(len(e.inflight)))
	e.metrics.SetInflight(e.id, len(e.inflight))
}
