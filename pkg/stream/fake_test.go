package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fluxorio/replstream/pkg/model"
)

var errInjected = errors.New("injected failure")

// fakeRange confirms batches either immediately (auto) or when the test calls
// confirm.
type fakeRange struct {
	mu        sync.Mutex
	start     uint64
	meta      model.RangeMetadata
	written   uint64
	confirmed uint64
	writable  bool
	auto      bool
	ack       func()
	bases     []uint64

	sealFailures int
	fetchKind    model.DatasetKind
	fetches      [][2]uint64
}

func (r *fakeRange) Metadata() model.RangeMetadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.meta
}

func (r *fakeRange) StartOffset() uint64 { return r.start }

func (r *fakeRange) ConfirmOffset() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.confirmed
}

func (r *fakeRange) IsWritable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writable
}

func (r *fakeRange) Seal(ctx context.Context) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealFailures > 0 {
		r.sealFailures--
		return 0, errInjected
	}
	r.writable = false
	r.meta = r.meta.WithEnd(r.confirmed)
	return r.confirmed, nil
}

func (r *fakeRange) Append(batch model.RecordBatch, actx model.AppendContext) {
	r.mu.Lock()
	if !r.writable || actx.BaseOffset != r.written {
		r.mu.Unlock()
		return
	}
	r.bases = append(r.bases, actx.BaseOffset)
	r.written += uint64(batch.Count())
	auto := r.auto
	if auto {
		r.confirmed = r.written
	}
	ack := r.ack
	r.mu.Unlock()
	if auto && ack != nil {
		ack()
	}
}

func (r *fakeRange) Fetch(ctx context.Context, start, end uint64, maxBytes uint32) (model.FetchDataset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetches = append(r.fetches, [2]uint64{start, end})
	return model.FetchDataset{
		Kind: r.fetchKind,
		Blocks: []model.Block{{
			StreamID:   r.meta.StreamID,
			RangeIndex: r.meta.Index,
			BaseOffset: start,
			Count:      uint32(end - start),
		}},
	}, nil
}

// confirm makes everything written so far durable.
func (r *fakeRange) confirm() {
	r.mu.Lock()
	r.confirmed = r.written
	ack := r.ack
	r.mu.Unlock()
	if ack != nil {
		ack()
	}
}

func (r *fakeRange) failSeals(n int) {
	r.mu.Lock()
	r.sealFailures = n
	r.mu.Unlock()
}

func (r *fakeRange) setFetchKind(kind model.DatasetKind) {
	r.mu.Lock()
	r.fetchKind = kind
	r.mu.Unlock()
}

// fence stops the range the way a replica failure would.
func (r *fakeRange) fence() {
	r.mu.Lock()
	r.writable = false
	ack := r.ack
	r.mu.Unlock()
	if ack != nil {
		ack()
	}
}

func (r *fakeRange) appendedBases() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.bases...)
}

type fakeFactory struct {
	mu             sync.Mutex
	auto           bool
	createFailures int
	createAttempts int
	// confirmed seeds the confirm offset of unsealed ranges loaded by Open.
	confirmed    map[int32]uint64
	sealFailures int
	opened       []*fakeRange
}

func (f *fakeFactory) Create(ctx context.Context, streamID int64, epoch uint64, index int32, start uint64) (model.RangeMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createAttempts++
	if f.createFailures > 0 {
		f.createFailures--
		return model.RangeMetadata{}, errInjected
	}
	return model.RangeMetadata{StreamID: streamID, Epoch: epoch, Index: index, Start: start}, nil
}

func (f *fakeFactory) Open(meta model.RangeMetadata, writable bool, ack func()) Range {
	f.mu.Lock()
	defer f.mu.Unlock()
	confirmed := meta.Start
	if meta.End != nil {
		confirmed = *meta.End
	} else if c, ok := f.confirmed[meta.Index]; ok {
		confirmed = c
	}
	r := &fakeRange{
		start:     meta.Start,
		meta:      meta,
		written:   confirmed,
		confirmed: confirmed,
		writable:  writable,
		auto:      f.auto,
		ack:       ack,
		fetchKind: model.DatasetFull,

		sealFailures: f.sealFailures,
	}
	f.opened = append(f.opened, r)
	return r
}

func (f *fakeFactory) setAuto(auto bool) {
	f.mu.Lock()
	f.auto = auto
	f.mu.Unlock()
}

func (f *fakeFactory) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createAttempts
}

// writable returns the most recently opened writable range, or nil.
func (f *fakeFactory) writable() *fakeRange {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.opened) - 1; i >= 0; i-- {
		if f.opened[i].IsWritable() {
			return f.opened[i]
		}
	}
	return nil
}

func (f *fakeFactory) rangeAt(i int) *fakeRange {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.opened) {
		return nil
	}
	return f.opened[i]
}

type fakePlacement struct {
	ranges  []model.RangeMetadata
	listErr error
}

func (p *fakePlacement) ListRanges(ctx context.Context, streamID int64) ([]model.RangeMetadata, error) {
	if p.listErr != nil {
		return nil, p.listErr
	}
	return append([]model.RangeMetadata(nil), p.ranges...), nil
}

func (p *fakePlacement) CreateRange(ctx context.Context, streamID int64, epoch uint64, index int32, start uint64) (model.RangeMetadata, error) {
	return model.RangeMetadata{StreamID: streamID, Epoch: epoch, Index: index, Start: start}, nil
}

func (p *fakePlacement) SealRange(ctx context.Context, meta model.RangeMetadata) (model.RangeMetadata, error) {
	return meta, nil
}

func newTestStream(t *testing.T, p *fakePlacement, f *fakeFactory) *Stream {
	t.Helper()
	s := New(7, 1, Options{
		Placement:    p,
		Ranges:       f,
		RetryBackoff: 10 * time.Millisecond,
	})
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func records(n int) model.RecordBatch {
	values := make([][]byte, n)
	for i := range values {
		values[i] = []byte{byte(i)}
	}
	return model.NewRecordBatch(values...)
}

type appendResult struct {
	base uint64
	err  error
}

// appendAsync starts an append and waits until its offsets are assigned, so
// consecutive calls are issued in a known order.
func appendAsync(t *testing.T, s *Stream, n int) <-chan appendResult {
	t.Helper()
	want := s.NextOffset() + uint64(n)
	ch := make(chan appendResult, 1)
	go func() {
		base, err := s.Append(context.Background(), records(n))
		ch <- appendResult{base: base, err: err}
	}()
	waitFor(t, "offset assignment", func() bool { return s.NextOffset() == want })
	return ch
}

func receive(t *testing.T, ch <-chan appendResult) appendResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("append did not complete")
		return appendResult{}
	}
}
