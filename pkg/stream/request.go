package stream

import (
	"time"

	"github.com/fluxorio/replstream/pkg/future"
	"github.com/fluxorio/replstream/pkg/model"
)

// appendRequest is a batch that already owns [baseOffset, baseOffset+count).
// The promise is settled exactly once, by the engine, with the base offset or
// an error.
type appendRequest struct {
	baseOffset uint64
	batch      model.RecordBatch
	promise    *future.Promise[uint64]
	enqueuedAt time.Time
}

func newAppendRequest(base uint64, batch model.RecordBatch) *appendRequest {
	return &appendRequest{
		baseOffset: base,
		batch:      batch,
		promise:    future.NewPromise[uint64](),
		enqueuedAt: time.Now(),
	}
}

func (r *appendRequest) count() uint64 {
	return uint64(r.batch.Count())
}

func (r *appendRequest) endOffset() uint64 {
	return r.baseOffset + r.count()
}

// success and fail report whether this call settled the request.
func (r *appendRequest) success() bool {
	return r.promise.TryComplete(r.baseOffset)
}

func (r *appendRequest) fail(err error) bool {
	return r.promise.TryFail(err)
}
