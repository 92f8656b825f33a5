package model

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Record is a single entry of a record batch.
type Record struct {
	Key       []byte
	Value     []byte
	Timestamp int64
}

// RecordBatch is the unit of append. Each record owns one offset, so a batch
// appended at base offset B covers [B, B+Count()).
type RecordBatch struct {
	Records []Record
}

// NewRecordBatch builds a batch with one record per value.
func NewRecordBatch(values ...[]byte) RecordBatch {
	recs := make([]Record, len(values))
	for i, v := range values {
		recs[i] = Record{Value: v}
	}
	return RecordBatch{Records: recs}
}

// Count returns the number of offsets the batch occupies.
func (b RecordBatch) Count() uint32 {
	return uint32(len(b.Records))
}

// Size returns the payload size of the batch in bytes.
func (b RecordBatch) Size() int {
	n := 0
	for _, r := range b.Records {
		n += len(r.Key) + len(r.Value)
	}
	return n
}

// AppendContext travels with a batch handed to a range.
type AppendContext struct {
	BaseOffset uint64
}

var (
	// ErrCorruptBatch is returned when an encoded batch fails validation.
	ErrCorruptBatch = errors.New("model: corrupt record batch")
)

const (
	batchMagic      = byte(0xB1)
	batchHeaderSize = 1 + 8 + 4 + 8 + 4 + 8 // magic, stream, range, base, count, checksum
)

// EncodeBatch serializes a batch together with its placement.
//
// Layout (big endian):
//
//	[magic u8][stream i64][range i32][base u64][count u32][xxhash u64]
//	count * ([ts i64][klen u32][key][vlen u32][value])
//
// The checksum covers everything after the header.
func EncodeBatch(streamID int64, rangeIndex int32, base uint64, batch RecordBatch) []byte {
	size := batchHeaderSize
	for _, r := range batch.Records {
		size += 8 + 4 + len(r.Key) + 4 + len(r.Value)
	}
	buf := make([]byte, size)
	buf[0] = batchMagic
	binary.BigEndian.PutUint64(buf[1:9], uint64(streamID))
	binary.BigEndian.PutUint32(buf[9:13], uint32(rangeIndex))
	binary.BigEndian.PutUint64(buf[13:21], base)
	binary.BigEndian.PutUint32(buf[21:25], batch.Count())

	pos := batchHeaderSize
	for _, r := range batch.Records {
		binary.BigEndian.PutUint64(buf[pos:], uint64(r.Timestamp))
		pos += 8
		binary.BigEndian.PutUint32(buf[pos:], uint32(len(r.Key)))
		pos += 4
		pos += copy(buf[pos:], r.Key)
		binary.BigEndian.PutUint32(buf[pos:], uint32(len(r.Value)))
		pos += 4
		pos += copy(buf[pos:], r.Value)
	}
	binary.BigEndian.PutUint64(buf[25:33], xxhash.Sum64(buf[batchHeaderSize:]))
	return buf
}

// BatchHeader is the fixed prefix of an encoded batch.
type BatchHeader struct {
	StreamID   int64
	RangeIndex int32
	BaseOffset uint64
	Count      uint32
	Checksum   uint64
}

// DecodeBatchHeader parses the header without validating the body.
func DecodeBatchHeader(data []byte) (BatchHeader, error) {
	if len(data) < batchHeaderSize || data[0] != batchMagic {
		return BatchHeader{}, ErrCorruptBatch
	}
	return BatchHeader{
		StreamID:   int64(binary.BigEndian.Uint64(data[1:9])),
		RangeIndex: int32(binary.BigEndian.Uint32(data[9:13])),
		BaseOffset: binary.BigEndian.Uint64(data[13:21]),
		Count:      binary.BigEndian.Uint32(data[21:25]),
		Checksum:   binary.BigEndian.Uint64(data[25:33]),
	}, nil
}

// DecodeBatch validates and parses an encoded batch.
func DecodeBatch(data []byte) (BatchHeader, RecordBatch, error) {
	hdr, err := DecodeBatchHeader(data)
	if err != nil {
		return hdr, RecordBatch{}, err
	}
	body := data[batchHeaderSize:]
	if xxhash.Sum64(body) != hdr.Checksum {
		return hdr, RecordBatch{}, fmt.Errorf("%w: checksum mismatch at base %d", ErrCorruptBatch, hdr.BaseOffset)
	}

	recs := make([]Record, 0, hdr.Count)
	pos := 0
	for i := uint32(0); i < hdr.Count; i++ {
		if len(body)-pos < 12 {
			return hdr, RecordBatch{}, ErrCorruptBatch
		}
		ts := int64(binary.BigEndian.Uint64(body[pos:]))
		pos += 8
		klen := int(binary.BigEndian.Uint32(body[pos:]))
		pos += 4
		if len(body)-pos < klen+4 {
			return hdr, RecordBatch{}, ErrCorruptBatch
		}
		key := body[pos : pos+klen]
		pos += klen
		vlen := int(binary.BigEndian.Uint32(body[pos:]))
		pos += 4
		if len(body)-pos < vlen {
			return hdr, RecordBatch{}, ErrCorruptBatch
		}
		val := body[pos : pos+vlen]
		pos += vlen
		recs = append(recs, Record{Key: key, Value: val, Timestamp: ts})
	}
	return hdr, RecordBatch{Records: recs}, nil
}
