package model

// DatasetKind tells a fetch caller whether the requested window was covered.
type DatasetKind int

const (
	// DatasetFull covers the whole requested window.
	DatasetFull DatasetKind = iota
	// DatasetPartial covers a prefix of the window; fetch again from the
	// returned boundary.
	DatasetPartial
	// DatasetMixin carries local blocks plus references to objects that
	// must be read from object storage.
	DatasetMixin
	// DatasetOverflow means the range could not honor the byte budget.
	DatasetOverflow
)

func (k DatasetKind) String() string {
	switch k {
	case DatasetFull:
		return "full"
	case DatasetPartial:
		return "partial"
	case DatasetMixin:
		return "mixin"
	case DatasetOverflow:
		return "overflow"
	default:
		return "unknown"
	}
}

// Block is one encoded record batch returned by a fetch.
type Block struct {
	StreamID   int64
	RangeIndex int32
	BaseOffset uint64
	Count      uint32
	Data       []byte
}

// EndOffset is the exclusive end of the offsets carried by the block.
func (b Block) EndOffset() uint64 {
	return b.BaseOffset + uint64(b.Count)
}

// Batch decodes the block payload.
func (b Block) Batch() (RecordBatch, error) {
	_, batch, err := DecodeBatch(b.Data)
	return batch, err
}

// ObjectRef points at offsets that were offloaded to object storage.
type ObjectRef struct {
	Key   string
	Start uint64
	End   uint64
}

// FetchDataset is the result of a range or stream fetch.
type FetchDataset struct {
	Kind    DatasetKind
	Blocks  []Block
	Objects []ObjectRef
}

// EndOffset returns the exclusive end offset of the last block, or start if
// the dataset carries no blocks.
func (d FetchDataset) EndOffset(start uint64) uint64 {
	end := start
	for _, b := range d.Blocks {
		if e := b.EndOffset(); e > end {
			end = e
		}
	}
	for _, o := range d.Objects {
		if o.End > end {
			end = o.End
		}
	}
	return end
}

// Bytes returns the encoded size of all blocks.
func (d FetchDataset) Bytes() int {
	n := 0
	for _, b := range d.Blocks {
		n += len(b.Data)
	}
	return n
}
