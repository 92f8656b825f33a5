// Package index is the node-local persistent index over the write-ahead log.
//
// Keyspace:
//
//	i|<stream>|<base offset>  -> batch location in the WAL
//	r|<stream>|<start offset> -> range metadata and seal status
//	m|wal_checkpoint          -> WAL position replay resumes from
//	m|node_id                 -> identity of this node
package index

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/fluxorio/replstream/pkg/log"
	"github.com/fluxorio/replstream/pkg/model"
)

// Options configures an Index.
type Options struct {
	Dir string

	// Sync makes every metadata write wait for the pebble WAL fsync. Batch
	// entries are always written without sync; they are rebuilt from the
	// replication WAL on restart.
	Sync bool

	// PebbleOptions allows advanced tuning. If nil, defaults are used.
	PebbleOptions *pebble.Options

	// Logger receives pebble's own messages at debug level unless
	// PebbleOptions already carries a logger.
	Logger log.Logger
}

// Entry locates one record batch in the WAL.
type Entry struct {
	StreamID    int64
	RangeIndex  int32
	BaseOffset  uint64
	Count       uint32
	WALPosition uint64
	Length      uint32
	Checksum    uint64
}

// EndOffset is the exclusive end of the batch.
func (e Entry) EndOffset() uint64 {
	return e.BaseOffset + uint64(e.Count)
}

var ErrCorruptValue = errors.New("index: corrupt value")

// Index wraps a pebble database.
type Index struct {
	db       *pebble.DB
	metaSync *pebble.WriteOptions
}

// Open creates or opens the index in opts.Dir.
func Open(opts Options) (*Index, error) {
	if opts.Dir == "" {
		return nil, errors.New("index: Options.Dir is required")
	}
	db, err := pebble.Open(opts.Dir, pebbleOptions(opts))
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	metaSync := pebble.NoSync
	if opts.Sync {
		metaSync = pebble.Sync
	}
	return &Index{db: db, metaSync: metaSync}, nil
}

func pebbleOptions(opts Options) *pebble.Options {
	po := &pebble.Options{}
	if opts.PebbleOptions != nil {
		po = opts.PebbleOptions.Clone()
	}
	if po.Logger == nil && opts.Logger != nil {
		po.Logger = pebbleLogger{opts.Logger.Named("pebble")}
	}
	return po
}

// pebbleLogger adapts log.Logger to pebble.Logger.
type pebbleLogger struct {
	l log.Logger
}

func (p pebbleLogger) Infof(format string, args ...interface{}) {
	p.l.Debugf(format, args...)
}

// Fatalf must not return.
func (p pebbleLogger) Fatalf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	p.l.Error(msg)
	panic(msg)
}

func (x *Index) Close() error {
	if x == nil || x.db == nil {
		return nil
	}
	return x.db.Close()
}

// Keys.

var (
	entryPrefix      = []byte("i|")
	rangePrefix      = []byte("r|")
	walCheckpointKey = []byte("m|wal_checkpoint")
	nodeIDKey        = []byte("m|node_id")
)

// streamBytes flips the sign bit so negative ids sort before positive ones.
func streamBytes(streamID int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(streamID)^(1<<63))
	return b[:]
}

func streamFromBytes(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b) ^ (1 << 63))
}

func streamPrefix(prefix []byte, streamID int64) []byte {
	k := make([]byte, 0, len(prefix)+9)
	k = append(k, prefix...)
	k = append(k, streamBytes(streamID)...)
	return append(k, '|')
}

func offsetKey(prefix []byte, streamID int64, offset uint64) []byte {
	k := streamPrefix(prefix, streamID)
	return binary.BigEndian.AppendUint64(k, offset)
}

// upperBound returns the smallest key greater than every key with prefix p.
func upperBound(p []byte) []byte {
	end := bytes.Clone(p)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Batch entries.

const entryValueSize = 8 + 4 + 4 + 4 + 8

func encodeEntry(e Entry) []byte {
	v := make([]byte, entryValueSize)
	binary.BigEndian.PutUint64(v[0:8], e.WALPosition)
	binary.BigEndian.PutUint32(v[8:12], e.Length)
	binary.BigEndian.PutUint32(v[12:16], e.Count)
	binary.BigEndian.PutUint32(v[16:20], uint32(e.RangeIndex))
	binary.BigEndian.PutUint64(v[20:28], e.Checksum)
	return v
}

func decodeEntry(key, v []byte) (Entry, error) {
	if len(v) != entryValueSize || len(key) != len(entryPrefix)+9+8 {
		return Entry{}, ErrCorruptValue
	}
	return Entry{
		StreamID:    streamFromBytes(key[len(entryPrefix):]),
		BaseOffset:  binary.BigEndian.Uint64(key[len(key)-8:]),
		WALPosition: binary.BigEndian.Uint64(v[0:8]),
		Length:      binary.BigEndian.Uint32(v[8:12]),
		Count:       binary.BigEndian.Uint32(v[12:16]),
		RangeIndex:  int32(binary.BigEndian.Uint32(v[16:20])),
		Checksum:    binary.BigEndian.Uint64(v[20:28]),
	}, nil
}

// Index records the WAL location of a batch.
func (x *Index) Index(e Entry) error {
	return x.db.Set(offsetKey(entryPrefix, e.StreamID, e.BaseOffset), encodeEntry(e), pebble.NoSync)
}

// Lookup returns the batch with the greatest base offset <= offset.
func (x *Index) Lookup(streamID int64, offset uint64) (Entry, bool, error) {
	lower := streamPrefix(entryPrefix, streamID)
	iter, err := x.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upperBound(lower)})
	if err != nil {
		return Entry{}, false, err
	}
	defer iter.Close()

	var found bool
	if offset == ^uint64(0) {
		found = iter.Last()
	} else {
		found = iter.SeekLT(offsetKey(entryPrefix, streamID, offset+1))
	}
	if !found {
		return Entry{}, false, iter.Error()
	}
	e, err := decodeEntry(iter.Key(), iter.Value())
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// Scan calls fn for every batch overlapping [from, to) in offset order until
// fn returns false.
func (x *Index) Scan(streamID int64, from, to uint64, fn func(Entry) bool) error {
	start := from
	if e, ok, err := x.Lookup(streamID, from); err != nil {
		return err
	} else if ok && e.EndOffset() > from {
		start = e.BaseOffset
	}

	lower := streamPrefix(entryPrefix, streamID)
	iter, err := x.db.NewIter(&pebble.IterOptions{
		LowerBound: offsetKey(entryPrefix, streamID, start),
		UpperBound: upperBound(lower),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		e, err := decodeEntry(iter.Key(), iter.Value())
		if err != nil {
			return err
		}
		if e.BaseOffset >= to {
			break
		}
		if !fn(e) {
			break
		}
	}
	return iter.Error()
}

// Range metadata.

const (
	statusOpen   = byte(0)
	statusSealed = byte(1)
)

// value: [index i32][epoch u64][status u8][end u64]?
func encodeRange(m model.RangeMetadata) []byte {
	v := make([]byte, 4+8+1, 4+8+1+8)
	binary.BigEndian.PutUint32(v[0:4], uint32(m.Index))
	binary.BigEndian.PutUint64(v[4:12], m.Epoch)
	v[12] = statusOpen
	if m.End != nil {
		v[12] = statusSealed
		v = binary.BigEndian.AppendUint64(v, *m.End)
	}
	return v
}

func decodeRange(key, v []byte) (model.RangeMetadata, error) {
	if len(key) != len(rangePrefix)+9+8 || len(v) < 13 {
		return model.RangeMetadata{}, ErrCorruptValue
	}
	m := model.RangeMetadata{
		StreamID: streamFromBytes(key[len(rangePrefix):]),
		Start:    binary.BigEndian.Uint64(key[len(key)-8:]),
		Index:    int32(binary.BigEndian.Uint32(v[0:4])),
		Epoch:    binary.BigEndian.Uint64(v[4:12]),
	}
	switch v[12] {
	case statusOpen:
	case statusSealed:
		if len(v) != 21 {
			return model.RangeMetadata{}, ErrCorruptValue
		}
		m = m.WithEnd(binary.BigEndian.Uint64(v[13:21]))
	default:
		return model.RangeMetadata{}, ErrCorruptValue
	}
	return m, nil
}

// Add records a range hosted by this node.
func (x *Index) Add(m model.RangeMetadata) error {
	return x.db.Set(offsetKey(rangePrefix, m.StreamID, m.Start), encodeRange(m), x.metaSync)
}

// Seal marks the range starting at start as sealed at end.
func (x *Index) Seal(streamID int64, start, end uint64) error {
	key := offsetKey(rangePrefix, streamID, start)
	v, closer, err := x.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("index: no range of stream %d at %d", streamID, start)
	}
	if err != nil {
		return err
	}
	m, err := decodeRange(key, v)
	closer.Close()
	if err != nil {
		return err
	}
	return x.db.Set(key, encodeRange(m.WithEnd(end)), x.metaSync)
}

// ListByStream returns the ranges of one stream ordered by start offset.
func (x *Index) ListByStream(streamID int64) ([]model.RangeMetadata, error) {
	lower := streamPrefix(rangePrefix, streamID)
	return x.listRanges(lower, upperBound(lower))
}

// List returns every range recorded on this node.
func (x *Index) List() ([]model.RangeMetadata, error) {
	return x.listRanges(rangePrefix, upperBound(rangePrefix))
}

func (x *Index) listRanges(lower, upper []byte) ([]model.RangeMetadata, error) {
	iter, err := x.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []model.RangeMetadata
	for iter.First(); iter.Valid(); iter.Next() {
		m, err := decodeRange(iter.Key(), iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, iter.Error()
}

// Node metadata.

func (x *Index) getUint64(key []byte) (uint64, bool, error) {
	v, closer, err := x.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	defer closer.Close()
	if len(v) != 8 {
		return 0, false, ErrCorruptValue
	}
	return binary.BigEndian.Uint64(v), true, nil
}

// WALCheckpoint returns the WAL position below which every batch is indexed.
func (x *Index) WALCheckpoint() (uint64, error) {
	pos, _, err := x.getUint64(walCheckpointKey)
	return pos, err
}

// AdvanceWALCheckpoint moves the checkpoint forward. Lower positions are
// ignored.
func (x *Index) AdvanceWALCheckpoint(pos uint64) error {
	cur, ok, err := x.getUint64(walCheckpointKey)
	if err != nil {
		return err
	}
	if ok && pos <= cur {
		return nil
	}
	return x.db.Set(walCheckpointKey, binary.BigEndian.AppendUint64(nil, pos), pebble.Sync)
}

// NodeID returns the persisted node id, or "" if none was set.
func (x *Index) NodeID() (string, error) {
	v, closer, err := x.db.Get(nodeIDKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer closer.Close()
	return string(v), nil
}

func (x *Index) SetNodeID(id string) error {
	return x.db.Set(nodeIDKey, []byte(id), pebble.Sync)
}

// Flush persists memtables so that the checkpoint can move past them.
func (x *Index) Flush() error {
	return x.db.Flush()
}

// CompactResult reports what Compact removed.
type CompactResult struct {
	// Entries is the number of batch entries removed.
	Entries int
	// Ranges is the number of sealed range records removed.
	Ranges int
	// Watermark is the WAL position actually compacted below. It is lower
	// than the requested one when an open range still owns older entries.
	Watermark uint64
}

// Compact deletes batch entries whose WAL position is below minWAL, then the
// sealed range records ending at or below the first offset still indexed for
// their stream. The watermark never passes the first entry of an open range,
// whose confirm offset is rebuilt from its entries on restart.
func (x *Index) Compact(minWAL uint64) (CompactResult, error) {
	res := CompactResult{Watermark: minWAL}
	ranges, err := x.List()
	if err != nil {
		return res, err
	}
	for _, m := range ranges {
		if m.Sealed() {
			continue
		}
		first, ok, err := x.firstEntryOf(m)
		if err != nil {
			return res, err
		}
		if ok && first.WALPosition < res.Watermark {
			res.Watermark = first.WALPosition
		}
	}

	lower, upper := entryPrefix, upperBound(entryPrefix)
	iter, err := x.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return res, err
	}

	b := x.db.NewBatch()
	defer b.Close()
	// First surviving base offset per stream; keys are ordered by stream
	// then offset.
	floor := make(map[int64]uint64)
	for iter.First(); iter.Valid(); iter.Next() {
		e, err := decodeEntry(iter.Key(), iter.Value())
		if err != nil {
			iter.Close()
			return res, err
		}
		if e.WALPosition >= res.Watermark {
			if _, seen := floor[e.StreamID]; !seen {
				floor[e.StreamID] = e.BaseOffset
			}
			continue
		}
		if err := b.Delete(bytes.Clone(iter.Key()), nil); err != nil {
			iter.Close()
			return res, err
		}
		res.Entries++
	}
	if err := iter.Close(); err != nil {
		return res, err
	}

	for _, m := range ranges {
		if !m.Sealed() {
			continue
		}
		if first, ok := floor[m.StreamID]; ok && *m.End > first {
			continue
		}
		if err := b.Delete(offsetKey(rangePrefix, m.StreamID, m.Start), nil); err != nil {
			return res, err
		}
		res.Ranges++
	}

	if res.Entries == 0 && res.Ranges == 0 {
		return res, nil
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return res, err
	}
	if err := x.db.Compact(lower, upper, true); err != nil {
		return res, err
	}
	return res, x.db.Compact(rangePrefix, upperBound(rangePrefix), true)
}

// firstEntryOf returns the lowest indexed batch of range m.
func (x *Index) firstEntryOf(m model.RangeMetadata) (Entry, bool, error) {
	var (
		first Entry
		found bool
	)
	err := x.Scan(m.StreamID, m.Start, ^uint64(0), func(e Entry) bool {
		if e.RangeIndex != m.Index {
			return true
		}
		first, found = e, true
		return false
	})
	return first, found, err
}

// LastEntryOf returns the highest indexed batch of range m.
func (x *Index) LastEntryOf(m model.RangeMetadata) (Entry, bool, error) {
	var (
		last  Entry
		found bool
	)
	err := x.Scan(m.StreamID, m.Start, ^uint64(0), func(e Entry) bool {
		if e.RangeIndex == m.Index && (!found || e.BaseOffset > last.BaseOffset) {
			last, found = e, true
		}
		return true
	})
	return last, found, err
}
