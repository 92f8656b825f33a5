// Package wal is a segmented write-ahead log. Records are addressed by their
// byte position in the log; segment files are named after the position of
// their first frame so positions stay stable across rotation and truncation.
package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// Position is the byte offset of a frame in the log.
type Position uint64

// Durability specifies when Append returns.
type Durability int

const (
	// DurabilityMemory returns once the frame is handed to the OS.
	DurabilityMemory Durability = iota
	// DurabilityFsync returns after the active segment is fsync'd.
	DurabilityFsync
)

// ParseDurability maps "memory" and "fsync" to a Durability.
func ParseDurability(s string) (Durability, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "memory":
		return DurabilityMemory, nil
	case "fsync":
		return DurabilityFsync, nil
	}
	return 0, fmt.Errorf("unknown durability %q", s)
}

// Config configures a Log.
type Config struct {
	Dir string

	// MaxSegmentBytes triggers rotation when the active segment would exceed it.
	MaxSegmentBytes int64

	Durability Durability
}

// DefaultConfig returns a 64MB segment, memory durability config.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:             dir,
		MaxSegmentBytes: 64 << 20,
		Durability:      DurabilityMemory,
	}
}

// Stats exposes log counters.
type Stats struct {
	Segments        int
	WrittenBytes    int64
	AppendedRecords int64
	// TruncatedBytes counts torn tail bytes dropped during recovery.
	TruncatedBytes int64
	Next           Position
}

var (
	ErrClosed      = errors.New("wal: closed")
	ErrInvalidData = errors.New("wal: empty record")
	ErrCorrupt     = errors.New("wal: corrupt frame")
	ErrNotFound    = errors.New("wal: no frame at position")
)

// Frame layout (big endian): [len u32][xxhash u64][data].
const frameHeaderSize = 4 + 8

type segment struct {
	base Position
	path string
	file *os.File
	size int64
}

func (s *segment) end() Position {
	return s.base + Position(s.size)
}

// Log is safe for concurrent use. Appends are serialized; reads run in
// parallel with them.
type Log struct {
	cfg Config

	mu       sync.RWMutex
	closed   bool
	segments []*segment // sorted by base; the last one is active

	writtenBytes    atomic.Int64
	appendedRecords atomic.Int64
	truncatedBytes  atomic.Int64
}

// Open opens or creates the log in cfg.Dir. A torn or corrupt tail in the
// last segment is truncated away.
func Open(cfg Config) (*Log, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("dir is required")
	}
	if cfg.MaxSegmentBytes <= 0 {
		cfg.MaxSegmentBytes = 64 << 20
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}

	l := &Log{cfg: cfg}
	if err := l.recover(); err != nil {
		_ = l.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) recover() error {
	bases, err := listSegments(l.cfg.Dir)
	if err != nil {
		return err
	}
	if len(bases) == 0 {
		seg, err := openSegment(l.cfg.Dir, 0)
		if err != nil {
			return err
		}
		l.segments = []*segment{seg}
		return nil
	}
	for _, base := range bases {
		seg, err := openSegment(l.cfg.Dir, base)
		if err != nil {
			return err
		}
		l.segments = append(l.segments, seg)
	}

	active := l.segments[len(l.segments)-1]
	valid, err := scanValid(active.file, active.size)
	if err != nil {
		return err
	}
	if valid < active.size {
		if err := active.file.Truncate(valid); err != nil {
			return err
		}
		l.truncatedBytes.Add(active.size - valid)
		active.size = valid
	}
	return nil
}

func segmentPath(dir string, base Position) string {
	return filepath.Join(dir, fmt.Sprintf("%020d.wal", uint64(base)))
}

func openSegment(dir string, base Position) (*segment, error) {
	path := segmentPath(dir, base)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &segment{base: base, path: path, file: f, size: st.Size()}, nil
}

func listSegments(dir string) ([]Position, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var bases []Position
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".wal") {
			continue
		}
		base, err := strconv.ParseUint(strings.TrimSuffix(name, ".wal"), 10, 64)
		if err != nil {
			continue
		}
		bases = append(bases, Position(base))
	}
	sort.Slice(bases, func(i, j int) bool { return bases[i] < bases[j] })
	return bases, nil
}

// scanValid returns the length of the longest prefix of whole, checksummed
// frames.
func scanValid(f *os.File, size int64) (int64, error) {
	var off int64
	for off < size {
		data, err := readFrame(f, off, size)
		if errors.Is(err, ErrCorrupt) || errors.Is(err, io.ErrUnexpectedEOF) {
			return off, nil
		}
		if err != nil {
			return 0, err
		}
		off += frameHeaderSize + int64(len(data))
	}
	return off, nil
}

func readFrame(f *os.File, off, limit int64) ([]byte, error) {
	if off+frameHeaderSize > limit {
		return nil, io.ErrUnexpectedEOF
	}
	var hdr [frameHeaderSize]byte
	if _, err := f.ReadAt(hdr[:], off); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	n := int64(binary.BigEndian.Uint32(hdr[0:4]))
	sum := binary.BigEndian.Uint64(hdr[4:12])
	if n == 0 {
		return nil, ErrCorrupt
	}
	if off+frameHeaderSize+n > limit {
		return nil, io.ErrUnexpectedEOF
	}
	data := make([]byte, n)
	if _, err := f.ReadAt(data, off+frameHeaderSize); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if xxhash.Sum64(data) != sum {
		return nil, ErrCorrupt
	}
	return data, nil
}

// Append writes one frame and returns its position.
func (l *Log) Append(data []byte) (Position, error) {
	if len(data) == 0 {
		return 0, ErrInvalidData
	}
	frame := make([]byte, frameHeaderSize+len(data))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(data)))
	binary.BigEndian.PutUint64(frame[4:12], xxhash.Sum64(data))
	copy(frame[frameHeaderSize:], data)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}

	active := l.segments[len(l.segments)-1]
	if active.size > 0 && active.size+int64(len(frame)) > l.cfg.MaxSegmentBytes {
		if err := l.rotateLocked(); err != nil {
			return 0, err
		}
		active = l.segments[len(l.segments)-1]
	}

	if _, err := active.file.WriteAt(frame, active.size); err != nil {
		return 0, err
	}
	if l.cfg.Durability == DurabilityFsync {
		if err := active.file.Sync(); err != nil {
			return 0, err
		}
	}
	pos := active.end()
	active.size += int64(len(frame))
	l.writtenBytes.Add(int64(len(frame)))
	l.appendedRecords.Add(1)
	return pos, nil
}

// ReadAt returns the record stored at pos.
func (l *Log) ReadAt(pos Position) ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}
	seg := l.segmentFor(pos)
	if seg == nil {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, pos)
	}
	data, err := readFrame(seg.file, int64(pos-seg.base), seg.size)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, pos)
	}
	return data, err
}

func (l *Log) segmentFor(pos Position) *segment {
	i := sort.Search(len(l.segments), func(i int) bool { return l.segments[i].base > pos })
	if i == 0 {
		return nil
	}
	seg := l.segments[i-1]
	if pos >= seg.end() {
		return nil
	}
	return seg
}

// Replay calls fn for every frame at or after from, in log order. from must
// be a position returned by Append, a checkpoint taken from Next, or zero.
func (l *Log) Replay(from Position, fn func(pos Position, data []byte) error) error {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return ErrClosed
	}
	type view struct {
		base Position
		file *os.File
		size int64
	}
	var segs []view
	for _, s := range l.segments {
		if s.end() > from {
			segs = append(segs, view{base: s.base, file: s.file, size: s.size})
		}
	}
	l.mu.RUnlock()

	for _, s := range segs {
		var off int64
		if from > s.base {
			off = int64(from - s.base)
		}
		for off < s.size {
			data, err := readFrame(s.file, off, s.size)
			if err != nil {
				return fmt.Errorf("replay at %d: %w", s.base+Position(off), err)
			}
			if err := fn(s.base+Position(off), data); err != nil {
				return err
			}
			off += frameHeaderSize + int64(len(data))
		}
	}
	return nil
}

// Next returns the position the next frame will be written at.
func (l *Log) Next() Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.segments[len(l.segments)-1].end()
}

// Rotate seals the active segment and starts a new one. It is a no-op when
// the active segment is empty.
func (l *Log) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if l.segments[len(l.segments)-1].size == 0 {
		return nil
	}
	return l.rotateLocked()
}

func (l *Log) rotateLocked() error {
	active := l.segments[len(l.segments)-1]
	if err := active.file.Sync(); err != nil {
		return err
	}
	seg, err := openSegment(l.cfg.Dir, active.end())
	if err != nil {
		return err
	}
	l.segments = append(l.segments, seg)
	return nil
}

// Truncate removes sealed segments that end at or before pos and returns how
// many were removed. The active segment is never removed.
func (l *Log) Truncate(pos Position) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}
	removed := 0
	for len(l.segments) > 1 && l.segments[0].end() <= pos {
		seg := l.segments[0]
		_ = seg.file.Close()
		if err := os.Remove(seg.path); err != nil {
			return removed, err
		}
		l.segments = l.segments[1:]
		removed++
	}
	return removed, nil
}

// Sync flushes the active segment to stable storage.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	return l.segments[len(l.segments)-1].file.Sync()
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	var firstErr error
	for i, s := range l.segments {
		if i == len(l.segments)-1 {
			if err := s.file.Sync(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if err := s.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (l *Log) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st := Stats{
		Segments:        len(l.segments),
		WrittenBytes:    l.writtenBytes.Load(),
		AppendedRecords: l.appendedRecords.Load(),
		TruncatedBytes:  l.truncatedBytes.Load(),
	}
	if len(l.segments) > 0 {
		st.Next = l.segments[len(l.segments)-1].end()
	}
	return st
}
