package wal

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func openTestLog(t *testing.T, cfg Config) *Log {
	t.Helper()
	l, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLog_AppendReadAt(t *testing.T) {
	l := openTestLog(t, Config{Dir: t.TempDir(), Durability: DurabilityFsync})

	p1, err := l.Append([]byte("a"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	p2, err := l.Append([]byte("bb"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if p1 != 0 || p2 != Position(frameHeaderSize+1) {
		t.Fatalf("positions = %d, %d", p1, p2)
	}

	got, err := l.ReadAt(p2)
	if err != nil || !bytes.Equal(got, []byte("bb")) {
		t.Fatalf("ReadAt(p2) = %q, %v", got, err)
	}
	if _, err := l.ReadAt(l.Next()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ReadAt(next) error = %v, want ErrNotFound", err)
	}
	if _, err := l.Append(nil); !errors.Is(err, ErrInvalidData) {
		t.Fatalf("Append(nil) error = %v", err)
	}
}

func TestLog_RotatesBySize(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, Config{Dir: dir, MaxSegmentBytes: 64})

	var positions []Position
	for i := 0; i < 20; i++ {
		p, err := l.Append(bytes.Repeat([]byte("x"), 20))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		positions = append(positions, p)
	}
	if st := l.Stats(); st.Segments < 2 || st.AppendedRecords != 20 {
		t.Fatalf("stats = %+v", st)
	}
	for _, p := range positions {
		if _, err := l.ReadAt(p); err != nil {
			t.Fatalf("ReadAt(%d): %v", p, err)
		}
	}

	ents, _ := os.ReadDir(dir)
	if len(ents) < 2 {
		t.Fatalf("expected several segment files, got %d", len(ents))
	}
}

func TestLog_ReplayFromCheckpoint(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, Config{Dir: dir, MaxSegmentBytes: 64})

	for i := 0; i < 5; i++ {
		if _, err := l.Append([]byte(fmt.Sprintf("rec-%d", i))); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	checkpoint := l.Next()
	for i := 5; i < 10; i++ {
		if _, err := l.Append([]byte(fmt.Sprintf("rec-%d", i))); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	var got []string
	err := l.Replay(checkpoint, func(pos Position, data []byte) error {
		got = append(got, string(data))
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(got) != 5 || got[0] != "rec-5" || got[4] != "rec-9" {
		t.Fatalf("replayed %v", got)
	}

	stop := errors.New("stop")
	n := 0
	err = l.Replay(0, func(Position, []byte) error {
		n++
		if n == 3 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) || n != 3 {
		t.Fatalf("Replay stop = %v after %d", err, n)
	}
}

func TestLog_RecoversAndTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	p, _ := l.Append([]byte("kept"))
	next := l.Next()
	_ = l.Close()

	// Simulate a crash in the middle of a frame.
	f, err := os.OpenFile(segmentPath(dir, 0), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	_, _ = f.Write([]byte{0, 0, 0, 9, 1, 2, 3})
	_ = f.Close()

	l = openTestLog(t, Config{Dir: dir})
	if l.Next() != next {
		t.Fatalf("Next() after recovery = %d, want %d", l.Next(), next)
	}
	if st := l.Stats(); st.TruncatedBytes != 7 {
		t.Fatalf("TruncatedBytes = %d, want 7", st.TruncatedBytes)
	}
	if got, err := l.ReadAt(p); err != nil || string(got) != "kept" {
		t.Fatalf("ReadAt after recovery = %q, %v", got, err)
	}
	if p2, err := l.Append([]byte("after")); err != nil || p2 != next {
		t.Fatalf("Append after recovery = %d, %v; want %d", p2, err, next)
	}
}

func TestLog_DetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, Config{Dir: dir})
	p, _ := l.Append([]byte("payload"))
	_ = l.Sync()

	f, err := os.OpenFile(filepath.Join(dir, fmt.Sprintf("%020d.wal", 0)), os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	_, _ = f.WriteAt([]byte{'X'}, frameHeaderSize)
	_ = f.Close()

	if _, err := l.ReadAt(p); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("ReadAt error = %v, want ErrCorrupt", err)
	}
}

func TestLog_TruncateDropsSealedSegments(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, Config{Dir: dir, MaxSegmentBytes: 32})

	var last Position
	for i := 0; i < 6; i++ {
		p, err := l.Append(bytes.Repeat([]byte("y"), 16))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		last = p
	}
	before := l.Stats().Segments
	removed, err := l.Truncate(last)
	if err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if removed == 0 || l.Stats().Segments != before-removed {
		t.Fatalf("Truncate removed %d of %d segments", removed, before)
	}
	if _, err := l.ReadAt(last); err != nil {
		t.Fatalf("ReadAt(last) after truncate: %v", err)
	}
	if _, err := l.ReadAt(0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ReadAt(0) after truncate error = %v, want ErrNotFound", err)
	}
}

func TestParseDurability(t *testing.T) {
	if d, err := ParseDurability("fsync"); err != nil || d != DurabilityFsync {
		t.Fatalf("ParseDurability(fsync) = %v, %v", d, err)
	}
	if d, err := ParseDurability(""); err != nil || d != DurabilityMemory {
		t.Fatalf("ParseDurability(\"\") = %v, %v", d, err)
	}
	if _, err := ParseDurability("paper"); err == nil {
		t.Fatalf("ParseDurability(paper) succeeded")
	}
}
