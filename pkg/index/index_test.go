package index

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fluxorio/replstream/pkg/log"
	"github.com/fluxorio/replstream/pkg/model"
)

func openTestIndex(t *testing.T, dir string) *Index {
	t.Helper()
	x, err := Open(Options{Dir: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return x
}

func TestIndex_LookupFloor(t *testing.T) {
	x := openTestIndex(t, t.TempDir())
	defer x.Close()

	for i, base := range []uint64{0, 10, 25} {
		e := Entry{StreamID: 7, RangeIndex: 0, BaseOffset: base, Count: uint32(10 + i*5), WALPosition: uint64(i) * 100, Length: 50}
		if err := x.Index(e); err != nil {
			t.Fatalf("Index: %v", err)
		}
	}
	// Another stream must not leak into lookups.
	if err := x.Index(Entry{StreamID: 8, BaseOffset: 5, Count: 1}); err != nil {
		t.Fatalf("Index: %v", err)
	}

	e, ok, err := x.Lookup(7, 12)
	if err != nil || !ok || e.BaseOffset != 10 || e.WALPosition != 100 || e.Count != 15 {
		t.Fatalf("Lookup(12) = %+v, %v, %v", e, ok, err)
	}
	e, ok, _ = x.Lookup(7, 25)
	if !ok || e.BaseOffset != 25 {
		t.Fatalf("Lookup(25) = %+v, %v", e, ok)
	}
	e, ok, _ = x.Lookup(7, ^uint64(0))
	if !ok || e.BaseOffset != 25 {
		t.Fatalf("Lookup(max) = %+v, %v", e, ok)
	}
	if _, ok, _ := x.Lookup(9, 100); ok {
		t.Fatalf("Lookup on unknown stream found an entry")
	}
	if _, ok, _ := x.Lookup(-1, 100); ok {
		t.Fatalf("Lookup on negative stream found an entry")
	}
}

func TestIndex_ScanOverlapping(t *testing.T) {
	x := openTestIndex(t, t.TempDir())
	defer x.Close()

	for _, base := range []uint64{0, 4, 8, 12} {
		if err := x.Index(Entry{StreamID: 1, BaseOffset: base, Count: 4}); err != nil {
			t.Fatalf("Index: %v", err)
		}
	}

	var bases []uint64
	err := x.Scan(1, 6, 12, func(e Entry) bool {
		bases = append(bases, e.BaseOffset)
		return true
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(bases) != 2 || bases[0] != 4 || bases[1] != 8 {
		t.Fatalf("Scan(6, 12) = %v, want [4 8]", bases)
	}

	bases = nil
	_ = x.Scan(1, 0, 100, func(e Entry) bool {
		bases = append(bases, e.BaseOffset)
		return len(bases) < 3
	})
	if len(bases) != 3 {
		t.Fatalf("Scan stopped after %d entries, want 3", len(bases))
	}
}

func TestIndex_RangesAndSeal(t *testing.T) {
	x := openTestIndex(t, t.TempDir())
	defer x.Close()

	r0 := model.RangeMetadata{StreamID: 3, Epoch: 1, Index: 0, Start: 0}
	r1 := model.RangeMetadata{StreamID: 3, Epoch: 1, Index: 1, Start: 40}
	other := model.RangeMetadata{StreamID: 4, Epoch: 2, Index: 0, Start: 0}
	for _, m := range []model.RangeMetadata{r1, r0, other} {
		if err := x.Add(m); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if err := x.Seal(3, 0, 40); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if err := x.Seal(3, 7, 9); err == nil {
		t.Fatalf("Seal of unknown range succeeded")
	}

	ranges, err := x.ListByStream(3)
	if err != nil {
		t.Fatalf("ListByStream: %v", err)
	}
	if len(ranges) != 2 || ranges[0].Index != 0 || ranges[1].Index != 1 {
		t.Fatalf("ListByStream = %v", ranges)
	}
	if ranges[0].End == nil || *ranges[0].End != 40 || ranges[1].Sealed() {
		t.Fatalf("seal status = %v", ranges)
	}

	all, err := x.List()
	if err != nil || len(all) != 3 {
		t.Fatalf("List = %v, %v", all, err)
	}
}

func TestIndex_CheckpointAndNodeIDSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	x := openTestIndex(t, dir)
	if err := x.AdvanceWALCheckpoint(120); err != nil {
		t.Fatalf("AdvanceWALCheckpoint: %v", err)
	}
	if err := x.AdvanceWALCheckpoint(80); err != nil {
		t.Fatalf("AdvanceWALCheckpoint: %v", err)
	}
	if err := x.SetNodeID("node-1"); err != nil {
		t.Fatalf("SetNodeID: %v", err)
	}
	if err := x.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	x.Close()

	x = openTestIndex(t, dir)
	defer x.Close()
	if pos, err := x.WALCheckpoint(); err != nil || pos != 120 {
		t.Fatalf("WALCheckpoint = %d, %v; want 120", pos, err)
	}
	if id, err := x.NodeID(); err != nil || id != "node-1" {
		t.Fatalf("NodeID = %q, %v", id, err)
	}
}

func TestIndex_CompactBelowWatermark(t *testing.T) {
	x := openTestIndex(t, t.TempDir())
	defer x.Close()

	for i := uint64(0); i < 5; i++ {
		if err := x.Index(Entry{StreamID: 2, BaseOffset: i, Count: 1, WALPosition: i * 10}); err != nil {
			t.Fatalf("Index: %v", err)
		}
	}
	res, err := x.Compact(25)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if res.Entries != 3 || res.Watermark != 25 {
		t.Fatalf("Compact = %+v, want 3 entries below 25", res)
	}
	if _, ok, _ := x.Lookup(2, 1); ok {
		t.Fatalf("compacted entry still visible")
	}
	if e, ok, _ := x.Lookup(2, 3); !ok || e.BaseOffset != 3 {
		t.Fatalf("Lookup(3) after compact = %+v, %v", e, ok)
	}
	if res, _ := x.Compact(25); res.Entries != 0 {
		t.Fatalf("second Compact removed %d", res.Entries)
	}
}

func TestIndex_CompactStopsAtOpenRange(t *testing.T) {
	x := openTestIndex(t, t.TempDir())
	defer x.Close()

	end := uint64(3)
	if err := x.Add(model.RangeMetadata{StreamID: 4, Epoch: 1, Index: 0, Start: 0, End: &end}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := x.Add(model.RangeMetadata{StreamID: 4, Epoch: 2, Index: 1, Start: 3}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	// Range 0 holds offsets 0..2 at positions 0..20, the open range 1 holds
	// 3..5 at positions 30..50.
	for i := uint64(0); i < 6; i++ {
		idx := int32(0)
		if i >= 3 {
			idx = 1
		}
		if err := x.Index(Entry{StreamID: 4, RangeIndex: idx, BaseOffset: i, Count: 1, WALPosition: i * 10}); err != nil {
			t.Fatalf("Index: %v", err)
		}
	}

	res, err := x.Compact(100)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if res.Watermark != 30 || res.Entries != 3 || res.Ranges != 1 {
		t.Fatalf("Compact = %+v, want watermark 30, 3 entries, 1 range", res)
	}
	ranges, err := x.ListByStream(4)
	if err != nil || len(ranges) != 1 || ranges[0].Index != 1 {
		t.Fatalf("ListByStream after compact = %+v, %v", ranges, err)
	}
	last, ok, err := x.LastEntryOf(ranges[0])
	if err != nil || !ok || last.BaseOffset != 5 {
		t.Fatalf("LastEntryOf = %+v, %v, %v", last, ok, err)
	}
	for i := uint64(3); i < 6; i++ {
		if _, ok, _ := x.Lookup(4, i); !ok {
			t.Fatalf("entry %d of the open range was compacted", i)
		}
	}
}

func TestIndex_CompactKeepsSealedRangeWithLiveEntries(t *testing.T) {
	x := openTestIndex(t, t.TempDir())
	defer x.Close()

	end := uint64(4)
	if err := x.Add(model.RangeMetadata{StreamID: 6, Epoch: 1, Index: 0, Start: 0, End: &end}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	for i := uint64(0); i < 4; i++ {
		if err := x.Index(Entry{StreamID: 6, BaseOffset: i, Count: 1, WALPosition: i * 10}); err != nil {
			t.Fatalf("Index: %v", err)
		}
	}
	res, err := x.Compact(15)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if res.Entries != 2 || res.Ranges != 0 {
		t.Fatalf("Compact = %+v, want 2 entries and no ranges", res)
	}
	if ranges, _ := x.ListByStream(6); len(ranges) != 1 {
		t.Fatalf("sealed range with live entries was dropped: %+v", ranges)
	}
}

func TestIndex_PebbleLogsThroughLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(log.Options{Name: "test", Level: "debug", Output: &buf})
	x, err := Open(Options{Dir: t.TempDir(), Logger: logger})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	x.Close()

	pl, ok := pebbleOptions(Options{Logger: logger}).Logger.(pebbleLogger)
	if !ok {
		t.Fatalf("pebble logger not installed")
	}
	if po := pebbleOptions(Options{}); po.Logger != nil {
		t.Fatalf("logger installed without Options.Logger: %T", po.Logger)
	}
	pl.Infof("flushed %d tables", 2)
	if !strings.Contains(buf.String(), "test.pebble") || !strings.Contains(buf.String(), "flushed 2 tables") {
		t.Fatalf("log output = %q", buf.String())
	}

	defer func() {
		if r := recover(); r == nil || !strings.Contains(buf.String(), "disk gone") {
			t.Fatalf("Fatalf did not panic after logging: %v %q", r, buf.String())
		}
	}()
	pl.Fatalf("disk %s", "gone")
}
