package placement

import (
	"context"
	"errors"
	"testing"

	"github.com/fluxorio/replstream/pkg/model"
)

// exerciseClient runs the placement contract against any Client.
func exerciseClient(t *testing.T, c Client) {
	t.Helper()
	ctx := context.Background()

	ranges, err := c.ListRanges(ctx, 5)
	if err != nil {
		t.Fatalf("ListRanges() on empty stream error = %v", err)
	}
	if len(ranges) != 0 {
		t.Fatalf("ListRanges() on empty stream = %v", ranges)
	}

	r0, err := c.CreateRange(ctx, 5, 1, 0, 0)
	if err != nil {
		t.Fatalf("CreateRange(0) error = %v", err)
	}
	if r0.StreamID != 5 || r0.Epoch != 1 || r0.Index != 0 || r0.Start != 0 || r0.Sealed() {
		t.Fatalf("CreateRange(0) = %s", r0)
	}
	if _, err := c.CreateRange(ctx, 5, 1, 0, 0); !errors.Is(err, ErrRangeExists) {
		t.Fatalf("duplicate CreateRange() error = %v, want ErrRangeExists", err)
	}

	sealed, err := c.SealRange(ctx, r0.WithEnd(40))
	if err != nil {
		t.Fatalf("SealRange() error = %v", err)
	}
	if sealed.End == nil || *sealed.End != 40 {
		t.Fatalf("SealRange() = %s, want end 40", sealed)
	}
	if _, err := c.SealRange(ctx, r0.WithEnd(40)); err != nil {
		t.Fatalf("repeated SealRange() error = %v", err)
	}
	if _, err := c.SealRange(ctx, r0.WithEnd(41)); !errors.Is(err, ErrConflict) {
		t.Fatalf("conflicting SealRange() error = %v, want ErrConflict", err)
	}
	if _, err := c.SealRange(ctx, model.RangeMetadata{StreamID: 5, Index: 9}.WithEnd(1)); !errors.Is(err, ErrRangeNotFound) {
		t.Fatalf("SealRange() of unknown range error = %v, want ErrRangeNotFound", err)
	}

	if _, err := c.CreateRange(ctx, 5, 1, 1, 39); !errors.Is(err, ErrConflict) {
		t.Fatalf("CreateRange() with a gap error = %v, want ErrConflict", err)
	}
	if _, err := c.CreateRange(ctx, 5, 1, 1, 40); err != nil {
		t.Fatalf("CreateRange(1) error = %v", err)
	}

	ranges, err = c.ListRanges(ctx, 5)
	if err != nil {
		t.Fatalf("ListRanges() error = %v", err)
	}
	if len(ranges) != 2 {
		t.Fatalf("ListRanges() = %v, want 2 ranges", ranges)
	}
	byIndex := map[int32]model.RangeMetadata{}
	for _, r := range ranges {
		byIndex[r.Index] = r
	}
	if r := byIndex[0]; r.End == nil || *r.End != 40 {
		t.Fatalf("range 0 = %s, want sealed at 40", r)
	}
	if r := byIndex[1]; r.Start != 40 || r.Sealed() {
		t.Fatalf("range 1 = %s, want open at 40", r)
	}

	other, err := c.ListRanges(ctx, 6)
	if err != nil || len(other) != 0 {
		t.Fatalf("ListRanges(6) = %v, %v; want empty", other, err)
	}
}

func TestMemoryStore_Contract(t *testing.T) {
	exerciseClient(t, NewMemoryStore("node-a"))
}

func TestMemoryStore_RecordsNode(t *testing.T) {
	m := NewMemoryStore("node-a")
	meta, err := m.CreateRange(context.Background(), 1, 0, 0, 0)
	if err != nil {
		t.Fatalf("CreateRange() error = %v", err)
	}
	if meta.Node != "node-a" {
		t.Fatalf("Node = %q, want node-a", meta.Node)
	}
}

func TestMemoryStore_HonorsCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewMemoryStore("").ListRanges(ctx, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("ListRanges() error = %v, want context.Canceled", err)
	}
}
