package future

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPromise_CompleteOnce(t *testing.T) {
	p := NewPromise[uint64]()

	if !p.TryComplete(10) {
		t.Fatal("first TryComplete should settle the promise")
	}
	if p.TryComplete(20) {
		t.Fatal("second TryComplete should be rejected")
	}
	if p.TryFail(errors.New("late")) {
		t.Fatal("TryFail after completion should be rejected")
	}

	v, err := p.Await(context.Background())
	if err != nil || v != 10 {
		t.Fatalf("Await = (%d, %v), want (10, nil)", v, err)
	}
}

func TestPromise_FailDeliversError(t *testing.T) {
	p := NewPromise[string]()
	want := errors.New("boom")
	if !p.TryFail(want) {
		t.Fatal("TryFail should settle a pending promise")
	}
	if _, err := p.Await(context.Background()); !errors.Is(err, want) {
		t.Fatalf("Await error = %v, want %v", err, want)
	}
}

func TestPromise_AwaitHonorsContext(t *testing.T) {
	p := NewPromise[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := p.Await(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if !p.TryComplete(1) {
		t.Fatal("promise should still be pending after Await gave up")
	}
}

func TestPromise_ConcurrentSettleSignalsOnce(t *testing.T) {
	p := NewPromise[int]()
	var wg sync.WaitGroup
	var wins int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				if p.TryComplete(i) {
					atomic.AddInt32(&wins, 1)
				}
			} else if p.TryFail(errors.New("x")) {
				atomic.AddInt32(&wins, 1)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one settle, got %d", wins)
	}
	if _, err := p.Await(context.Background()); err != nil && err.Error() != "x" {
		t.Fatalf("Await error = %v", err)
	}
}
