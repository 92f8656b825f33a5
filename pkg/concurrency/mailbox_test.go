package concurrency

import (
	"context"
	"testing"
	"time"
)

func TestMailbox_SendFailsFastWhenFull(t *testing.T) {
	mb := NewMailbox[int](2)

	if err := mb.Send(1); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := mb.Send(2); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := mb.Send(3); err != ErrMailboxFull {
		t.Fatalf("Send() to full mailbox error = %v, want ErrMailboxFull", err)
	}
	if mb.Size() != 2 {
		t.Fatalf("Size() = %d, want 2", mb.Size())
	}
}

func TestMailbox_ReceiveInOrder(t *testing.T) {
	mb := NewMailbox[string](4)
	mb.Send("a")
	mb.Send("b")

	ctx := context.Background()
	for _, want := range []string{"a", "b"} {
		got, err := mb.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive() error = %v", err)
		}
		if got != want {
			t.Fatalf("Receive() = %q, want %q", got, want)
		}
	}

	if _, ok := mb.TryReceive(); ok {
		t.Fatal("TryReceive() on empty mailbox should return ok=false")
	}
}

func TestMailbox_ReceiveHonorsContext(t *testing.T) {
	mb := NewMailbox[int](1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := mb.Receive(ctx); err != context.DeadlineExceeded {
		t.Fatalf("Receive() error = %v, want deadline exceeded", err)
	}
}

func TestMailbox_DrainKeepsBufferedMessages(t *testing.T) {
	mb := NewMailbox[int](4)
	mb.Send(1)
	mb.Send(2)

	var got []int
	n := mb.Drain(func(v int) { got = append(got, v) })
	if n != 2 || len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("Drain() = %d %v, want 2 [1 2]", n, got)
	}
	if err := mb.Send(3); err != ErrMailboxClosed {
		t.Fatalf("Send() after close error = %v, want ErrMailboxClosed", err)
	}
	if _, err := mb.Receive(context.Background()); err != ErrMailboxClosed {
		t.Fatalf("Receive() after drain error = %v, want ErrMailboxClosed", err)
	}

	// Close is idempotent.
	mb.Close()
}
