package cmdbus

import (
	"context"
	"testing"
	"time"

	"github.com/tinyrange/opentmk/internal/tmk/hvdef"
)

func TestRegisterQueueIsIdempotent(t *testing.T) {
	b := New(nil, 4)
	q1 := b.RegisterQueue(0)
	q2 := b.RegisterQueue(0)
	if q1 != q2 {
		t.Fatalf("expected the same queue instance on re-registration")
	}
}

func TestMustQueuePanicsWhenUnregistered(t *testing.T) {
	b := New(nil, 4)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected MustQueue to panic for an unregistered vp")
		}
	}()
	b.MustQueue(7)
}

func TestSendRecvOrdering(t *testing.T) {
	q := newQueue(4)
	q.Send(Command{TargetVtl: hvdef.Vtl0, Body: 1})
	q.Send(Command{TargetVtl: hvdef.Vtl0, Body: 2})
	q.Send(Command{TargetVtl: hvdef.Vtl0, Body: 3})

	ctx := context.Background()
	for _, want := range []int{1, 2, 3} {
		cmd, ok := q.Recv(ctx)
		if !ok {
			t.Fatalf("Recv reported empty unexpectedly")
		}
		if cmd.Body.(int) != want {
			t.Fatalf("Recv body = %v, want %v", cmd.Body, want)
		}
	}
}

func TestSendPriorityPushesFront(t *testing.T) {
	q := newQueue(4)
	q.Send(Command{Body: 1})
	q.Send(Command{Body: 2})
	q.SendPriority(Command{Body: 0})

	cmd, _ := q.Recv(context.Background())
	if cmd.Body.(int) != 0 {
		t.Fatalf("SendPriority item should be received first, got %v", cmd.Body)
	}
}

func TestPeekDoesNotRemove(t *testing.T) {
	q := newQueue(4)
	q.Send(Command{Body: "x"})

	if _, ok := q.Peek(); !ok {
		t.Fatalf("Peek reported empty")
	}
	if q.Len() != 1 {
		t.Fatalf("Peek should not remove the item, len = %d", q.Len())
	}
	if _, ok := q.Pop(); !ok {
		t.Fatalf("Pop reported empty after Peek")
	}
	if q.Len() != 0 {
		t.Fatalf("Pop should remove the item, len = %d", q.Len())
	}
}

func TestSendBlocksWhenFull(t *testing.T) {
	q := newQueue(1)
	q.Send(Command{Body: 1})

	done := make(chan struct{})
	go func() {
		q.Send(Command{Body: 2})
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("Send on a full queue should block")
	case <-time.After(50 * time.Millisecond):
	}

	q.Recv(context.Background())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Send did not unblock after Recv freed capacity")
	}
}

func TestRecvUnblocksOnContextCancel(t *testing.T) {
	q := newQueue(1)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool, 1)
	go func() {
		_, ok := q.Recv(ctx)
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case ok := <-done:
		if ok {
			t.Fatalf("expected Recv to report failure after cancellation")
		}
	case <-time.After(time.Second):
		t.Fatalf("Recv did not return after context cancellation")
	}
}
