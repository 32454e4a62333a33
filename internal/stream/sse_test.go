package stream

import (
	"context"
	"testing"
)

func TestFrameFormat(t *testing.T) {
	got, err := Frame("agent_update", map[string]string{"content": "thinking"})
	if err != nil {
		t.Fatalf("Frame: %v", err)
	}
	want := "event: agent_update\ndata: {\"content\":\"thinking\"}\n\n"
	if string(got) != want {
		t.Errorf("Frame: got %q, want %q", got, want)
	}
}

func TestFrameRejectsUnmarshalable(t *testing.T) {
	if _, err := Frame("x", make(chan int)); err == nil {
		t.Fatal("expected marshal error for channel payload")
	}
}

func TestMemoryBusDropsWhenQueueFull(t *testing.T) {
	core := NewMemoryBus()
	slow := core.Handle()

	// Overflow the unread handle's queue; Publish must not block.
	for i := 0; i < 100; i++ {
		if err := slow.Publish(context.Background(), "x"); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	fresh := core.Handle()
	if err := slow.Publish(context.Background(), "after-fill"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got, err := fresh.Next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if got != "after-fill" {
		t.Fatalf("fresh handle should get the new payload, got %q", got)
	}
}

func TestMemoryBusNextHonorsContext(t *testing.T) {
	core := NewMemoryBus()
	h := core.Handle()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.Next(ctx); err == nil {
		t.Fatal("Next should fail when ctx is already cancelled")
	}
}
