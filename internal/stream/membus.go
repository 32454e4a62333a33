package stream

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Bus core. Each Handle behaves like one
// process's subscription: a publish on any handle reaches every handle,
// the publisher's included. Slow handles with a full queue drop the
// payload rather than block the publisher.
type MemoryBus struct {
	mu   sync.Mutex
	subs map[*MemoryHandle]struct{}
}

// NewMemoryBus creates an empty in-process bus core.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[*MemoryHandle]struct{})}
}

// Handle returns a new subscriber handle bound to this core.
func (b *MemoryBus) Handle() *MemoryHandle {
	h := &MemoryHandle{
		core: b,
		ch:   make(chan string, 64),
	}
	b.mu.Lock()
	b.subs[h] = struct{}{}
	b.mu.Unlock()
	return h
}

func (b *MemoryBus) broadcast(payload string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for h := range b.subs {
		select {
		case h.ch <- payload:
		default:
			// Queue full, drop for this subscriber.
		}
	}
}

// MemoryHandle is one subscriber's view of a MemoryBus. Implements Bus.
type MemoryHandle struct {
	core *MemoryBus
	ch   chan string
}

// Publish sends the payload to every handle of the core.
func (h *MemoryHandle) Publish(_ context.Context, payload string) error {
	h.core.broadcast(payload)
	return nil
}

// Listen is a no-op: the handle subscribes at creation time.
func (h *MemoryHandle) Listen(context.Context) error { return nil }

// Next blocks for the next payload.
func (h *MemoryHandle) Next(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case payload := <-h.ch:
		return payload, nil
	}
}
