package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// envelope is the wire form a published frame takes on the bus.
type envelope struct {
	UserID  string `json:"userId"`
	Message string `json:"message"`
}

// Hub wires a Registry to a Bus. Publish never writes a local socket
// directly: the frame goes onto the shared topic, and each process
// (this one included) delivers to its own locally-held connections on
// receipt. Processes with no connections for the user discard the
// frame cheaply.
type Hub struct {
	registry *Registry
	bus      Bus
	logger   *slog.Logger
}

// NewHub creates a hub over the given registry and bus.
func NewHub(registry *Registry, bus Bus, logger *slog.Logger) *Hub {
	return &Hub{registry: registry, bus: bus, logger: logger}
}

// Registry returns the hub's local connection registry.
func (h *Hub) Registry() *Registry { return h.registry }

// Publish serializes {userId, message} onto the shared bus topic.
func (h *Hub) Publish(ctx context.Context, userID string, frame []byte) error {
	env, err := json.Marshal(envelope{UserID: userID, Message: string(frame)})
	if err != nil {
		return fmt.Errorf("stream: marshal envelope: %w", err)
	}
	if err := h.bus.Publish(ctx, string(env)); err != nil {
		return fmt.Errorf("stream: publish: %w", err)
	}
	return nil
}

// Run subscribes to the bus and delivers received envelopes to the
// local registry until ctx is cancelled. It blocks, so call it in a
// goroutine.
func (h *Hub) Run(ctx context.Context) {
	if err := h.bus.Listen(ctx); err != nil {
		h.logger.Error("stream: bus listen", "error", err)
		return
	}
	h.logger.Info("stream: hub listening for fan-out frames")

	for {
		payload, err := h.bus.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // Shutting down.
			}
			h.logger.Warn("stream: bus receive error, retrying", "error", err)
			continue
		}

		var env envelope
		if err := json.Unmarshal([]byte(payload), &env); err != nil {
			h.logger.Warn("stream: malformed envelope dropped", "error", err)
			continue
		}
		h.registry.DeliverLocal(env.UserID, []byte(env.Message))
	}
}
