package stream

import "context"

// Bus is the minimal publish/subscribe capability the fan-out rides on.
// Every process sharing a deployment subscribes to the same topic, the
// publisher included, so a publish reaches sockets held anywhere.
//
// A single-process deployment substitutes the in-memory implementation
// with identical semantics.
type Bus interface {
	// Publish sends a payload to every subscriber of the shared topic.
	Publish(ctx context.Context, payload string) error

	// Listen begins the subscription. Call once before Next.
	Listen(ctx context.Context) error

	// Next blocks until the next payload arrives or ctx is done.
	Next(ctx context.Context) (string, error)
}
