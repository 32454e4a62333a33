package stream

import "context"

// DefaultChannel is the shared LISTEN/NOTIFY topic for fan-out frames.
const DefaultChannel = "hibiki_stream"

// Notifier is the LISTEN/NOTIFY surface of the storage layer.
type Notifier interface {
	Listen(ctx context.Context, channel string) error
	Notify(ctx context.Context, channel, payload string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// PgBus relays fan-out payloads over Postgres LISTEN/NOTIFY. Every
// server process listens on the same channel, so a publish from any
// process reaches connections held by all of them.
type PgBus struct {
	db      Notifier
	channel string
}

// NewPgBus creates a bus on the given notification channel. An empty
// channel name uses DefaultChannel.
func NewPgBus(db Notifier, channel string) *PgBus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &PgBus{db: db, channel: channel}
}

// Publish sends the payload via pg_notify on the shared channel.
func (b *PgBus) Publish(ctx context.Context, payload string) error {
	return b.db.Notify(ctx, b.channel, payload)
}

// Listen subscribes the dedicated notify connection to the channel.
func (b *PgBus) Listen(ctx context.Context) error {
	return b.db.Listen(ctx, b.channel)
}

// Next blocks until a notification arrives on the channel.
// Notifications for other channels on the shared connection are
// discarded.
func (b *PgBus) Next(ctx context.Context) (string, error) {
	for {
		channel, payload, err := b.db.WaitForNotification(ctx)
		if err != nil {
			return "", err
		}
		if channel == b.channel {
			return payload, nil
		}
	}
}
