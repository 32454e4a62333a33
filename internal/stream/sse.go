// Package stream implements the real-time delivery substrate: a
// per-process connection registry plus a pluggable fan-out bus that
// relays published frames to every process holding sockets.
//
// Delivery is best-effort, at-most-once per connection, with no retry
// and no replay buffer. The persisted run record is the source of
// truth; the stream is a convenience channel.
package stream

import (
	"encoding/json"
	"fmt"
)

// Frame formats a Server-Sent Events message: "event: <name>\ndata: <json>\n\n".
func Frame(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("stream: marshal %s frame: %w", event, err)
	}
	buf := make([]byte, 0, len(event)+len(data)+16)
	buf = append(buf, "event: "...)
	buf = append(buf, event...)
	buf = append(buf, "\ndata: "...)
	buf = append(buf, data...)
	buf = append(buf, "\n\n"...)
	return buf, nil
}
