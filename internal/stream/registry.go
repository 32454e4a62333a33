package stream

import (
	"context"
	"log/slog"
	"sync"
)

// Sink is where frames for one connection are written. Implementations
// must write the whole frame and flush before returning, and must be
// safe for concurrent use (delivery and keepalives race).
type Sink interface {
	WriteFrame(frame []byte) error
}

// connection is one live client socket held by this process.
type connection struct {
	id     string
	userID string // empty until bound via RegisterForUser
	sink   Sink
	live   context.Context // done = transport gone
}

// bucket is the set of connection ids owned by one user. The mutex is
// scoped to membership changes only; sink I/O never happens under it.
//
// A bucket that drains to empty is retired: dead is set under mu and
// the bucket never accepts another insert. Retirement and insertion
// are both guarded by mu, so an insert can never land in a bucket that
// is about to be dropped from the user index.
type bucket struct {
	mu    sync.Mutex
	dead  bool
	conns map[string]struct{}
}

// Registry tracks live client connections per owning user and delivers
// frames to the connections this process holds. It is an explicit
// object with an injected lifecycle, not a process-wide singleton.
//
// Top-level maps are sync.Maps so registration, teardown, and delivery
// never contend on a global lock; per-user buckets serialize only their
// own membership changes.
type Registry struct {
	logger *slog.Logger
	conns  sync.Map // connection id -> *connection
	users  sync.Map // user id -> *bucket
}

// NewRegistry creates an empty connection registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds a connection handle. The live context ties the entry to
// the transport lifetime: when it is cancelled the connection is
// unregistered automatically, even if the client vanished without an
// explicit teardown.
func (r *Registry) Register(connID string, sink Sink, live context.Context) {
	c := &connection{id: connID, sink: sink, live: live}
	r.conns.Store(connID, c)
	context.AfterFunc(live, func() {
		r.Unregister(connID)
	})
	r.logger.Debug("stream: connection registered", "connection_id", connID)
}

// RegisterForUser composes Register with binding the connection into
// the user's ownership bucket.
func (r *Registry) RegisterForUser(userID, connID string, sink Sink, live context.Context) {
	c := &connection{id: connID, userID: userID, sink: sink, live: live}
	r.conns.Store(connID, c)

	for {
		v, _ := r.users.LoadOrStore(userID, &bucket{conns: make(map[string]struct{})})
		b := v.(*bucket)
		b.mu.Lock()
		if b.dead {
			// Lost the race against Unregister retiring this bucket.
			// Remove it from the index (if Unregister hasn't already)
			// and retry with a fresh one.
			b.mu.Unlock()
			r.users.CompareAndDelete(userID, v)
			continue
		}
		b.conns[connID] = struct{}{}
		b.mu.Unlock()
		break
	}

	context.AfterFunc(live, func() {
		r.Unregister(connID)
	})
	r.logger.Debug("stream: user connection registered", "user_id", userID, "connection_id", connID)
}

// Unregister removes a connection from all structures. Idempotent: a
// second call for the same id is a no-op.
func (r *Registry) Unregister(connID string) {
	v, loaded := r.conns.LoadAndDelete(connID)
	if !loaded {
		return
	}
	c := v.(*connection)

	if c.userID != "" {
		if bv, ok := r.users.Load(c.userID); ok {
			b := bv.(*bucket)
			b.mu.Lock()
			delete(b.conns, connID)
			if len(b.conns) == 0 {
				b.dead = true
			}
			dead := b.dead
			b.mu.Unlock()
			// Drop retired buckets so the user index does not grow
			// without bound. The dead flag was set under b.mu, so a
			// concurrent RegisterForUser either inserted before
			// retirement (bucket not empty, not retired) or observes
			// dead and retries with a fresh bucket. CompareAndDelete
			// never removes that fresh bucket.
			if dead {
				r.users.CompareAndDelete(c.userID, bv)
			}
		}
	}
	r.logger.Debug("stream: connection unregistered", "connection_id", connID)
}

// IsActive reports whether the connection is registered and its
// transport is still alive.
func (r *Registry) IsActive(connID string) bool {
	v, ok := r.conns.Load(connID)
	if !ok {
		return false
	}
	return v.(*connection).live.Err() == nil
}

// DeliverLocal writes a frame to every connection this process holds
// for the user. Membership is snapshotted under the bucket lock; all
// writes happen outside it. A failed write removes that connection and
// never blocks delivery to the user's other connections.
func (r *Registry) DeliverLocal(userID string, frame []byte) {
	bv, ok := r.users.Load(userID)
	if !ok {
		return
	}
	b := bv.(*bucket)

	b.mu.Lock()
	ids := make([]string, 0, len(b.conns))
	for id := range b.conns {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		v, ok := r.conns.Load(id)
		if !ok {
			continue
		}
		c := v.(*connection)
		if c.live.Err() != nil {
			r.Unregister(id)
			continue
		}
		if err := c.sink.WriteFrame(frame); err != nil {
			r.logger.Warn("stream: write failed, pruning connection",
				"user_id", userID, "connection_id", id, "error", err)
			r.Unregister(id)
		}
	}
}
