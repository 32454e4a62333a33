// Package ratelimit guards the two endpoints a client can hammer
// cheaply: token issuance (keyed by client IP, pre-auth) and run
// submission (keyed by the authenticated user, since each accepted
// run costs model calls downstream).
//
// The Limiter interface is the seam. The in-process token bucket
// covers the single-binary deployment; a shared backend can be
// substituted behind the same interface when multiple server
// processes front the same store.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should proceed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. Keys are
	// opaque to the limiter; callers build them from the identity
	// being throttled (a client IP, a user id). An error means the
	// limiter itself failed; callers fail open rather than turning a
	// limiter outage into an outage of the endpoint.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases limiter resources (sweeper goroutines,
	// connections to a shared backend).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
