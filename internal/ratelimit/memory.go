package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	// bucketTTL is how long an untouched bucket survives. A client
	// that stops calling (or an SSE consumer that only ever reads)
	// should not pin limiter memory forever.
	bucketTTL = 10 * time.Minute

	sweepEvery = time.Minute
)

// tokenBucket tracks the budget for one key. Refill is computed
// lazily from the time since the last take, so idle keys cost nothing
// between requests.
type tokenBucket struct {
	tokens float64
	seen   time.Time
}

// take refills for the elapsed time, caps at capacity, then consumes
// one token if available.
func (b *tokenBucket) take(now time.Time, refill, capacity float64) bool {
	b.tokens = min(capacity, b.tokens+now.Sub(b.seen).Seconds()*refill)
	b.seen = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// MemoryLimiter is an in-process token bucket per key. The server
// applies it to token issuance and run submission; the refill rate
// comes from HIBIKI_RATE_LIMIT_PER_MINUTE, which also serves as the
// burst capacity so a quiet client can submit a minute's worth of
// runs at once without tripping it.
//
// A background sweeper drops buckets idle past bucketTTL. Call Close
// to stop it.
type MemoryLimiter struct {
	refill   float64 // tokens per second
	capacity float64

	mu      sync.Mutex
	buckets map[string]*tokenBucket

	once sync.Once
	stop chan struct{}
}

// NewMemoryLimiter creates a limiter refilling rate tokens per second
// per key, holding at most burst tokens.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		refill:   rate,
		capacity: float64(burst),
		buckets:  make(map[string]*tokenBucket),
		stop:     make(chan struct{}),
	}
	go m.sweep()
	return m
}

// Allow consumes one token from key's bucket. A key seen for the
// first time starts with a full bucket.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[key]
	if !ok {
		b = &tokenBucket{tokens: m.capacity, seen: now}
		m.buckets[key] = b
	}
	return b.take(now, m.refill, m.capacity), nil
}

// Close stops the sweeper. Safe to call more than once.
func (m *MemoryLimiter) Close() error {
	m.once.Do(func() { close(m.stop) })
	return nil
}

func (m *MemoryLimiter) sweep() {
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.dropIdle(time.Now().Add(-bucketTTL))
		}
	}
}

// dropIdle removes every bucket last touched before cutoff.
func (m *MemoryLimiter) dropIdle(cutoff time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, b := range m.buckets {
		if b.seen.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
