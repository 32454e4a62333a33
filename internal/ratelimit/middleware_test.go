package ratelimit_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hibiki-ai/hibiki/internal/model"
	"github.com/hibiki-ai/hibiki/internal/ratelimit"
)

type stubLimiter struct {
	allow bool
	err   error
	keys  []string
}

func (s *stubLimiter) Allow(_ context.Context, key string) (bool, error) {
	s.keys = append(s.keys, key)
	return s.allow, s.err
}

func (s *stubLimiter) Close() error { return nil }

func okHandler(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareAllowsUnderLimit(t *testing.T) {
	limiter := &stubLimiter{allow: true}
	var called bool
	h := ratelimit.Middleware(limiter, func(*http.Request) string { return "k1" }, nil)(okHandler(&called))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/agents", nil))

	if !called {
		t.Fatal("expected handler to be called")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(limiter.keys) != 1 || limiter.keys[0] != "k1" {
		t.Fatalf("expected limiter to see key k1, got %v", limiter.keys)
	}
}

func TestMiddlewareRejectsOverLimit(t *testing.T) {
	limiter := &stubLimiter{allow: false}
	var called bool
	h := ratelimit.Middleware(limiter, func(*http.Request) string { return "k1" }, func(*http.Request) string { return "req-123" })(okHandler(&called))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/agents", nil))

	if called {
		t.Fatal("handler should not be called when rate limited")
	}
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Fatalf("expected Retry-After 1, got %q", got)
	}

	var apiErr model.APIError
	if err := json.NewDecoder(rec.Body).Decode(&apiErr); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if apiErr.Error.Code != model.ErrCodeRateLimited {
		t.Fatalf("expected code %q, got %q", model.ErrCodeRateLimited, apiErr.Error.Code)
	}
	if apiErr.Meta.RequestID != "req-123" {
		t.Fatalf("expected request id req-123, got %q", apiErr.Meta.RequestID)
	}
}

func TestMiddlewareFailsOpenOnLimiterError(t *testing.T) {
	limiter := &stubLimiter{allow: false, err: errors.New("backend down")}
	var called bool
	h := ratelimit.Middleware(limiter, func(*http.Request) string { return "k1" }, nil)(okHandler(&called))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))

	if !called {
		t.Fatal("expected handler to be called when limiter errors")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestMiddlewareSkipsEmptyKey(t *testing.T) {
	limiter := &stubLimiter{allow: false}
	var called bool
	h := ratelimit.Middleware(limiter, func(*http.Request) string { return "" }, nil)(okHandler(&called))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if !called {
		t.Fatal("expected handler to be called for empty key")
	}
	if len(limiter.keys) != 0 {
		t.Fatalf("limiter should not be consulted for empty key, saw %v", limiter.keys)
	}
}

func TestMiddlewareNilLimiterPassesThrough(t *testing.T) {
	var called bool
	h := ratelimit.Middleware(nil, func(*http.Request) string { return "k1" }, nil)(okHandler(&called))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/agents", nil))

	if !called {
		t.Fatal("expected handler to be called with nil limiter")
	}
}

func TestIPKeyFunc(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.9:54321"
	if got := ratelimit.IPKeyFunc(r); got != "203.0.113.9" {
		t.Fatalf("expected 203.0.113.9, got %q", got)
	}

	// Spoofed forwarding headers must not override the peer address.
	r.Header.Set("X-Forwarded-For", "10.0.0.1")
	if got := ratelimit.IPKeyFunc(r); got != "203.0.113.9" {
		t.Fatalf("expected RemoteAddr to win, got %q", got)
	}
}
