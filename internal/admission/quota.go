// Package admission enforces per-user quotas and per-provider concurrency
// ceilings before a request may dispatch.
package admission

import (
	"context"
	"sync"
	"time"
)

// Limits configures the per-user rolling window.
type Limits struct {
	// Window is the rolling window length.
	Window time.Duration
	// MaxRequests is the request count ceiling per window; zero disables it.
	MaxRequests int
	// MaxTokens is the token count ceiling per window; zero disables it.
	MaxTokens int
}

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// QuotaStore tracks per-user rolling-window consumption. Implementations
// must be safe for concurrent use.
type QuotaStore interface {
	// Reserve checks the user's window against the limits and, when allowed,
	// counts one request and the estimated tokens toward it.
	Reserve(ctx context.Context, userID string, tokens int, limits Limits) (Decision, error)

	// Unreserve undoes a successful Reserve when the request is rejected
	// after the quota check, returning the request slot and tokens to the
	// window.
	Unreserve(ctx context.Context, userID string, tokens int) error

	// AddTokens records additional token consumption after the fact, once
	// real usage is known.
	AddTokens(ctx context.Context, userID string, tokens int) error

	// Close releases store resources.
	Close() error
}

type window struct {
	start    time.Time
	requests int
	tokens   int
}

// MemoryQuotaStore is the in-process QuotaStore. State is per gateway
// instance; deployments that scale horizontally should use the Redis store.
type MemoryQuotaStore struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// NewMemoryQuotaStore creates an empty in-memory store.
func NewMemoryQuotaStore() *MemoryQuotaStore {
	return &MemoryQuotaStore{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Reserve implements QuotaStore.
func (s *MemoryQuotaStore) Reserve(_ context.Context, userID string, tokens int, limits Limits) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, ok := s.windows[userID]
	if !ok || now.Sub(w.start) >= limits.Window {
		w = &window{start: now}
		s.windows[userID] = w
	}

	if limits.MaxRequests > 0 && w.requests >= limits.MaxRequests {
		return Decision{RetryAfter: retryAfter(w.start, limits.Window, now)}, nil
	}
	if limits.MaxTokens > 0 && w.tokens+tokens > limits.MaxTokens {
		return Decision{RetryAfter: retryAfter(w.start, limits.Window, now)}, nil
	}

	w.requests++
	w.tokens += tokens
	return Decision{Allowed: true}, nil
}

// Unreserve implements QuotaStore. A rolled-over window since the Reserve
// means there is nothing left to undo.
func (s *MemoryQuotaStore) Unreserve(_ context.Context, userID string, tokens int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.windows[userID]; ok {
		if w.requests > 0 {
			w.requests--
		}
		w.tokens -= tokens
		if w.tokens < 0 {
			w.tokens = 0
		}
	}
	return nil
}

// AddTokens implements QuotaStore.
func (s *MemoryQuotaStore) AddTokens(_ context.Context, userID string, tokens int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.windows[userID]; ok {
		w.tokens += tokens
	}
	return nil
}

// Close implements QuotaStore.
func (s *MemoryQuotaStore) Close() error {
	return nil
}

func retryAfter(start time.Time, win time.Duration, now time.Time) time.Duration {
	remaining := win - now.Sub(start)
	if remaining < time.Second {
		return time.Second
	}
	return remaining
}
