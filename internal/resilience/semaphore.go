// Package resilience provides concurrency-control primitives used by the
// admission controller.
package resilience

import (
	"context"
	"sync"
)

// Semaphore is a counting semaphore bounding concurrent dispatches to one
// provider.
type Semaphore struct {
	mu       sync.Mutex
	capacity int
	current  int
	waiters  []chan struct{}
}

// NewSemaphore creates a semaphore with the given capacity. Capacities below
// one are clamped to one.
func NewSemaphore(capacity int) *Semaphore {
	if capacity <= 0 {
		capacity = 1
	}
	return &Semaphore{capacity: capacity}
}

// TryAcquire attempts to acquire a permit without blocking.
func (s *Semaphore) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current < s.capacity {
		s.current++
		return true
	}
	return false
}

// Acquire blocks until a permit is available or the context is cancelled.
func (s *Semaphore) Acquire(ctx context.Context) error {
	if s.TryAcquire() {
		return nil
	}

	s.mu.Lock()
	waiter := make(chan struct{})
	s.waiters = append(s.waiters, waiter)
	s.mu.Unlock()

	select {
	case <-waiter:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for i, w := range s.waiters {
			if w == waiter {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		// The permit may have been handed over while we were cancelling.
		select {
		case <-waiter:
			s.Release()
		default:
		}
		return ctx.Err()
	}
}

// Release returns a permit, handing it directly to the oldest waiter if any.
// Releasing an unheld semaphore is a no-op.
func (s *Semaphore) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current <= 0 {
		return
	}
	if len(s.waiters) > 0 {
		waiter := s.waiters[0]
		s.waiters = s.waiters[1:]
		close(waiter)
		// Permit transfers to the waiter; current stays unchanged.
		return
	}
	s.current--
}

// Current returns the number of held permits.
func (s *Semaphore) Current() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Capacity returns the semaphore capacity.
func (s *Semaphore) Capacity() int {
	return s.capacity
}

// Available returns the number of free permits.
func (s *Semaphore) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity - s.current
}
