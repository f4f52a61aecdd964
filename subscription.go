package switchboard

import (
	"context"
	"io"
	"sync"

	"github.com/peregrinehq/switchboard/pkg/types"
)

// Subscription is the caller's view of one request's event stream. Events
// arrive in generation order; the stream always ends with a Done event,
// after which Recv returns io.EOF.
//
// The caller must drain the subscription or Close it; an abandoned, unclosed
// subscription stalls its coordinator, the same way an unread provider stream
// would.
type Subscription struct {
	requestID string
	ch        chan types.Event
	cancel    context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}
}

func newSubscription(requestID string, buffer int, cancel context.CancelFunc) *Subscription {
	return &Subscription{
		requestID: requestID,
		ch:        make(chan types.Event, buffer),
		cancel:    cancel,
		closed:    make(chan struct{}),
	}
}

// RequestID returns the request this subscription belongs to.
func (s *Subscription) RequestID() string {
	return s.requestID
}

// Recv blocks for the next event. It returns io.EOF once the stream has
// delivered its Done event and closed.
func (s *Subscription) Recv() (types.Event, error) {
	ev, ok := <-s.ch
	if !ok {
		return types.Event{}, io.EOF
	}
	return ev, nil
}

// Events exposes the raw channel for select-based consumers. The channel is
// closed after the Done event.
func (s *Subscription) Events() <-chan types.Event {
	return s.ch
}

// Close cancels the request and releases the coordinator from delivering
// further events. Safe to call at any time, more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
	})
}
