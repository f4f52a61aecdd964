// Package chatlock serializes requests that share a chat. Requests for
// distinct chats proceed independently; a second request for the same chat
// waits until the first reaches a terminal state.
package chatlock

import (
	"context"
	"sync"
)

type entry struct {
	// sem has capacity one; holding the token is holding the chat slot.
	sem  chan struct{}
	refs int
}

// Keyring hands out one serialization slot per chat ID. Entries are removed
// once no request holds or waits on them, so idle chats cost nothing.
type Keyring struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// New creates an empty keyring.
func New() *Keyring {
	return &Keyring{locks: make(map[string]*entry)}
}

// Acquire obtains the slot for chatID, blocking while another request holds
// it. It returns the context error if the caller gives up first.
func (k *Keyring) Acquire(ctx context.Context, chatID string) error {
	k.mu.Lock()
	e, ok := k.locks[chatID]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		k.locks[chatID] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		k.drop(chatID, e)
		return ctx.Err()
	}
}

// Release frees the slot for chatID. Must pair with a successful Acquire.
func (k *Keyring) Release(chatID string) {
	k.mu.Lock()
	e, ok := k.locks[chatID]
	k.mu.Unlock()
	if !ok {
		return
	}
	<-e.sem
	k.drop(chatID, e)
}

func (k *Keyring) drop(chatID string, e *entry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs <= 0 {
		delete(k.locks, chatID)
	}
}

// Held reports whether the slot for chatID is currently taken.
func (k *Keyring) Held(chatID string) bool {
	k.mu.Lock()
	e, ok := k.locks[chatID]
	k.mu.Unlock()
	return ok && len(e.sem) > 0
}
