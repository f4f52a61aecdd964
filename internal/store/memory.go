package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/peregrinehq/switchboard/pkg/types"
)

// MemoryStore keeps usage and transcripts in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	usage    []types.UsageRecord
	messages map[string][]TranscriptEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string][]TranscriptEntry),
	}
}

// AppendUsage records a usage entry.
func (s *MemoryStore) AppendUsage(_ context.Context, rec types.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, rec)
	return nil
}

// AppendMessage records a transcript entry under its chat ID.
func (s *MemoryStore) AppendMessage(_ context.Context, entry TranscriptEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.messages[entry.ChatID] = append(s.messages[entry.ChatID], entry)
	return nil
}

// UsageForUser returns the user's records since the cutoff, newest first.
func (s *MemoryStore) UsageForUser(_ context.Context, userID string, since time.Time) ([]types.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.UsageRecord
	for _, rec := range s.usage {
		if rec.UserID == userID && !rec.Timestamp.Before(since) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out, nil
}

// Transcript returns the stored entries for a chat, oldest first.
func (s *MemoryStore) Transcript(chatID string) []TranscriptEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.messages[chatID]
	out := make([]TranscriptEntry, len(entries))
	copy(out, entries)
	return out
}

// UsageCount returns the number of stored usage records.
func (s *MemoryStore) UsageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.usage)
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
