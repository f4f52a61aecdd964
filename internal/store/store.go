// Package store persists usage records and chat transcripts.
package store

import (
	"context"
	"time"

	"github.com/peregrinehq/switchboard/pkg/types"
)

// TranscriptEntry is one persisted chat message, either a user prompt or a
// completed assistant reply.
type TranscriptEntry struct {
	ChatID    string
	RequestID string
	Role      types.Role
	Text      string
	CreatedAt time.Time
}

// Store is the gateway's durable sink. The memory implementation backs
// tests and single-node deployments; postgres backs everything else.
type Store interface {
	// AppendUsage records the ledger entry for a finished request.
	AppendUsage(ctx context.Context, rec types.UsageRecord) error

	// AppendMessage appends a transcript entry.
	AppendMessage(ctx context.Context, entry TranscriptEntry) error

	// UsageForUser returns usage records for a user since the given time,
	// newest first.
	UsageForUser(ctx context.Context, userID string, since time.Time) ([]types.UsageRecord, error)

	// Close releases store resources.
	Close() error
}
