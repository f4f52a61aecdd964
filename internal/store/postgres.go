package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/peregrinehq/switchboard/pkg/types"
)

const usageSchema = `
CREATE TABLE IF NOT EXISTS usage_records (
	request_id    TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	provider      TEXT NOT NULL,
	model         TEXT NOT NULL,
	input_tokens  BIGINT NOT NULL,
	output_tokens BIGINT NOT NULL,
	cost_micros   BIGINT NOT NULL,
	estimated     BOOLEAN NOT NULL,
	latency_ms    BIGINT NOT NULL,
	success       BOOLEAN NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS usage_records_user_time
	ON usage_records (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS chat_messages (
	id         BIGSERIAL PRIMARY KEY,
	chat_id    TEXT NOT NULL,
	request_id TEXT NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS chat_messages_chat
	ON chat_messages (chat_id, id);
`

// PostgresStore persists usage and transcripts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, usageSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// AppendUsage inserts a ledger entry. ON CONFLICT DO NOTHING enforces the
// one-record-per-request invariant at the database level too.
func (s *PostgresStore) AppendUsage(ctx context.Context, rec types.UsageRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records
			(request_id, user_id, provider, model, input_tokens, output_tokens,
			 cost_micros, estimated, latency_ms, success, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (request_id) DO NOTHING`,
		rec.RequestID, rec.UserID, rec.Provider, rec.Model,
		rec.InputTokens, rec.OutputTokens, rec.CostMicros,
		rec.Estimated, rec.LatencyMS, rec.Success, rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// AppendMessage inserts a transcript entry.
func (s *PostgresStore) AppendMessage(ctx context.Context, entry TranscriptEntry) error {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (chat_id, request_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		entry.ChatID, entry.RequestID, string(entry.Role), entry.Text, createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	return nil
}

// UsageForUser returns the user's records since the cutoff, newest first.
func (s *PostgresStore) UsageForUser(ctx context.Context, userID string, since time.Time) ([]types.UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, user_id, provider, model, input_tokens, output_tokens,
		       cost_micros, estimated, latency_ms, success, created_at
		FROM usage_records
		WHERE user_id = $1 AND created_at >= $2
		ORDER BY created_at DESC`,
		userID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer rows.Close()

	var out []types.UsageRecord
	for rows.Next() {
		var rec types.UsageRecord
		if err := rows.Scan(
			&rec.RequestID, &rec.UserID, &rec.Provider, &rec.Model,
			&rec.InputTokens, &rec.OutputTokens, &rec.CostMicros,
			&rec.Estimated, &rec.LatencyMS, &rec.Success, &rec.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		rec.Cost = float64(rec.CostMicros) / 1e6
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
