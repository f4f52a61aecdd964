package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQuotaStore implements QuotaStore against Redis so the rolling window
// is shared across gateway instances. Each user's window lives in two keys
// expiring together at the window boundary.
type RedisQuotaStore struct {
	client *redis.Client
	prefix string
}

// NewRedisQuotaStore creates a Redis-backed store with the given key prefix.
func NewRedisQuotaStore(client *redis.Client, prefix string) *RedisQuotaStore {
	if prefix == "" {
		prefix = "switchboard:quota"
	}
	return &RedisQuotaStore{client: client, prefix: prefix}
}

func (s *RedisQuotaStore) reqKey(userID string) string {
	return fmt.Sprintf("%s:%s:req", s.prefix, userID)
}

func (s *RedisQuotaStore) tokKey(userID string) string {
	return fmt.Sprintf("%s:%s:tok", s.prefix, userID)
}

// Reserve implements QuotaStore. The increment-then-check shape means a
// rejected request has already bumped the counters; the overshoot is bounded
// by one request per concurrent checker and rolls off with the window.
func (s *RedisQuotaStore) Reserve(ctx context.Context, userID string, tokens int, limits Limits) (Decision, error) {
	reqKey := s.reqKey(userID)
	tokKey := s.tokKey(userID)

	pipe := s.client.TxPipeline()
	reqCount := pipe.Incr(ctx, reqKey)
	tokCount := pipe.IncrBy(ctx, tokKey, int64(tokens))
	pipe.ExpireNX(ctx, reqKey, limits.Window)
	pipe.ExpireNX(ctx, tokKey, limits.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("redis quota reserve: %w", err)
	}

	exceeded := (limits.MaxRequests > 0 && reqCount.Val() > int64(limits.MaxRequests)) ||
		(limits.MaxTokens > 0 && tokCount.Val() > int64(limits.MaxTokens))
	if !exceeded {
		return Decision{Allowed: true}, nil
	}

	// Undo this request's contribution and report when the window expires.
	_ = s.Unreserve(ctx, userID, tokens)

	ttl, err := s.client.TTL(ctx, reqKey).Result()
	if err != nil || ttl < time.Second {
		ttl = time.Second
	}
	return Decision{RetryAfter: ttl}, nil
}

// Unreserve implements QuotaStore.
func (s *RedisQuotaStore) Unreserve(ctx context.Context, userID string, tokens int) error {
	undo := s.client.TxPipeline()
	undo.Decr(ctx, s.reqKey(userID))
	undo.DecrBy(ctx, s.tokKey(userID), int64(tokens))
	if _, err := undo.Exec(ctx); err != nil {
		return fmt.Errorf("redis quota unreserve: %w", err)
	}
	return nil
}

// AddTokens implements QuotaStore.
func (s *RedisQuotaStore) AddTokens(ctx context.Context, userID string, tokens int) error {
	if tokens <= 0 {
		return nil
	}
	if err := s.client.IncrBy(ctx, s.tokKey(userID), int64(tokens)).Err(); err != nil {
		return fmt.Errorf("redis quota add tokens: %w", err)
	}
	return nil
}

// Close implements QuotaStore. The client is owned by the caller.
func (s *RedisQuotaStore) Close() error {
	return nil
}
