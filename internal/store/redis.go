// redis.go -- go-redis client for flow state and session caching.
//
// Flow state entries live only in Redis, with a TTL set on write and an
// atomic GETDEL on read, so each state value can be redeemed exactly once.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore wraps a Redis client for flow state and session cache operations.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisClient parses redisURL, connects, and pings to verify connectivity.
// The returned client is shared by RedisStore and RedisRateLimiter.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return rdb, nil
}

// NewRedisStore returns a RedisStore over an existing client. Safe for concurrent use.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// flowKey hashes the state so raw state values never sit in Redis.
func flowKey(state string) string {
	sum := sha256.Sum256([]byte(state))
	return "flow:" + base64.RawURLEncoding.EncodeToString(sum[:])
}

// PutFlow stores flow state under state with the given TTL.
// Returns ErrFlowExists rather than overwriting an existing entry.
func (s *RedisStore) PutFlow(ctx context.Context, state string, fs FlowState, ttl time.Duration) error {
	payload, err := json.Marshal(fs)
	if err != nil {
		return fmt.Errorf("marshaling flow state: %w", err)
	}
	ok, err := s.rdb.SetNX(ctx, flowKey(state), payload, ttl).Result()
	if err != nil {
		return fmt.Errorf("storing flow state: %w", err)
	}
	if !ok {
		return ErrFlowExists
	}
	return nil
}

// TakeFlow atomically reads and deletes the flow state for state.
// Concurrent callers racing on one state get exactly one success; the rest get ErrFlowNotFound.
func (s *RedisStore) TakeFlow(ctx context.Context, state string) (*FlowState, error) {
	raw, err := s.rdb.GetDel(ctx, flowKey(state)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrFlowNotFound
		}
		return nil, fmt.Errorf("taking flow state: %w", err)
	}
	var fs FlowState
	if err := json.Unmarshal(raw, &fs); err != nil {
		return nil, fmt.Errorf("parsing flow state: %w", err)
	}
	return &fs, nil
}

// SetSession caches a platform session with the given TTL (in seconds).
func (s *RedisStore) SetSession(ctx context.Context, tokenHash string, sessionData Session, ttl int) error {
	cacheOut, err := json.Marshal(CachedSession{
		UserID:    sessionData.UserID,
		CSRFToken: sessionData.CSRFToken,
		ExpiresAt: sessionData.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}
	if err := s.rdb.Set(ctx, "session:"+tokenHash, cacheOut, time.Duration(ttl)*time.Second).Err(); err != nil {
		return fmt.Errorf("caching session: %w", err)
	}
	return nil
}

// GetSession retrieves a cached session by its token hash.
// Returns ErrCacheMiss if the key is absent.
func (s *RedisStore) GetSession(ctx context.Context, tokenHash string) (*CachedSession, error) {
	raw, err := s.rdb.Get(ctx, "session:"+tokenHash).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("fetching session: %w", err)
	}
	var cached CachedSession
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, fmt.Errorf("parsing session: %w", err)
	}
	return &cached, nil
}

// CheckHealth pings Redis.
func (s *RedisStore) CheckHealth(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
