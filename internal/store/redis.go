package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/mcp-chat-gateway/internal/domain"
	"github.com/ashureev/mcp-chat-gateway/internal/errx"
	"github.com/ashureev/mcp-chat-gateway/internal/logx"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisSeqKey   = "threads:seq"
	redisIndexKey = "threads:index"
)

// RedisStore implements ThreadStore on Redis. Each thread is a JSON value
// with TTL; a sorted set scored by a creation sequence orders them.
type RedisStore struct {
	rdb   redis.UniversalClient
	ttl   time.Duration
	newID func() string
	now   func() time.Time
}

// NewRedis connects to rawURL and verifies the connection.
func NewRedis(ctx context.Context, rawURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.DialTimeout = 5 * time.Second

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisWithClient(client, ttl), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(rdb redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{
		rdb:   rdb,
		ttl:   ttl,
		newID: uuid.NewString,
		now:   time.Now,
	}
}

func threadKey(id string) string {
	return fmt.Sprintf("thread:%s", id)
}

// Create stores input under a fresh identifier. SETNX guarantees an
// existing identifier is never overwritten.
func (s *RedisStore) Create(ctx context.Context, input domain.ThreadInput) (string, error) {
	seq, err := s.rdb.Incr(ctx, redisSeqKey).Result()
	if err != nil {
		return "", wrapRedis(err)
	}

	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		thread := domain.Thread{ID: s.newID(), Input: input, CreatedAt: s.now()}
		data, err := json.Marshal(thread)
		if err != nil {
			return "", fmt.Errorf("marshal thread: %w", err)
		}

		ok, err := s.rdb.SetNX(ctx, threadKey(thread.ID), data, s.ttl).Result()
		if err != nil {
			return "", wrapRedis(err)
		}
		if !ok {
			logx.Warn().Str("thread_id", thread.ID).Msg("thread id collision, regenerating")
			continue
		}

		if err := s.rdb.ZAdd(ctx, redisIndexKey, redis.Z{Score: float64(seq), Member: thread.ID}).Err(); err != nil {
			// An unindexed thread key would never be reachable through Latest.
			if delErr := s.rdb.Del(ctx, threadKey(thread.ID)).Err(); delErr != nil {
				logx.Error().Err(delErr).Str("thread_id", thread.ID).Msg("failed to remove unindexed thread")
			}
			return "", wrapRedis(err)
		}
		return thread.ID, nil
	}
	return "", fmt.Errorf("generate unique thread id after %d attempts", maxCreateAttempts)
}

// Get returns the thread stored under id.
func (s *RedisStore) Get(ctx context.Context, id string) (*domain.Thread, error) {
	thread, err := s.load(ctx, id)
	if errors.Is(err, redis.Nil) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, err
	}
	return thread, nil
}

// Latest returns the most recently created live thread. Index members whose
// thread key has expired are pruned on the way.
func (s *RedisStore) Latest(ctx context.Context) (*domain.Thread, error) {
	for {
		ids, err := s.rdb.ZRevRange(ctx, redisIndexKey, 0, 0).Result()
		if err != nil {
			return nil, wrapRedis(err)
		}
		if len(ids) == 0 {
			return nil, ErrNoThreadAvailable
		}

		thread, err := s.load(ctx, ids[0])
		if err == nil {
			return thread, nil
		}
		if !errors.Is(err, redis.Nil) {
			return nil, err
		}
		if err := s.rdb.ZRem(ctx, redisIndexKey, ids[0]).Err(); err != nil {
			return nil, wrapRedis(err)
		}
	}
}

func (s *RedisStore) load(ctx context.Context, id string) (*domain.Thread, error) {
	data, err := s.rdb.Get(ctx, threadKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, redis.Nil
	}
	if err != nil {
		return nil, wrapRedis(err)
	}

	var thread domain.Thread
	if err := json.Unmarshal(data, &thread); err != nil {
		return nil, fmt.Errorf("unmarshal thread %s: %w", id, err)
	}
	return &thread, nil
}

// Len returns the number of live threads. Index members whose key has
// expired are pruned first.
func (s *RedisStore) Len(ctx context.Context) (int, error) {
	if _, err := s.DeleteExpired(ctx); err != nil {
		return 0, err
	}
	n, err := s.rdb.ZCard(ctx, redisIndexKey).Result()
	if err != nil {
		return 0, wrapRedis(err)
	}
	return int(n), nil
}

// DeleteExpired drops index members whose thread key no longer exists.
func (s *RedisStore) DeleteExpired(ctx context.Context) (int64, error) {
	ids, err := s.rdb.ZRange(ctx, redisIndexKey, 0, -1).Result()
	if err != nil {
		return 0, wrapRedis(err)
	}

	if len(ids) == 0 {
		return 0, nil
	}

	checks := make([]*redis.IntCmd, len(ids))
	if _, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			checks[i] = pipe.Exists(ctx, threadKey(id))
		}
		return nil
	}); err != nil {
		return 0, wrapRedis(err)
	}

	var gone []any
	for i, cmd := range checks {
		if cmd.Val() == 0 {
			gone = append(gone, ids[i])
		}
	}
	if len(gone) == 0 {
		return 0, nil
	}

	removed, err := s.rdb.ZRem(ctx, redisIndexKey, gone...).Result()
	if err != nil {
		return 0, wrapRedis(err)
	}
	return removed, nil
}

// Ping verifies Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return wrapRedis(s.rdb.Ping(ctx).Err())
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func wrapRedis(err error) error {
	if err == nil {
		return nil
	}
	return errx.Unavailable(err, "thread store unavailable")
}

var (
	_ ThreadStore = (*RedisStore)(nil)
	_ Sweeper     = (*RedisStore)(nil)
)
