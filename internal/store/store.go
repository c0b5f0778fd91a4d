// Package store provides thread persistence interfaces and implementations.
package store

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/ashureev/mcp-chat-gateway/internal/config"
	"github.com/ashureev/mcp-chat-gateway/internal/domain"
	"github.com/ashureev/mcp-chat-gateway/internal/errx"
)

var (
	// ErrThreadNotFound is returned when a referenced thread does not exist or has expired.
	ErrThreadNotFound = errx.NotFound("thread not found")
	// ErrNoThreadAvailable is returned when a latest-thread lookup finds an empty store.
	ErrNoThreadAvailable = errx.Validation("no thread available")
	// ErrNoMessages is returned when the selected thread has an empty message list.
	ErrNoMessages = errx.Validation("no messages in thread")
)

// maxCreateAttempts bounds identifier regeneration on collision.
const maxCreateAttempts = 3

// ThreadStore holds conversation payloads addressable by a generated identifier.
// Implementations must be safe for concurrent use.
type ThreadStore interface {
	// Create stores input under a fresh identifier and returns it.
	// An existing identifier is never overwritten.
	Create(ctx context.Context, input domain.ThreadInput) (string, error)

	// Get returns the thread stored under id, or ErrThreadNotFound.
	Get(ctx context.Context, id string) (*domain.Thread, error)

	// Latest returns the most recently created live thread, or ErrNoThreadAvailable.
	Latest(ctx context.Context) (*domain.Thread, error)

	// Len returns the number of live threads.
	Len(ctx context.Context) (int, error)

	// Ping verifies the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// Sweeper is implemented by stores that need periodic removal of expired threads.
type Sweeper interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// LatestMessage returns thread id together with the content of its last
// message. An empty id selects the most recently created thread.
func LatestMessage(ctx context.Context, s ThreadStore, id string) (*domain.Thread, string, error) {
	var (
		thread *domain.Thread
		err    error
	)
	if id == "" {
		thread, err = s.Latest(ctx)
	} else {
		thread, err = s.Get(ctx, id)
	}
	if err != nil {
		return nil, "", err
	}

	content, ok := thread.Input.LastContent()
	if !ok {
		return nil, "", ErrNoMessages
	}
	return thread, content, nil
}

// Open builds the store selected by cfg.URL: empty or memory:// for the
// in-process store, redis:// or rediss:// for Redis, sqlite://path for SQLite.
func Open(ctx context.Context, cfg config.ThreadStoreConfig) (ThreadStore, error) {
	raw := strings.TrimSpace(cfg.URL)
	if raw == "" {
		return NewMemory(cfg.Capacity, cfg.TTL), nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse THREAD_STORE_URL: %w", err)
	}

	switch u.Scheme {
	case "memory":
		return NewMemory(cfg.Capacity, cfg.TTL), nil
	case "redis", "rediss":
		return NewRedis(ctx, raw, cfg.TTL)
	case "sqlite":
		path := strings.TrimPrefix(raw, "sqlite://")
		if path == "" {
			return nil, fmt.Errorf("sqlite thread store requires a path")
		}
		return NewSQLite(path, cfg.TTL)
	default:
		return nil, fmt.Errorf("unsupported thread store scheme %q", u.Scheme)
	}
}

func cloneInput(in domain.ThreadInput) domain.ThreadInput {
	return domain.ThreadInput{
		Messages: slices.Clone(in.Messages),
		Model:    in.Model,
	}
}
