package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ashureev/mcp-chat-gateway/internal/domain"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// MemoryStore keeps threads in process, bounded by capacity and TTL.
// Entries are only ever read with Peek, so the LRU order is creation order
// and the newest key is the latest thread.
type MemoryStore struct {
	mu    sync.Mutex // serializes the collision check and insert in Create
	cache *expirable.LRU[string, *domain.Thread]
	newID func() string
	now   func() time.Time
}

// NewMemory creates an in-process store. capacity 0 means unbounded and
// ttl 0 disables expiry.
func NewMemory(capacity int, ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		cache: expirable.NewLRU[string, *domain.Thread](capacity, nil, ttl),
		newID: uuid.NewString,
		now:   time.Now,
	}
}

// Create stores input under a fresh identifier.
func (s *MemoryStore) Create(_ context.Context, input domain.ThreadInput) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < maxCreateAttempts; i++ {
		id := s.newID()
		if _, exists := s.cache.Peek(id); exists {
			continue
		}
		s.cache.Add(id, &domain.Thread{
			ID:        id,
			Input:     cloneInput(input),
			CreatedAt: s.now(),
		})
		return id, nil
	}
	return "", fmt.Errorf("generate unique thread id after %d attempts", maxCreateAttempts)
}

// Get returns the thread stored under id.
func (s *MemoryStore) Get(_ context.Context, id string) (*domain.Thread, error) {
	thread, ok := s.cache.Peek(id)
	if !ok {
		return nil, ErrThreadNotFound
	}
	return copyThread(thread), nil
}

// Latest returns the most recently created live thread.
func (s *MemoryStore) Latest(_ context.Context) (*domain.Thread, error) {
	keys := s.cache.Keys()
	// An entry may expire between Keys and Peek; walk back to the next live one.
	for i := len(keys) - 1; i >= 0; i-- {
		if thread, ok := s.cache.Peek(keys[i]); ok {
			return copyThread(thread), nil
		}
	}
	return nil, ErrNoThreadAvailable
}

// Len returns the number of live threads.
func (s *MemoryStore) Len(_ context.Context) (int, error) {
	return len(s.cache.Keys()), nil
}

// Ping always succeeds for the in-process store.
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// Close drops every stored thread.
func (s *MemoryStore) Close() error {
	s.cache.Purge()
	return nil
}

func copyThread(t *domain.Thread) *domain.Thread {
	return &domain.Thread{
		ID:        t.ID,
		Input:     cloneInput(t.Input),
		CreatedAt: t.CreatedAt,
	}
}

var _ ThreadStore = (*MemoryStore)(nil)
