package auth

import (
	"context"
	"sync"
	"time"

	"github.com/clinicore/clinicore/internal/cache"
)

// RevocationStore tracks access-token identifiers that were revoked before
// their natural expiry. The set is advisory: expiry remains the source of
// truth, so entries may be dropped once the token would have lapsed anyway.
type RevocationStore interface {
	Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// MemoryRevocationStore is a mutex-guarded in-process revocation set for
// single-instance deployments.
type MemoryRevocationStore struct {
	mu      sync.RWMutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryRevocationStore constructs an empty in-process revocation set.
func NewMemoryRevocationStore() *MemoryRevocationStore {
	return &MemoryRevocationStore{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Revoke records the token id until its natural expiry.
func (s *MemoryRevocationStore) Revoke(_ context.Context, tokenID string, expiresAt time.Time) error {
	if tokenID == "" {
		return nil
	}

	s.mu.Lock()
	s.entries[tokenID] = expiresAt
	s.mu.Unlock()
	return nil
}

// IsRevoked reports whether the token id is in the set and not yet lapsed.
func (s *MemoryRevocationStore) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	s.mu.RLock()
	expiresAt, ok := s.entries[tokenID]
	s.mu.RUnlock()

	if !ok {
		return false, nil
	}
	if !expiresAt.IsZero() && !expiresAt.After(s.now()) {
		s.mu.Lock()
		delete(s.entries, tokenID)
		s.mu.Unlock()
		return false, nil
	}
	return true, nil
}

// Prune drops entries whose tokens have passed their natural expiry so the
// set does not grow without bound. Returns the number of entries removed.
func (s *MemoryRevocationStore) Prune() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, expiresAt := range s.entries {
		if !expiresAt.IsZero() && !expiresAt.After(now) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

// CacheRevocationStore keeps the revocation set on a shared cache.Store so
// multiple instances observe the same revocations. TTLs handle pruning.
type CacheRevocationStore struct {
	store cache.Store
	now   func() time.Time
}

// NewCacheRevocationStore wraps a shared cache backend.
func NewCacheRevocationStore(store cache.Store) *CacheRevocationStore {
	return &CacheRevocationStore{store: store, now: time.Now}
}

// Revoke records the token id with a TTL matching its remaining lifetime.
func (s *CacheRevocationStore) Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error {
	if tokenID == "" {
		return nil
	}

	ttl := expiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil // token already lapsed, expiry check handles it
	}
	return s.store.Set(ctx, "revoked:"+tokenID, []byte("1"), ttl)
}

// IsRevoked reports whether the token id is present in the shared set.
func (s *CacheRevocationStore) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	_, ok, err := s.store.Get(ctx, "revoked:"+tokenID)
	return ok, err
}
