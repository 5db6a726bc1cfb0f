package memory

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrNotFound is returned by Store.Get when no snapshot exists for the key.
var ErrNotFound = errors.New("memory: not found")

// Store is the external key-value contract backing conversation memory.
// Keys are call IDs; values are opaque JSON snapshots.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte) error
	Delete(ctx context.Context, key string) error
}

// LocalStore is an in-process Store used in tests and as the fallback tier.
type LocalStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewLocalStore creates an empty in-process store.
func NewLocalStore() *LocalStore {
	return &LocalStore{data: make(map[string][]byte)}
}

var _ Store = (*LocalStore)(nil)

func (s *LocalStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *LocalStore) Set(_ context.Context, key string, val []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(val))
	copy(cp, val)
	s.data[key] = cp
	return nil
}

func (s *LocalStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// FallbackStore layers an in-process store under a primary one. Writes go to
// both; reads prefer the primary and fall back locally when it is
// unreachable. This keeps calls alive through store outages at the cost of
// cross-process visibility.
type FallbackStore struct {
	primary Store
	local   *LocalStore
}

// NewFallbackStore wraps primary with a local fallback tier.
func NewFallbackStore(primary Store) *FallbackStore {
	return &FallbackStore{primary: primary, local: NewLocalStore()}
}

var _ Store = (*FallbackStore)(nil)

func (s *FallbackStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.primary.Get(ctx, key)
	if err == nil {
		return v, nil
	}
	if errors.Is(err, ErrNotFound) {
		return nil, err
	}
	slog.Warn("primary store read failed, using local fallback", "key", key, "error", err)
	return s.local.Get(ctx, key)
}

func (s *FallbackStore) Set(ctx context.Context, key string, val []byte) error {
	if err := s.local.Set(ctx, key, val); err != nil {
		return err
	}
	if err := s.primary.Set(ctx, key, val); err != nil {
		slog.Warn("primary store write failed, kept local copy", "key", key, "error", err)
	}
	return nil
}

func (s *FallbackStore) Delete(ctx context.Context, key string) error {
	_ = s.local.Delete(ctx, key)
	return s.primary.Delete(ctx, key)
}
