package resilience

import (
	"context"
	"time"

	"github.com/voxbridge/voxbridge/pkg/memory"
)

// GuardedStore wraps a memory.Store with a circuit breaker so that a dead
// key-value service fails fast instead of adding a network timeout to every
// persist on the call path. Pair it with memory.FallbackStore to keep calls
// alive on local state while the breaker is open.
type GuardedStore struct {
	inner   memory.Store
	breaker *CircuitBreaker
}

var _ memory.Store = (*GuardedStore)(nil)

// NewGuardedStore wraps inner with a breaker tuned for store outages.
func NewGuardedStore(inner memory.Store) *GuardedStore {
	return &GuardedStore{
		inner: inner,
		breaker: NewCircuitBreaker(CircuitBreakerConfig{
			Name:         "memory-store",
			MaxFailures:  3,
			ResetTimeout: 10 * time.Second,
		}),
	}
}

func (s *GuardedStore) Get(ctx context.Context, key string) (val []byte, err error) {
	execErr := s.breaker.Execute(func() error {
		val, err = s.inner.Get(ctx, key)
		// A missing key is a valid answer, not a store failure.
		if err == memory.ErrNotFound {
			return nil
		}
		return err
	})
	if execErr != nil {
		return nil, execErr
	}
	return val, err
}

func (s *GuardedStore) Set(ctx context.Context, key string, val []byte) error {
	return s.breaker.Execute(func() error {
		return s.inner.Set(ctx, key, val)
	})
}

func (s *GuardedStore) Delete(ctx context.Context, key string) error {
	return s.breaker.Execute(func() error {
		return s.inner.Delete(ctx, key)
	})
}
