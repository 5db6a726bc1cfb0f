// Package pool provides a fixed-size resource pool for expensive per-call
// resources such as recognizer and synthesizer clients. Resources are built
// once up front; callers lease one for the lifetime of a call and return it
// on teardown.
package pool

import (
	"context"
	"fmt"
	"log/slog"
)

// Factory builds one pool resource. Called Size times during Prepare.
type Factory[T any] func(ctx context.Context) (T, error)

// Pool is a fixed-size pool backed by a buffered channel. Acquire blocks
// until a resource is free or the context is done; Release returns a
// resource without blocking.
type Pool[T any] struct {
	name    string
	size    int
	items   chan T
	factory Factory[T]
}

// New creates an unprepared pool. size must be positive.
func New[T any](name string, size int, factory Factory[T]) (*Pool[T], error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool: %s: size must be positive, got %d", name, size)
	}
	if factory == nil {
		return nil, fmt.Errorf("pool: %s: nil factory", name)
	}
	return &Pool[T]{
		name:    name,
		size:    size,
		items:   make(chan T, size),
		factory: factory,
	}, nil
}

// Prepare fills the pool by invoking the factory size times. A factory
// failure aborts preparation; resources already built stay in the pool so a
// retry only builds the remainder.
func (p *Pool[T]) Prepare(ctx context.Context) error {
	for len(p.items) < p.size {
		item, err := p.factory(ctx)
		if err != nil {
			return fmt.Errorf("pool: %s: prepare resource %d/%d: %w", p.name, len(p.items)+1, p.size, err)
		}
		p.items <- item
	}
	slog.Info("resource pool ready", "pool", p.name, "size", p.size)
	return nil
}

// Acquire leases a resource, blocking until one is free or ctx is done.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	select {
	case item := <-p.items:
		return item, nil
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("pool: %s: acquire: %w", p.name, ctx.Err())
	}
}

// TryAcquire leases a resource without blocking. ok is false when the pool
// is exhausted.
func (p *Pool[T]) TryAcquire() (item T, ok bool) {
	select {
	case item = <-p.items:
		return item, true
	default:
		var zero T
		return zero, false
	}
}

// Release returns a leased resource to the pool. Releasing more resources
// than the pool holds indicates a double release and is dropped with a
// warning rather than blocking the caller.
func (p *Pool[T]) Release(item T) {
	select {
	case p.items <- item:
	default:
		slog.Warn("resource pool release overflow, dropping resource", "pool", p.name)
	}
}

// Available reports how many resources are currently free.
func (p *Pool[T]) Available() int { return len(p.items) }

// Size reports the configured pool size.
func (p *Pool[T]) Size() int { return p.size }
