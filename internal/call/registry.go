package call

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voxbridge/voxbridge/internal/observe"
)

// Registry is the process-wide map from call ID to its live handler. At most
// one handler runs per call: installing over a running entry stops the old
// handler before the new one takes its place.
type Registry struct {
	mu      sync.Mutex
	entries map[string]registryEntry
	metrics *observe.Metrics
}

type registryEntry struct {
	handler *Handler
	started time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(metrics *observe.Metrics) *Registry {
	return &Registry{
		entries: make(map[string]registryEntry),
		metrics: metrics,
	}
}

// Install claims the call ID for h. A running handler under the same ID is
// stopped first; its own removal attempt is a no-op because the entry no
// longer points at it.
func (r *Registry) Install(ctx context.Context, callID string, h *Handler) {
	r.mu.Lock()
	prev, replaced := r.entries[callID]
	r.entries[callID] = registryEntry{handler: h, started: time.Now()}
	n := len(r.entries)
	r.mu.Unlock()

	if replaced {
		slog.Warn("replacing running call handler", "call_id", callID)
		prev.handler.Stop()
	} else if r.metrics != nil {
		r.metrics.ActiveCalls.Add(ctx, 1)
	}
	slog.Info("call handler installed", "call_id", callID, "active_calls", n)
}

// Remove deletes the entry for callID, but only when it still points at h.
// A handler that was replaced must not clobber its successor's entry.
// Returns true when the entry was removed.
func (r *Registry) Remove(ctx context.Context, callID string, h *Handler) bool {
	r.mu.Lock()
	cur, ok := r.entries[callID]
	if !ok || cur.handler != h {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, callID)
	n := len(r.entries)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ActiveCalls.Add(ctx, -1)
	}
	slog.Info("call handler removed", "call_id", callID, "active_calls", n)
	return true
}

// Get returns the live handler for callID.
func (r *Registry) Get(callID string) (*Handler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[callID]
	return e.handler, ok
}

// Len reports the number of active calls.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// StartTimes snapshots when each active call's handler was installed, for
// the health endpoint.
func (r *Registry) StartTimes() map[string]time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]time.Time, len(r.entries))
	for id, e := range r.entries {
		out[id] = e.started
	}
	return out
}

// StopAll stops every active handler, used on process shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	handlers := make([]*Handler, 0, len(r.entries))
	for _, e := range r.entries {
		handlers = append(handlers, e.handler)
	}
	r.mu.Unlock()

	for _, h := range handlers {
		h.Stop()
	}
}
