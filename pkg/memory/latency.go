package memory

import (
	"sync"
	"time"
)

// LatencyRegistry tracks named interval timers per call ("ttfb", "consume",
// "total", "tts:synthesis", ...). Start and Stop are safe on unknown or
// already-stopped names so instrumentation never has to guard call order.
type LatencyRegistry struct {
	mu      sync.Mutex
	started map[string]time.Time
	done    map[string][]time.Duration
	onStop  func(name string, d time.Duration)
	now     func() time.Time
}

// NewLatencyRegistry creates an empty registry. onStop, when non-nil, is
// invoked after each completed interval (used to feed histograms).
func NewLatencyRegistry(onStop func(name string, d time.Duration)) *LatencyRegistry {
	return &LatencyRegistry{
		started: make(map[string]time.Time),
		done:    make(map[string][]time.Duration),
		onStop:  onStop,
		now:     time.Now,
	}
}

// Start begins (or restarts) the named interval.
func (r *LatencyRegistry) Start(name string) {
	r.mu.Lock()
	r.started[name] = r.now()
	r.mu.Unlock()
}

// Stop completes the named interval and records its duration. Stopping a
// name that was never started is a no-op returning false.
func (r *LatencyRegistry) Stop(name string) (time.Duration, bool) {
	r.mu.Lock()
	start, ok := r.started[name]
	if !ok {
		r.mu.Unlock()
		return 0, false
	}
	delete(r.started, name)
	d := r.now().Sub(start)
	r.done[name] = append(r.done[name], d)
	onStop := r.onStop
	r.mu.Unlock()

	if onStop != nil {
		onStop(name, d)
	}
	return d, true
}

// Running reports whether the named interval is currently open.
func (r *LatencyRegistry) Running(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.started[name]
	return ok
}

// Intervals returns a copy of all completed intervals by name.
func (r *LatencyRegistry) Intervals() map[string][]time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]time.Duration, len(r.done))
	for k, v := range r.done {
		ds := make([]time.Duration, len(v))
		copy(ds, v)
		out[k] = ds
	}
	return out
}
