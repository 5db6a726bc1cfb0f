package call

import (
	"context"
	"sync"

	"github.com/voxbridge/voxbridge/internal/observe"
)

// defaultQueueCap is the SpeechQueue capacity when the config carries none.
const defaultQueueCap = 10

// SpeechQueue is the bounded recognizer→router event queue. Producers run on
// the recognizer's callback goroutines and must never block, so a full queue
// evicts its oldest event instead of waiting. The router is the single
// consumer.
type SpeechQueue struct {
	mu        sync.Mutex
	items     []SpeechEvent
	capacity  int
	dropped   int
	highWater int

	// signal wakes the consumer after a push. Capacity 1: coalesced wakeups
	// are fine because Pop re-checks the slice.
	signal chan struct{}

	metrics *observe.Metrics
}

// NewSpeechQueue creates a queue holding at most capacity events.
func NewSpeechQueue(capacity int, metrics *observe.Metrics) *SpeechQueue {
	if capacity <= 0 {
		capacity = defaultQueueCap
	}
	return &SpeechQueue{
		capacity: capacity,
		signal:   make(chan struct{}, 1),
		metrics:  metrics,
	}
}

// Push enqueues ev, evicting the oldest event when the queue is full. Never
// blocks.
func (q *SpeechQueue) Push(ctx context.Context, ev SpeechEvent) {
	q.mu.Lock()
	if len(q.items) == q.capacity {
		q.items = q.items[1:]
		q.dropped++
		if q.metrics != nil {
			q.metrics.QueueDropped.Add(ctx, 1)
		}
	}
	q.items = append(q.items, ev)
	if len(q.items) > q.highWater {
		q.highWater = len(q.items)
		if q.metrics != nil {
			q.metrics.QueueHighWatermark.Record(ctx, int64(q.highWater))
		}
	}
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Pop removes and returns the oldest event, blocking until one is available
// or ctx is done.
func (q *SpeechQueue) Pop(ctx context.Context) (SpeechEvent, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return ev, nil
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return SpeechEvent{}, ctx.Err()
		}
	}
}

// Drain discards all queued events and returns how many were removed. Used
// on barge-in to throw away stale events.
func (q *SpeechQueue) Drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = q.items[:0]
	return n
}

// Len returns the current queue depth.
func (q *SpeechQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many events were evicted since creation.
func (q *SpeechQueue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// HighWatermark returns the deepest observed queue depth.
func (q *SpeechQueue) HighWatermark() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.highWater
}
