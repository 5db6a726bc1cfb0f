package call

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/pkg/memory"
)

// defaultBargeInReset is how long the single-flight flag stays set after a
// barge-in, coalescing the burst of partials that follows the first one.
const defaultBargeInReset = 100 * time.Millisecond

// BargeInCoordinator turns partial-speech detections into playback
// cancellation. Triggers arrive on the recognizer's callback goroutine; the
// single-flight flag guarantees at most one barge-in is in flight no matter
// how many partials land inside the reset window.
type BargeInCoordinator struct {
	callID     string
	resetAfter time.Duration
	inFlight   atomic.Bool

	// Cancellation steps, each best-effort: a failure in one never skips
	// the others.
	cancelPlayback   func()
	cancelProcessing func()
	sendStop         func(ctx context.Context) error

	mem     *memory.Memory
	metrics *observe.Metrics
}

// NewBargeInCoordinator wires the three cancellation steps. Any of them may
// be nil, in which case that step is skipped.
func NewBargeInCoordinator(
	callID string,
	mem *memory.Memory,
	metrics *observe.Metrics,
	cancelPlayback func(),
	cancelProcessing func(),
	sendStop func(ctx context.Context) error,
) *BargeInCoordinator {
	return &BargeInCoordinator{
		callID:           callID,
		resetAfter:       defaultBargeInReset,
		cancelPlayback:   cancelPlayback,
		cancelProcessing: cancelProcessing,
		sendStop:         sendStop,
		mem:              mem,
		metrics:          metrics,
	}
}

// Trigger runs the barge-in sequence: cancel playback, cancel the in-flight
// turn, tell the provider to stop audio. Returns false when another barge-in
// is already in flight. Safe to call from any goroutine.
func (b *BargeInCoordinator) Trigger(ctx context.Context) bool {
	if !b.inFlight.CompareAndSwap(false, true) {
		return false
	}

	n := b.mem.IncrementInterrupts()
	slog.Info("barge-in detected, cancelling playback",
		"call_id", b.callID, "interrupt_count", n)
	if b.metrics != nil {
		b.metrics.BargeIns.Add(ctx, 1)
	}

	if b.cancelPlayback != nil {
		b.cancelPlayback()
	}
	if b.cancelProcessing != nil {
		b.cancelProcessing()
	}
	if b.sendStop != nil {
		if err := b.sendStop(ctx); err != nil {
			slog.Warn("barge-in StopAudio send failed",
				"call_id", b.callID, "error", err)
		}
	}

	time.AfterFunc(b.resetAfter, func() {
		b.inFlight.Store(false)
	})
	return true
}

// InFlight reports whether a barge-in is currently being coalesced.
func (b *BargeInCoordinator) InFlight() bool {
	return b.inFlight.Load()
}
