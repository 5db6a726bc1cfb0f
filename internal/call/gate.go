package call

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// defaultGateTimeout bounds how long the validation waiter holds the gate
// closed after the first AudioMetadata.
const defaultGateTimeout = 30 * time.Second

// Gate is the boolean latch between the media loop and the recognizer. It
// starts closed when DTMF validation is enabled and opens exactly once, on
// external validation or on waiter timeout. Open is terminal for the call.
type Gate struct {
	opened   chan struct{}
	openOnce sync.Once

	waitTimeout time.Duration
	waiterOnce  sync.Once
	dropLogOnce sync.Once
}

// NewGate creates a gate. When validation is disabled the gate starts open
// and the waiter is a no-op.
func NewGate(validationEnabled bool) *Gate {
	g := &Gate{
		opened:      make(chan struct{}),
		waitTimeout: defaultGateTimeout,
	}
	if !validationEnabled {
		g.Open()
	}
	return g
}

// IsOpen reports whether audio may flow to the recognizer.
func (g *Gate) IsOpen() bool {
	select {
	case <-g.opened:
		return true
	default:
		return false
	}
}

// Open opens the gate. Idempotent.
func (g *Gate) Open() {
	g.openOnce.Do(func() {
		close(g.opened)
	})
}

// Opened returns a channel closed when the gate opens.
func (g *Gate) Opened() <-chan struct{} {
	return g.opened
}

// StartWaiter launches the background wait for validation. Started once, on
// the first AudioMetadata. onOpen runs exactly once after the gate opens,
// whether by validation, by timeout, or because the gate was already open.
// ctx cancellation (call teardown) suppresses onOpen.
func (g *Gate) StartWaiter(ctx context.Context, callID string, onOpen func()) {
	g.waiterOnce.Do(func() {
		go func() {
			select {
			case <-g.opened:
			case <-time.After(g.waitTimeout):
				slog.Warn("validation gate timed out, opening anyway",
					"call_id", callID,
					"timeout", g.waitTimeout)
				g.Open()
			case <-ctx.Done():
				return
			}
			if onOpen != nil {
				onOpen()
			}
		}()
	})
}

// NoteClosedDrop records that an audio frame was dropped behind the closed
// gate, logging only the first occurrence. Returns true on that first call.
func (g *Gate) NoteClosedDrop(callID string) bool {
	first := false
	g.dropLogOnce.Do(func() {
		first = true
		slog.Info("dropping audio while validation gate is closed",
			"call_id", callID)
	})
	return first
}
