package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/semaphore"

	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/pkg/media"
)

const (
	// defaultMaxAudioTasks bounds concurrent frame submissions per call.
	defaultMaxAudioTasks = 50

	// defaultOverflowSize is the emergency buffer used while the semaphore
	// is saturated.
	defaultOverflowSize = 20

	// healthInterval paces the queue-health log line.
	healthInterval = time.Second
)

// wsConn is the slice of *websocket.Conn the media loop uses. Narrowed to
// an interface so tests can drive the loop with scripted frames.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// LoopStats is a snapshot of the media loop's backpressure counters.
type LoopStats struct {
	Active    int64
	Max       int64
	Dropped   int64
	Processed int64
}

// MediaLoop reads framed JSON messages from the call WebSocket, routes
// audio to the recognizer subject to the validation gate, and writes TTS
// frames and control commands back. A single bad frame never tears the
// loop down; only a read error ends it.
type MediaLoop struct {
	callID string
	conn   wsConn
	gate   *Gate
	driver *RecognizerDriver

	// onMetadata runs on every AudioMetadata frame. The handler wires
	// recognizer warm-up and the gate waiter here; both are idempotent.
	onMetadata func(ctx context.Context)

	sem      *semaphore.Weighted
	maxTasks int64
	overflow chan []byte
	metrics  *observe.Metrics

	active    atomic.Int64
	dropped   atomic.Int64
	processed atomic.Int64

	// earlyAudioWarned makes the audio-before-metadata warning one-shot,
	// like the closed-gate drop log.
	earlyAudioWarned atomic.Bool

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// NewMediaLoop creates a loop. maxTasks and overflowSize fall back to the
// defaults when non-positive.
func NewMediaLoop(callID string, conn wsConn, gate *Gate, driver *RecognizerDriver, onMetadata func(ctx context.Context), maxTasks, overflowSize int, metrics *observe.Metrics) *MediaLoop {
	if maxTasks <= 0 {
		maxTasks = defaultMaxAudioTasks
	}
	if overflowSize <= 0 {
		overflowSize = defaultOverflowSize
	}
	return &MediaLoop{
		callID:     callID,
		conn:       conn,
		gate:       gate,
		driver:     driver,
		onMetadata: onMetadata,
		sem:        semaphore.NewWeighted(int64(maxTasks)),
		maxTasks:   int64(maxTasks),
		overflow:   make(chan []byte, overflowSize),
		metrics:    metrics,
	}
}

// Run reads inbound frames until the socket closes or ctx is cancelled.
// Returns nil on a normal close (1000/1001) and the read error otherwise.
func (l *MediaLoop) Run(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	l.wg.Add(2)
	go l.drainOverflow(loopCtx)
	go l.reportHealth(loopCtx)
	defer l.wg.Wait()

	for {
		_, data, err := l.conn.Read(loopCtx)
		if err != nil {
			return l.classifyReadError(loopCtx, err)
		}
		l.handleFrame(loopCtx, data)
	}
}

// handleFrame decodes and dispatches one inbound frame. Decode failures are
// logged and the frame discarded.
func (l *MediaLoop) handleFrame(ctx context.Context, data []byte) {
	msg, err := media.Parse(data)
	if err != nil {
		slog.Warn("discarding malformed media frame",
			"call_id", l.callID, "error", err)
		return
	}

	switch msg.Kind {
	case media.KindAudioMetadata:
		if l.onMetadata != nil {
			l.onMetadata(ctx)
		}

	case media.KindAudioData:
		if !l.gate.IsOpen() {
			l.gate.NoteClosedDrop(l.callID)
			l.dropped.Add(1)
			if l.metrics != nil {
				l.metrics.RecordFrameDropped(ctx, observe.DropReasonGateClosed)
			}
			return
		}
		l.submitAudio(ctx, msg.Audio.Data)

	case media.KindDtmfData:
		// Inline DTMF is informational; validation tones arrive on the
		// provider event stream.
		slog.Info("inline DTMF tone received",
			"call_id", l.callID, "tone", msg.Dtmf.Tone)

	default:
		slog.Info("ignoring unknown media frame kind",
			"call_id", l.callID, "kind", string(msg.Kind))
	}
}

// submitAudio hands one PCM chunk to the recognizer under the concurrency
// cap. Saturation falls back to the overflow buffer; a full buffer drops
// the frame.
func (l *MediaLoop) submitAudio(ctx context.Context, pcm []byte) {
	if l.sem.TryAcquire(1) {
		l.startTask(ctx, pcm)
		return
	}
	select {
	case l.overflow <- pcm:
	default:
		l.dropped.Add(1)
		if l.metrics != nil {
			l.metrics.RecordFrameDropped(ctx, observe.DropReasonBackpressure)
		}
	}
}

// startTask runs one frame submission. The caller must hold one semaphore
// unit, which the task releases.
func (l *MediaLoop) startTask(ctx context.Context, pcm []byte) {
	l.active.Add(1)
	if l.metrics != nil {
		l.metrics.ActiveAudioTasks.Add(ctx, 1)
	}
	l.wg.Add(1)
	go func() {
		defer func() {
			l.sem.Release(1)
			l.active.Add(-1)
			if l.metrics != nil {
				l.metrics.ActiveAudioTasks.Add(ctx, -1)
			}
			l.wg.Done()
		}()

		err := l.driver.Submit(ctx, pcm)
		switch {
		case err == nil:
			l.processed.Add(1)
			if l.metrics != nil {
				l.metrics.FramesProcessed.Add(ctx, 1)
			}
		case errors.Is(err, ErrSubmitDeadline):
			l.dropped.Add(1)
			if l.metrics != nil {
				l.metrics.RecordFrameDropped(ctx, observe.DropReasonDeadline)
			}
		case errors.Is(err, ErrNotWarmedUp):
			l.dropped.Add(1)
			if l.metrics != nil {
				l.metrics.RecordFrameDropped(ctx, observe.DropReasonNotWarmed)
			}
			if l.earlyAudioWarned.CompareAndSwap(false, true) {
				slog.Warn("audio arrived before recognizer warm-up, dropping until metadata",
					"call_id", l.callID)
			}
		case errors.Is(err, context.Canceled):
		default:
			slog.Warn("audio frame submit failed",
				"call_id", l.callID, "error", err)
		}
	}()
}

// drainOverflow moves buffered frames into tasks as capacity frees up.
func (l *MediaLoop) drainOverflow(ctx context.Context) {
	defer l.wg.Done()
	for {
		select {
		case pcm := <-l.overflow:
			if err := l.sem.Acquire(ctx, 1); err != nil {
				return
			}
			l.startTask(ctx, pcm)
		case <-ctx.Done():
			return
		}
	}
}

// reportHealth logs the backpressure counters at most once per second,
// only when frames moved since the previous line.
func (l *MediaLoop) reportHealth(ctx context.Context) {
	defer l.wg.Done()
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	var lastProcessed, lastDropped int64
	for {
		select {
		case <-ticker.C:
			stats := l.Stats()
			if stats.Processed == lastProcessed && stats.Dropped == lastDropped {
				continue
			}
			lastProcessed, lastDropped = stats.Processed, stats.Dropped
			slog.Info("media loop health",
				"call_id", l.callID,
				"active", stats.Active,
				"max", stats.Max,
				"dropped", stats.Dropped,
				"processed", stats.Processed)
		case <-ctx.Done():
			return
		}
	}
}

// Stats snapshots the loop counters.
func (l *MediaLoop) Stats() LoopStats {
	return LoopStats{
		Active:    l.active.Load(),
		Max:       l.maxTasks,
		Dropped:   l.dropped.Load(),
		Processed: l.processed.Load(),
	}
}

// SendFrame writes one outbound payload as a WebSocket text frame. Writes
// are serialized so TTS frames stay ordered.
func (l *MediaLoop) SendFrame(ctx context.Context, payload []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("call: ws write: %w", err)
	}
	return nil
}

// SendStopAudio tells the provider to cancel pending playback.
func (l *MediaLoop) SendStopAudio(ctx context.Context) error {
	return l.SendFrame(ctx, media.StopAudioFrame())
}

// CloseAbnormal closes the socket with 1011 and a reason, used when the
// call handler hits an unrecoverable failure.
func (l *MediaLoop) CloseAbnormal(reason string) error {
	return l.conn.Close(websocket.StatusInternalError, reason)
}

// classifyReadError turns a read failure into the loop result: nil for a
// normal peer close, the error otherwise.
func (l *MediaLoop) classifyReadError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	switch status := websocket.CloseStatus(err); status {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		slog.Info("media socket closed by peer",
			"call_id", l.callID, "close_code", int(status))
		return nil
	case -1:
		return fmt.Errorf("call: ws read: %w", err)
	default:
		slog.Warn("media socket closed abnormally",
			"call_id", l.callID, "close_code", int(status))
		return fmt.Errorf("call: ws closed abnormally (%d): %w", int(status), err)
	}
}
