package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode"

	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/pkg/provider/stt"
	"github.com/voxbridge/voxbridge/pkg/types"
)

const (
	// bargeInMinChars is the partial-transcript length (non-whitespace
	// characters) above which a partial counts as real speech.
	bargeInMinChars = 3

	// defaultStopGrace bounds how long Stop waits for the reader goroutines.
	defaultStopGrace = 2 * time.Second

	// defaultSubmitDeadline is the per-frame recognizer push deadline.
	defaultSubmitDeadline = 30 * time.Millisecond
)

// ErrSubmitDeadline is returned by Submit when pushing a frame into the
// recognizer exceeds the configured deadline. The frame is dropped; the
// media loop keeps running.
var ErrSubmitDeadline = errors.New("call: recognizer submit deadline exceeded")

// ErrNotWarmedUp is returned by Submit for audio arriving before WarmUp,
// which happens when a provider sends AudioData ahead of AudioMetadata.
var ErrNotWarmedUp = errors.New("call: recognizer not warmed up")

// RecognizerCallbacks receive recognition results. All callbacks run on the
// driver's reader goroutines, not the caller's; implementations must hand
// off through the SpeechQueue rather than doing turn work inline.
type RecognizerCallbacks struct {
	// OnPartial receives interim hypotheses.
	OnPartial func(types.Transcript)

	// OnFinal receives post-endpointing results.
	OnFinal func(types.Transcript)

	// OnBargeIn fires once per utterance, on the first partial longer than
	// bargeInMinChars non-whitespace characters.
	OnBargeIn func()
}

// RecognizerDriver owns one streaming recognition session for a call. The
// push stream is created by WarmUp before the first audio frame so nothing
// is lost to session setup; callbacks are registered at construction,
// before warm-up.
type RecognizerDriver struct {
	callID    string
	provider  stt.Provider
	cfg       stt.StreamConfig
	callbacks RecognizerCallbacks

	submitDeadline time.Duration
	stopGrace      time.Duration
	metrics        *observe.Metrics

	mu      sync.Mutex
	session stt.SessionHandle
	barged  bool // barge-in already fired for the current utterance

	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRecognizerDriver creates a driver. The session is not started until
// WarmUp.
func NewRecognizerDriver(callID string, provider stt.Provider, cfg stt.StreamConfig, cb RecognizerCallbacks, metrics *observe.Metrics) *RecognizerDriver {
	return &RecognizerDriver{
		callID:         callID,
		provider:       provider,
		cfg:            cfg,
		callbacks:      cb,
		submitDeadline: defaultSubmitDeadline,
		stopGrace:      defaultStopGrace,
		metrics:        metrics,
	}
}

// SetSubmitDeadline overrides the per-frame push deadline.
func (d *RecognizerDriver) SetSubmitDeadline(deadline time.Duration) {
	if deadline > 0 {
		d.submitDeadline = deadline
	}
}

// WarmUp opens the recognition stream and starts the result readers.
// Idempotent: a second call is a no-op.
func (d *RecognizerDriver) WarmUp(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session != nil {
		return nil
	}

	session, err := d.provider.StartStream(ctx, d.cfg)
	if err != nil {
		return fmt.Errorf("call: recognizer warm-up: %w", err)
	}
	d.session = session

	d.wg.Add(2)
	go d.readPartials(session.Partials())
	go d.readFinals(session.Finals())

	slog.Debug("recognizer warmed up", "call_id", d.callID, "language", d.cfg.Language)
	return nil
}

// WarmedUp reports whether the session exists.
func (d *RecognizerDriver) WarmedUp() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session != nil
}

// Submit pushes one PCM frame into the recognizer, bounded by the submit
// deadline. On deadline the frame is abandoned and ErrSubmitDeadline is
// returned; the push itself is left to finish in the background so a slow
// provider cannot stall the media loop.
func (d *RecognizerDriver) Submit(ctx context.Context, pcm []byte) error {
	d.mu.Lock()
	session := d.session
	d.mu.Unlock()
	if session == nil {
		return ErrNotWarmedUp
	}

	start := time.Now()
	errCh := make(chan error, 1)
	go func() {
		errCh <- session.SendAudio(pcm)
	}()

	timer := time.NewTimer(d.submitDeadline)
	defer timer.Stop()
	select {
	case err := <-errCh:
		if d.metrics != nil {
			d.metrics.FrameSubmitDuration.Record(ctx, time.Since(start).Seconds())
		}
		if err != nil {
			return fmt.Errorf("call: recognizer submit: %w", err)
		}
		return nil
	case <-timer.C:
		slog.Warn("recognizer submit exceeded deadline, dropping frame",
			"call_id", d.callID, "deadline", d.submitDeadline)
		return ErrSubmitDeadline
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the recognition session and waits for the readers with a
// grace period. Idempotent; always returns nil after the first call.
func (d *RecognizerDriver) Stop() error {
	var err error
	d.stopOnce.Do(func() {
		d.mu.Lock()
		session := d.session
		d.mu.Unlock()
		if session == nil {
			return
		}
		if cerr := session.Close(); cerr != nil {
			err = fmt.Errorf("call: recognizer close: %w", cerr)
		}

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(d.stopGrace):
			slog.Warn("recognizer readers still running after stop grace",
				"call_id", d.callID, "grace", d.stopGrace)
		}
	})
	return err
}

// readPartials forwards interim results and fires barge-in on the first
// substantial partial of each utterance.
func (d *RecognizerDriver) readPartials(ch <-chan types.Transcript) {
	defer d.wg.Done()
	for tr := range ch {
		if nonWhitespaceLen(tr.Text) > bargeInMinChars {
			d.mu.Lock()
			fire := !d.barged
			d.barged = true
			d.mu.Unlock()
			if fire && d.callbacks.OnBargeIn != nil {
				d.callbacks.OnBargeIn()
			}
		}
		if d.callbacks.OnPartial != nil {
			d.callbacks.OnPartial(tr)
		}
	}
}

// readFinals forwards final results and re-arms barge-in for the next
// utterance.
func (d *RecognizerDriver) readFinals(ch <-chan types.Transcript) {
	defer d.wg.Done()
	for tr := range ch {
		d.mu.Lock()
		d.barged = false
		d.mu.Unlock()
		if d.callbacks.OnFinal != nil {
			d.callbacks.OnFinal(tr)
		}
	}
}

// nonWhitespaceLen counts the non-whitespace runes in s.
func nonWhitespaceLen(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}
