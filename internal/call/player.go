package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/pkg/media"
	"github.com/voxbridge/voxbridge/pkg/memory"
	"github.com/voxbridge/voxbridge/pkg/provider/tts"
	"github.com/voxbridge/voxbridge/pkg/types"
)

// FrameSender writes one encoded frame to the outbound WebSocket.
type FrameSender func(ctx context.Context, payload []byte) error

// Player synthesises text and streams the resulting PCM to the provider as
// ordered AudioData frames. One playback runs at a time; the router
// serializes turns, and Cancel aborts the current playback from any
// goroutine.
//
// Cancel only stops frame emission. The party that cancels mid-playback
// (the barge-in coordinator) owns sending the StopAudio control frame, so
// it goes out exactly once per interruption.
type Player struct {
	callID       string
	mem          *memory.Memory
	send         FrameSender
	frameSamples int
	defaults     types.VoiceProfile
	metrics      *observe.Metrics
	lat          *memory.LatencyRegistry

	mu sync.Mutex
	// synth is the leased synthesizer; replaced when a start failure forces
	// a fresh instance.
	synth tts.Provider
	// fresh builds a replacement synthesizer after a provider failure.
	fresh func(ctx context.Context) (tts.Provider, error)
	// cancel aborts the in-flight playback, nil when idle.
	cancel context.CancelFunc
}

// NewPlayer creates a player. fresh may be nil, disabling the
// retry-with-fresh-synthesizer path.
func NewPlayer(callID string, synth tts.Provider, fresh func(ctx context.Context) (tts.Provider, error), send FrameSender, frameSamples int, defaults types.VoiceProfile, mem *memory.Memory, lat *memory.LatencyRegistry, metrics *observe.Metrics) *Player {
	if frameSamples <= 0 {
		frameSamples = media.DefaultFrameLen
	}
	return &Player{
		callID:       callID,
		synth:        synth,
		fresh:        fresh,
		send:         send,
		frameSamples: frameSamples,
		defaults:     defaults,
		mem:          mem,
		lat:          lat,
		metrics:      metrics,
	}
}

// Play synthesises a single text and plays it to completion or cancellation.
func (p *Player) Play(ctx context.Context, text string) error {
	textCh := make(chan string, 1)
	textCh <- text
	close(textCh)
	return p.PlayStream(ctx, textCh)
}

// PlayStream synthesises text fragments as they arrive and emits the audio
// as ordered frames. Returns nil on completion and on cancellation; a TTS
// failure after the single fresh-synthesizer retry is returned as an error
// (fatal for the turn, not the call).
func (p *Player) PlayStream(ctx context.Context, text <-chan string) error {
	playCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
	defer func() {
		cancel()
		p.mu.Lock()
		p.cancel = nil
		p.mu.Unlock()
	}()

	runID := uuid.NewString()
	voice := p.voiceProfile()
	p.mem.SetContext(memory.KeyBotSpeaking, true)
	defer p.mem.SetContext(memory.KeyBotSpeaking, false)

	p.lat.Start("tts:synthesis")
	defer p.lat.Stop("tts:synthesis")

	audioCh, err := p.startSynthesis(playCtx, text, voice)
	if err != nil {
		return err
	}

	frames := 0
	for pcm := range audioCh {
		for _, frame := range media.SplitFrames(pcm, p.frameSamples) {
			if playCtx.Err() != nil {
				slog.Debug("playback cancelled, dropping remaining frames",
					"call_id", p.callID, "run_id", runID, "frames_sent", frames)
				return nil
			}
			payload, err := media.AudioDataFrame(frame)
			if err != nil {
				return fmt.Errorf("call: encode audio frame: %w", err)
			}
			if err := p.send(playCtx, payload); err != nil {
				if playCtx.Err() != nil {
					return nil
				}
				return fmt.Errorf("call: send audio frame: %w", err)
			}
			frames++
		}
	}

	if playCtx.Err() != nil {
		return nil
	}
	slog.Debug("playback complete", "call_id", p.callID, "run_id", runID, "frames_sent", frames)
	return nil
}

// startSynthesis opens the TTS stream, retrying once with a freshly built
// synthesizer when the current one fails to start.
func (p *Player) startSynthesis(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	synth := p.synth
	p.mu.Unlock()

	audioCh, err := synth.SynthesizeStream(ctx, text, voice)
	if err == nil {
		return audioCh, nil
	}
	if p.fresh == nil {
		return nil, fmt.Errorf("call: tts start: %w", err)
	}

	slog.Warn("tts start failed, retrying with fresh synthesizer",
		"call_id", p.callID, "error", err)
	replacement, ferr := p.fresh(ctx)
	if ferr != nil {
		return nil, fmt.Errorf("call: tts replacement synthesizer: %w", ferr)
	}
	p.mu.Lock()
	p.synth = replacement
	p.mu.Unlock()

	audioCh, err = replacement.SynthesizeStream(ctx, text, voice)
	if err != nil {
		return nil, fmt.Errorf("call: tts start after retry: %w", err)
	}
	return audioCh, nil
}

// Cancel aborts the current playback. A no-op when nothing is playing, so
// cancelling a completed or never-started playback is always safe.
func (p *Player) Cancel() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Synth returns the synthesizer the player currently holds. After a
// fresh-synthesizer retry this is the replacement, which is what teardown
// must hand back to the pool.
func (p *Player) Synth() tts.Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.synth
}

// voiceProfile resolves the per-call voice from conversation context,
// falling back to the configured defaults.
func (p *Player) voiceProfile() types.VoiceProfile {
	style := p.defaults.Style
	if style == "" {
		style = "chat"
	}
	rate := p.defaults.Rate
	if rate == "" {
		rate = "+3%"
	}
	return types.VoiceProfile{
		Name:  p.mem.ContextString(memory.KeyVoice, p.defaults.Name),
		Style: p.mem.ContextString(memory.KeyVoiceStyle, style),
		Rate:  p.mem.ContextString(memory.KeyVoiceRate, rate),
	}
}
