package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/internal/resilience"
	"github.com/voxbridge/voxbridge/pkg/media"
	"github.com/voxbridge/voxbridge/pkg/memory"
	"github.com/voxbridge/voxbridge/pkg/pool"
	"github.com/voxbridge/voxbridge/pkg/provider/llm"
	"github.com/voxbridge/voxbridge/pkg/provider/stt"
	"github.com/voxbridge/voxbridge/pkg/provider/tts"
	"github.com/voxbridge/voxbridge/pkg/types"
)

// Engine holds the process-wide collaborators shared by every call and
// builds one Handler per media socket.
type Engine struct {
	cfg      *config.Config
	llm      llm.Provider
	sttPool  *pool.Pool[stt.Provider]
	ttsPool  *pool.Pool[tts.Provider]
	store    memory.Store
	registry *Registry
	tools    *ToolRegistry
	metrics  *observe.Metrics
}

// NewEngine wires the engine. store and metrics may be nil.
func NewEngine(
	cfg *config.Config,
	llmProvider llm.Provider,
	sttPool *pool.Pool[stt.Provider],
	ttsPool *pool.Pool[tts.Provider],
	store memory.Store,
	registry *Registry,
	tools *ToolRegistry,
	metrics *observe.Metrics,
) *Engine {
	return &Engine{
		cfg:      cfg,
		llm:      llmProvider,
		sttPool:  sttPool,
		ttsPool:  ttsPool,
		store:    store,
		registry: registry,
		tools:    tools,
		metrics:  metrics,
	}
}

// Registry exposes the call registry for the health endpoint.
func (e *Engine) Registry() *Registry { return e.registry }

// HandleCall drives one call's media socket to completion: lease pool
// resources, compose the handler, install it, run the media loop, tear
// down. Returns the loop error on abnormal termination.
func (e *Engine) HandleCall(ctx context.Context, callID string, conn wsConn) error {
	sttInst, err := e.sttPool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("call: lease recognizer: %w", err)
	}
	ttsInst, err := e.ttsPool.Acquire(ctx)
	if err != nil {
		e.sttPool.Release(sttInst)
		return fmt.Errorf("call: lease synthesizer: %w", err)
	}

	h := e.newHandler(ctx, callID, conn, sttInst, ttsInst)
	e.registry.Install(ctx, callID, h)
	defer h.Stop()

	if err := h.run(ctx); err != nil {
		slog.Error("call failed", "call_id", callID, "error", err)
		if cerr := h.loop.CloseAbnormal(err.Error()); cerr != nil {
			slog.Debug("abnormal close failed", "call_id", callID, "error", cerr)
		}
		return err
	}
	return nil
}

// Handler owns all per-call state. Construction wires the components into
// each other; run drives the media loop; Stop unwinds in reverse order with
// each step isolated from the others' failures.
type Handler struct {
	callID string
	agent  string
	engine *Engine

	mem    *memory.Memory
	lat    *memory.LatencyRegistry
	gate   *Gate
	queue  *SpeechQueue
	driver *RecognizerDriver
	player *Player
	router *TurnRouter
	barge  *BargeInCoordinator
	dtmf   *DtmfAccumulator
	loop   *MediaLoop

	sttInst stt.Provider

	mu       sync.Mutex
	cancel   context.CancelFunc
	stopped  bool
	stopOnce sync.Once
}

func (e *Engine) newHandler(ctx context.Context, callID string, conn wsConn, sttInst stt.Provider, ttsInst tts.Provider) *Handler {
	cfg := e.cfg
	h := &Handler{
		callID:  callID,
		agent:   cfg.Agent.Name,
		engine:  e,
		sttInst: sttInst,
	}

	h.mem = memory.New(callID)
	if e.store != nil {
		if err := h.mem.Refresh(ctx, e.store); err != nil && !errors.Is(err, memory.ErrNotFound) {
			slog.Warn("memory refresh failed, starting empty",
				"call_id", callID, "error", err)
		}
	}
	if cfg.Agent.SystemPrompt != "" && len(h.mem.History(h.agent)) == 0 {
		h.mem.Append(h.agent, types.Message{Role: "system", Content: cfg.Agent.SystemPrompt})
	}

	var onInterval func(name string, d time.Duration)
	if e.metrics != nil {
		onInterval = func(name string, d time.Duration) {
			e.metrics.ObserveInterval(context.Background(), name, d)
		}
	}
	h.lat = memory.NewLatencyRegistry(onInterval)

	h.gate = NewGate(cfg.Dtmf.Enabled)
	h.queue = NewSpeechQueue(cfg.Media.SpeechQueueMaxSize, e.metrics)

	// Callbacks run on the recognizer's reader goroutines; they only hand
	// off through the queue or the single-flight coordinator.
	h.driver = NewRecognizerDriver(callID, sttInst, stt.StreamConfig{
		SampleRate: media.SampleRate,
		Channels:   1,
		Language:   cfg.STT.Language,
	}, RecognizerCallbacks{
		OnFinal: func(tr types.Transcript) {
			h.queue.Push(context.Background(), SpeechEvent{
				Kind: EventFinal,
				Text: tr.Text,
				Lang: tr.Language,
			})
		},
		OnBargeIn: func() {
			if h.mem.ContextBool(memory.KeyBotSpeaking) {
				h.barge.Trigger(context.Background())
			}
		},
	}, e.metrics)
	if cfg.Media.STTProcessingTimeoutSec > 0 {
		h.driver.SetSubmitDeadline(seconds(cfg.Media.STTProcessingTimeoutSec))
	}

	h.player = NewPlayer(callID, ttsInst,
		func(ctx context.Context) (tts.Provider, error) {
			return e.ttsPool.Acquire(ctx)
		},
		func(ctx context.Context, payload []byte) error {
			return h.loop.SendFrame(ctx, payload)
		},
		cfg.Media.FrameSamples,
		types.VoiceProfile{Name: cfg.TTS.Voice, Style: cfg.TTS.Style, Rate: cfg.TTS.Rate},
		h.mem, h.lat, e.metrics)

	streamer := NewStreamer(e.llm, policyFromConfig(cfg.Retry), StreamerConfig{
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		TopP:        cfg.LLM.TopP,
		MaxTokens:   cfg.LLM.MaxTokens,
		Tools:       e.tools.Definitions(),
	}, e.metrics)

	h.router = NewTurnRouter(callID, h.agent, h.queue, streamer, h.player,
		e.tools, h.mem, e.store, h.lat, cfg.Agent.ErrorMessage)

	h.barge = NewBargeInCoordinator(callID, h.mem, e.metrics,
		h.player.Cancel,
		h.router.CancelCurrent,
		func(ctx context.Context) error { return h.loop.SendStopAudio(ctx) },
	)

	h.dtmf = NewDtmfAccumulator(cfg.Dtmf.ExpectedDigits, h.mem, h.gate.Open)

	h.loop = NewMediaLoop(callID, conn, h.gate, h.driver, h.onMetadata,
		cfg.Media.MaxConcurrentAudioTasks, cfg.Media.MaxEmergencyAudioTasks, e.metrics)

	return h
}

// run starts the turn consumer and blocks on the media loop. A handler
// stopped before run begins (replaced in the registry during setup) never
// starts at all.
func (h *Handler) run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		cancel()
		return nil
	}
	h.cancel = cancel
	h.mu.Unlock()

	h.router.Start(runCtx)
	return h.loop.Run(runCtx)
}

// onMetadata runs on every AudioMetadata frame: warm the recognizer so the
// push stream exists before the first audio, and arm the validation waiter.
// Both are idempotent, so duplicate metadata frames are harmless.
func (h *Handler) onMetadata(ctx context.Context) {
	if err := h.driver.WarmUp(ctx); err != nil {
		slog.Error("recognizer warm-up failed", "call_id", h.callID, "error", err)
	}
	h.gate.StartWaiter(ctx, h.callID, h.onGateOpen)
}

// onGateOpen queues the configured greeting exactly once per call.
func (h *Handler) onGateOpen() {
	if h.mem.ContextBool(memory.KeyGreetingPlayed) {
		return
	}
	h.mem.SetContext(memory.KeyGreetingPlayed, true)

	cfg := h.engine.cfg
	if cfg.Agent.Greeting == "" {
		return
	}
	h.queue.Push(context.Background(), SpeechEvent{
		Kind: EventGreeting,
		Text: cfg.Agent.Greeting,
		Lang: cfg.Agent.GreetingLanguage,
	})
}

// Memory returns the call's conversation memory, shared with the provider
// event handlers.
func (h *Handler) Memory() *memory.Memory { return h.mem }

// QueuePlayback enqueues a direct-playback event (announcement, status
// update) from outside the turn path.
func (h *Handler) QueuePlayback(ev SpeechEvent) {
	h.queue.Push(context.Background(), ev)
}

// Stop unwinds the call in reverse order: the router first so no new turns
// start, then the recognizer, then the media loop; pool leases go back
// last and the registry entry is removed only if it is still ours. Every
// step runs regardless of earlier failures. Idempotent.
func (h *Handler) Stop() {
	h.stopOnce.Do(func() {
		h.router.Stop()

		if err := h.driver.Stop(); err != nil {
			slog.Warn("recognizer stop failed", "call_id", h.callID, "error", err)
		}

		h.mu.Lock()
		h.stopped = true
		cancel := h.cancel
		h.mu.Unlock()
		if cancel != nil {
			cancel()
		}

		if h.engine.store != nil {
			if err := h.mem.Persist(context.Background(), h.engine.store); err != nil {
				slog.Warn("final memory persist failed", "call_id", h.callID, "error", err)
			}
		}

		h.engine.sttPool.Release(h.sttInst)
		h.engine.ttsPool.Release(h.player.Synth())
		h.engine.registry.Remove(context.Background(), h.callID, h)
		slog.Info("call handler stopped", "call_id", h.callID)
	})
}

// policyFromConfig maps the retry knobs onto a resilience policy, keeping
// the production defaults for unset values.
func policyFromConfig(rc config.RetryConfig) resilience.Policy {
	p := resilience.DefaultPolicy()
	if rc.MaxAttempts > 0 {
		p.MaxAttempts = rc.MaxAttempts
	}
	if rc.BaseDelaySec > 0 {
		p.BaseDelay = seconds(rc.BaseDelaySec)
	}
	if rc.MaxDelaySec > 0 {
		p.MaxDelay = seconds(rc.MaxDelaySec)
	}
	if rc.BackoffFactor > 0 {
		p.Factor = rc.BackoffFactor
	}
	if rc.JitterSec > 0 {
		p.Jitter = seconds(rc.JitterSec)
	}
	return p
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
