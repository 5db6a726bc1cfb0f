package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/voxbridge/voxbridge/pkg/memory"
	"github.com/voxbridge/voxbridge/pkg/types"
)

// maxToolDepth bounds consecutive tool-call re-entries within one turn so a
// looping model cannot wedge the router.
const maxToolDepth = 4

// textChBuf is the buffer depth of the streamer→player text channel. Sized
// to absorb several clauses without blocking the LLM consumer.
const textChBuf = 16

// TurnRouter is the single consumer of the SpeechQueue. It serializes all
// LLM+TTS work for a call: at most one response chain is active at a time,
// and barge-in cancels the chain without stopping the loop.
type TurnRouter struct {
	callID   string
	agent    string
	queue    *SpeechQueue
	streamer *Streamer
	player   *Player
	tools    *ToolRegistry
	mem      *memory.Memory
	store    memory.Store
	lat      *memory.LatencyRegistry

	// errorText, when non-empty, is played after an unrecoverable turn
	// failure so the caller hears something instead of silence.
	errorText string

	mu         sync.Mutex
	respCancel context.CancelFunc
	loopCancel context.CancelFunc
	wg         sync.WaitGroup
	started    bool
}

// NewTurnRouter wires the router. store may be nil to skip persistence.
func NewTurnRouter(callID, agent string, queue *SpeechQueue, streamer *Streamer, player *Player, tools *ToolRegistry, mem *memory.Memory, store memory.Store, lat *memory.LatencyRegistry, errorText string) *TurnRouter {
	return &TurnRouter{
		callID:    callID,
		agent:     agent,
		queue:     queue,
		streamer:  streamer,
		player:    player,
		tools:     tools,
		mem:       mem,
		store:     store,
		lat:       lat,
		errorText: errorText,
	}
}

// Start launches the consumer loop. Events are processed strictly one at a
// time in queue order.
func (r *TurnRouter) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	r.loopCancel = cancel
	r.wg.Add(1)
	go r.run(loopCtx)
}

// Stop terminates the loop and waits for the in-flight event to unwind.
// Idempotent.
func (r *TurnRouter) Stop() {
	r.mu.Lock()
	cancel := r.loopCancel
	r.loopCancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// CancelCurrent aborts the in-flight response chain and throws away any
// stale queued events. The loop itself keeps running; a no-op when idle.
func (r *TurnRouter) CancelCurrent() {
	r.mu.Lock()
	cancel := r.respCancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if n := r.queue.Drain(); n > 0 {
		slog.Debug("drained stale speech events on cancel",
			"call_id", r.callID, "count", n)
	}
}

func (r *TurnRouter) run(ctx context.Context) {
	defer r.wg.Done()
	for {
		ev, err := r.queue.Pop(ctx)
		if err != nil {
			return
		}
		r.dispatch(ctx, ev)
	}
}

// dispatch handles one event under a per-event cancellable context.
func (r *TurnRouter) dispatch(loopCtx context.Context, ev SpeechEvent) {
	respCtx, cancel := context.WithCancel(loopCtx)
	r.mu.Lock()
	r.respCancel = cancel
	r.mu.Unlock()
	defer func() {
		cancel()
		r.mu.Lock()
		r.respCancel = nil
		r.mu.Unlock()
	}()

	switch {
	case ev.Kind == EventFinal:
		if err := r.runTurn(respCtx, ev.Text); err != nil {
			slog.Error("turn failed", "call_id", r.callID, "error", err)
			r.playErrorMessage(loopCtx)
		}

	case ev.DirectPlayback():
		if err := r.player.Play(respCtx, ev.Text); err != nil {
			slog.Error("direct playback failed",
				"call_id", r.callID, "kind", ev.Kind.String(), "error", err)
		}

	case ev.Kind == EventError:
		slog.Warn("recognizer error", "call_id", r.callID, "message", ev.Text)

	default:
		slog.Debug("ignoring speech event", "call_id", r.callID, "kind", ev.Kind.String())
	}
}

// runTurn executes one user turn: LLM streaming into TTS, tool execution
// with re-entry, and history persistence. Cancellation (barge-in or
// teardown) unwinds as a normal outcome, not an error.
func (r *TurnRouter) runTurn(ctx context.Context, userText string) error {
	r.mem.Append(r.agent, types.Message{Role: "user", Content: userText})
	r.persist(ctx)

	for depth := 0; depth < maxToolDepth; depth++ {
		res, err := r.streamTurn(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				slog.Info("turn cancelled", "call_id", r.callID)
				return nil
			}
			return err
		}

		if res.ToolCall == nil {
			if res.Text != "" {
				r.mem.Append(r.agent, types.Message{Role: "assistant", Content: res.Text})
				r.persist(ctx)
			}
			return nil
		}

		if err := r.executeToolCall(ctx, res); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		// Re-enter the LLM with the tool result and no new user input.
	}
	return fmt.Errorf("call: tool re-entry depth exceeded (%d)", maxToolDepth)
}

// streamTurn runs one LLM pass with its output piped into playback. The
// sink blocks on the playback-scoped context, not the turn context: when
// playback dies mid-turn the sink unblocks immediately instead of wedging
// the consumer loop on a full text channel.
func (r *TurnRouter) streamTurn(ctx context.Context) (*TurnResult, error) {
	playCtx, stopPlay := context.WithCancel(ctx)
	defer stopPlay()

	textCh := make(chan string, textChBuf)
	playDone := make(chan error, 1)
	go func() {
		err := r.player.PlayStream(playCtx, textCh)
		stopPlay()
		playDone <- err
	}()

	res, err := r.streamer.Stream(ctx, r.mem.History(r.agent), r.lat, func(fragment string) error {
		select {
		case textCh <- fragment:
			return nil
		case <-playCtx.Done():
			return playCtx.Err()
		}
	})
	close(textCh)
	playErr := <-playDone

	if err != nil {
		// A sink abort caused by dead playback surfaces as the playback
		// failure, not as a cancellation.
		if ctx.Err() == nil && playErr != nil && !errors.Is(playErr, context.Canceled) {
			return nil, fmt.Errorf("call: playback: %w", playErr)
		}
		return nil, err
	}
	if playErr != nil && !errors.Is(playErr, context.Canceled) {
		// Playback failed after the stream completed; the assistant text is
		// still recorded.
		slog.Error("playback failed", "call_id", r.callID, "error", playErr)
	}
	return res, nil
}

// executeToolCall records the assistant's tool request, runs the tool, and
// appends the result as a tool message.
func (r *TurnRouter) executeToolCall(ctx context.Context, res *TurnResult) error {
	tc := *res.ToolCall
	r.mem.Append(r.agent, types.Message{
		Role:      "assistant",
		Content:   res.Text,
		ToolCalls: []types.ToolCall{tc},
	})

	resultJSON, result, err := r.tools.Execute(ctx, tc)
	if err != nil {
		// Feed the failure back to the model rather than aborting the turn.
		resultJSON = fmt.Sprintf(`{"error":%q}`, err.Error())
		slog.Warn("tool execution failed",
			"call_id", r.callID, "tool", tc.Name, "error", err)
	} else {
		r.mem.MergeSlots(result)
	}

	r.mem.Append(r.agent, types.Message{
		Role:       "tool",
		Content:    resultJSON,
		ToolCallID: tc.ID,
		Name:       tc.Name,
	})
	r.persist(ctx)
	return ctx.Err()
}

// playErrorMessage best-effort plays the configured failure line. Uses a
// fresh context so a cancelled turn context cannot suppress it.
func (r *TurnRouter) playErrorMessage(ctx context.Context) {
	if r.errorText == "" {
		return
	}
	if err := r.player.Play(ctx, r.errorText); err != nil {
		slog.Warn("error-message playback failed", "call_id", r.callID, "error", err)
	}
}

func (r *TurnRouter) persist(ctx context.Context) {
	if r.store != nil {
		r.mem.PersistAsync(context.WithoutCancel(ctx), r.store)
	}
}
