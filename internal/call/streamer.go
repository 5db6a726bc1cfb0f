package call

import (
	"context"
	"errors"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/internal/resilience"
	"github.com/voxbridge/voxbridge/pkg/memory"
	"github.com/voxbridge/voxbridge/pkg/provider/llm"
	"github.com/voxbridge/voxbridge/pkg/types"
)

// ttsTerminators are the characters that flush buffered LLM text to TTS.
// Flushing on clause boundaries keeps synthesis latency low without sending
// half-words.
const ttsTerminators = ";.?!"

// StreamerConfig carries the model parameters applied to every turn.
type StreamerConfig struct {
	Model       string
	Temperature float64
	TopP        float64
	MaxTokens   int
	Tools       []types.ToolDefinition
}

// TurnResult is the outcome of one streamed completion.
type TurnResult struct {
	// Text is the full assistant text, concatenated across deltas.
	Text string

	// ToolCall is the assembled tool call when the model requested one.
	ToolCall *types.ToolCall

	// RateLimit is the provider's rate-limit state for the request, when
	// exposed.
	RateLimit *llm.RateLimitInfo
}

// Streamer issues streaming chat completions with transient-failure retry,
// clause-level TTS flushing, and tool-call assembly.
type Streamer struct {
	provider llm.Provider
	policy   resilience.Policy
	cfg      StreamerConfig
	metrics  *observe.Metrics
}

// NewStreamer creates a streamer using the given retry policy.
func NewStreamer(provider llm.Provider, policy resilience.Policy, cfg StreamerConfig, metrics *observe.Metrics) *Streamer {
	return &Streamer{
		provider: provider,
		policy:   policy,
		cfg:      cfg,
		metrics:  metrics,
	}
}

// Stream runs one completion over history, delivering text to sink in
// clause-sized fragments as deltas arrive. Latency marks ttfb, consume, and
// total are recorded on lat. Transient failures are retried per the policy;
// a retried attempt restarts the stream from the beginning.
//
// sink may be nil when the caller only wants the assembled result.
func (s *Streamer) Stream(ctx context.Context, history []types.Message, lat *memory.LatencyRegistry, sink func(fragment string) error) (*TurnResult, error) {
	ctx, span := observe.StartSpan(ctx, "llm.stream")
	defer span.End()

	var result *TurnResult
	attempts := 0
	err := s.policy.Do(ctx, "llm_stream", func(ctx context.Context) error {
		attempts++
		r, err := s.streamOnce(ctx, history, lat, sink, span)
		if err != nil {
			return err
		}
		result = r
		return nil
	})

	if retries := attempts - 1; retries > 0 && s.metrics != nil {
		s.metrics.LLMRetries.Add(ctx, int64(retries))
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return result, nil
}

// streamOnce is a single attempt. On failure all partial state is discarded
// so a retry starts clean.
func (s *Streamer) streamOnce(ctx context.Context, history []types.Message, lat *memory.LatencyRegistry, sink func(string) error, span trace.Span) (*TurnResult, error) {
	lat.Start("total")
	defer lat.Stop("total")
	lat.Start("ttfb")

	ch, err := s.provider.StreamCompletion(ctx, llm.Request{
		Messages:    history,
		Tools:       s.cfg.Tools,
		Model:       s.cfg.Model,
		Temperature: s.cfg.Temperature,
		TopP:        s.cfg.TopP,
		MaxTokens:   s.cfg.MaxTokens,
	})
	if err != nil {
		lat.Stop("ttfb")
		return nil, classifyLLMErr(err)
	}

	var (
		full     strings.Builder
		pending  strings.Builder // text not yet flushed to sink
		toolAcc  = map[int]*types.ToolCall{}
		result   = &TurnResult{}
		first    = true
		endErr   error
	)

	for delta := range ch {
		if first {
			lat.Stop("ttfb")
			lat.Start("consume")
			first = false
		}

		switch delta.Kind {
		case llm.DeltaText:
			full.WriteString(delta.Text)
			pending.WriteString(delta.Text)
			if err := flushClauses(&pending, sink); err != nil {
				return nil, err
			}

		case llm.DeltaToolCall:
			tc := delta.ToolCall
			acc, ok := toolAcc[tc.Index]
			if !ok {
				acc = &types.ToolCall{}
				toolAcc[tc.Index] = acc
			}
			if tc.ID != "" {
				acc.ID = tc.ID
			}
			if tc.Name != "" {
				acc.Name = tc.Name
			}
			acc.Arguments += tc.ArgsFragment

		case llm.DeltaEnd:
			lat.Stop("consume")
			if delta.RateLimit != nil {
				result.RateLimit = delta.RateLimit
				s.recordRateLimit(ctx, delta.RateLimit, span)
			}
			if delta.Err != nil {
				endErr = classifyLLMErr(delta.Err)
			}
		}
	}
	lat.Stop("consume")

	if endErr != nil {
		return nil, endErr
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// Flush trailing non-terminated text once.
	if pending.Len() > 0 && sink != nil {
		if err := sink(pending.String()); err != nil {
			return nil, err
		}
	}

	result.Text = full.String()
	if len(toolAcc) > 0 {
		idxs := make([]int, 0, len(toolAcc))
		for i := range toolAcc {
			idxs = append(idxs, i)
		}
		sort.Ints(idxs)
		result.ToolCall = toolAcc[idxs[0]]
	}
	return result, nil
}

// recordRateLimit emits the per-request structured log line and attaches
// the snapshot to the span.
func (s *Streamer) recordRateLimit(ctx context.Context, rl *llm.RateLimitInfo, span trace.Span) {
	observe.Logger(ctx).Info("llm rate-limit state",
		"request_id", rl.RequestID,
		"region", rl.Region,
		"retry_after", rl.RetryAfter,
		"remaining_requests", rl.RemainingRequests,
		"remaining_tokens", rl.RemainingTokens,
		"limit_requests", rl.LimitRequests,
		"limit_tokens", rl.LimitTokens,
	)
	observe.RateLimitSnapshot{
		RequestID:         rl.RequestID,
		Region:            rl.Region,
		RetryAfter:        rl.RetryAfter,
		RemainingRequests: rl.RemainingRequests,
		RemainingTokens:   rl.RemainingTokens,
		LimitRequests:     rl.LimitRequests,
		LimitTokens:       rl.LimitTokens,
		ResetRequests:     rl.ResetRequests,
		ResetTokens:       rl.ResetTokens,
	}.Annotate(span)
}

// flushClauses delivers every complete clause in pending to sink, leaving
// any trailing unterminated text buffered.
func flushClauses(pending *strings.Builder, sink func(string) error) error {
	if sink == nil {
		return nil
	}
	text := pending.String()
	idx := strings.LastIndexAny(text, ttsTerminators)
	if idx < 0 {
		return nil
	}
	clause := text[:idx+1]
	rest := text[idx+1:]
	pending.Reset()
	pending.WriteString(rest)
	return sink(clause)
}

// classifyLLMErr maps provider failures onto the resilience classifier's
// vocabulary. Cancellation passes through untouched.
func classifyLLMErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *llm.APIError
	if errors.As(err, &apiErr) {
		te := &resilience.TransientError{
			StatusCode: apiErr.StatusCode,
			RetryAfter: apiErr.RetryAfter,
			Err:        err,
		}
		if apiErr.StatusCode == 0 {
			te.Kind = resilience.KindConnectionError
		}
		return te
	}
	return err
}
