// Package llm defines the Provider interface for streaming large language
// model backends.
//
// A provider turns a conversation history into a stream of typed deltas:
// text fragments, tool-call fragments, and a terminal End delta. Streaming
// lets the caller start speech synthesis on the first sentence instead of
// waiting for the full completion.
//
// Implementations must be safe for concurrent use.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/voxbridge/voxbridge/pkg/types"
)

// Request describes one streaming completion.
type Request struct {
	// Messages is the full conversation history, oldest first. Roles follow
	// the chat convention: "system", "user", "assistant", "tool".
	Messages []types.Message

	// Tools the model may call. Empty disables tool calling.
	Tools []types.ToolDefinition

	// Model overrides the provider's configured model when non-empty.
	Model string

	// Temperature is the sampling temperature. Zero means provider default.
	Temperature float64

	// TopP is the nucleus sampling parameter. Zero means provider default.
	TopP float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int
}

// DeltaKind discriminates the variants of a Delta.
type DeltaKind int

const (
	// DeltaText carries a fragment of assistant text in Delta.Text.
	DeltaText DeltaKind = iota

	// DeltaToolCall carries a tool-call fragment in Delta.ToolCall.
	DeltaToolCall

	// DeltaEnd is the final delta of a stream. Err is non-nil when the
	// stream terminated abnormally; RateLimit carries the provider's
	// rate-limit state when known.
	DeltaEnd
)

// ToolCallDelta is one fragment of a streamed tool call. ID and Name arrive
// on the first fragment for an index; ArgsFragment accumulates across
// fragments into the full JSON arguments string.
type ToolCallDelta struct {
	// Index identifies which tool call this fragment belongs to when the
	// model emits several in one turn.
	Index int

	// ID is the provider-assigned call ID. Empty on continuation fragments.
	ID string

	// Name is the function name. Empty on continuation fragments.
	Name string

	// ArgsFragment is the next piece of the JSON-encoded arguments.
	ArgsFragment string
}

// Delta is one element of a completion stream.
type Delta struct {
	Kind DeltaKind

	// Text is set when Kind is DeltaText.
	Text string

	// ToolCall is set when Kind is DeltaToolCall.
	ToolCall ToolCallDelta

	// FinishReason is set on DeltaEnd: "stop", "tool_calls", or "" when the
	// stream ended without a reason (cancellation, error).
	FinishReason string

	// Err is set on DeltaEnd when the stream failed mid-flight.
	Err error

	// RateLimit is set on DeltaEnd when the provider exposed rate-limit
	// state for the request.
	RateLimit *RateLimitInfo
}

// RateLimitInfo is the provider's rate-limit view of one request, taken from
// response headers. String fields are verbatim header values; empty means
// the header was absent.
type RateLimitInfo struct {
	RequestID         string
	Region            string
	RetryAfter        string
	RemainingRequests string
	RemainingTokens   string
	LimitRequests     string
	LimitTokens       string
	ResetRequests     string
	ResetTokens       string
}

// APIError reports a failed provider request with enough structure for the
// caller to classify it as transient or fatal.
type APIError struct {
	// StatusCode is the HTTP status, zero for transport-level failures.
	StatusCode int

	// RetryAfter is the server-requested backoff, zero when absent.
	RetryAfter time.Duration

	// RequestID correlates the failure with provider-side logs.
	RequestID string

	// Err is the underlying cause.
	Err error
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("llm: api error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("llm: api error: %v", e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// Provider is the abstraction over any streaming chat completion backend.
type Provider interface {
	// StreamCompletion starts a completion and returns a channel of deltas.
	//
	// The channel always ends with exactly one DeltaEnd and is then closed.
	// Cancelling ctx aborts the stream; the implementation still closes the
	// channel. A non-nil error return means the stream never started, and
	// no channel is returned.
	StreamCompletion(ctx context.Context, req Request) (<-chan Delta, error)
}
