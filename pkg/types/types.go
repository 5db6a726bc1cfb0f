// Package types defines the shared types used across all voxbridge packages.
//
// These types form the lingua franca between the media loop, providers, the
// turn router, and the memory layer. They are intentionally minimal — each
// package defines its own domain types, but cross-cutting data structures live
// here to avoid circular imports.
package types

import "time"

// AudioFrame represents a single frame of PCM audio flowing through the
// pipeline. Frames are the atomic unit of audio transport — decoded from the
// provider media WebSocket, pushed into the recognizer, and emitted back out
// by the TTS player.
type AudioFrame struct {
	// PCM audio data: signed 16-bit little-endian samples.
	Data []byte

	// SampleRate in Hz. The engine speaks 16000 end to end.
	SampleRate int

	// Channels is always 1 (mono) on the telephony path.
	Channels int

	// Timestamp marks when this frame was received, relative to call start.
	Timestamp time.Duration
}

// Transcript represents a speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the provider
	// does not report confidence.
	Confidence float64

	// Words contains per-word detail when available. May be nil for providers
	// that don't support word-level output.
	Words []WordDetail

	// Language is the detected language tag, when the provider reports one.
	Language string

	// Timestamp marks when the utterance started, relative to call start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string `json:"role"`

	// Content is the text content of the message.
	Content string `json:"content,omitempty"`

	// Name is an optional participant name (for multi-agent histories).
	Name string `json:"name,omitempty"`

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID is set when Role is "tool", identifying which tool call this responds to.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolCall represents a tool/function invocation requested by the LLM.
// During streaming the fields arrive piecemeal: ID and Name once, Arguments
// as concatenated fragments.
type ToolCall struct {
	// ID is the unique identifier for this tool call (provider-assigned).
	ID string `json:"id"`

	// Name is the tool/function name.
	Name string `json:"name"`

	// Arguments is the JSON-encoded arguments string.
	Arguments string `json:"arguments"`
}

// ToolDefinition describes a tool that can be offered to an LLM.
type ToolDefinition struct {
	// Name is the tool's unique identifier, matched against the function mapping.
	Name string

	// Description explains what the tool does (included in LLM prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any
}

// VoiceProfile describes a TTS voice configuration for a call.
// Zero-valued fields fall back to the player defaults.
type VoiceProfile struct {
	// Name is the provider-specific voice name.
	Name string

	// Style is the speaking style (e.g. "chat").
	Style string

	// Rate is the prosody rate adjustment (e.g. "+3%").
	Rate string
}
