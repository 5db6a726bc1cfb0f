// Package memory holds per-call conversation state: message histories keyed
// by agent, a free-form context map, and extracted slots. State lives in
// process and is persisted to an external key-value store keyed by call ID;
// persistence is best-effort and never blocks the call path.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/voxbridge/voxbridge/pkg/types"
)

// Well-known context keys. Event handlers and the turn path share these.
const (
	KeyTargetNumber   = "target_number"
	KeyActiveAgent    = "active_agent"
	KeyAuthenticated  = "authenticated"
	KeyDtmfSequence   = "dtmf_sequence"
	KeyDtmfValidated  = "dtmf_validated"
	KeyInterruptCount = "interrupt_count"
	KeyBotSpeaking    = "bot_speaking"
	KeyGreetingPlayed = "greeting_played"
	KeyVoice          = "current_agent_voice"
	KeyVoiceStyle     = "current_agent_voice_style"
	KeyVoiceRate      = "current_agent_voice_rate"
)

// Memory is the per-call conversation state. All accessors are safe for
// concurrent use; event handlers and the turn path serialize through the
// internal lock.
type Memory struct {
	callID string

	mu        sync.Mutex
	histories map[string][]types.Message
	context   map[string]any
	slots     map[string]any
}

// snapshot is the persisted wire form.
type snapshot struct {
	CallID    string                     `json:"call_id"`
	Histories map[string][]types.Message `json:"histories"`
	Context   map[string]any             `json:"context"`
	Slots     map[string]any             `json:"slots"`
}

// New creates empty conversation memory for a call.
func New(callID string) *Memory {
	return &Memory{
		callID:    callID,
		histories: make(map[string][]types.Message),
		context:   make(map[string]any),
		slots:     make(map[string]any),
	}
}

// CallID returns the call this memory belongs to.
func (m *Memory) CallID() string { return m.callID }

// Append adds a message to the named agent's history.
func (m *Memory) Append(agent string, msg types.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histories[agent] = append(m.histories[agent], msg)
}

// History returns a copy of the named agent's history.
func (m *Memory) History(agent string) []types.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.histories[agent]
	out := make([]types.Message, len(h))
	copy(out, h)
	return out
}

// SetContext stores a context value.
func (m *Memory) SetContext(key string, val any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.context[key] = val
}

// Context returns a context value and whether it was present.
func (m *Memory) Context(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.context[key]
	return v, ok
}

// ContextString returns a context value as a string, or def when absent or
// not a string.
func (m *Memory) ContextString(key, def string) string {
	if v, ok := m.Context(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// ContextBool returns a context value as a bool, false when absent.
func (m *Memory) ContextBool(key string) bool {
	v, ok := m.Context(key)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// IncrementInterrupts bumps the barge-in counter and returns the new value.
// The counter is monotonic for the lifetime of the call.
func (m *Memory) IncrementInterrupts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	switch v := m.context[KeyInterruptCount].(type) {
	case int:
		n = v
	case float64: // round-tripped through JSON
		n = int(v)
	}
	n++
	m.context[KeyInterruptCount] = n
	return n
}

// SetSlot stores one extracted entity.
func (m *Memory) SetSlot(key string, val any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[key] = val
}

// MergeSlots folds extracted entities into the slot map, overwriting on
// key collision.
func (m *Memory) MergeSlots(slots map[string]any) {
	if len(slots) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range slots {
		m.slots[k] = v
	}
}

// Slot returns one extracted entity.
func (m *Memory) Slot(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.slots[key]
	return v, ok
}

// Persist writes the current state to the store. Errors are returned for the
// caller to log; the in-process state is always authoritative.
func (m *Memory) Persist(ctx context.Context, store Store) error {
	m.mu.Lock()
	snap := snapshot{
		CallID:    m.callID,
		Histories: cloneHistories(m.histories),
		Context:   cloneMap(m.context),
		Slots:     cloneMap(m.slots),
	}
	m.mu.Unlock()

	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("memory: marshal snapshot: %w", err)
	}
	if err := store.Set(ctx, m.callID, b); err != nil {
		return fmt.Errorf("memory: persist %s: %w", m.callID, err)
	}
	return nil
}

// PersistAsync persists in a goroutine, logging failures. Used on the hot
// path where a store round trip must not add latency.
func (m *Memory) PersistAsync(ctx context.Context, store Store) {
	go func() {
		if err := m.Persist(ctx, store); err != nil {
			slog.Warn("async memory persist failed", "call_id", m.callID, "error", err)
		}
	}()
}

// Refresh replaces in-process state with the store's copy. A missing key or
// unreachable store leaves local state untouched.
func (m *Memory) Refresh(ctx context.Context, store Store) error {
	b, err := store.Get(ctx, m.callID)
	if err != nil {
		return fmt.Errorf("memory: refresh %s: %w", m.callID, err)
	}
	var snap snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return fmt.Errorf("memory: decode snapshot %s: %w", m.callID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.Histories != nil {
		m.histories = snap.Histories
	}
	if snap.Context != nil {
		m.context = snap.Context
	}
	if snap.Slots != nil {
		m.slots = snap.Slots
	}
	return nil
}

func cloneHistories(in map[string][]types.Message) map[string][]types.Message {
	out := make(map[string][]types.Message, len(in))
	for k, v := range in {
		msgs := make([]types.Message, len(v))
		copy(msgs, v)
		out[k] = msgs
	}
	return out
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
