package call

import (
	"context"
	"log/slog"
)

// Telephony provider callback kinds. These arrive on the events webhook,
// outside the media socket.
const (
	ProviderCallConnected       = "CallConnected"
	ProviderCallDisconnected    = "CallDisconnected"
	ProviderParticipantsUpdated = "ParticipantsUpdated"
	ProviderPlayCompleted       = "PlayCompleted"
	ProviderPlayFailed          = "PlayFailed"
	ProviderRecognizeCompleted  = "RecognizeCompleted"
	ProviderRecognizeFailed     = "RecognizeFailed"
	ProviderDtmfToneReceived    = "DtmfToneReceived"
)

// Context keys written only by the event handlers.
const (
	ctxKeyCallConnected       = "call_connected"
	ctxKeyParticipants        = "participants"
	ctxKeyLastPlayStatus      = "last_play_status"
	ctxKeyLastRecognizeStatus = "last_recognize_status"
)

// ProviderEvent is one decoded provider callback.
type ProviderEvent struct {
	Kind         string   `json:"kind"`
	CallID       string   `json:"callId"`
	Participants []string `json:"participants,omitempty"`
	Tone         string   `json:"tone,omitempty"`
	SequenceID   int      `json:"sequenceId,omitempty"`
	Message      string   `json:"message,omitempty"`
}

// DispatchEvent routes a provider callback to the live handler for its
// call. Events for unknown calls are logged and dropped; returns whether a
// handler received the event.
func (e *Engine) DispatchEvent(ctx context.Context, ev ProviderEvent) bool {
	h, ok := e.registry.Get(ev.CallID)
	if !ok {
		slog.Debug("provider event for unknown call",
			"call_id", ev.CallID, "kind", ev.Kind)
		return false
	}
	h.HandleProviderEvent(ctx, ev)
	return true
}

// HandleProviderEvent mutates conversation context per the callback kind
// and persists asynchronously. Event handlers write only context fields;
// history stays owned by the turn path.
func (h *Handler) HandleProviderEvent(ctx context.Context, ev ProviderEvent) {
	switch ev.Kind {
	case ProviderCallConnected:
		h.mem.SetContext(ctxKeyCallConnected, true)
		if len(ev.Participants) > 0 {
			h.mem.SetContext(ctxKeyParticipants, ev.Participants)
		}
		h.persistAsync(ctx)

	case ProviderCallDisconnected:
		h.mem.SetContext(ctxKeyCallConnected, false)
		h.persistAsync(ctx)
		slog.Info("provider reported call disconnected, stopping handler",
			"call_id", h.callID)
		h.Stop()

	case ProviderParticipantsUpdated:
		h.mem.SetContext(ctxKeyParticipants, ev.Participants)
		h.persistAsync(ctx)

	case ProviderPlayCompleted:
		h.mem.SetContext(ctxKeyLastPlayStatus, "completed")
		h.persistAsync(ctx)

	case ProviderPlayFailed:
		slog.Warn("provider playback failed",
			"call_id", h.callID, "message", ev.Message)
		h.mem.SetContext(ctxKeyLastPlayStatus, "failed")
		h.persistAsync(ctx)

	case ProviderRecognizeCompleted:
		h.mem.SetContext(ctxKeyLastRecognizeStatus, "completed")
		h.persistAsync(ctx)

	case ProviderRecognizeFailed:
		slog.Warn("provider recognize action failed",
			"call_id", h.callID, "message", ev.Message)
		h.mem.SetContext(ctxKeyLastRecognizeStatus, "failed")
		h.persistAsync(ctx)

	case ProviderDtmfToneReceived:
		h.dtmf.Place(ev.Tone, ev.SequenceID)
		h.persistAsync(ctx)

	default:
		slog.Info("ignoring unknown provider event",
			"call_id", h.callID, "kind", ev.Kind)
	}
}

func (h *Handler) persistAsync(ctx context.Context) {
	if h.engine.store != nil {
		h.mem.PersistAsync(context.WithoutCancel(ctx), h.engine.store)
	}
}
