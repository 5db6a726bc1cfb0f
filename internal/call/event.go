// Package call implements the per-call media engine: the WebSocket media
// loop, the recognizer driver, the turn router with barge-in coordination,
// the DTMF validation gate, TTS playback, and the process-wide call
// registry that ties one handler to each live call.
package call

// EventKind discriminates the variants of a SpeechEvent.
type EventKind int

const (
	// EventPartial is an interim recognition hypothesis.
	EventPartial EventKind = iota

	// EventFinal is a post-endpointing recognition result that starts a turn.
	EventFinal

	// EventError is a recognizer-reported failure. Logged, never fatal.
	EventError

	// EventGreeting through EventErrorMessage are direct-playback requests:
	// the text bypasses the LLM and goes straight to synthesis.
	EventGreeting
	EventAnnouncement
	EventStatusUpdate
	EventErrorMessage
)

// String returns the event kind name used in logs.
func (k EventKind) String() string {
	switch k {
	case EventPartial:
		return "Partial"
	case EventFinal:
		return "Final"
	case EventError:
		return "Error"
	case EventGreeting:
		return "Greeting"
	case EventAnnouncement:
		return "Announcement"
	case EventStatusUpdate:
		return "StatusUpdate"
	case EventErrorMessage:
		return "ErrorMessage"
	}
	return "Unknown"
}

// SpeechEvent is one element of the recognizer→router queue.
type SpeechEvent struct {
	Kind EventKind

	// Text is the transcript or playback text.
	Text string

	// Lang is the BCP-47 language tag when known.
	Lang string

	// Speaker identifies the talker when the recognizer diarizes.
	Speaker string
}

// DirectPlayback reports whether the event carries text that should be
// synthesised without consulting the LLM.
func (e SpeechEvent) DirectPlayback() bool {
	switch e.Kind {
	case EventGreeting, EventAnnouncement, EventStatusUpdate, EventErrorMessage:
		return true
	}
	return false
}
