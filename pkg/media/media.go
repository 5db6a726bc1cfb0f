// Package media implements the wire protocol spoken on the telephony
// provider's bidirectional media WebSocket.
//
// Inbound frames are JSON objects discriminated by a "kind" field; audio
// payloads are base64 of signed 16-bit little-endian PCM, mono, 16 kHz.
// Outbound frames carry PCM in fixed-size chunks plus a StopAudio control
// frame that cancels pending playback on the provider side.
package media

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Audio constants for the telephony path. The provider streams PCM s16le
// mono at 16 kHz in both directions.
const (
	SampleRate      = 16000
	BytesPerSample  = 2
	DefaultFrameLen = 320 // samples per outbound frame (10 ms)
)

// Kind discriminates inbound media messages.
type Kind string

const (
	KindAudioMetadata Kind = "AudioMetadata"
	KindAudioData     Kind = "AudioData"
	KindDtmfData      Kind = "DtmfData"
	KindStopAudio     Kind = "StopAudio"
)

// Message is a decoded inbound media frame. Exactly one of the payload
// fields is populated, matching Kind.
type Message struct {
	Kind      Kind
	Audio     *AudioPayload
	Dtmf      *DtmfPayload
	RawLength int
}

// AudioPayload carries one decoded inbound audio chunk.
type AudioPayload struct {
	// Data is the decoded PCM (s16le mono 16 kHz).
	Data []byte

	// Silent is the provider's silence flag for this chunk.
	Silent bool
}

// DtmfPayload carries an inline DTMF tone. Tones normally arrive on the
// provider event stream; inline ones are logged and ignored upstream.
type DtmfPayload struct {
	Tone string
}

type inboundFrame struct {
	Kind      string          `json:"kind"`
	AudioData *inboundAudio   `json:"audioData"`
	DtmfData  *inboundDtmf    `json:"dtmfData"`
	Metadata  json.RawMessage `json:"audioMetadata"`
}

type inboundAudio struct {
	Data   string `json:"data"`
	Silent bool   `json:"silent"`
}

type inboundDtmf struct {
	Data string `json:"data"`
}

// Parse decodes one inbound WebSocket text frame. Unknown kinds are returned
// with their Kind set so the caller can log and skip them; a malformed
// envelope or undecodable audio payload is an error.
func Parse(raw []byte) (Message, error) {
	var f inboundFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Message{}, fmt.Errorf("media: decode frame: %w", err)
	}

	msg := Message{Kind: Kind(f.Kind), RawLength: len(raw)}
	switch msg.Kind {
	case KindAudioData:
		if f.AudioData == nil {
			return Message{}, fmt.Errorf("media: AudioData frame missing audioData payload")
		}
		pcm, err := base64.StdEncoding.DecodeString(f.AudioData.Data)
		if err != nil {
			return Message{}, fmt.Errorf("media: decode audio payload: %w", err)
		}
		msg.Audio = &AudioPayload{Data: pcm, Silent: f.AudioData.Silent}
	case KindDtmfData:
		if f.DtmfData == nil {
			return Message{}, fmt.Errorf("media: DtmfData frame missing dtmfData payload")
		}
		msg.Dtmf = &DtmfPayload{Tone: f.DtmfData.Data}
	}
	return msg, nil
}

type outboundAudio struct {
	Kind      string             `json:"kind"`
	AudioData outboundAudioInner `json:"AudioData"`
}

type outboundAudioInner struct {
	Data string `json:"data"`
}

// AudioDataFrame encodes one outbound PCM chunk as a provider AudioData frame.
func AudioDataFrame(pcm []byte) ([]byte, error) {
	out := outboundAudio{
		Kind:      string(KindAudioData),
		AudioData: outboundAudioInner{Data: base64.StdEncoding.EncodeToString(pcm)},
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("media: encode audio frame: %w", err)
	}
	return b, nil
}

// StopAudioFrame returns the provider's stop-playback control frame.
// The field casing differs from AudioData frames; the provider requires
// this exact shape.
func StopAudioFrame() []byte {
	return []byte(`{"Kind":"StopAudio","AudioData":null,"StopAudio":{}}`)
}

// SplitFrames slices PCM into frames of frameLen samples, zero-padding the
// last frame when the input is not an exact multiple. frameLen <= 0 falls
// back to DefaultFrameLen. Empty input yields no frames.
func SplitFrames(pcm []byte, frameLen int) [][]byte {
	if frameLen <= 0 {
		frameLen = DefaultFrameLen
	}
	frameBytes := frameLen * BytesPerSample
	if len(pcm) == 0 {
		return nil
	}

	n := (len(pcm) + frameBytes - 1) / frameBytes
	frames := make([][]byte, 0, n)
	for off := 0; off < len(pcm); off += frameBytes {
		end := off + frameBytes
		if end <= len(pcm) {
			frames = append(frames, pcm[off:end])
			continue
		}
		padded := make([]byte, frameBytes)
		copy(padded, pcm[off:])
		frames = append(frames, padded)
	}
	return frames
}
