package media

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"testing"
)

func TestParse_AudioData(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	raw := []byte(`{"kind":"AudioData","audioData":{"data":"` +
		base64.StdEncoding.EncodeToString(pcm) + `","silent":true}}`)

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Kind != KindAudioData {
		t.Errorf("kind = %q, want AudioData", msg.Kind)
	}
	if msg.Audio == nil {
		t.Fatal("audio payload is nil")
	}
	if !bytes.Equal(msg.Audio.Data, pcm) {
		t.Errorf("pcm = %v, want %v", msg.Audio.Data, pcm)
	}
	if !msg.Audio.Silent {
		t.Error("silent flag not carried")
	}
}

func TestParse_AudioDataBadBase64(t *testing.T) {
	_, err := Parse([]byte(`{"kind":"AudioData","audioData":{"data":"!!not-base64!!"}}`))
	if err == nil {
		t.Fatal("expected error for undecodable payload")
	}
}

func TestParse_AudioMetadata(t *testing.T) {
	msg, err := Parse([]byte(`{"kind":"AudioMetadata","audioMetadata":{"subscriptionId":"abc"}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Kind != KindAudioMetadata {
		t.Errorf("kind = %q, want AudioMetadata", msg.Kind)
	}
}

func TestParse_Dtmf(t *testing.T) {
	msg, err := Parse([]byte(`{"kind":"DtmfData","dtmfData":{"data":"pound"}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Dtmf == nil || msg.Dtmf.Tone != "pound" {
		t.Errorf("dtmf = %+v, want tone pound", msg.Dtmf)
	}
}

func TestParse_DtmfMissingPayload(t *testing.T) {
	if _, err := Parse([]byte(`{"kind":"DtmfData"}`)); err == nil {
		t.Fatal("expected error for DtmfData frame without payload")
	}
}

func TestParse_AudioDataMissingPayload(t *testing.T) {
	if _, err := Parse([]byte(`{"kind":"AudioData"}`)); err == nil {
		t.Fatal("expected error for AudioData frame without payload")
	}
}

func TestParse_UnknownKind(t *testing.T) {
	msg, err := Parse([]byte(`{"kind":"SomethingNew","payload":{}}`))
	if err != nil {
		t.Fatalf("unknown kind should not error: %v", err)
	}
	if msg.Kind != Kind("SomethingNew") {
		t.Errorf("kind = %q, want SomethingNew", msg.Kind)
	}
}

func TestParse_Malformed(t *testing.T) {
	if _, err := Parse([]byte(`{not json`)); err == nil {
		t.Fatal("expected error for malformed frame")
	}
}

func TestAudioDataFrame_Shape(t *testing.T) {
	pcm := []byte{0xAA, 0xBB}
	b, err := AudioDataFrame(pcm)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var out struct {
		Kind      string `json:"kind"`
		AudioData struct {
			Data string `json:"data"`
		} `json:"AudioData"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("frame is not valid JSON: %v", err)
	}
	if out.Kind != "AudioData" {
		t.Errorf("kind = %q, want AudioData", out.Kind)
	}
	got, err := base64.StdEncoding.DecodeString(out.AudioData.Data)
	if err != nil {
		t.Fatalf("data is not base64: %v", err)
	}
	if !bytes.Equal(got, pcm) {
		t.Errorf("payload round-trip = %v, want %v", got, pcm)
	}
}

func TestStopAudioFrame_Shape(t *testing.T) {
	var out map[string]json.RawMessage
	if err := json.Unmarshal(StopAudioFrame(), &out); err != nil {
		t.Fatalf("stop frame is not valid JSON: %v", err)
	}
	if string(out["Kind"]) != `"StopAudio"` {
		t.Errorf("Kind = %s, want \"StopAudio\"", out["Kind"])
	}
	if string(out["AudioData"]) != "null" {
		t.Errorf("AudioData = %s, want null", out["AudioData"])
	}
	if _, ok := out["StopAudio"]; !ok {
		t.Error("StopAudio object missing")
	}
}

func TestSplitFrames_ZeroPadsLastFrame(t *testing.T) {
	frameBytes := DefaultFrameLen * BytesPerSample

	// One full frame plus 4 trailing bytes.
	pcm := make([]byte, frameBytes+4)
	for i := range pcm {
		pcm[i] = byte(i % 251)
	}

	frames := SplitFrames(pcm, DefaultFrameLen)
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(frames))
	}
	for i, f := range frames {
		if len(f) != frameBytes {
			t.Errorf("frame %d len = %d, want %d", i, len(f), frameBytes)
		}
	}
	if !bytes.Equal(frames[0], pcm[:frameBytes]) {
		t.Error("first frame does not match input")
	}
	if !bytes.Equal(frames[1][:4], pcm[frameBytes:]) {
		t.Error("tail bytes not carried into last frame")
	}
	for _, b := range frames[1][4:] {
		if b != 0 {
			t.Fatal("last frame not zero-padded")
		}
	}
}

func TestSplitFrames_Empty(t *testing.T) {
	if frames := SplitFrames(nil, DefaultFrameLen); frames != nil {
		t.Errorf("frames = %v, want nil", frames)
	}
}

func TestSplitFrames_ExactMultiple(t *testing.T) {
	frameBytes := 8 * BytesPerSample
	pcm := make([]byte, frameBytes*3)
	frames := SplitFrames(pcm, 8)
	if len(frames) != 3 {
		t.Fatalf("frames = %d, want 3", len(frames))
	}
}
