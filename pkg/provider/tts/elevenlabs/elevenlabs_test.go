package elevenlabs

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/voxbridge/voxbridge/pkg/types"
)

func TestNew_EmptyAPIKey(t *testing.T) {
	_, err := New("")
	if err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != defaultModel {
		t.Errorf("model = %q, want %q", p.model, defaultModel)
	}
	if p.outputFormat != defaultOutputFmt {
		t.Errorf("outputFormat = %q, want %q", p.outputFormat, defaultOutputFmt)
	}
}

func TestNew_Options(t *testing.T) {
	p, err := New("key",
		WithModel("eleven_turbo_v2"),
		WithOutputFormat("pcm_24000"),
		WithDefaultVoice("Rachel"),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != "eleven_turbo_v2" {
		t.Errorf("model = %q", p.model)
	}
	if p.outputFormat != "pcm_24000" {
		t.Errorf("outputFormat = %q", p.outputFormat)
	}
	if p.defaultVoice != "Rachel" {
		t.Errorf("defaultVoice = %q", p.defaultVoice)
	}
}

func TestBuildURLForVoice(t *testing.T) {
	url := buildURLForVoice("voice-123", "eleven_flash_v2_5")
	if !strings.Contains(url, "/text-to-speech/voice-123/stream-input") {
		t.Errorf("url missing voice path: %s", url)
	}
	if !strings.Contains(url, "model_id=eleven_flash_v2_5") {
		t.Errorf("url missing model: %s", url)
	}
}

func TestBuildWSMessage_WithSettings(t *testing.T) {
	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75, Speed: 1.03}
	b, err := buildWSMessage("Hello there.", vs)
	if err != nil {
		t.Fatalf("buildWSMessage: %v", err)
	}

	var out map[string]json.RawMessage
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if string(out["text"]) != `"Hello there."` {
		t.Errorf("text = %s", out["text"])
	}
	if _, ok := out["voice_settings"]; !ok {
		t.Error("voice_settings missing")
	}
}

func TestBuildWSMessage_OmitsNilSettings(t *testing.T) {
	b, err := buildWSMessage("more text", nil)
	if err != nil {
		t.Fatalf("buildWSMessage: %v", err)
	}
	if strings.Contains(string(b), "voice_settings") {
		t.Errorf("nil settings should be omitted: %s", b)
	}
}

func TestParseRate(t *testing.T) {
	tests := []struct {
		in     string
		want   float64
		wantOK bool
	}{
		{"+3%", 1.03, true},
		{"-10%", 0.9, true},
		{"25%", 1.25, true},
		{"", 0, false},
		{"fast", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseRate(tt.in)
		if ok != tt.wantOK {
			t.Errorf("parseRate(%q) ok = %v, want %v", tt.in, ok, tt.wantOK)
			continue
		}
		if ok && (got < tt.want-1e-9 || got > tt.want+1e-9) {
			t.Errorf("parseRate(%q) = %g, want %g", tt.in, got, tt.want)
		}
	}
}

func TestSettingsForProfile(t *testing.T) {
	vs := settingsForProfile(types.VoiceProfile{Style: "chat", Rate: "+3%"})
	if vs.Speed < 1.0299 || vs.Speed > 1.0301 {
		t.Errorf("speed = %g, want 1.03", vs.Speed)
	}

	vs = settingsForProfile(types.VoiceProfile{})
	if vs.Speed != 0 {
		t.Errorf("speed = %g, want 0 (omitted)", vs.Speed)
	}
	if vs.Stability != 0.5 || vs.SimilarityBoost != 0.75 {
		t.Errorf("default settings = %+v", vs)
	}
}
