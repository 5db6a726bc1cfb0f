package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voxbridge/voxbridge/pkg/media"
	"github.com/voxbridge/voxbridge/pkg/memory"
	"github.com/voxbridge/voxbridge/pkg/provider/tts"
	ttsmock "github.com/voxbridge/voxbridge/pkg/provider/tts/mock"
	"github.com/voxbridge/voxbridge/pkg/types"
)

// frameRecorder collects outbound frames in order.
type frameRecorder struct {
	mu     sync.Mutex
	frames [][]byte
}

func (r *frameRecorder) send(_ context.Context, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	r.frames = append(r.frames, cp)
	return nil
}

func (r *frameRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func newTestPlayer(synth tts.Provider, fresh func(context.Context) (tts.Provider, error), rec *frameRecorder) (*Player, *memory.Memory) {
	mem := memory.New("call-1")
	lat := memory.NewLatencyRegistry(nil)
	p := NewPlayer("call-1", synth, fresh, rec.send, media.DefaultFrameLen,
		types.VoiceProfile{Name: "Rachel"}, mem, lat, nil)
	return p, mem
}

func TestPlayer_PlayEmitsOrderedFrames(t *testing.T) {
	synth := &ttsmock.Provider{ChunkBytes: 1280} // 2 frames per chunk
	rec := &frameRecorder{}
	p, _ := newTestPlayer(synth, nil, rec)

	if err := p.Play(context.Background(), "Hello there."); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if got := rec.count(); got != 2 {
		t.Fatalf("sent %d frames, want 2", got)
	}

	// Each frame is a well-formed AudioData message.
	var frame struct {
		Kind      string `json:"kind"`
		AudioData struct {
			Data string `json:"data"`
		} `json:"AudioData"`
	}
	if err := json.Unmarshal(rec.frames[0], &frame); err != nil {
		t.Fatalf("frame not JSON: %v", err)
	}
	if frame.Kind != "AudioData" || frame.AudioData.Data == "" {
		t.Errorf("frame = %s", rec.frames[0])
	}
}

func TestPlayer_ShortChunkZeroPadded(t *testing.T) {
	synth := &ttsmock.Provider{ChunkBytes: 100} // under one 640-byte frame
	rec := &frameRecorder{}
	p, _ := newTestPlayer(synth, nil, rec)

	if err := p.Play(context.Background(), "Hi."); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if got := rec.count(); got != 1 {
		t.Fatalf("sent %d frames, want 1", got)
	}

	var frame struct {
		AudioData struct {
			Data string `json:"data"`
		} `json:"AudioData"`
	}
	if err := json.Unmarshal(rec.frames[0], &frame); err != nil {
		t.Fatalf("frame not JSON: %v", err)
	}
	// base64 of 640 bytes is 856 characters with padding.
	if len(frame.AudioData.Data) != 856 {
		t.Errorf("payload length = %d, want full padded frame", len(frame.AudioData.Data))
	}
}

func TestPlayer_CancelStopsEmission(t *testing.T) {
	synth := &ttsmock.Provider{ChunkBytes: 640}
	blocked := make(chan struct{})
	var once sync.Once

	mem := memory.New("call-1")
	p := NewPlayer("call-1", synth, nil, func(ctx context.Context, payload []byte) error {
		once.Do(func() { close(blocked) })
		<-ctx.Done()
		return ctx.Err()
	}, media.DefaultFrameLen, types.VoiceProfile{Name: "Rachel"}, mem, memory.NewLatencyRegistry(nil), nil)

	text := make(chan string, 4)
	text <- "one."
	text <- "two."

	done := make(chan error, 1)
	go func() { done <- p.PlayStream(context.Background(), text) }()

	<-blocked
	p.Cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("cancelled playback returned %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("PlayStream did not return after Cancel")
	}
	close(text)
}

func TestPlayer_CancelIdleIsNoOp(t *testing.T) {
	p, _ := newTestPlayer(&ttsmock.Provider{}, nil, &frameRecorder{})
	p.Cancel()
	p.Cancel()
}

func TestPlayer_RetriesWithFreshSynthesizer(t *testing.T) {
	failing := &ttsmock.Provider{StartErr: errors.New("synth dead"), ChunkBytes: 640}
	replacement := &ttsmock.Provider{ChunkBytes: 640}
	rec := &frameRecorder{}

	p, _ := newTestPlayer(failing, func(context.Context) (tts.Provider, error) {
		return replacement, nil
	}, rec)

	if err := p.Play(context.Background(), "Hello."); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if rec.count() == 0 {
		t.Error("no frames sent after retry")
	}
	if replacement.CallCount() != 1 {
		t.Errorf("replacement used %d times, want 1", replacement.CallCount())
	}

	// The replacement sticks for the next playback.
	if err := p.Play(context.Background(), "Again."); err != nil {
		t.Fatalf("second Play: %v", err)
	}
	if replacement.CallCount() != 2 {
		t.Errorf("replacement not retained: calls = %d", replacement.CallCount())
	}
}

func TestPlayer_SecondFailureIsFatalForTurn(t *testing.T) {
	failing := &ttsmock.Provider{StartErr: errors.New("synth dead")}
	alsoFailing := &ttsmock.Provider{StartErr: errors.New("still dead")}

	p, _ := newTestPlayer(failing, func(context.Context) (tts.Provider, error) {
		return alsoFailing, nil
	}, &frameRecorder{})

	if err := p.Play(context.Background(), "Hello."); err == nil {
		t.Fatal("expected error after both synthesizers failed")
	}
}

func TestPlayer_VoiceFromContext(t *testing.T) {
	synth := &ttsmock.Provider{ChunkBytes: 640}
	rec := &frameRecorder{}
	p, mem := newTestPlayer(synth, nil, rec)

	mem.SetContext(memory.KeyVoice, "Antoni")
	mem.SetContext(memory.KeyVoiceRate, "-5%")

	if err := p.Play(context.Background(), "Hi."); err != nil {
		t.Fatalf("Play: %v", err)
	}
	call := synth.LastCall()
	if call == nil {
		t.Fatal("no synthesis call recorded")
	}
	if call.Voice.Name != "Antoni" {
		t.Errorf("voice = %q, want Antoni", call.Voice.Name)
	}
	if call.Voice.Rate != "-5%" {
		t.Errorf("rate = %q, want -5%%", call.Voice.Rate)
	}
	if call.Voice.Style != "chat" {
		t.Errorf("style = %q, want default chat", call.Voice.Style)
	}
}

func TestPlayer_BotSpeakingFlag(t *testing.T) {
	synth := &ttsmock.Provider{ChunkBytes: 640}
	mem := memory.New("call-1")
	var sawSpeaking bool
	p := NewPlayer("call-1", synth, nil, func(ctx context.Context, payload []byte) error {
		if mem.ContextBool(memory.KeyBotSpeaking) {
			sawSpeaking = true
		}
		return nil
	}, media.DefaultFrameLen, types.VoiceProfile{Name: "Rachel"}, mem, memory.NewLatencyRegistry(nil), nil)

	if err := p.Play(context.Background(), "Hello."); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if !sawSpeaking {
		t.Error("bot_speaking not set during playback")
	}
	if mem.ContextBool(memory.KeyBotSpeaking) {
		t.Error("bot_speaking not cleared after playback")
	}
}
