package config

import (
	"strings"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Media.MaxConcurrentAudioTasks != 50 {
		t.Errorf("max_concurrent_audio_tasks = %d, want 50", cfg.Media.MaxConcurrentAudioTasks)
	}
	if cfg.Media.MaxEmergencyAudioTasks != 20 {
		t.Errorf("max_emergency_audio_tasks = %d, want 20", cfg.Media.MaxEmergencyAudioTasks)
	}
	if cfg.Media.SpeechQueueMaxSize != 10 {
		t.Errorf("speech_queue_maxsize = %d, want 10", cfg.Media.SpeechQueueMaxSize)
	}
	if cfg.Media.FrameSamples != 320 {
		t.Errorf("frame_samples = %d, want 320", cfg.Media.FrameSamples)
	}
	if cfg.Pools.STTSize != 8 || cfg.Pools.TTSSize != 8 {
		t.Errorf("pool sizes = %d/%d, want 8/8", cfg.Pools.STTSize, cfg.Pools.TTSSize)
	}
	if cfg.Retry.MaxAttempts != 4 || cfg.Retry.BaseDelaySec != 0.5 ||
		cfg.Retry.MaxDelaySec != 8 || cfg.Retry.BackoffFactor != 2.0 || cfg.Retry.JitterSec != 0.2 {
		t.Errorf("retry defaults = %+v", cfg.Retry)
	}
	if cfg.TTS.Style != "chat" || cfg.TTS.Rate != "+3%" {
		t.Errorf("tts voice defaults = %q/%q, want chat/+3%%", cfg.TTS.Style, cfg.TTS.Rate)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadFromReader_MergesOverDefaults(t *testing.T) {
	yml := `
server:
  listen_addr: ":9090"
media:
  max_concurrent_audio_tasks: 25
dtmf:
  enabled: true
  expected_digits: "456"
`
	cfg, err := LoadFromReader(strings.NewReader(yml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Media.MaxConcurrentAudioTasks != 25 {
		t.Errorf("max tasks = %d, want 25", cfg.Media.MaxConcurrentAudioTasks)
	}
	// Untouched values keep defaults.
	if cfg.Media.SpeechQueueMaxSize != 10 {
		t.Errorf("queue maxsize = %d, want default 10", cfg.Media.SpeechQueueMaxSize)
	}
	if !cfg.Dtmf.Enabled || cfg.Dtmf.ExpectedDigits != "456" {
		t.Errorf("dtmf = %+v", cfg.Dtmf)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("serverr:\n  listen_addr: ':1'\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestApplyEnv_Overrides(t *testing.T) {
	t.Setenv("POOL_SIZE_TTS", "16")
	t.Setenv("SPEECH_QUEUE_MAXSIZE", "20")
	t.Setenv("DTMF_VALIDATION_ENABLED", "true")
	t.Setenv("AOAI_RETRY_BASE_DELAY_SEC", "1.5")
	t.Setenv("STT_PROCESSING_TIMEOUT", "0.05")

	cfg := Default()
	ApplyEnv(cfg)

	if cfg.Pools.TTSSize != 16 {
		t.Errorf("POOL_SIZE_TTS not applied: %d", cfg.Pools.TTSSize)
	}
	if cfg.Media.SpeechQueueMaxSize != 20 {
		t.Errorf("SPEECH_QUEUE_MAXSIZE not applied: %d", cfg.Media.SpeechQueueMaxSize)
	}
	if !cfg.Dtmf.Enabled {
		t.Error("DTMF_VALIDATION_ENABLED not applied")
	}
	if cfg.Retry.BaseDelaySec != 1.5 {
		t.Errorf("AOAI_RETRY_BASE_DELAY_SEC not applied: %g", cfg.Retry.BaseDelaySec)
	}
	if cfg.Media.STTProcessingTimeoutSec != 0.05 {
		t.Errorf("STT_PROCESSING_TIMEOUT not applied: %g", cfg.Media.STTProcessingTimeoutSec)
	}
}

func TestApplyEnv_BadValueIgnored(t *testing.T) {
	t.Setenv("POOL_SIZE_TTS", "not-a-number")
	cfg := Default()
	ApplyEnv(cfg)
	if cfg.Pools.TTSSize != 8 {
		t.Errorf("unparsable env should keep default, got %d", cfg.Pools.TTSSize)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Server.LogLevel = "verbose"
	cfg.Pools.STTSize = 0
	cfg.Retry.BackoffFactor = 0.5
	cfg.Dtmf.Enabled = true
	cfg.Dtmf.ExpectedDigits = ""

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	msg := err.Error()
	for _, want := range []string{"log_level", "stt_size", "backoff_factor", "expected_digits"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q does not mention %s", msg, want)
		}
	}
}

func TestValidate_MaxDelayBelowBase(t *testing.T) {
	cfg := Default()
	cfg.Retry.BaseDelaySec = 10
	cfg.Retry.MaxDelaySec = 5
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for max below base")
	}
}
