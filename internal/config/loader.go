package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, applies environment
// overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of the defaults,
// applies environment overrides, and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays the documented environment variables on cfg. Unset or
// unparsable variables leave the current value untouched.
func ApplyEnv(cfg *Config) {
	envInt("POOL_SIZE_STT", &cfg.Pools.STTSize)
	envInt("POOL_SIZE_TTS", &cfg.Pools.TTSSize)
	envInt("MAX_CONCURRENT_AUDIO_TASKS", &cfg.Media.MaxConcurrentAudioTasks)
	envInt("MAX_EMERGENCY_AUDIO_TASKS", &cfg.Media.MaxEmergencyAudioTasks)
	envInt("SPEECH_QUEUE_MAXSIZE", &cfg.Media.SpeechQueueMaxSize)
	envFloat("STT_PROCESSING_TIMEOUT", &cfg.Media.STTProcessingTimeoutSec)
	envBool("DTMF_VALIDATION_ENABLED", &cfg.Dtmf.Enabled)
	envInt("AOAI_RETRY_MAX_ATTEMPTS", &cfg.Retry.MaxAttempts)
	envFloat("AOAI_RETRY_BASE_DELAY_SEC", &cfg.Retry.BaseDelaySec)
	envFloat("AOAI_RETRY_MAX_DELAY_SEC", &cfg.Retry.MaxDelaySec)
	envFloat("AOAI_RETRY_BACKOFF_FACTOR", &cfg.Retry.BackoffFactor)
	envFloat("AOAI_RETRY_JITTER_SEC", &cfg.Retry.JitterSec)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Pools.STTSize <= 0 {
		errs = append(errs, fmt.Errorf("pools.stt_size must be positive, got %d", cfg.Pools.STTSize))
	}
	if cfg.Pools.TTSSize <= 0 {
		errs = append(errs, fmt.Errorf("pools.tts_size must be positive, got %d", cfg.Pools.TTSSize))
	}
	if cfg.Media.MaxConcurrentAudioTasks <= 0 {
		errs = append(errs, fmt.Errorf("media.max_concurrent_audio_tasks must be positive, got %d", cfg.Media.MaxConcurrentAudioTasks))
	}
	if cfg.Media.MaxEmergencyAudioTasks < 0 {
		errs = append(errs, fmt.Errorf("media.max_emergency_audio_tasks must not be negative, got %d", cfg.Media.MaxEmergencyAudioTasks))
	}
	if cfg.Media.SpeechQueueMaxSize <= 0 {
		errs = append(errs, fmt.Errorf("media.speech_queue_maxsize must be positive, got %d", cfg.Media.SpeechQueueMaxSize))
	}
	if cfg.Media.FrameSamples <= 0 {
		errs = append(errs, fmt.Errorf("media.frame_samples must be positive, got %d", cfg.Media.FrameSamples))
	}
	if cfg.Media.STTProcessingTimeoutSec <= 0 {
		errs = append(errs, fmt.Errorf("media.stt_processing_timeout_sec must be positive, got %g", cfg.Media.STTProcessingTimeoutSec))
	}
	if cfg.Dtmf.Enabled && cfg.Dtmf.ExpectedDigits == "" {
		errs = append(errs, errors.New("dtmf.expected_digits is required when dtmf.enabled is true"))
	}
	if cfg.Retry.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be positive, got %d", cfg.Retry.MaxAttempts))
	}
	if cfg.Retry.BackoffFactor < 1 {
		errs = append(errs, fmt.Errorf("retry.backoff_factor must be >= 1, got %g", cfg.Retry.BackoffFactor))
	}
	if cfg.Retry.BaseDelaySec < 0 || cfg.Retry.MaxDelaySec < 0 || cfg.Retry.JitterSec < 0 {
		errs = append(errs, errors.New("retry delays must not be negative"))
	}
	if cfg.Retry.MaxDelaySec > 0 && cfg.Retry.MaxDelaySec < cfg.Retry.BaseDelaySec {
		errs = append(errs, fmt.Errorf("retry.max_delay_sec %g is below retry.base_delay_sec %g", cfg.Retry.MaxDelaySec, cfg.Retry.BaseDelaySec))
	}
	if cfg.Agent.Name == "" {
		errs = append(errs, errors.New("agent.name is required"))
	}

	return errors.Join(errs...)
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(name string, dst *float64) {
	if v := os.Getenv(name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
