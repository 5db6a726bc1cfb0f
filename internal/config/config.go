// Package config provides the configuration schema and loader for the
// voxbridge media engine. Settings come from a YAML file; the operational
// knobs additionally accept environment variable overrides so deployments
// can tune them without editing the file.
package config

// LogLevel controls log verbosity for the voxbridge server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for voxbridge.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server ServerConfig `yaml:"server"`
	Redis  RedisConfig  `yaml:"redis"`
	Pools  PoolsConfig  `yaml:"pools"`
	Media  MediaConfig  `yaml:"media"`
	Dtmf   DtmfConfig   `yaml:"dtmf"`
	Retry  RetryConfig  `yaml:"retry"`
	LLM    LLMConfig    `yaml:"llm"`
	STT    STTConfig    `yaml:"stt"`
	TTS    TTSConfig    `yaml:"tts"`
	Agent  AgentConfig  `yaml:"agent"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// RedisConfig connects the conversation memory store. Leaving Addr empty
// runs the engine on in-process memory only.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PoolsConfig sizes the pre-warmed recognizer and synthesizer pools.
// Env overrides: POOL_SIZE_STT, POOL_SIZE_TTS.
type PoolsConfig struct {
	STTSize int `yaml:"stt_size"`
	TTSSize int `yaml:"tts_size"`
}

// MediaConfig tunes the per-call media loop.
// Env overrides: MAX_CONCURRENT_AUDIO_TASKS, MAX_EMERGENCY_AUDIO_TASKS,
// SPEECH_QUEUE_MAXSIZE, STT_PROCESSING_TIMEOUT.
type MediaConfig struct {
	// MaxConcurrentAudioTasks bounds in-flight audio processing per call.
	MaxConcurrentAudioTasks int `yaml:"max_concurrent_audio_tasks"`

	// MaxEmergencyAudioTasks sizes the overflow buffer used when the
	// semaphore is saturated.
	MaxEmergencyAudioTasks int `yaml:"max_emergency_audio_tasks"`

	// SpeechQueueMaxSize caps the recognizer→router event queue.
	SpeechQueueMaxSize int `yaml:"speech_queue_maxsize"`

	// FrameSamples is the outbound PCM frame size in samples.
	FrameSamples int `yaml:"frame_samples"`

	// STTProcessingTimeoutSec is the per-frame recognizer submit deadline
	// in seconds.
	STTProcessingTimeoutSec float64 `yaml:"stt_processing_timeout_sec"`
}

// DtmfConfig controls the pre-conversation validation gate.
// Env override: DTMF_VALIDATION_ENABLED.
type DtmfConfig struct {
	// Enabled holds the gate closed until the caller keys the expected
	// sequence.
	Enabled bool `yaml:"enabled"`

	// ExpectedDigits is the sequence compared against the first keyed
	// digits (numeric string, typically 3 digits).
	ExpectedDigits string `yaml:"expected_digits"`
}

// RetryConfig shapes the backoff schedule for transient LLM failures.
// Env overrides: AOAI_RETRY_MAX_ATTEMPTS, AOAI_RETRY_BASE_DELAY_SEC,
// AOAI_RETRY_MAX_DELAY_SEC, AOAI_RETRY_BACKOFF_FACTOR, AOAI_RETRY_JITTER_SEC.
type RetryConfig struct {
	MaxAttempts   int     `yaml:"max_attempts"`
	BaseDelaySec  float64 `yaml:"base_delay_sec"`
	MaxDelaySec   float64 `yaml:"max_delay_sec"`
	BackoffFactor float64 `yaml:"backoff_factor"`
	JitterSec     float64 `yaml:"jitter_sec"`
}

// LLMConfig configures the streaming chat-completion provider.
type LLMConfig struct {
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	TopP        float64 `yaml:"top_p"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// STTConfig configures the streaming recognizer provider.
type STTConfig struct {
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	Language string `yaml:"language"`
}

// TTSConfig configures the streaming synthesizer provider and the default
// voice used when a call carries no override.
type TTSConfig struct {
	APIKey string `yaml:"api_key"`
	Voice  string `yaml:"voice"`
	Style  string `yaml:"style"`
	Rate   string `yaml:"rate"`
}

// AgentConfig holds conversation-level settings.
type AgentConfig struct {
	// Name keys the message history in conversation memory.
	Name string `yaml:"name"`

	// SystemPrompt seeds each call's history.
	SystemPrompt string `yaml:"system_prompt"`

	// Greeting is played once when the gate opens.
	Greeting string `yaml:"greeting"`

	// GreetingLanguage tags the greeting text.
	GreetingLanguage string `yaml:"greeting_language"`

	// ErrorMessage is synthesized after an unrecoverable turn failure so the
	// caller hears something instead of silence. Empty disables it.
	ErrorMessage string `yaml:"error_message"`
}

// Default returns a Config populated with the production defaults. Loading
// merges file values over these.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		Pools: PoolsConfig{
			STTSize: 8,
			TTSSize: 8,
		},
		Media: MediaConfig{
			MaxConcurrentAudioTasks: 50,
			MaxEmergencyAudioTasks:  20,
			SpeechQueueMaxSize:      10,
			FrameSamples:            320,
			STTProcessingTimeoutSec: 0.03,
		},
		Dtmf: DtmfConfig{
			Enabled:        false,
			ExpectedDigits: "123",
		},
		Retry: RetryConfig{
			MaxAttempts:   4,
			BaseDelaySec:  0.5,
			MaxDelaySec:   8,
			BackoffFactor: 2.0,
			JitterSec:     0.2,
		},
		LLM: LLMConfig{
			Model:       "gpt-4o",
			Temperature: 0.7,
			TopP:        1.0,
			MaxTokens:   1024,
		},
		STT: STTConfig{
			Model:    "nova-2",
			Language: "en-US",
		},
		TTS: TTSConfig{
			Style: "chat",
			Rate:  "+3%",
		},
		Agent: AgentConfig{
			Name:             "assistant",
			Greeting:         "Hello, thank you for calling. How can I help you today?",
			GreetingLanguage: "en-US",
			ErrorMessage:     "I'm sorry, something went wrong. Could you say that again?",
		},
	}
}
