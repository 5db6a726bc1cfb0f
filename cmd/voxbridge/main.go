// Command voxbridge is the real-time voice call media engine server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxbridge/voxbridge/internal/call"
	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/internal/resilience"
	"github.com/voxbridge/voxbridge/pkg/media"
	"github.com/voxbridge/voxbridge/pkg/memory"
	redisstore "github.com/voxbridge/voxbridge/pkg/memory/redis"
	"github.com/voxbridge/voxbridge/pkg/pool"
	"github.com/voxbridge/voxbridge/pkg/provider/llm/openai"
	"github.com/voxbridge/voxbridge/pkg/provider/stt"
	"github.com/voxbridge/voxbridge/pkg/provider/stt/deepgram"
	"github.com/voxbridge/voxbridge/pkg/provider/tts"
	"github.com/voxbridge/voxbridge/pkg/provider/tts/elevenlabs"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxbridge: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))
	slog.Info("voxbridge starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "voxbridge",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Conversation memory store ─────────────────────────────────────────────
	store, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to connect memory store", "err", err)
		return 1
	}
	defer closeStore()

	// ── Provider pools ────────────────────────────────────────────────────────
	sttPool, ttsPool, err := buildPools(ctx, cfg)
	if err != nil {
		slog.Error("failed to prepare provider pools", "err", err)
		return 1
	}

	// ── LLM provider ──────────────────────────────────────────────────────────
	var llmOpts []openai.Option
	if cfg.LLM.BaseURL != "" {
		llmOpts = append(llmOpts, openai.WithBaseURL(cfg.LLM.BaseURL))
	}
	llmProvider, err := openai.New(cfg.LLM.APIKey, cfg.LLM.Model, llmOpts...)
	if err != nil {
		slog.Error("failed to create llm provider", "err", err)
		return 1
	}

	// ── Engine ────────────────────────────────────────────────────────────────
	registry := call.NewRegistry(metrics)
	tools := call.NewToolRegistry(metrics)
	tools.RegisterBuiltins()
	engine := call.NewEngine(cfg, llmProvider, sttPool, ttsPool, store, registry, tools, metrics)

	// ── HTTP server ───────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/media/{call_id}", handleMedia(engine))
	mux.HandleFunc("POST /api/v1/events", handleEvents(engine))
	mux.HandleFunc("GET /healthz", handleHealth(registry))
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server ready", "listen_addr", cfg.Server.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			return 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	registry.StopAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("server shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// loadConfig reads the YAML file when it exists; a missing file falls back
// to defaults plus environment overrides so the server can run from env
// alone.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	cfg = config.Default()
	config.ApplyEnv(cfg)
	if verr := config.Validate(cfg); verr != nil {
		return nil, verr
	}
	return cfg, nil
}

// buildStore assembles the memory store tier: Redis guarded by a circuit
// breaker with a local fallback, or in-process memory only when no Redis
// address is configured.
func buildStore(ctx context.Context, cfg *config.Config) (memory.Store, func(), error) {
	if cfg.Redis.Addr == "" {
		slog.Info("no redis configured, using in-process memory store")
		return memory.NewLocalStore(), func() {}, nil
	}

	rs, err := redisstore.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("redis memory store connected", "addr", cfg.Redis.Addr)

	store := memory.NewFallbackStore(resilience.NewGuardedStore(rs))
	closeStore := func() {
		if err := rs.Close(); err != nil {
			slog.Warn("redis close error", "err", err)
		}
	}
	return store, closeStore, nil
}

// buildPools creates and pre-warms the recognizer and synthesizer pools.
func buildPools(ctx context.Context, cfg *config.Config) (*pool.Pool[stt.Provider], *pool.Pool[tts.Provider], error) {
	sttPool, err := pool.New("stt", cfg.Pools.STTSize, func(context.Context) (stt.Provider, error) {
		opts := []deepgram.Option{deepgram.WithSampleRate(media.SampleRate)}
		if cfg.STT.Model != "" {
			opts = append(opts, deepgram.WithModel(cfg.STT.Model))
		}
		if cfg.STT.Language != "" {
			opts = append(opts, deepgram.WithLanguage(cfg.STT.Language))
		}
		p, err := deepgram.New(cfg.STT.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
	if err != nil {
		return nil, nil, err
	}

	ttsPool, err := pool.New("tts", cfg.Pools.TTSSize, func(context.Context) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if cfg.TTS.Voice != "" {
			opts = append(opts, elevenlabs.WithDefaultVoice(cfg.TTS.Voice))
		}
		p, err := elevenlabs.New(cfg.TTS.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
	if err != nil {
		return nil, nil, err
	}

	if err := sttPool.Prepare(ctx); err != nil {
		return nil, nil, err
	}
	if err := ttsPool.Prepare(ctx); err != nil {
		return nil, nil, err
	}
	return sttPool, ttsPool, nil
}

// ── HTTP handlers ─────────────────────────────────────────────────────────────

// handleMedia upgrades the provider's media connection and runs the call
// to completion.
func handleMedia(engine *call.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callID := r.PathValue("call_id")
		if callID == "" {
			http.Error(w, "missing call id", http.StatusBadRequest)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			slog.Warn("media websocket accept failed", "call_id", callID, "err", err)
			return
		}

		// HandleCall closes the socket itself on failure (1011 + reason);
		// the normal-close here is a no-op in that case.
		if err := engine.HandleCall(r.Context(), callID, conn); err != nil {
			return
		}
		conn.Close(websocket.StatusNormalClosure, "")
	}
}

// handleEvents decodes one provider callback and routes it to the call's
// handler. Events for unknown calls are acknowledged and dropped: the
// provider retries on non-2xx, and a callback racing call teardown is not
// an error.
func handleEvents(engine *call.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ev call.ProviderEvent
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			http.Error(w, "malformed event", http.StatusBadRequest)
			return
		}
		if ev.CallID == "" {
			http.Error(w, "missing call id", http.StatusBadRequest)
			return
		}

		handled := engine.DispatchEvent(r.Context(), ev)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]bool{"handled": handled})
	}
}

// handleHealth reports liveness plus the active call set.
func handleHealth(registry *call.Registry) http.HandlerFunc {
	type health struct {
		Status      string            `json:"status"`
		ActiveCalls int               `json:"active_calls"`
		Calls       map[string]string `json:"calls,omitempty"`
	}
	return func(w http.ResponseWriter, _ *http.Request) {
		calls := make(map[string]string)
		for id, started := range registry.StartTimes() {
			calls[id] = started.UTC().Format(time.RFC3339)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(health{
			Status:      "ok",
			ActiveCalls: registry.Len(),
			Calls:       calls,
		})
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
