// Package observe provides application-wide observability primitives for
// voxbridge: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxbridge metrics.
const meterName = "github.com/voxbridge/voxbridge"

// Frame-drop reasons recorded on [Metrics.FramesDropped].
const (
	DropReasonBackpressure = "backpressure"
	DropReasonGateClosed   = "gate_closed"
	DropReasonDeadline     = "submit_deadline"
	DropReasonNotWarmed    = "recognizer_not_warmed"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// LLMTimeToFirstByte tracks latency from request to first stream delta.
	LLMTimeToFirstByte metric.Float64Histogram

	// LLMConsumeDuration tracks first-delta-to-stream-end latency.
	LLMConsumeDuration metric.Float64Histogram

	// LLMTotalDuration tracks the full streaming completion latency.
	LLMTotalDuration metric.Float64Histogram

	// TTSSynthesisDuration tracks text-to-speech synthesis latency.
	TTSSynthesisDuration metric.Float64Histogram

	// FrameSubmitDuration tracks the audio-frame-to-recognizer submit latency.
	FrameSubmitDuration metric.Float64Histogram

	// --- Counters ---

	// FramesProcessed counts inbound audio frames handed to the recognizer.
	FramesProcessed metric.Int64Counter

	// FramesDropped counts inbound audio frames dropped. Use with attribute:
	//   attribute.String("reason", DropReason*)
	FramesDropped metric.Int64Counter

	// QueueDropped counts speech events evicted from a full queue.
	QueueDropped metric.Int64Counter

	// BargeIns counts caller interruptions of in-flight playback.
	BargeIns metric.Int64Counter

	// LLMRetries counts transient-failure retries against the LLM.
	LLMRetries metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live calls in the registry.
	ActiveCalls metric.Int64UpDownCounter

	// ActiveAudioTasks tracks in-flight audio processing tasks across calls.
	ActiveAudioTasks metric.Int64UpDownCounter

	// QueueHighWatermark records the deepest observed speech-queue depth.
	QueueHighWatermark metric.Int64Gauge

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.LLMTimeToFirstByte, err = m.Float64Histogram("voxbridge.llm.ttfb",
		metric.WithDescription("Latency from LLM request to first stream delta."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMConsumeDuration, err = m.Float64Histogram("voxbridge.llm.consume",
		metric.WithDescription("Latency from first LLM delta to stream end."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMTotalDuration, err = m.Float64Histogram("voxbridge.llm.total",
		metric.WithDescription("Total streaming completion latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSSynthesisDuration, err = m.Float64Histogram("voxbridge.tts.synthesis",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FrameSubmitDuration, err = m.Float64Histogram("voxbridge.stt.frame_submit",
		metric.WithDescription("Latency of pushing one audio frame into the recognizer."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesProcessed, err = m.Int64Counter("voxbridge.media.frames_processed",
		metric.WithDescription("Inbound audio frames handed to the recognizer."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("voxbridge.media.frames_dropped",
		metric.WithDescription("Inbound audio frames dropped by reason."),
	); err != nil {
		return nil, err
	}
	if met.QueueDropped, err = m.Int64Counter("voxbridge.queue.dropped",
		metric.WithDescription("Speech events evicted from a full queue."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("voxbridge.bargein.count",
		metric.WithDescription("Caller interruptions of in-flight playback."),
	); err != nil {
		return nil, err
	}
	if met.LLMRetries, err = m.Int64Counter("voxbridge.llm.retries",
		metric.WithDescription("Transient-failure retries against the LLM."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("voxbridge.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("voxbridge.active_calls",
		metric.WithDescription("Number of live calls in the registry."),
	); err != nil {
		return nil, err
	}
	if met.ActiveAudioTasks, err = m.Int64UpDownCounter("voxbridge.active_audio_tasks",
		metric.WithDescription("In-flight audio processing tasks across calls."),
	); err != nil {
		return nil, err
	}
	if met.QueueHighWatermark, err = m.Int64Gauge("voxbridge.queue.high_watermark",
		metric.WithDescription("Deepest observed speech-queue depth."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxbridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFrameDropped records one dropped inbound frame with its reason.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordToolCall records a tool call counter increment with the standard
// attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// ObserveInterval routes a completed latency-registry interval to the
// matching histogram. Unknown interval names are ignored so the registry can
// carry ad hoc timers without touching this switch.
func (m *Metrics) ObserveInterval(ctx context.Context, name string, d time.Duration) {
	s := d.Seconds()
	switch name {
	case "ttfb":
		m.LLMTimeToFirstByte.Record(ctx, s)
	case "consume":
		m.LLMConsumeDuration.Record(ctx, s)
	case "total":
		m.LLMTotalDuration.Record(ctx, s)
	case "tts:synthesis":
		m.TTSSynthesisDuration.Record(ctx, s)
	}
}
