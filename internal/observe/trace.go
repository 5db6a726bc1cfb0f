package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the voxbridge tracer.
const tracerName = "github.com/voxbridge/voxbridge"

// Tracer returns the package-level [trace.Tracer] for voxbridge. It uses the
// globally registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID extracts the trace ID from the OTel span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns an [slog.Logger] enriched with trace_id and span_id from
// the OTel span context in ctx. When no active span is present, the returned
// logger is the default slog logger without extra attributes.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}

// RateLimitSnapshot carries the rate-limit headers captured from an LLM
// response, attached to spans for capacity debugging.
type RateLimitSnapshot struct {
	RequestID         string
	Region            string
	RetryAfter        string
	RemainingRequests string
	RemainingTokens   string
	LimitRequests     string
	LimitTokens       string
	ResetRequests     string
	ResetTokens       string
}

// Annotate attaches the non-empty snapshot fields to span.
func (s RateLimitSnapshot) Annotate(span trace.Span) {
	attrs := make([]attribute.KeyValue, 0, 9)
	add := func(key, val string) {
		if val != "" {
			attrs = append(attrs, attribute.String(key, val))
		}
	}
	add("llm.request_id", s.RequestID)
	add("llm.region", s.Region)
	add("llm.retry_after", s.RetryAfter)
	add("llm.ratelimit.remaining_requests", s.RemainingRequests)
	add("llm.ratelimit.remaining_tokens", s.RemainingTokens)
	add("llm.ratelimit.limit_requests", s.LimitRequests)
	add("llm.ratelimit.limit_tokens", s.LimitTokens)
	add("llm.ratelimit.reset_requests", s.ResetRequests)
	add("llm.ratelimit.reset_tokens", s.ResetTokens)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
}
