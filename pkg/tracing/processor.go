package tracing

import (
	"context"
	"log/slog"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// LogProcessor is a span processor that logs each finished span.
type LogProcessor struct {
	logger *slog.Logger
}

var _ sdktrace.SpanProcessor = (*LogProcessor)(nil)

// NewLogProcessor logs finished spans at debug level through logger.
func NewLogProcessor(logger *slog.Logger) *LogProcessor {
	return &LogProcessor{logger: logger.With("component", "tracing")}
}

func (p *LogProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (p *LogProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	attrs := []any{
		"trace_id", s.SpanContext().TraceID().String(),
		"span_id", s.SpanContext().SpanID().String(),
		"span", s.Name(),
		"duration_ms", s.EndTime().Sub(s.StartTime()).Milliseconds(),
	}
	if s.Parent().IsValid() {
		attrs = append(attrs, "parent_id", s.Parent().SpanID().String())
	}
	for _, kv := range s.Attributes() {
		attrs = append(attrs, string(kv.Key), kv.Value.Emit())
	}
	if st := s.Status(); st.Description != "" {
		attrs = append(attrs, "error", st.Description)
	}
	p.logger.Debug("span", attrs...)
}

func (p *LogProcessor) Shutdown(context.Context) error   { return nil }
func (p *LogProcessor) ForceFlush(context.Context) error { return nil }
