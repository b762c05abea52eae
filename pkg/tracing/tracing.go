// Package tracing sets up OpenTelemetry spans for the recognizer. Finished
// spans are written to slog with their trace id, duration and attributes,
// so traces show up in the service log without a collector.
package tracing

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/texnomagic/texnomagic/pkg/config"
)

const instrumentationName = "github.com/texnomagic/texnomagic"

// Setup installs a global tracer provider when tracing is enabled. It
// returns a shutdown function that flushes pending spans; when tracing is
// disabled the function is a no-op and spans are not recorded.
func Setup(cfg config.TracingConfig, serviceName string) (shutdown func(context.Context) error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled {
		return noop
	}
	tp := NewProvider(cfg, serviceName, NewLogProcessor(slog.Default()))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tp.Shutdown
}

// NewProvider builds a provider sampling cfg.SampleRate of root spans and
// feeding finished spans to processors.
func NewProvider(cfg config.TracingConfig, serviceName string, processors ...sdktrace.SpanProcessor) *sdktrace.TracerProvider {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", serviceName),
		)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	}
	for _, p := range processors {
		opts = append(opts, sdktrace.WithSpanProcessor(p))
	}
	return sdktrace.NewTracerProvider(opts...)
}

// Start opens a span named name under whatever span ctx carries.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TraceID returns the hex trace id carried by ctx, or "" outside a sampled
// span.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() || !sc.IsSampled() {
		return ""
	}
	return sc.TraceID().String()
}
