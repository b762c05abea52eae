package tracing

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/texnomagic/texnomagic/pkg/config"
)

func TestProviderRecordsNestedSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	tp := NewProvider(config.TracingConfig{Enabled: true, SampleRate: 1}, "test", rec, NewLogProcessor(logger))
	defer tp.Shutdown(context.Background())
	tracer := tp.Tracer("test")

	ctx, parent := tracer.Start(context.Background(), "recognize")
	_, child := tracer.Start(ctx, "score")
	child.SetAttributes(attribute.String("symbol", "fire"))
	End(child, errors.New("model not ready"))
	End(parent, nil)

	spans := rec.Ended()
	require.Len(t, spans, 2)
	require.Equal(t, "score", spans[0].Name())
	require.Equal(t, codes.Error, spans[0].Status().Code)
	require.Equal(t, spans[1].SpanContext().SpanID(), spans[0].Parent().SpanID())

	out := buf.String()
	require.Contains(t, out, "span=score")
	require.Contains(t, out, "symbol=fire")
	require.Contains(t, out, `error="model not ready"`)
}

func TestZeroRateSamplesNothing(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := NewProvider(config.TracingConfig{Enabled: true, SampleRate: 0}, "test", rec)
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "recognize")
	span.End()
	require.Empty(t, rec.Ended())
	require.Empty(t, TraceID(ctx))
}

func TestSetupDisabledIsNoop(t *testing.T) {
	shutdown := Setup(config.TracingConfig{Enabled: false}, "test")
	require.NoError(t, shutdown(context.Background()))

	ctx, span := Start(context.Background(), "anything")
	defer span.End()
	require.Empty(t, TraceID(ctx))
}
