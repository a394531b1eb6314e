package obs

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSpanErrorMarksStatus(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	_, span := tp.Tracer(tracerName).Start(context.Background(), "op")
	SpanError(span, nil)
	SpanError(span, errors.New("boom"))
	span.End()

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected one span, got %d", len(ended))
	}
	if ended[0].Status().Code != codes.Error || ended[0].Status().Description != "boom" {
		t.Fatalf("unexpected status %+v", ended[0].Status())
	}
	if len(ended[0].Events()) != 1 {
		t.Fatalf("expected the error to be recorded once")
	}
}

func TestSlowSpanLogger(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	restore := SetLogger(zap.New(core))
	defer restore()

	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(&slowSpanLogger{threshold: time.Millisecond, service: "test"}))
	defer func() { _ = tp.Shutdown(context.Background()) }()
	tracer := tp.Tracer(tracerName)

	_, fast := tracer.Start(context.Background(), "fast")
	fast.End()

	start := time.Now()
	_, slow := tracer.Start(context.Background(), "slow", trace.WithTimestamp(start))
	slow.SetAttributes(attribute.String("outcome", "ok"))
	slow.End(trace.WithTimestamp(start.Add(5 * time.Millisecond)))

	entries := logs.FilterMessage("slow span").All()
	if len(entries) != 1 {
		t.Fatalf("expected one slow span entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["span"] != "slow" || fields["outcome"] != "ok" {
		t.Fatalf("unexpected fields %v", fields)
	}
}
