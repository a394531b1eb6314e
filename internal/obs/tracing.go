package obs

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "warden.id"

// Tracer returns the tracer used by the session engine.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTracing installs an SDK tracer provider sampling the given ratio of root spans.
// Spans slower than slow are written to the shared logger; slow <= 0 disables that.
func InitTracing(service string, ratio float64, slow time.Duration) (shutdown func(context.Context) error) {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	}
	if slow > 0 {
		opts = append(opts, sdktrace.WithSpanProcessor(&slowSpanLogger{threshold: slow, service: service}))
	}
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

type slowSpanLogger struct {
	threshold time.Duration
	service   string
}

func (p *slowSpanLogger) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (p *slowSpanLogger) OnEnd(s sdktrace.ReadOnlySpan) {
	d := s.EndTime().Sub(s.StartTime())
	if d < p.threshold {
		return
	}
	fields := []zap.Field{
		zap.String("span", s.Name()),
		zap.String("trace_id", s.SpanContext().TraceID().String()),
		zap.Duration("duration", d),
	}
	for _, kv := range s.Attributes() {
		fields = append(fields, zap.String(string(kv.Key), kv.Value.Emit()))
	}
	Logger().Warn("slow span", fields...)
}

func (p *slowSpanLogger) Shutdown(context.Context) error   { return nil }
func (p *slowSpanLogger) ForceFlush(context.Context) error { return nil }

// SpanError marks span as failed with err.
func SpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
