package notify

import (
	"context"

	"go.uber.org/zap"

	"warden.id/internal/auth"
	"warden.id/internal/obs"
)

// Log writes events to the structured log. One-time codes are never logged.
type Log struct{}

var _ auth.Notifier = Log{}

func (Log) Publish(_ context.Context, e auth.Event) error {
	fields := []zap.Field{
		zap.String("type", string(e.Type)),
		zap.Time("at", e.At),
	}
	if e.UserID != "" {
		fields = append(fields, zap.String("user_id", e.UserID))
	}
	if e.SessionID != "" {
		fields = append(fields, zap.String("session_id", e.SessionID))
	}
	if e.IP != "" {
		fields = append(fields, zap.String("ip", e.IP))
	}
	for k, v := range e.Fields {
		fields = append(fields, zap.String(k, v))
	}
	obs.Logger().Warn("event", fields...)
	obs.ObserveEvent(string(e.Type), "logged")
	return nil
}

// Fanout publishes to every notifier and returns the first error.
type Fanout []auth.Notifier

func (f Fanout) Publish(ctx context.Context, e auth.Event) error {
	var first error
	for _, n := range f {
		if err := n.Publish(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
