package audit

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"warden.id/internal/auth"
	"warden.id/internal/obs"
)

func TestLogEvent(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	restore := obs.SetLogger(zap.New(core))
	defer restore()

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = auth.ContextWithSubject(ctx, auth.NewSubject("user-42", "sess-1", auth.StateActive, nil))

	if err := LogEvent(ctx, "role.created", map[string]any{"role_id": "r1"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["type"] != "audit" {
		t.Fatalf("unexpected type: %v", fields["type"])
	}
	if fields["event"] != "role.created" {
		t.Fatalf("unexpected event: %v", fields["event"])
	}
	if fields["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", fields["request_id"])
	}
	if fields["user_id"] != "user-42" || fields["session_id"] != "sess-1" {
		t.Fatalf("unexpected actor: %v %v", fields["user_id"], fields["session_id"])
	}
	payload, ok := fields["fields"].(map[string]any)
	if !ok || payload["role_id"] != "r1" {
		t.Fatalf("fields missing or incorrect: %v", fields["fields"])
	}
}

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for empty event name")
	}
}

func TestAnonymousActorIsOmitted(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	restore := obs.SetLogger(zap.New(core))
	defer restore()

	if err := LogEvent(context.Background(), "user.registered", nil); err != nil {
		t.Fatal(err)
	}
	fields := logs.All()[0].ContextMap()
	if _, ok := fields["user_id"]; ok {
		t.Fatalf("anonymous event carries user id: %v", fields)
	}
}
