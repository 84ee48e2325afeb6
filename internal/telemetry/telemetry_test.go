package telemetry

import (
	"context"
	"errors"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_WithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), "test", "dev", "")
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
	if Tracer() == nil {
		t.Fatal("Tracer() should never be nil")
	}
}

func TestDecisionSpanAttributes(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer = tp.Tracer("test")
	t.Cleanup(func() { tracer = nil })

	ctx, span := StartSpan(context.Background(), "router.decide")
	AddRequestAttributes(span, "alice", "req-1", "code")
	AddDecisionAttributes(span, "openai", "gpt-4o", 0.82, 5)
	AddOutcomeAttributes(span, false, false, true)
	AddErrorAttribute(span, errors.New("signal timeout"))

	if GetTraceID(ctx) == "" {
		t.Error("GetTraceID() should return the active trace")
	}
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}

	attrs := make(map[string]bool)
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = true
	}
	for _, key := range []string{"user.id", "decision.model", "decision.confidence", "decision.key_acquired", "error.message"} {
		if !attrs[key] {
			t.Errorf("missing attribute %s", key)
		}
	}
}
