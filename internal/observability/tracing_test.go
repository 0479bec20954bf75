package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newRecordingTracer() (*Tracer, *tracetest.SpanRecorder) {
	rec := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	return &Tracer{provider: provider, tracer: provider.Tracer("test")}, rec
}

func attrValue(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestNewTracerWithoutEndpointIsNoop(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{})
	defer func() { _ = shutdown(context.Background()) }()

	if tracer == nil || tracer.tracer == nil {
		t.Fatal("NewTracer() returned an unusable tracer")
	}
	if tracer.config.ServiceName != "paycall" {
		t.Errorf("service name = %q", tracer.config.ServiceName)
	}
	_, span := tracer.Start(context.Background(), "noop")
	span.End()
}

func TestTraceCallAttributes(t *testing.T) {
	tracer, rec := newRecordingTracer()
	_, span := tracer.TraceCall(context.Background(), "call-1", "payment-outbound-call-1")
	span.End()

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "call.outbound" {
		t.Errorf("name = %q", spans[0].Name())
	}
	if v, ok := attrValue(spans[0].Attributes(), "call.room"); !ok || v.AsString() != "payment-outbound-call-1" {
		t.Errorf("call.room = %v", v)
	}
}

func TestTraceDialAndTransitionNest(t *testing.T) {
	tracer, rec := newRecordingTracer()
	ctx, parent := tracer.TraceCall(context.Background(), "call-1", "room")
	_, dial := tracer.TraceDial(ctx, "twilio", 2)
	dial.End()
	_, tr := tracer.TraceTransition(ctx, "greeting", "end_call")
	tr.End()
	parent.End()

	spans := rec.Ended()
	if len(spans) != 3 {
		t.Fatalf("expected 3 spans, got %d", len(spans))
	}
	parentID := spans[2].SpanContext().SpanID()
	for _, s := range spans[:2] {
		if s.Parent().SpanID() != parentID {
			t.Errorf("span %s is not a child of the call span", s.Name())
		}
	}
	if v, _ := attrValue(spans[0].Attributes(), "telephony.attempt"); v.AsInt64() != 2 {
		t.Errorf("attempt = %v", v)
	}
	if spans[1].Name() != "transition.end_call" {
		t.Errorf("name = %q", spans[1].Name())
	}
}

func TestRecordErrorSetsStatus(t *testing.T) {
	tracer, rec := newRecordingTracer()
	_, span := tracer.Start(context.Background(), "op")
	tracer.RecordError(span, errors.New("dial failed"))
	tracer.RecordError(span, nil)
	span.End()

	if got := rec.Ended()[0].Status().Code; got != codes.Error {
		t.Errorf("status = %v, want error", got)
	}
}

func TestWithSpan(t *testing.T) {
	tracer, rec := newRecordingTracer()
	testErr := errors.New("test error")
	err := WithSpan(context.Background(), tracer, "op", func(ctx context.Context, span trace.Span) error {
		tracer.SetAttributes(span, "stage", "goodbye", 42, "skipped", "count", 3)
		tracer.AddEvent(span, "hangup", "attempt", 1)
		return testErr
	})
	if !errors.Is(err, testErr) {
		t.Fatalf("expected error to propagate, got %v", err)
	}
	s := rec.Ended()[0]
	if v, ok := attrValue(s.Attributes(), "stage"); !ok || v.AsString() != "goodbye" {
		t.Errorf("stage attr = %v", v)
	}
	names := make(map[string]bool)
	for _, ev := range s.Events() {
		names[ev.Name] = true
	}
	if !names["hangup"] || !names["exception"] {
		t.Errorf("events = %v, want hangup and the recorded error", s.Events())
	}
	if s.Status().Code != codes.Error {
		t.Errorf("status = %v, want error", s.Status().Code)
	}
}

func TestGetTraceID(t *testing.T) {
	if GetTraceID(context.Background()) != "" {
		t.Error("expected empty trace id without a span")
	}
	tracer, _ := newRecordingTracer()
	ctx, span := tracer.Start(context.Background(), "op")
	defer span.End()
	if GetTraceID(ctx) == "" {
		t.Error("expected trace id inside a recording span")
	}
}

func TestNilTracerStart(t *testing.T) {
	var tracer *Tracer
	_, span := tracer.Start(context.Background(), "op")
	span.End()
}

func TestMapCarrier(t *testing.T) {
	carrier := MapCarrier{}
	carrier.Set("traceparent", "00-abc")
	if carrier.Get("traceparent") != "00-abc" {
		t.Error("Get did not return stored value")
	}
	if len(carrier.Keys()) != 1 {
		t.Errorf("keys = %v", carrier.Keys())
	}
}
