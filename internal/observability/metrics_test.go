package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsCallLifecycle(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.CallStarted()
	m.CallStarted()
	if got := testutil.ToFloat64(m.ActiveCalls); got != 2 {
		t.Fatalf("active = %v, want 2", got)
	}

	m.CallFinished("connected", 42)
	if got := testutil.ToFloat64(m.ActiveCalls); got != 1 {
		t.Fatalf("active = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CallsCompleted.WithLabelValues("connected")); got != 1 {
		t.Fatalf("completed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CallsStarted); got != 2 {
		t.Fatalf("started = %v, want 2", got)
	}
}

func TestMetricsTransitions(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordTransition("greeting", "proceed_to_payment_inquiry", "advance")
	m.RecordTransition("greeting", "proceed_to_payment_inquiry", "advance")
	m.RecordTransition("payment_inquiry", "customer_wants_to_pay", "rejected")

	if count := testutil.CollectAndCount(m.Transitions); count != 2 {
		t.Fatalf("expected 2 label combinations, got %d", count)
	}
	if got := testutil.ToFloat64(m.Transitions.WithLabelValues("greeting", "proceed_to_payment_inquiry", "advance")); got != 2 {
		t.Fatalf("advance count = %v, want 2", got)
	}
}

func TestMetricsDialAndHangup(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordDialAttempt("error")
	m.RecordDialAttempt("success")
	m.RecordHangupFailure()
	m.RecordPaymentOutcome("paid")
	m.RecordLLMRequest("openai", "success", 0.3)
	m.RecordWebhook("twilio", "call.answered")

	if got := testutil.ToFloat64(m.DialAttempts.WithLabelValues("error")); got != 1 {
		t.Fatalf("dial errors = %v", got)
	}
	if got := testutil.ToFloat64(m.HangupFailures); got != 1 {
		t.Fatalf("hangup failures = %v", got)
	}
	if got := testutil.ToFloat64(m.PaymentOutcomes.WithLabelValues("paid")); got != 1 {
		t.Fatalf("paid = %v", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.CallStarted()
	m.CallFinished("failed", 1)
	m.RecordTransition("a", "b", "c")
	m.RecordDialAttempt("error")
	m.RecordHangupFailure()
	m.RecordPaymentOutcome("none")
	m.RecordLLMRequest("openai", "error", 1)
	m.RecordWebhook("twilio", "x")
}
