package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for outbound calls.
type Metrics struct {
	// CallsStarted counts calls accepted by the orchestrator.
	CallsStarted prometheus.Counter

	// CallsCompleted counts finished calls.
	// Labels: result (connected|config_error|dial_failed|failed)
	CallsCompleted *prometheus.CounterVec

	// ActiveCalls tracks calls currently being orchestrated.
	ActiveCalls prometheus.Gauge

	// CallDuration measures time from call start to participant join or teardown.
	// Buckets: 10s, 30s, 60s, 120s, 300s, 600s, 1200s
	CallDuration prometheus.Histogram

	// DialAttempts counts outbound dial attempts.
	// Labels: status (success|error)
	DialAttempts *prometheus.CounterVec

	// HangupFailures counts teardowns that failed after every retry.
	HangupFailures prometheus.Counter

	// Transitions counts stage transitions.
	// Labels: from, tool, outcome (advance|stay|hangup|rejected|unknown)
	Transitions *prometheus.CounterVec

	// PaymentOutcomes counts calls by payment outcome.
	// Labels: outcome (paid|interested|objected|none)
	PaymentOutcomes *prometheus.CounterVec

	// LLMRequestDuration measures responder latency in seconds.
	// Labels: provider, status (success|error)
	LLMRequestDuration *prometheus.HistogramVec

	// WebhookEvents counts telephony webhooks received.
	// Labels: provider, type
	WebhookEvents *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg registers with the Prometheus default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		CallsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "paycall_calls_started_total",
			Help: "Total number of outbound calls started",
		}),
		CallsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "paycall_calls_completed_total",
			Help: "Total number of outbound calls finished, by result",
		}, []string{"result"}),
		ActiveCalls: factory.NewGauge(prometheus.GaugeOpts{
			Name: "paycall_active_calls",
			Help: "Number of calls currently in progress",
		}),
		CallDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "paycall_call_duration_seconds",
			Help:    "Duration of outbound calls in seconds",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1200},
		}),
		DialAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "paycall_dial_attempts_total",
			Help: "Total number of outbound dial attempts, by status",
		}, []string{"status"}),
		HangupFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "paycall_hangup_failures_total",
			Help: "Total number of call teardowns that failed after all retries",
		}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "paycall_stage_transitions_total",
			Help: "Total number of conversation transitions by source stage, tool, and outcome",
		}, []string{"from", "tool", "outcome"}),
		PaymentOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "paycall_payment_outcomes_total",
			Help: "Total number of calls by payment outcome",
		}, []string{"outcome"}),
		LLMRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "paycall_llm_request_duration_seconds",
			Help:    "Duration of language model requests in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"provider", "status"}),
		WebhookEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "paycall_webhook_events_total",
			Help: "Total number of telephony webhook events by provider and type",
		}, []string{"provider", "type"}),
	}
}

// CallStarted records a new call.
func (m *Metrics) CallStarted() {
	if m == nil {
		return
	}
	m.CallsStarted.Inc()
	m.ActiveCalls.Inc()
}

// CallFinished records the end of a call with its result and duration.
func (m *Metrics) CallFinished(result string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ActiveCalls.Dec()
	m.CallsCompleted.WithLabelValues(result).Inc()
	if durationSeconds > 0 {
		m.CallDuration.Observe(durationSeconds)
	}
}

// RecordDialAttempt records one dial attempt.
func (m *Metrics) RecordDialAttempt(status string) {
	if m == nil {
		return
	}
	m.DialAttempts.WithLabelValues(status).Inc()
}

// RecordHangupFailure records a teardown that exhausted its retries.
func (m *Metrics) RecordHangupFailure() {
	if m == nil {
		return
	}
	m.HangupFailures.Inc()
}

// RecordTransition records one tool invocation against the stage machine.
func (m *Metrics) RecordTransition(from, tool, outcome string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, tool, outcome).Inc()
}

// RecordPaymentOutcome records the payment result of a finished call.
func (m *Metrics) RecordPaymentOutcome(outcome string) {
	if m == nil {
		return
	}
	m.PaymentOutcomes.WithLabelValues(outcome).Inc()
}

// RecordLLMRequest records a responder round trip.
func (m *Metrics) RecordLLMRequest(provider, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.LLMRequestDuration.WithLabelValues(provider, status).Observe(durationSeconds)
}

// RecordWebhook records a telephony webhook.
func (m *Metrics) RecordWebhook(provider, eventType string) {
	if m == nil {
		return
	}
	m.WebhookEvents.WithLabelValues(provider, eventType).Inc()
}
