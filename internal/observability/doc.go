// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, and a per-call event timeline for paycall.
//
// # Logging
//
// Logger wraps slog. Every message and argument passes through two layers of
// redaction before it is written: regex patterns for credentials (API keys,
// bearer tokens, Twilio auth tokens) and validate.SanitizeLogData for card
// numbers and SSN-shaped sequences. Call correlation fields (call id, room,
// stage) are read from the context.
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	ctx = observability.AddCallID(ctx, callID)
//	logger.Info(ctx, "transition", "tool", name)
//
// # Metrics
//
// Metrics registers its collectors on the registerer it is given, so tests
// can use a private prometheus.Registry:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.CallStarted()
//
// # Tracing
//
// NewTracer returns a no-op tracer when no OTLP endpoint is configured:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{ServiceName: "paycall"})
//	defer shutdown(context.Background())
//
// # Timeline
//
// EventStore keeps a bounded in-memory history of call events so the status
// endpoint can show what happened on a call.
package observability
