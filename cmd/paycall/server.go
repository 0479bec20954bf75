package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/paycall/internal/callflow"
	"github.com/haasonsaas/paycall/internal/config"
	"github.com/haasonsaas/paycall/internal/dispatch"
	"github.com/haasonsaas/paycall/internal/llm"
	"github.com/haasonsaas/paycall/internal/observability"
	"github.com/haasonsaas/paycall/internal/outbound"
	"github.com/haasonsaas/paycall/internal/voice"
)

const (
	twilioWebhookPath = "/voice/twilio/events"
	maxWebhookBody    = 64 << 10
	eventStoreSize    = 10000
)

// app holds the wired components of a running server.
type app struct {
	cfg        *config.Config
	logger     *observability.Logger
	metrics    *observability.Metrics
	registry   *prometheus.Registry
	tracer     *observability.Tracer
	events     *observability.EventStore
	manager    *voice.Manager
	dispatcher *dispatch.Dispatcher
	cleaner    *dispatch.Cleaner

	shutdownTracer func(context.Context) error
}

func speechSettings(cfg config.SpeechConfig) voice.SpeechSettings {
	return voice.SpeechSettings{
		Language:       cfg.Language,
		Voice:          cfg.Voice,
		SpeechModel:    cfg.SpeechModel,
		SpeechTimeout:  cfg.SpeechTimeout,
		WordsPerMinute: cfg.WordsPerMinute,
	}
}

// newApp wires every component from a validated configuration.
func newApp(cfg *config.Config, provider voice.Provider, responder llm.Responder) (*app, error) {
	a := &app{cfg: cfg, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.logger = observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	a.metrics = observability.NewMetrics(a.registry)
	a.tracer, a.shutdownTracer = observability.NewTracer(observability.TraceConfig{
		ServiceName:    "paycall",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})
	a.events = observability.NewEventStore(eventStoreSize)
	recorder := observability.NewEventRecorder(a.events, a.logger)

	var err error
	if provider == nil {
		provider, err = voice.NewTwilioProvider(voice.TwilioConfig{
			AccountSID:     cfg.Telephony.AccountSID,
			AuthToken:      cfg.Telephony.AuthToken,
			APIURL:         cfg.Telephony.APIURL,
			RequestTimeout: cfg.Telephony.RequestTimeout,
			Speech:         speechSettings(cfg.Speech),
		})
		if err != nil {
			return nil, err
		}
	}
	a.manager, err = voice.NewManager(voice.ManagerConfig{
		Provider:           provider,
		WebhookURL:         strings.TrimRight(cfg.Telephony.PublicURL, "/") + twilioWebhookPath,
		RingTimeout:        cfg.Telephony.RingTimeout,
		InsecureSkipVerify: cfg.Telephony.InsecureSkipVerify,
		OnEvent: func(ctx context.Context, ev *voice.CallEvent) {
			a.metrics.RecordWebhook(string(provider.Name()), string(ev.Type))
		},
	})
	if err != nil {
		return nil, err
	}

	if responder == nil {
		responder, err = llm.New(cfg.LLM, a.metrics, a.tracer)
		if err != nil {
			return nil, err
		}
	}

	orchestrator, err := outbound.New(outbound.Config{
		Telephony: outbound.VoiceTelephony(a.manager),
		Responder: responder,
		TrunkID:   cfg.Telephony.OutboundTrunkID,
		Persona: callflow.Persona{
			AgentName:      cfg.Agent.DisplayName,
			Company:        cfg.Agent.Company,
			CallbackNumber: cfg.Agent.CallbackNumber,
		},
		Speech:  speechSettings(cfg.Speech),
		Policy:  cfg.Policy,
		Logger:  a.logger,
		Metrics: a.metrics,
		Tracer:  a.tracer,
		Events:  recorder,
	})
	if err != nil {
		return nil, err
	}

	a.dispatcher, err = dispatch.New(dispatch.Config{
		Runner:     orchestrator,
		Workers:    cfg.Dispatch.Workers,
		QueueSize:  cfg.Dispatch.QueueSize,
		RoomPrefix: cfg.Dispatch.RoomPrefix,
		Agent:      cfg.Agent,
		Logger:     a.logger,
		Tracer:     a.tracer,
		Events:     recorder,
	})
	if err != nil {
		return nil, err
	}

	a.cleaner, err = dispatch.NewCleaner(dispatch.CleanerConfig{
		Rooms:    a.manager,
		Events:   a.events,
		Records:  a.dispatcher.Store(),
		Prefix:   cfg.Dispatch.RoomPrefix,
		MaxAge:   cfg.Cleanup.MaxAge,
		Schedule: cfg.Cleanup.Schedule,
		Logger:   a.logger,
		Tracer:   a.tracer,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// routes returns the HTTP handler of the server.
func (a *app) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("POST "+twilioWebhookPath, a.handleTwilioWebhook)

	api := http.NewServeMux()
	api.HandleFunc("POST /v1/calls", a.handleLaunchCall)
	api.HandleFunc("GET /v1/calls", a.handleListCalls)
	api.HandleFunc("GET /v1/calls/{room}", a.handleGetCall)
	api.HandleFunc("DELETE /v1/calls/{room}", a.handleEndCall)
	api.HandleFunc("GET /v1/rooms", a.handleListRooms)
	api.HandleFunc("POST /v1/rooms/cleanup", a.handleCleanupRooms)
	mux.Handle("/v1/", a.requireToken(api))
	return mux
}

func (a *app) requireToken(next http.Handler) http.Handler {
	token := a.cfg.Server.APIToken
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *app) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version,
		"rooms":   len(a.manager.Rooms()),
	})
}

func (a *app) handleLaunchCall(w http.ResponseWriter, r *http.Request) {
	var req dispatch.LaunchRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rec, err := a.dispatcher.Launch(r.Context(), req)
	switch {
	case errors.Is(err, dispatch.ErrInvalidPhone):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatch.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, dispatch.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, rec)
	}
}

func (a *app) handleListCalls(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"calls": a.dispatcher.Store().List(0, 0)})
}

// callStatus is the view of one call: its dispatch record, the live room and
// the event timeline.
type callStatus struct {
	Call     *dispatch.Record        `json:"call,omitempty"`
	Room     *voice.RoomInfo         `json:"room,omitempty"`
	Timeline *observability.Timeline `json:"timeline"`
}

func (a *app) handleGetCall(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("room")
	status := callStatus{Timeline: observability.BuildTimeline(name, a.events.ByRoom(name))}
	if rec, ok := a.dispatcher.Store().ByRoom(name); ok {
		status.Call = rec
	}
	if room, ok := a.manager.Room(name); ok {
		info := room.Info()
		status.Room = &info
	}
	if status.Call == nil && status.Room == nil {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *app) handleEndCall(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("room")
	rec, ok := a.dispatcher.Store().ByRoom(name)
	if !ok {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	a.dispatcher.Store().Cancel(rec.ID)
	if err := a.manager.DeleteRoom(r.Context(), name); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *app) handleListRooms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"rooms": a.manager.Rooms()})
}

func (a *app) handleCleanupRooms(w http.ResponseWriter, r *http.Request) {
	report, err := a.cleaner.RunOnce(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"report": report, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleTwilioWebhook feeds status callbacks and speech results into the
// room manager and answers with the TwiML the provider expects.
func (a *app) handleTwilioWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	query := make(map[string]string)
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}
	wctx := &voice.WebhookContext{
		Headers: map[string]string{"X-Twilio-Signature": r.Header.Get("X-Twilio-Signature")},
		Body:    string(body),
		URL:     strings.TrimRight(a.cfg.Telephony.PublicURL, "/") + r.URL.RequestURI(),
		Method:  r.Method,
		Query:   query,
	}

	result, err := a.manager.HandleWebhook(r.Context(), wctx)
	if err != nil {
		ctx := observability.AddRoom(r.Context(), query["room"])
		if errors.Is(err, voice.ErrInvalidSignature) {
			a.logger.Warn(ctx, "rejected webhook with invalid signature")
			writeError(w, http.StatusForbidden, "invalid signature")
			return
		}
		a.logger.Error(ctx, "webhook handling failed", "error", err)
		writeError(w, http.StatusInternalServerError, "webhook failed")
		return
	}
	for k, v := range result.ResponseHeaders {
		w.Header().Set(k, v)
	}
	w.WriteHeader(result.StatusCode)
	_, _ = io.WriteString(w, result.ResponseBody)
}

// start runs workers and the cleanup schedule and serves HTTP until ctx is done.
func (a *app) start(ctx context.Context) error {
	a.dispatcher.Start(ctx)
	if a.cfg.Cleanup.Enabled {
		a.cleaner.Start()
	}

	srv := &http.Server{
		Addr:              a.cfg.Server.Address(),
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	a.logger.Info(ctx, "paycall server started", "addr", srv.Addr)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	a.logger.Info(shutdownCtx, "shutdown signal received, initiating graceful shutdown")

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if a.cfg.Cleanup.Enabled {
		a.cleaner.Stop()
	}
	a.dispatcher.Stop()
	if err := a.shutdownTracer(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
	}
	return errors.Join(errs...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
