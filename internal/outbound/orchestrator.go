// Package outbound runs one outbound payment call from dispatch to hangup.
package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/paycall/internal/callflow"
	"github.com/haasonsaas/paycall/internal/config"
	"github.com/haasonsaas/paycall/internal/llm"
	"github.com/haasonsaas/paycall/internal/observability"
	"github.com/haasonsaas/paycall/internal/retry"
	"github.com/haasonsaas/paycall/internal/session"
	"github.com/haasonsaas/paycall/internal/voice"
)

// Room is the realtime side of a call as the orchestrator uses it.
type Room interface {
	Name() string
	CallID() string
	UseDetector(d *voice.Detector)
	WaitForParticipant(ctx context.Context, identity string) (*voice.Participant, error)
	Say(ctx context.Context, text string) (*voice.Playout, error)
	Speech() <-chan voice.Utterance
	Done() <-chan struct{}
}

// Telephony connects rooms, dials into them and tears them down.
type Telephony interface {
	Connect(ctx context.Context, room string) (Room, error)
	Dial(ctx context.Context, req voice.DialRequest) error
	DeleteRoom(ctx context.Context, room string) error
}

// VoiceTelephony adapts a voice.Manager to Telephony.
func VoiceTelephony(m *voice.Manager) Telephony { return voiceTelephony{m} }

type voiceTelephony struct{ m *voice.Manager }

func (v voiceTelephony) Connect(ctx context.Context, room string) (Room, error) {
	r, err := v.m.Connect(ctx, room)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (v voiceTelephony) Dial(ctx context.Context, req voice.DialRequest) error {
	return v.m.Dial(ctx, req)
}

func (v voiceTelephony) DeleteRoom(ctx context.Context, room string) error {
	return v.m.DeleteRoom(ctx, room)
}

// roomSpeaker adapts a Room to session.Speaker.
type roomSpeaker struct{ room Room }

func (s roomSpeaker) Say(ctx context.Context, text string) (session.Playout, error) {
	p, err := s.room.Say(ctx, text)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Job is one dispatched call.
type Job struct {
	ID       string          `json:"id"`
	Room     string          `json:"room"`
	Metadata json.RawMessage `json:"metadata"`
}

// Result summarizes a finished call.
type Result struct {
	JobID              string        `json:"job_id"`
	Room               string        `json:"room"`
	CallID             string        `json:"call_id"`
	DialAttempts       int           `json:"dial_attempts"`
	Duration           time.Duration `json:"duration"`
	InteractionCount   int           `json:"interaction_count"`
	PaymentOutcome     string        `json:"payment_outcome"`
	ConfirmationNumber string        `json:"confirmation_number,omitempty"`
	FinalStage         string        `json:"final_stage"`
}

// Config wires the orchestrator.
type Config struct {
	Telephony Telephony
	Responder llm.Responder
	// TrunkID is the outbound trunk calls are placed from.
	TrunkID string
	Persona callflow.Persona
	Speech  voice.SpeechSettings
	Policy  config.PolicyConfig

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Events  *observability.EventRecorder

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
	// MachineOptions are appended to the stage machine options of every call.
	MachineOptions []callflow.Option
}

// Orchestrator runs calls. It is safe to run many calls concurrently.
type Orchestrator struct {
	cfg Config
}

// New validates cfg and returns an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Telephony == nil {
		return nil, errors.New("outbound: telephony is required")
	}
	if cfg.Responder == nil {
		return nil, errors.New("outbound: responder is required")
	}
	if cfg.TrunkID == "" {
		return nil, &ConfigError{Reason: "outbound trunk id is not set"}
	}
	if cfg.Persona == (callflow.Persona{}) {
		cfg.Persona = callflow.DefaultPersona()
	}
	if cfg.Policy.DialMaxAttempts <= 0 {
		cfg.Policy.DialMaxAttempts = 3
	}
	if cfg.Policy.HangupMaxAttempts <= 0 {
		cfg.Policy.HangupMaxAttempts = 3
	}
	if cfg.Policy.BackoffUnit <= 0 {
		cfg.Policy.BackoffUnit = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = retry.SleepWithContext
	}
	return &Orchestrator{cfg: cfg}, nil
}

// Run executes one call: validate metadata, connect the room, prepare
// speech detection, start the session while dialing, wait for the callee
// and converse until hangup. Any failure after validation shuts the call
// down and tears the room down.
func (o *Orchestrator) Run(ctx context.Context, job Job) (result *Result, err error) {
	started := o.cfg.Now()
	ctx = observability.AddRoom(ctx, job.Room)
	ctx = observability.AddRequestID(ctx, job.ID)

	o.cfg.Metrics.CallStarted()

	md, err := ParseMetadata(job.Metadata)
	if err == nil && job.Room == "" {
		err = &ConfigError{Reason: "job has no room"}
	}
	if err != nil {
		o.cfg.Logger.Error(ctx, "call rejected", "error", err)
		o.cfg.Metrics.CallFinished("config_error", 0)
		return nil, err
	}

	o.cfg.Logger.Info(ctx, "call dispatched", "phone_number", md.PhoneNumber, "call_type", md.CallType)
	o.cfg.Events.Record(ctx, observability.EventCallDispatched, job.Room, map[string]any{"job_id": job.ID})

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := &call{o: o, job: job, md: md, started: started, cancel: cancel}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("outbound: call panicked: %v", r)
			result = nil
			c.shutdown(ctx, err)
		}
	}()

	result, err = c.run(callCtx)
	if err != nil {
		c.shutdown(ctx, err)
		return nil, err
	}
	return result, nil
}

// call holds the per-call state of Run.
type call struct {
	o       *Orchestrator
	job     Job
	md      *Metadata
	started time.Time
	cancel  context.CancelFunc

	room    Room
	machine *callflow.Machine
	sess    *session.Session
	dials   int
}

func (c *call) run(ctx context.Context) (*Result, error) {
	o := c.o
	o.cfg.Events.Record(ctx, observability.EventCallConnecting, c.job.Room, nil)
	room, err := o.cfg.Telephony.Connect(ctx, c.job.Room)
	if err != nil {
		return nil, fmt.Errorf("outbound: connect room: %w", err)
	}
	c.room = room
	ctx = observability.AddCallID(ctx, room.CallID())
	ctx, span := o.cfg.Tracer.TraceCall(ctx, room.CallID(), room.Name())
	defer span.End()

	detector, err := voice.LoadDetector(o.cfg.Speech)
	if err != nil {
		o.cfg.Tracer.RecordError(span, err)
		return nil, fmt.Errorf("outbound: speech detection: %w", err)
	}
	room.UseDetector(detector)

	state := callflow.NewCallState(c.md.PhoneNumber, c.started)
	state.CustomerName = c.md.CustomerName
	opts := append([]callflow.Option{
		callflow.WithPersona(o.cfg.Persona),
		callflow.WithClock(o.cfg.Now),
	}, o.cfg.MachineOptions...)
	c.machine = callflow.NewMachine(state, opts...)

	c.sess, err = session.New(session.Config{
		Machine:       c.machine,
		Responder:     o.cfg.Responder,
		Speaker:       roomSpeaker{room},
		Listener:      room,
		Hangup:        c.teardown,
		GoodbyeGrace:  o.cfg.Policy.GoodbyeGrace,
		MaxToolRounds: o.cfg.Policy.MaxToolRounds,
		Logger:        o.cfg.Logger,
		Metrics:       o.cfg.Metrics,
		Tracer:        o.cfg.Tracer,
		Events:        o.cfg.Events,
		Sleep:         o.cfg.Sleep,
	})
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.sess.Start(gctx) })
	g.Go(func() error { return c.dial(gctx) })
	if err := g.Wait(); err != nil {
		o.cfg.Tracer.RecordError(span, err)
		return nil, err
	}

	participant, err := room.WaitForParticipant(ctx, c.md.PhoneNumber)
	if err != nil {
		return nil, fmt.Errorf("outbound: wait for participant: %w", err)
	}
	snapshot := c.machine.State()
	o.cfg.Tracer.AddEvent(span, "participant.joined", "participant", participant.Identity, "dial_attempts", c.dials)
	o.cfg.Events.Record(ctx, observability.EventParticipant, participant.Identity, nil)
	o.cfg.Logger.Info(ctx, "participant joined",
		"participant", participant.Identity,
		"duration", snapshot.Duration(o.cfg.Now()),
		"interaction_count", snapshot.InteractionCount,
		"payment_outcome", snapshot.PaymentOutcome(),
	)

	runErr := c.sess.Run(ctx)
	_ = c.sess.Hangup(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return nil, fmt.Errorf("outbound: session: %w", runErr)
	}

	result := c.result()
	o.cfg.Metrics.CallFinished("completed", result.Duration.Seconds())
	o.cfg.Metrics.RecordPaymentOutcome(result.PaymentOutcome)
	o.cfg.Events.Record(ctx, observability.EventCallCompleted, c.job.Room, map[string]any{
		"payment_outcome":   result.PaymentOutcome,
		"interaction_count": result.InteractionCount,
	})
	o.cfg.Logger.Info(ctx, "call completed",
		"duration", result.Duration,
		"interaction_count", result.InteractionCount,
		"payment_outcome", result.PaymentOutcome,
		"final_stage", result.FinalStage,
	)
	return result, nil
}

// dial places the call, retrying with exponential backoff. The final
// failure is returned so the whole call shuts down.
func (c *call) dial(ctx context.Context) error {
	o := c.o
	cfg := retry.Config{
		MaxAttempts: o.cfg.Policy.DialMaxAttempts,
		Unit:        o.cfg.Policy.BackoffUnit,
		Sleep:       o.cfg.Sleep,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			o.cfg.Logger.Warn(ctx, "dial failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		},
	}
	res := retry.Do(ctx, cfg, func(ctx context.Context, attempt int) error {
		c.dials = attempt
		ctx, span := o.cfg.Tracer.TraceDial(ctx, "sip", attempt)
		defer span.End()
		o.cfg.Events.Record(ctx, observability.EventDialAttempt, c.md.PhoneNumber, map[string]any{"attempt": attempt})

		err := o.cfg.Telephony.Dial(ctx, voice.DialRequest{
			Room:              c.job.Room,
			TrunkID:           o.cfg.TrunkID,
			To:                c.md.PhoneNumber,
			Identity:          c.md.PhoneNumber,
			WaitUntilAnswered: true,
		})
		if err != nil {
			o.cfg.Tracer.RecordError(span, err)
			o.cfg.Metrics.RecordDialAttempt("failed")
			o.cfg.Events.RecordError(ctx, observability.EventDialFailed, c.md.PhoneNumber, err, map[string]any{"attempt": attempt})
			return err
		}
		o.cfg.Metrics.RecordDialAttempt("answered")
		o.cfg.Events.Record(ctx, observability.EventCallAnswered, c.md.PhoneNumber, map[string]any{"attempt": attempt})
		return nil
	})
	if res.Err != nil {
		return fmt.Errorf("outbound: dial %s after %d attempts: %w", c.md.PhoneNumber, res.Attempts, res.Err)
	}
	return nil
}

// teardown deletes the room within its own retry budget. It never fails:
// a room left behind is logged and reclaimed by stale-room cleanup.
func (c *call) teardown(ctx context.Context) error {
	o := c.o
	cfg := retry.Config{
		MaxAttempts: o.cfg.Policy.HangupMaxAttempts,
		Unit:        o.cfg.Policy.BackoffUnit,
		Sleep:       o.cfg.Sleep,
	}
	res := retry.Do(ctx, cfg, func(ctx context.Context, _ int) error {
		return o.cfg.Telephony.DeleteRoom(ctx, c.job.Room)
	})
	if res.Err != nil {
		o.cfg.Metrics.RecordHangupFailure()
		o.cfg.Events.RecordError(ctx, observability.EventHangupFailed, c.job.Room, res.Err, map[string]any{"attempts": res.Attempts})
		o.cfg.Logger.Error(ctx, "room teardown failed", "attempts", res.Attempts, "error", res.Err)
	}
	return nil
}

// shutdown cancels the call context and tears the room down exactly once.
func (c *call) shutdown(ctx context.Context, cause error) {
	c.cancel()
	o := c.o
	detached := context.WithoutCancel(ctx)
	if c.sess != nil {
		_ = c.sess.Hangup(detached)
	} else {
		_ = c.teardown(detached)
	}

	var secs float64
	if c.machine != nil {
		st := c.machine.State()
		secs = st.Duration(o.cfg.Now()).Seconds()
	}
	o.cfg.Metrics.CallFinished("failed", secs)
	o.cfg.Events.RecordError(ctx, observability.EventCallFailed, c.job.Room, cause, nil)
	o.cfg.Logger.Error(ctx, "call failed", "error", cause)
}

func (c *call) result() *Result {
	state := c.machine.State()
	r := &Result{
		JobID:              c.job.ID,
		Room:               c.job.Room,
		DialAttempts:       c.dials,
		Duration:           state.Duration(c.o.cfg.Now()),
		InteractionCount:   state.InteractionCount,
		PaymentOutcome:     state.PaymentOutcome(),
		ConfirmationNumber: state.ConfirmationNumber,
		FinalStage:         c.machine.Stage().String(),
	}
	if c.room != nil {
		r.CallID = c.room.CallID()
	}
	return r
}
