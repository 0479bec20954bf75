// Package session runs the conversation of one answered call. It feeds
// recognized customer speech to the responder, applies the transition tools
// the responder calls to the stage machine, speaks the results and hangs up
// when a stage ends the call.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/paycall/internal/callflow"
	"github.com/haasonsaas/paycall/internal/llm"
	"github.com/haasonsaas/paycall/internal/observability"
	"github.com/haasonsaas/paycall/internal/retry"
	"github.com/haasonsaas/paycall/internal/validate"
	"github.com/haasonsaas/paycall/internal/voice"
)

// Playout is speech that is (or was) playing on the call.
type Playout interface {
	Wait(ctx context.Context) error
}

// Speaker synthesizes speech on the call.
type Speaker interface {
	Say(ctx context.Context, text string) (Playout, error)
}

// Listener delivers recognized customer speech. Done is closed when the
// call is gone.
type Listener interface {
	Speech() <-chan voice.Utterance
	Done() <-chan struct{}
}

// HangupFunc tears the call down.
type HangupFunc func(ctx context.Context) error

const (
	defaultMaxToolRounds = 4
	replyRetry           = "I'm sorry, I missed that. Could you say it once more?"
)

// ErrStarted is returned when a session is started twice.
var ErrStarted = errors.New("session: already started")

// Config wires a session to its collaborators.
type Config struct {
	Machine   *callflow.Machine
	Responder llm.Responder
	Speaker   Speaker
	Listener  Listener
	Hangup    HangupFunc

	// GoodbyeGrace is waited after the farewell finished playing, before hangup.
	GoodbyeGrace time.Duration
	// MaxToolRounds bounds responder calls per customer utterance.
	MaxToolRounds int

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Events  *observability.EventRecorder

	// Sleep waits for d unless ctx is done. Defaults to retry.SleepWithContext.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Session is the conversation of one call. Run must be called from a single
// goroutine; Hangup and History are safe to call concurrently.
type Session struct {
	cfg Config

	startOnce sync.Once
	started   bool

	mu      sync.Mutex
	history []llm.Message
	last    Playout

	hangupOnce sync.Once
	hungUp     chan struct{}
}

// New validates cfg and returns a session.
func New(cfg Config) (*Session, error) {
	switch {
	case cfg.Machine == nil:
		return nil, errors.New("session: machine is required")
	case cfg.Responder == nil:
		return nil, errors.New("session: responder is required")
	case cfg.Speaker == nil:
		return nil, errors.New("session: speaker is required")
	case cfg.Listener == nil:
		return nil, errors.New("session: listener is required")
	case cfg.Hangup == nil:
		return nil, errors.New("session: hangup is required")
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = defaultMaxToolRounds
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}
	if cfg.Sleep == nil {
		cfg.Sleep = retry.SleepWithContext
	}
	return &Session{cfg: cfg, hungUp: make(chan struct{})}, nil
}

// Start binds the session to the call. Speech begins in Run, once the
// participant is present.
func (s *Session) Start(ctx context.Context) error {
	err := ErrStarted
	s.startOnce.Do(func() {
		err = ctx.Err()
		if err != nil {
			return
		}
		s.started = true
		s.cfg.Logger.Info(ctx, "session started", "stage", s.cfg.Machine.Stage().String())
	})
	return err
}

// Run enters the active stage and then handles customer speech until the
// call is hung up, the listener closes or ctx is done.
func (s *Session) Run(ctx context.Context) error {
	if !s.started {
		return errors.New("session: not started")
	}
	if err := s.enterStage(ctx); err != nil {
		return err
	}
	for {
		if s.ended() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.hungUp:
			return nil
		case <-s.cfg.Listener.Done():
			s.cfg.Logger.Info(ctx, "call ended by customer", "stage", s.cfg.Machine.Stage().String())
			return nil
		case u := <-s.cfg.Listener.Speech():
			if err := s.handleUtterance(ctx, u); err != nil {
				return err
			}
		}
	}
}

// Done is closed once hangup has been issued.
func (s *Session) Done() <-chan struct{} { return s.hungUp }

// History returns a copy of the chat history.
func (s *Session) History() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Message(nil), s.history...)
}

// Hangup tears the call down. Only the first call reaches the HangupFunc.
func (s *Session) Hangup(ctx context.Context) error {
	var err error
	s.hangupOnce.Do(func() {
		close(s.hungUp)
		err = s.cfg.Hangup(context.WithoutCancel(ctx))
		if err != nil {
			s.cfg.Events.RecordError(ctx, observability.EventHangupFailed, "hangup", err, nil)
			s.cfg.Logger.Error(ctx, "hangup failed", "error", err)
			return
		}
		s.cfg.Events.Record(ctx, observability.EventHangup, "hangup", nil)
		s.cfg.Logger.Info(ctx, "call hung up")
	})
	return err
}

func (s *Session) ended() bool {
	select {
	case <-s.hungUp:
		return true
	default:
		return false
	}
}

// enterStage generates and speaks the active stage's enter reply and runs
// its hook. Goodbye ends the call after the farewell has played.
func (s *Session) enterStage(ctx context.Context) error {
	stage := s.cfg.Machine.Stage()
	ctx = observability.AddStage(ctx, stage.String())
	profile := s.cfg.Machine.Profile()

	s.cfg.Events.Record(ctx, observability.EventStageEntered, stage.String(), nil)
	s.cfg.Logger.Info(ctx, "stage entered", "stage", stage.String())

	reply, err := s.cfg.Responder.Respond(ctx, llm.Request{
		Instructions: profile.Instructions,
		History:      s.History(),
		Directive:    profile.EnterPrompt,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.cfg.Logger.Warn(ctx, "enter reply failed", "stage", stage.String(), "error", err)
	} else if reply.Text != "" {
		s.appendHistory(llm.Message{Role: llm.RoleAssistant, Content: reply.Text})
		s.say(ctx, reply.Text)
	}

	if stage == callflow.TerminalStage {
		return s.finish(ctx, s.cfg.GoodbyeGrace)
	}
	return nil
}

// finish waits for pending speech and the grace delay, then hangs up.
func (s *Session) finish(ctx context.Context, grace time.Duration) error {
	if err := s.waitPlayout(ctx); err == nil && grace > 0 {
		_ = s.cfg.Sleep(ctx, grace)
	}
	_ = s.Hangup(ctx)
	return nil
}

func (s *Session) handleUtterance(ctx context.Context, u voice.Utterance) error {
	stage := s.cfg.Machine.Stage()
	ctx = observability.AddStage(ctx, stage.String())
	s.cfg.Logger.Debug(ctx, "customer said", "text", u.Text, "dtmf", u.DTMF)
	s.appendHistory(llm.Message{Role: llm.RoleUser, Content: u.Text})

	for round := 0; round < s.cfg.MaxToolRounds; round++ {
		profile := s.cfg.Machine.Profile()
		reply, err := s.cfg.Responder.Respond(ctx, llm.Request{
			Instructions: profile.Instructions,
			History:      s.History(),
			Tools:        s.cfg.Machine.Tools(),
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.cfg.Logger.Warn(ctx, "responder failed", "error", err)
			s.say(ctx, replyRetry)
			return nil
		}

		if reply.ToolCall == nil {
			if reply.Text == "" {
				return nil
			}
			s.appendHistory(llm.Message{Role: llm.RoleAssistant, Content: reply.Text})
			s.say(ctx, reply.Text)
			return nil
		}

		done, err := s.applyTool(ctx, *reply.ToolCall)
		if err != nil || done {
			return err
		}
	}
	s.cfg.Logger.Warn(ctx, "tool rounds exhausted", "max_tool_rounds", s.cfg.MaxToolRounds)
	return nil
}

// applyTool runs one transition. done reports that the utterance has been
// answered and no further responder round is needed.
func (s *Session) applyTool(ctx context.Context, call llm.ToolCall) (done bool, err error) {
	if call.ID == "" {
		call.ID = uuid.New().String()
	}
	from := s.cfg.Machine.Stage()
	s.appendHistory(llm.Message{Role: llm.RoleAssistant, ToolCall: &call})

	spanCtx, span := s.cfg.Tracer.TraceTransition(ctx, from.String(), call.Name)
	out, invokeErr := s.cfg.Machine.Invoke(call.Name, call.Arguments)
	label := outcomeLabel(out, invokeErr)
	s.cfg.Tracer.SetAttributes(span, "callflow.outcome", label, "callflow.next", s.cfg.Machine.Stage().String())
	s.cfg.Tracer.RecordError(span, invokeErr)
	span.End()

	s.cfg.Metrics.RecordTransition(from.String(), call.Name, label)
	s.cfg.Events.Record(spanCtx, observability.EventTransition, call.Name, map[string]any{
		"from":    from.String(),
		"to":      s.cfg.Machine.Stage().String(),
		"outcome": label,
	})
	s.cfg.Logger.Info(ctx, "transition",
		"tool", call.Name,
		"from", from.String(),
		"to", s.cfg.Machine.Stage().String(),
		"outcome", label,
		"args", validate.SanitizeLogData(string(call.Arguments)),
	)

	if invokeErr != nil {
		s.appendHistory(llm.Message{
			Role:       llm.RoleTool,
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Content:    fmt.Sprintf("error: %v", invokeErr),
		})
		if errors.Is(invokeErr, callflow.ErrCallEnded) {
			return true, nil
		}
		return false, nil
	}

	s.appendHistory(llm.Message{
		Role:       llm.RoleTool,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Content:    toolResult(out),
	})
	if out.Reply != "" {
		s.appendHistory(llm.Message{Role: llm.RoleAssistant, Content: out.Reply})
		s.say(ctx, out.Reply)
	}

	switch {
	case out.Hangup:
		return true, s.finish(ctx, 0)
	case out.Advance && out.Next != from:
		return true, s.enterStage(ctx)
	default:
		return out.Reply != "", nil
	}
}

// say speaks text after any earlier speech has finished, since a new
// utterance replaces whatever is playing.
func (s *Session) say(ctx context.Context, text string) {
	if err := s.waitPlayout(ctx); err != nil {
		return
	}
	p, err := s.cfg.Speaker.Say(ctx, text)
	if err != nil {
		s.cfg.Logger.Warn(ctx, "speech failed", "error", err)
		return
	}
	s.mu.Lock()
	s.last = p
	s.mu.Unlock()
}

func (s *Session) waitPlayout(ctx context.Context) error {
	s.mu.Lock()
	p := s.last
	s.last = nil
	s.mu.Unlock()
	if p == nil {
		return ctx.Err()
	}
	return p.Wait(ctx)
}

func (s *Session) appendHistory(msg llm.Message) {
	s.mu.Lock()
	s.history = append(s.history, msg)
	s.mu.Unlock()
}

func outcomeLabel(out callflow.Outcome, err error) string {
	switch {
	case errors.Is(err, callflow.ErrUnknownTransition):
		return "unknown"
	case err != nil:
		return "error"
	case out.Rejected:
		return "rejected"
	case out.Hangup:
		return "hangup"
	case out.Advance:
		return "advanced"
	default:
		return "stayed"
	}
}

func toolResult(out callflow.Outcome) string {
	switch {
	case out.Rejected:
		return "rejected: " + out.Reply
	case out.Reply != "":
		return "ok; said to customer: " + out.Reply
	default:
		return "ok"
	}
}
