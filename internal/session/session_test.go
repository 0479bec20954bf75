package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/paycall/internal/callflow"
	"github.com/haasonsaas/paycall/internal/llm"
	"github.com/haasonsaas/paycall/internal/voice"
)

// scriptedResponder returns replies in order and records every request.
type scriptedResponder struct {
	mu       sync.Mutex
	replies  []llm.Reply
	errs     []error
	requests []llm.Request
}

func (r *scriptedResponder) Respond(_ context.Context, req llm.Request) (llm.Reply, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	i := len(r.requests) - 1
	if i < len(r.errs) && r.errs[i] != nil {
		return llm.Reply{}, r.errs[i]
	}
	if i < len(r.replies) {
		return r.replies[i], nil
	}
	return llm.Reply{Text: "Okay."}, nil
}

func text(s string) llm.Reply { return llm.Reply{Text: s} }

func tool(name, args string) llm.Reply {
	return llm.Reply{ToolCall: &llm.ToolCall{Name: name, Arguments: json.RawMessage(args)}}
}

type donePlayout struct{ waited *atomic.Int32 }

func (p donePlayout) Wait(context.Context) error {
	p.waited.Add(1)
	return nil
}

type fakeSpeaker struct {
	mu     sync.Mutex
	said   []string
	waited atomic.Int32
	err    error
}

func (s *fakeSpeaker) Say(_ context.Context, text string) (Playout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.said = append(s.said, text)
	return donePlayout{waited: &s.waited}, nil
}

func (s *fakeSpeaker) spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.said...)
}

type fakeListener struct {
	speech chan voice.Utterance
	done   chan struct{}
	// drain ends the call once every queued utterance was consumed.
	drain bool
}

func newFakeListener(utterances ...string) *fakeListener {
	l := &fakeListener{speech: make(chan voice.Utterance, len(utterances)+1), done: make(chan struct{})}
	for _, u := range utterances {
		l.speech <- voice.Utterance{Text: u}
	}
	return l
}

func (l *fakeListener) Speech() <-chan voice.Utterance { return l.speech }
func (l *fakeListener) Done() <-chan struct{} {
	if l.drain && len(l.speech) == 0 {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return l.done
}

type harness struct {
	session   *Session
	machine   *callflow.Machine
	responder *scriptedResponder
	speaker   *fakeSpeaker
	listener  *fakeListener
	hangups   *atomic.Int32
	slept     []time.Duration
}

func newHarness(t *testing.T, replies []llm.Reply, utterances ...string) *harness {
	t.Helper()
	h := &harness{
		machine: callflow.NewMachine(
			callflow.NewCallState("+15551234567", time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)),
			callflow.WithClock(func() time.Time { return time.Date(2024, 1, 15, 9, 5, 0, 0, time.UTC) }),
			callflow.WithConfirmationDigits(func() int { return 42 }),
		),
		responder: &scriptedResponder{replies: replies},
		speaker:   &fakeSpeaker{},
		listener:  newFakeListener(utterances...),
		hangups:   &atomic.Int32{},
	}
	s, err := New(Config{
		Machine:      h.machine,
		Responder:    h.responder,
		Speaker:      h.speaker,
		Listener:     h.listener,
		Hangup:       func(context.Context) error { h.hangups.Add(1); return nil },
		GoodbyeGrace: 2 * time.Second,
		Sleep: func(_ context.Context, d time.Duration) error {
			h.slept = append(h.slept, d)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.session = s
	return h
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.session.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.session.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty config")
	}
}

func TestSession_PaymentHappyPath(t *testing.T) {
	h := newHarness(t, []llm.Reply{
		text("Hi, this is Emily from SecureCard Financial Services."),
		tool("proceed_to_payment_inquiry", `{}`),
		text("Would you like to make a payment today?"),
		tool("customer_wants_to_pay", `{"payment_amount":"$250.00"}`),
		text("Let's get that processed. Can I have the last four digits and your ZIP?"),
		tool("verify_customer_info", `{"last_four_digits":"4242","billing_zip":"94107"}`),
		tool("process_payment", `{"payment_method":"debit card"}`),
		text("Thank you, goodbye!"),
	}, "Yes, this is Jordan", "I'd like to pay 250 dollars", "4242, and 94107", "Use my debit card")

	h.run(t)

	state := h.machine.State()
	if !state.PaymentConfirmed || state.ConfirmationNumber != "SC202401150042" {
		t.Fatalf("state = %+v", state)
	}
	if h.machine.Stage() != callflow.StageGoodbye {
		t.Fatalf("stage = %s, want goodbye", h.machine.Stage())
	}
	if got := h.hangups.Load(); got != 1 {
		t.Fatalf("hangups = %d, want exactly 1", got)
	}
	if len(h.slept) != 1 || h.slept[0] != 2*time.Second {
		t.Fatalf("slept = %v, want goodbye grace once", h.slept)
	}
	said := h.speaker.spoken()
	if said[len(said)-1] != "Thank you, goodbye!" {
		t.Fatalf("last spoken = %q", said[len(said)-1])
	}

	// On-enter turns never offer tools; utterance turns always do.
	for i, req := range h.responder.requests {
		if req.Directive != "" && len(req.Tools) != 0 {
			t.Fatalf("request %d: enter turn offered tools", i)
		}
		if req.Directive == "" && len(req.Tools) == 0 {
			t.Fatalf("request %d: utterance turn without tools", i)
		}
	}
}

func TestSession_HistorySharedAcrossStages(t *testing.T) {
	h := newHarness(t, []llm.Reply{
		text("Hello!"),
		tool("proceed_to_payment_inquiry", `{}`),
		text("How much would you like to pay?"),
		tool("end_call", `{}`),
	}, "hi", "never mind")

	h.run(t)

	last := h.responder.requests[len(h.responder.requests)-1]
	found := false
	for _, m := range last.History {
		if m.Role == llm.RoleUser && m.Content == "hi" {
			found = true
		}
	}
	if !found {
		t.Fatal("greeting-stage utterance missing from a later stage's history")
	}
}

func TestSession_ValidationRejectionStaysAndSpeaks(t *testing.T) {
	h := newHarness(t, []llm.Reply{
		text("Hello!"),
		tool("proceed_to_payment_inquiry", `{}`),
		text("How much?"),
		tool("customer_wants_to_pay", `{"payment_amount":"a million"}`),
	}, "hi", "a million dollars")
	h.listener.drain = true

	h.run(t)

	if h.machine.Stage() != callflow.StagePaymentInquiry {
		t.Fatalf("stage = %s, want payment_inquiry", h.machine.Stage())
	}
	if h.machine.State().PaymentAmount != "" {
		t.Fatal("rejected amount was stored")
	}
	said := h.speaker.spoken()
	if !strings.Contains(strings.ToLower(said[len(said)-1]), "amount") {
		t.Fatalf("expected a corrective prompt, got %q", said[len(said)-1])
	}
	if h.hangups.Load() != 0 {
		t.Fatal("rejection must not hang up")
	}
}

func TestSession_UnknownToolReportedToModel(t *testing.T) {
	h := newHarness(t, []llm.Reply{
		text("Hello!"),
		tool("process_payment", `{}`),
		text("Sorry, let me start over."),
	}, "charge me")
	h.listener.drain = true

	h.run(t)

	if h.machine.Stage() != callflow.StageGreeting {
		t.Fatalf("stage = %s", h.machine.Stage())
	}
	req := h.responder.requests[2]
	lastMsg := req.History[len(req.History)-1]
	if lastMsg.Role != llm.RoleTool || !strings.HasPrefix(lastMsg.Content, "error:") {
		t.Fatalf("tool error not fed back: %+v", lastMsg)
	}
}

func TestSession_AnsweringMachineHangsUpAfterPlayout(t *testing.T) {
	h := newHarness(t, []llm.Reply{
		text("Hello!"),
		tool("detected_answering_machine", `{}`),
	}, "Please leave a message after the tone")

	h.run(t)

	if h.hangups.Load() != 1 {
		t.Fatalf("hangups = %d", h.hangups.Load())
	}
	if h.speaker.waited.Load() == 0 {
		t.Fatal("voicemail playout was not awaited before hangup")
	}
	if len(h.slept) != 0 {
		t.Fatalf("answering machine path should not use the goodbye grace: %v", h.slept)
	}
}

func TestSession_ToolRoundsBounded(t *testing.T) {
	replies := []llm.Reply{text("Hello!")}
	for i := 0; i < 10; i++ {
		replies = append(replies, tool("process_payment", `{}`))
	}
	h := newHarness(t, replies, "hmm")
	h.listener.drain = true

	h.run(t)

	if got := len(h.responder.requests); got != 1+defaultMaxToolRounds {
		t.Fatalf("requests = %d, want %d", got, 1+defaultMaxToolRounds)
	}
}

func TestSession_ResponderErrorApologizes(t *testing.T) {
	h := newHarness(t, []llm.Reply{text("Hello!")}, "hello?")
	h.responder.errs = []error{nil, errors.New("timeout")}
	h.listener.drain = true

	h.run(t)

	said := h.speaker.spoken()
	if said[len(said)-1] != replyRetry {
		t.Fatalf("last spoken = %q", said[len(said)-1])
	}
}

func TestSession_HangupOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_ = h.session.Hangup(ctx)
	_ = h.session.Hangup(ctx)
	if h.hangups.Load() != 1 {
		t.Fatalf("hangups = %d", h.hangups.Load())
	}
	select {
	case <-h.session.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestSession_StartTwice(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.session.Start(context.Background()); !errors.Is(err, ErrStarted) {
		t.Fatalf("err = %v, want ErrStarted", err)
	}
}

func TestSession_ContextCancelStopsRun(t *testing.T) {
	h := newHarness(t, []llm.Reply{text("Hello!")})
	ctx, cancel := context.WithCancel(context.Background())
	if err := h.session.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- h.session.Run(ctx) }()
	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
