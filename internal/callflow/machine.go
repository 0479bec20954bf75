package callflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"time"
)

var (
	// ErrUnknownTransition is returned when the active stage does not expose the named tool.
	ErrUnknownTransition = errors.New("callflow: unknown transition for active stage")
	// ErrCallEnded is returned once a transition has asked for hangup.
	ErrCallEnded = errors.New("callflow: call has ended")
)

// Machine drives the stage graph for one call. It is not safe for
// concurrent use; the session calls it from a single goroutine.
type Machine struct {
	state *CallState
	stage StageKind
	env   env
	ended bool
}

// Option configures a Machine.
type Option func(*machineOptions)

type machineOptions struct {
	persona Persona
	now     func() time.Time
	digits  func() int
}

// WithPersona sets the persona used in stage profiles and scripted replies.
func WithPersona(p Persona) Option {
	return func(o *machineOptions) { o.persona = p }
}

// WithClock overrides the clock used for confirmation numbers.
func WithClock(now func() time.Time) Option {
	return func(o *machineOptions) { o.now = now }
}

// WithConfirmationDigits overrides the source of the four trailing
// confirmation digits. fn must return a value in [0, 9999].
func WithConfirmationDigits(fn func() int) Option {
	return func(o *machineOptions) { o.digits = fn }
}

// NewMachine returns a machine positioned at the entry stage.
func NewMachine(state *CallState, opts ...Option) *Machine {
	o := machineOptions{
		persona: DefaultPersona(),
		now:     time.Now,
		digits:  func() int { return rand.IntN(10000) },
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Machine{
		state: state,
		stage: EntryStage,
		env: env{
			persona: o.persona,
			issue: func() string {
				return ConfirmationNumber(o.now(), o.digits())
			},
		},
	}
}

// ConfirmationNumber formats "SC" + YYYYMMDD + four digits.
func ConfirmationNumber(t time.Time, suffix int) string {
	return fmt.Sprintf("SC%s%04d", t.Format("20060102"), suffix%10000)
}

// Stage returns the active stage.
func (m *Machine) Stage() StageKind { return m.stage }

// Ended reports whether a transition has requested hangup.
func (m *Machine) Ended() bool { return m.ended }

// State returns a copy of the current call state.
func (m *Machine) State() CallState { return m.state.Clone() }

// Persona returns the configured persona.
func (m *Machine) Persona() Persona { return m.env.persona }

// Profile returns the active stage's profile. The goodbye prompt is
// specialized with the call outcome so the farewell can reference it.
func (m *Machine) Profile() Profile {
	p := ProfileFor(m.stage, m.env.persona)
	if m.stage == StageGoodbye {
		if m.state.PaymentConfirmed {
			p.EnterPrompt += fmt.Sprintf(" A payment of %s was completed with confirmation number %s.",
				m.state.PaymentAmount, spellConfirmation(m.state.ConfirmationNumber))
		} else {
			p.EnterPrompt += " No payment was made on this call."
		}
	}
	return p
}

// Tools describes the transitions the active stage exposes.
func (m *Machine) Tools() []Tool {
	if m.ended {
		return nil
	}
	return slices.Clone(toolsFor(m.stage))
}

// Invoke runs the named transition of the active stage. Validation failures
// are not errors: they come back as a rejected Outcome with a corrective
// reply, leaving both the state and the active stage unchanged.
func (m *Machine) Invoke(name string, args json.RawMessage) (Outcome, error) {
	if m.ended {
		return Outcome{}, ErrCallEnded
	}
	t, ok := lookup(m.stage, name)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s has no %q", ErrUnknownTransition, m.stage, name)
	}
	out := t.handle(m.state, args, &m.env)
	if out.Rejected {
		return out, nil
	}
	m.state.InteractionCount++
	if out.Advance {
		m.stage = out.Next
	}
	if out.Hangup {
		m.ended = true
	}
	return out, nil
}

func lookup(stage StageKind, name string) (transition, bool) {
	for _, t := range table[stage] {
		if t.name == name {
			return t, true
		}
	}
	return transition{}, false
}

// Edge is one row of the transition table, for inspection.
type Edge struct {
	From    StageKind
	Name    string
	To      StageKind
	EndCall bool
}

// Edges returns every transition in the graph, grouped by source stage.
func Edges() []Edge {
	var out []Edge
	for _, stage := range Stages() {
		for _, t := range table[stage] {
			out = append(out, Edge{From: t.from, Name: t.name, To: t.to, EndCall: t.endCall})
		}
	}
	return out
}
