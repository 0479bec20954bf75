package voice

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/paycall/internal/retry"
)

var (
	// ErrRoomNotFound is returned when no room has the given name.
	ErrRoomNotFound = errors.New("voice: room not found")

	// ErrRoomClosed is returned when a room was deleted or its call ended.
	ErrRoomClosed = errors.New("voice: room closed")

	// ErrNotAnswered is returned by Dial when the call ended before answer.
	ErrNotAnswered = errors.New("voice: call not answered")

	// ErrNoActiveCall is returned when speaking into a room without an answered call.
	ErrNoActiveCall = errors.New("voice: room has no active call")

	// ErrInvalidSignature is returned for webhooks that fail verification.
	ErrInvalidSignature = errors.New("voice: invalid webhook signature")
)

const speechBuffer = 16

// Participant is the dialed party once the call is answered.
type Participant struct {
	Identity string    `json:"identity"`
	Number   string    `json:"number"`
	JoinedAt time.Time `json:"joined_at"`
}

// Utterance is one recognized customer turn.
type Utterance struct {
	Text       string
	Confidence float64
	DTMF       bool
	At         time.Time
}

// RoomInfo is a snapshot of a room for status reporting.
type RoomInfo struct {
	Name           string            `json:"name"`
	CallID         string            `json:"call_id"`
	ProviderCallID string            `json:"provider_call_id,omitempty"`
	State          CallState         `json:"state"`
	EndReason      EndReason         `json:"end_reason,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	Participants   []Participant     `json:"participants"`
	Transcript     []TranscriptEntry `json:"transcript,omitempty"`
}

// callLeg is one dial attempt into a room.
type callLeg struct {
	providerCallID string
	identity       string
	to             string
	state          CallState
	reason         EndReason
	answered       chan struct{}
	ended          chan struct{}
	answerOnce     sync.Once
	endOnce        sync.Once
}

func newCallLeg(identity, to string) *callLeg {
	return &callLeg{
		identity: identity,
		to:       to,
		state:    StateInitiated,
		answered: make(chan struct{}),
		ended:    make(chan struct{}),
	}
}

// Room is the shared space of one outbound call.
type Room struct {
	name      string
	callID    string
	createdAt time.Time
	manager   *Manager

	mu          sync.Mutex
	leg         *callLeg
	state       CallState
	endReason   EndReason
	detector    *Detector
	participant *Participant
	transcript  []TranscriptEntry
	// endedCalls holds provider call ids of finished legs.
	endedCalls map[string]struct{}

	joined    chan struct{}
	joinOnce  sync.Once
	done      chan struct{}
	closeOnce sync.Once
	speech    chan Utterance
}

// Name returns the room name.
func (r *Room) Name() string { return r.name }

// CallID returns the locally generated call id.
func (r *Room) CallID() string { return r.callID }

// CreatedAt returns when the room was created.
func (r *Room) CreatedAt() time.Time { return r.createdAt }

// Done is closed when the room is deleted or its answered call ends.
func (r *Room) Done() <-chan struct{} { return r.done }

// Speech delivers recognized customer utterances. It is never closed; select on Done.
func (r *Room) Speech() <-chan Utterance { return r.speech }

// UseDetector binds speech-detection settings to the room.
func (r *Room) UseDetector(d *Detector) {
	r.mu.Lock()
	r.detector = d
	r.mu.Unlock()
}

// WaitForParticipant blocks until the dialed participant with identity has joined.
func (r *Room) WaitForParticipant(ctx context.Context, identity string) (*Participant, error) {
	select {
	case <-r.joined:
	case <-r.done:
		return nil, ErrRoomClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.participant == nil || (identity != "" && r.participant.Identity != identity) {
		return nil, fmt.Errorf("voice: participant %q not in room %s", identity, r.name)
	}
	p := *r.participant
	return &p, nil
}

// Say speaks text to the participant and returns its playout.
func (r *Room) Say(ctx context.Context, text string) (*Playout, error) {
	if r.closed() {
		return nil, ErrRoomClosed
	}
	r.mu.Lock()
	leg := r.leg
	detector := r.detector
	active := leg != nil && leg.providerCallID != "" && leg.state == StateActive
	r.mu.Unlock()

	if !active {
		return nil, ErrNoActiveCall
	}

	err := r.manager.provider.PlayTTS(ctx, &PlayTTSInput{
		Room:           r.name,
		ProviderCallID: leg.providerCallID,
		Text:           text,
		WebhookURL:     r.manager.webhookURL,
		Speech:         detector.Settings(),
	})
	if err != nil {
		return nil, err
	}

	r.appendTranscript("agent", text)
	return NewPlayout(detector.EstimatePlayout(text), r.done), nil
}

// Info returns a snapshot of the room.
func (r *Room) Info() RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := RoomInfo{
		Name:         r.name,
		CallID:       r.callID,
		State:        r.state,
		EndReason:    r.endReason,
		CreatedAt:    r.createdAt,
		Participants: []Participant{},
		Transcript:   append([]TranscriptEntry(nil), r.transcript...),
	}
	if r.leg != nil {
		info.ProviderCallID = r.leg.providerCallID
	}
	if r.participant != nil {
		info.Participants = append(info.Participants, *r.participant)
	}
	return info
}

func (r *Room) appendTranscript(speaker, text string) {
	r.mu.Lock()
	r.transcript = append(r.transcript, TranscriptEntry{
		Timestamp: r.manager.now(),
		Speaker:   speaker,
		Text:      text,
	})
	r.mu.Unlock()
}

func (r *Room) closed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *Room) close(state CallState, reason EndReason) {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.state = state
		r.endReason = reason
		r.mu.Unlock()
		close(r.done)
	})
}

// deliver hands an utterance to the session, dropping the oldest when full.
func (r *Room) deliver(u Utterance) {
	for {
		select {
		case r.speech <- u:
			return
		default:
		}
		select {
		case <-r.speech:
		default:
		}
	}
}

// ManagerConfig holds configuration for the room manager.
type ManagerConfig struct {
	// Provider is the telephony provider to use
	Provider Provider

	// WebhookURL is the public URL the provider calls back on (required to dial)
	WebhookURL string

	// RingTimeout bounds how long an unanswered call rings
	RingTimeout time.Duration

	// InsecureSkipVerify accepts webhooks without checking their signature
	InsecureSkipVerify bool

	// OnEvent is called when call events occur
	OnEvent func(context.Context, *CallEvent)
}

// Manager tracks rooms and routes provider events into them.
//
// Manager is safe for concurrent use.
type Manager struct {
	provider    Provider
	webhookURL  string
	ringTimeout time.Duration
	verify      bool
	onEvent     func(context.Context, *CallEvent)
	now         func() time.Time

	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewManager creates a room manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Provider == nil {
		return nil, errors.New("voice: provider is required")
	}
	return &Manager{
		provider:    cfg.Provider,
		webhookURL:  cfg.WebhookURL,
		ringTimeout: cfg.RingTimeout,
		verify:      !cfg.InsecureSkipVerify,
		onEvent:     cfg.OnEvent,
		now:         time.Now,
		rooms:       make(map[string]*Room),
	}, nil
}

// Connect returns the named room, creating it if needed.
func (m *Manager) Connect(ctx context.Context, name string) (*Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("voice: room name is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[name]; ok {
		return r, nil
	}
	r := &Room{
		name:       name,
		callID:     uuid.New().String(),
		createdAt:  m.now(),
		manager:    m,
		state:      StateCreated,
		endedCalls: make(map[string]struct{}),
		joined:     make(chan struct{}),
		done:       make(chan struct{}),
		speech:     make(chan Utterance, speechBuffer),
	}
	m.rooms[name] = r
	return r, nil
}

// Room returns the named room.
func (m *Manager) Room(name string) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[name]
	return r, ok
}

// Rooms returns snapshots of all rooms ordered by name.
func (m *Manager) Rooms() []RoomInfo {
	m.mu.RLock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.RUnlock()

	infos := make([]RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		infos = append(infos, r.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// DialRequest describes an outbound dial into a room.
type DialRequest struct {
	Room string
	// TrunkID is the outbound trunk (caller id) to dial from.
	TrunkID string
	// To is the destination number in E.164.
	To string
	// Identity names the participant once joined; defaults to To.
	Identity string
	// WaitUntilAnswered blocks until the call is answered or ends.
	WaitUntilAnswered bool
}

// Dial places a call into a room. With WaitUntilAnswered it returns only
// after the callee picks up; busy, no-answer and failed outcomes are errors.
func (m *Manager) Dial(ctx context.Context, req DialRequest) error {
	r, ok := m.Room(req.Room)
	if !ok {
		return retry.Permanent(fmt.Errorf("%w: %s", ErrRoomNotFound, req.Room))
	}
	if m.webhookURL == "" {
		return retry.Permanent(errors.New("voice: webhook URL is required to dial"))
	}
	identity := req.Identity
	if identity == "" {
		identity = req.To
	}

	if r.closed() {
		return retry.Permanent(ErrRoomClosed)
	}
	r.mu.Lock()
	if r.leg != nil && !r.leg.state.IsTerminal() {
		r.mu.Unlock()
		return retry.Permanent(fmt.Errorf("voice: room %s already has a call in progress", r.name))
	}
	leg := newCallLeg(identity, req.To)
	r.leg = leg
	r.state = StateInitiated
	detector := r.detector
	r.mu.Unlock()

	result, err := m.provider.InitiateCall(ctx, &InitiateCallInput{
		Room:        r.name,
		From:        req.TrunkID,
		To:          req.To,
		WebhookURL:  m.webhookURL,
		RingTimeout: m.ringTimeout,
		Speech:      detector.Settings(),
	})
	if err != nil {
		m.endLeg(r, leg, EndReasonFailed)
		return err
	}

	r.mu.Lock()
	if leg.providerCallID == "" {
		leg.providerCallID = result.ProviderCallID
	}
	if leg.state.IsTerminal() && leg.providerCallID != "" {
		r.endedCalls[leg.providerCallID] = struct{}{}
	}
	r.mu.Unlock()

	if !req.WaitUntilAnswered {
		return nil
	}

	select {
	case <-leg.answered:
		return nil
	case <-leg.ended:
		r.mu.Lock()
		reason := leg.reason
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotAnswered, reason)
	case <-r.done:
		return retry.Permanent(ErrRoomClosed)
	case <-ctx.Done():
		// Stop the ringing leg before giving up on it.
		hangupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		_ = m.provider.HangupCall(hangupCtx, &HangupCallInput{Room: r.name, ProviderCallID: result.ProviderCallID})
		m.endLeg(r, leg, EndReasonCanceled)
		return ctx.Err()
	}
}

// DeleteRoom hangs up the room's call and removes the room. Deleting a room
// that does not exist is not an error.
func (m *Manager) DeleteRoom(ctx context.Context, name string) error {
	r, ok := m.Room(name)
	if !ok {
		return nil
	}

	r.mu.Lock()
	leg := r.leg
	var providerCallID string
	if leg != nil && !leg.state.IsTerminal() {
		providerCallID = leg.providerCallID
	}
	r.mu.Unlock()

	if providerCallID != "" {
		err := m.provider.HangupCall(ctx, &HangupCallInput{Room: name, ProviderCallID: providerCallID})
		if err != nil {
			return fmt.Errorf("voice: delete room %s: %w", name, err)
		}
	}
	r.close(StateDeleted, EndReasonCompleted)
	if leg != nil {
		m.endLeg(r, leg, EndReasonCompleted)
	}

	m.mu.Lock()
	if m.rooms[name] == r {
		delete(m.rooms, name)
	}
	m.mu.Unlock()
	return nil
}

// CleanupStale deletes rooms whose name has prefix and that are older than maxAge.
func (m *Manager) CleanupStale(ctx context.Context, prefix string, maxAge time.Duration) ([]string, error) {
	cutoff := m.now().Add(-maxAge)

	m.mu.RLock()
	var stale []string
	for name, r := range m.rooms {
		if strings.HasPrefix(name, prefix) && r.createdAt.Before(cutoff) {
			stale = append(stale, name)
		}
	}
	m.mu.RUnlock()
	sort.Strings(stale)

	var deleted []string
	var errs []error
	for _, name := range stale {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := m.DeleteRoom(ctx, name); err != nil {
			errs = append(errs, err)
			continue
		}
		deleted = append(deleted, name)
	}
	return deleted, errors.Join(errs...)
}

// HandleWebhook verifies and parses a provider webhook and applies its events.
func (m *Manager) HandleWebhook(ctx context.Context, wctx *WebhookContext) (*WebhookParseResult, error) {
	if m.verify {
		ok, err := m.provider.VerifyWebhook(wctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrInvalidSignature
		}
	}

	result, err := m.provider.ParseWebhook(wctx)
	if err != nil {
		return nil, err
	}
	for i := range result.Events {
		if err := m.HandleEvent(ctx, &result.Events[i]); err != nil && !errors.Is(err, ErrRoomNotFound) {
			return nil, err
		}
	}
	if result.StatusCode == 0 {
		result.StatusCode = http.StatusOK
	}
	return result, nil
}

// HandleEvent applies a call event to its room.
func (m *Manager) HandleEvent(ctx context.Context, event *CallEvent) error {
	r, ok := m.Room(event.Room)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, event.Room)
	}

	r.mu.Lock()
	leg := r.leg
	_, ended := r.endedCalls[event.ProviderCallID]
	if leg == nil || (event.ProviderCallID != "" && (ended || (leg.providerCallID != "" && leg.providerCallID != event.ProviderCallID))) {
		// Events of an earlier leg.
		r.mu.Unlock()
		return nil
	}
	if leg.providerCallID == "" {
		leg.providerCallID = event.ProviderCallID
	}
	r.mu.Unlock()

	switch event.Type {
	case EventCallInitiated:
		m.setLegState(r, leg, StateInitiated)
	case EventCallRinging:
		m.setLegState(r, leg, StateRinging)
	case EventCallAnswered:
		m.answerLeg(r, leg, event.Timestamp)
	case EventCallSpeech:
		r.appendTranscript("customer", event.Transcript)
		r.deliver(Utterance{Text: event.Transcript, Confidence: event.Confidence, At: event.Timestamp})
	case EventCallDTMF:
		r.appendTranscript("customer", event.Digits)
		r.deliver(Utterance{Text: event.Digits, DTMF: true, At: event.Timestamp})
	case EventCallEnded:
		m.endLeg(r, leg, event.Reason)
	}

	if m.onEvent != nil {
		m.onEvent(ctx, event)
	}
	return nil
}

func (m *Manager) setLegState(r *Room, leg *callLeg, state CallState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if leg.state.IsTerminal() || leg.state == StateActive {
		return
	}
	leg.state = state
	r.state = state
}

func (m *Manager) answerLeg(r *Room, leg *callLeg, at time.Time) {
	if at.IsZero() {
		at = m.now()
	}
	r.mu.Lock()
	if leg.state.IsTerminal() {
		r.mu.Unlock()
		return
	}
	leg.state = StateActive
	r.state = StateActive
	if r.participant == nil {
		r.participant = &Participant{Identity: leg.identity, Number: leg.to, JoinedAt: at}
	}
	r.mu.Unlock()

	leg.answerOnce.Do(func() { close(leg.answered) })
	r.joinOnce.Do(func() { close(r.joined) })
}

// endLeg finishes a leg. A leg that was answered takes the room down with it.
func (m *Manager) endLeg(r *Room, leg *callLeg, reason EndReason) {
	r.mu.Lock()
	if leg.state.IsTerminal() {
		r.mu.Unlock()
		return
	}
	wasActive := leg.state == StateActive
	leg.state = stateForReason(reason)
	leg.reason = reason
	if leg.providerCallID != "" {
		r.endedCalls[leg.providerCallID] = struct{}{}
	}
	if !wasActive && !r.state.IsTerminal() {
		r.state = leg.state
		r.endReason = reason
	}
	r.mu.Unlock()

	leg.endOnce.Do(func() { close(leg.ended) })
	if wasActive {
		r.close(StateCompleted, reason)
	}
}

func stateForReason(reason EndReason) CallState {
	switch reason {
	case EndReasonBusy:
		return StateBusy
	case EndReasonNoAnswer:
		return StateNoAnswer
	case EndReasonFailed:
		return StateFailed
	case EndReasonCanceled:
		return StateCanceled
	default:
		return StateCompleted
	}
}
