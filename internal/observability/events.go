package observability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes call timeline events.
type EventType string

const (
	EventCallDispatched EventType = "call.dispatched"
	EventCallConnecting EventType = "call.connecting"
	EventDialAttempt    EventType = "dial.attempt"
	EventDialFailed     EventType = "dial.failed"
	EventCallAnswered   EventType = "call.answered"
	EventParticipant    EventType = "call.participant_joined"
	EventStageEntered   EventType = "stage.entered"
	EventTransition     EventType = "stage.transition"
	EventHangup         EventType = "call.hangup"
	EventHangupFailed   EventType = "call.hangup_failed"
	EventCallFailed     EventType = "call.failed"
	EventCallCompleted  EventType = "call.completed"
)

// Event is one entry in a call timeline.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	CallID    string         `json:"call_id,omitempty"`
	Room      string         `json:"room,omitempty"`
	Stage     string         `json:"stage,omitempty"`
	Name      string         `json:"name,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
}

// EventStore keeps call events in memory, bounded by maxSize.
type EventStore struct {
	mu      sync.RWMutex
	events  map[string]*Event
	byRoom  map[string][]string
	maxSize int
	now     func() time.Time
}

// NewEventStore creates a store holding at most maxSize events.
func NewEventStore(maxSize int) *EventStore {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &EventStore{
		events:  make(map[string]*Event),
		byRoom:  make(map[string][]string),
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Record stores an event, filling in id and timestamp when missing.
func (s *EventStore) Record(event *Event) error {
	if event == nil {
		return errors.New("observability: event cannot be nil")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.events) >= s.maxSize {
		s.evictOldest()
	}
	s.events[event.ID] = event
	if event.Room != "" {
		s.byRoom[event.Room] = append(s.byRoom[event.Room], event.ID)
	}
	return nil
}

// ByRoom returns the events for room ordered by time.
func (s *EventStore) ByRoom(room string) []*Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byRoom[room]
	events := make([]*Event, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.events[id]; ok {
			events = append(events, e)
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events
}

// Prune removes events older than maxAge and reports how many were dropped.
func (s *EventStore) Prune(maxAge time.Duration) int {
	cutoff := s.now().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.events {
		if e.Timestamp.Before(cutoff) {
			delete(s.events, id)
			removed++
		}
	}
	for room, ids := range s.byRoom {
		kept := ids[:0]
		for _, id := range ids {
			if _, ok := s.events[id]; ok {
				kept = append(kept, id)
			}
		}
		if len(kept) == 0 {
			delete(s.byRoom, room)
		} else {
			s.byRoom[room] = kept
		}
	}
	return removed
}

// evictOldest drops the oldest tenth of the store. Caller holds the lock.
func (s *EventStore) evictOldest() {
	all := make([]*Event, 0, len(s.events))
	for _, e := range s.events {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].Timestamp.Before(all[j].Timestamp)
	})
	toRemove := len(all) / 10
	if toRemove == 0 {
		toRemove = 1
	}
	for i := 0; i < toRemove && i < len(all); i++ {
		delete(s.events, all[i].ID)
	}
}

// EventRecorder records events with correlation fields taken from the context.
// A nil recorder discards events.
type EventRecorder struct {
	store  *EventStore
	logger *Logger
}

// NewEventRecorder creates a new event recorder.
func NewEventRecorder(store *EventStore, logger *Logger) *EventRecorder {
	return &EventRecorder{store: store, logger: logger}
}

// Record records an event of the given type.
func (r *EventRecorder) Record(ctx context.Context, eventType EventType, name string, data map[string]any) {
	r.record(ctx, eventType, name, data, nil)
}

// RecordError records an event carrying an error.
func (r *EventRecorder) RecordError(ctx context.Context, eventType EventType, name string, err error, data map[string]any) {
	r.record(ctx, eventType, name, data, err)
}

func (r *EventRecorder) record(ctx context.Context, eventType EventType, name string, data map[string]any, err error) {
	if r == nil || r.store == nil {
		return
	}
	event := &Event{
		Type:    eventType,
		CallID:  GetCallID(ctx),
		Room:    stringFromContext(ctx, RoomKey),
		Stage:   stringFromContext(ctx, StageKey),
		Name:    name,
		Data:    data,
		TraceID: GetTraceID(ctx),
	}
	if err != nil {
		event.Error = err.Error()
	}
	if r.logger != nil {
		r.logger.Debug(ctx, "call event", "event_type", string(eventType), "event_name", name)
	}
	_ = r.store.Record(event)
}

func stringFromContext(ctx context.Context, key ContextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// Timeline summarizes the events of one call.
type Timeline struct {
	Room        string        `json:"room"`
	CallID      string        `json:"call_id,omitempty"`
	StartTime   time.Time     `json:"start_time"`
	EndTime     time.Time     `json:"end_time"`
	Duration    time.Duration `json:"duration_ns"`
	Transitions int           `json:"transitions"`
	DialTries   int           `json:"dial_attempts"`
	Errors      int           `json:"errors"`
	Events      []*Event      `json:"events"`
}

// BuildTimeline creates a timeline from events sorted by time.
func BuildTimeline(room string, events []*Event) *Timeline {
	t := &Timeline{Room: room, Events: events}
	if len(events) == 0 {
		return t
	}
	t.StartTime = events[0].Timestamp
	t.EndTime = events[len(events)-1].Timestamp
	t.Duration = t.EndTime.Sub(t.StartTime)
	for _, e := range events {
		if t.CallID == "" {
			t.CallID = e.CallID
		}
		if e.Error != "" {
			t.Errors++
		}
		switch e.Type {
		case EventTransition:
			t.Transitions++
		case EventDialAttempt:
			t.DialTries++
		}
	}
	return t
}

// FormatTimeline renders a timeline for terminal display.
func FormatTimeline(t *Timeline) string {
	if t == nil || len(t.Events) == 0 {
		return "No events found"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Room: %s\n", t.Room)
	if t.CallID != "" {
		fmt.Fprintf(&b, "Call: %s\n", t.CallID)
	}
	fmt.Fprintf(&b, "Duration: %v\n", t.Duration)
	fmt.Fprintf(&b, "Events: %d (transitions %d, dial attempts %d, errors %d)\n\n",
		len(t.Events), t.Transitions, t.DialTries, t.Errors)
	for i, e := range t.Events {
		prefix := "├─"
		if i == len(t.Events)-1 {
			prefix = "└─"
		}
		fmt.Fprintf(&b, "%s [%s] %s", prefix, e.Timestamp.Format("15:04:05.000"), e.Type)
		if e.Name != "" {
			fmt.Fprintf(&b, ": %s", e.Name)
		}
		if e.Stage != "" {
			fmt.Fprintf(&b, " (%s)", e.Stage)
		}
		b.WriteString("\n")
		if e.Error != "" {
			fmt.Fprintf(&b, "   Error: %s\n", e.Error)
		}
	}
	return b.String()
}
