package observability

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestEventStoreByRoom(t *testing.T) {
	store := NewEventStore(100)
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	_ = store.Record(&Event{Type: EventTransition, Room: "r1", Timestamp: base.Add(2 * time.Second)})
	_ = store.Record(&Event{Type: EventCallDispatched, Room: "r1", Timestamp: base})
	_ = store.Record(&Event{Type: EventCallDispatched, Room: "r2", Timestamp: base})

	events := store.ByRoom("r1")
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != EventCallDispatched {
		t.Errorf("events not ordered by time: %v", events[0].Type)
	}
	if events[0].ID == "" {
		t.Error("expected generated id")
	}
}

func TestEventStoreRejectsNil(t *testing.T) {
	if err := NewEventStore(1).Record(nil); err == nil {
		t.Fatal("expected error for nil event")
	}
}

func TestEventStoreEviction(t *testing.T) {
	store := NewEventStore(3)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_ = store.Record(&Event{Type: EventTransition, Room: "r", Timestamp: base.Add(time.Duration(i) * time.Second)})
	}
	if n := len(store.ByRoom("r")); n > 3 {
		t.Fatalf("store grew past max size: %d", n)
	}
}

func TestEventStorePrune(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	store := NewEventStore(10)
	store.now = func() time.Time { return now }

	_ = store.Record(&Event{Type: EventCallDispatched, Room: "old", Timestamp: now.Add(-2 * time.Hour)})
	_ = store.Record(&Event{Type: EventCallDispatched, Room: "new", Timestamp: now.Add(-time.Minute)})

	if removed := store.Prune(time.Hour); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if len(store.ByRoom("old")) != 0 || len(store.ByRoom("new")) != 1 {
		t.Fatal("prune removed the wrong events")
	}
}

func TestEventRecorderUsesContext(t *testing.T) {
	store := NewEventStore(10)
	rec := NewEventRecorder(store, NopLogger())

	ctx := AddRoom(AddCallID(context.Background(), "call-9"), "room-9")
	ctx = AddStage(ctx, "greeting")
	rec.Record(ctx, EventTransition, "proceed_to_payment_inquiry", map[string]any{"outcome": "advance"})
	rec.RecordError(ctx, EventDialFailed, "dial", errors.New("busy"), nil)

	events := store.ByRoom("room-9")
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].CallID != "call-9" || events[0].Stage != "greeting" {
		t.Errorf("unexpected correlation fields: %+v", events[0])
	}

	timeline := BuildTimeline("room-9", events)
	if timeline.Transitions != 1 || timeline.Errors != 1 || timeline.CallID != "call-9" {
		t.Errorf("unexpected summary: %+v", timeline)
	}
	out := FormatTimeline(timeline)
	if !strings.Contains(out, "stage.transition") || !strings.Contains(out, "Error: busy") {
		t.Errorf("unexpected formatted timeline:\n%s", out)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *EventRecorder
	rec.Record(context.Background(), EventHangup, "hangup", nil)
}

func TestFormatEmptyTimeline(t *testing.T) {
	if FormatTimeline(BuildTimeline("x", nil)) != "No events found" {
		t.Error("expected placeholder for empty timeline")
	}
}
