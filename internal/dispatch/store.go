package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/paycall/internal/observability"
	"github.com/haasonsaas/paycall/internal/outbound"
)

// Status represents the state of a dispatched call.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Finished reports whether the call is no longer queued or running.
func (s Status) Finished() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Record tracks one dispatched call.
type Record struct {
	ID          string           `json:"id"`
	Room        string           `json:"room"`
	PhoneNumber string           `json:"phone_number"`
	Status      Status           `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   time.Time        `json:"started_at,omitempty"`
	FinishedAt  time.Time        `json:"finished_at,omitempty"`
	Result      *outbound.Result `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`

	job        outbound.Job
	trace      observability.MapCarrier
	cancelFunc context.CancelFunc
}

// Job returns the outbound job the record was created for.
func (r *Record) Job() outbound.Job { return r.job }

// Store keeps call records in memory, in dispatch order.
type Store struct {
	mu     sync.RWMutex
	byID   map[string]*Record
	byRoom map[string]string
	keys   []string
	now    func() time.Time
}

// NewStore returns an empty record store.
func NewStore() *Store {
	return &Store{
		byID:   make(map[string]*Record),
		byRoom: make(map[string]string),
		now:    time.Now,
	}
}

func (s *Store) create(rec *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[rec.ID]; !exists {
		s.keys = append(s.keys, rec.ID)
	}
	s.byID[rec.ID] = rec
	s.byRoom[rec.Room] = rec.ID
}

func (s *Store) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return
	}
	delete(s.byID, id)
	if s.byRoom[rec.Room] == id {
		delete(s.byRoom, rec.Room)
	}
	for i, key := range s.keys {
		if key == id {
			s.keys = append(s.keys[:i], s.keys[i+1:]...)
			break
		}
	}
}

func (s *Store) update(id string, fn func(*Record)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.byID[id]; ok {
		fn(rec)
	}
}

func (s *Store) roomTaken(room string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byRoom[room]
	return ok
}

// Get returns a copy of the record with id.
func (s *Store) Get(id string) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return cloneRecord(rec), true
}

// ByRoom returns a copy of the record dispatched into room.
func (s *Store) ByRoom(room string) (*Record, bool) {
	s.mu.RLock()
	id, ok := s.byRoom[room]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return s.Get(id)
}

// List returns records in dispatch order.
func (s *Store) List(limit, offset int) []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > len(s.keys) {
		limit = len(s.keys)
	}
	if offset >= len(s.keys) {
		return nil
	}
	end := offset + limit
	if end > len(s.keys) {
		end = len(s.keys)
	}
	result := make([]*Record, 0, end-offset)
	for _, id := range s.keys[offset:end] {
		if rec, ok := s.byID[id]; ok {
			result = append(result, cloneRecord(rec))
		}
	}
	return result
}

// Prune removes finished records older than maxAge and returns how many
// were dropped. Queued and running calls are kept.
func (s *Store) Prune(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-maxAge)
	pruned := 0
	var keys []string
	for _, id := range s.keys {
		rec, ok := s.byID[id]
		if !ok {
			continue
		}
		if rec.Status.Finished() && rec.CreatedAt.Before(cutoff) {
			delete(s.byID, id)
			if s.byRoom[rec.Room] == id {
				delete(s.byRoom, rec.Room)
			}
			pruned++
			continue
		}
		keys = append(keys, id)
	}
	s.keys = keys
	return pruned
}

// Cancel stops a queued or running call. It reports whether a call was found.
func (s *Store) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return false
	}
	if rec.Status.Finished() {
		return true
	}
	if rec.cancelFunc != nil {
		rec.cancelFunc()
	}
	if rec.Status == StatusQueued {
		rec.Status = StatusFailed
		rec.Error = "call cancelled"
		rec.FinishedAt = s.now()
	}
	return true
}

func cloneRecord(rec *Record) *Record {
	clone := *rec
	clone.cancelFunc = nil
	if rec.Result != nil {
		result := *rec.Result
		clone.Result = &result
	}
	return &clone
}
