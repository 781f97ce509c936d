// Package timeline keeps a bounded in-memory ring of recent record
// transitions for the live stream's catch-up snapshot and debugging.
package timeline

import (
	"sync"
	"time"
)

// maxEvents bounds the ring; older events fall off.
const maxEvents = 2048

// RecordEvent is one observed ScheduleRecord transition.
type RecordEvent struct {
	RecordID   string            `json:"record_id"`
	ScheduleID string            `json:"schedule_id,omitempty"`
	UID        string            `json:"uid"`
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type Store struct {
	events []RecordEvent
	mu     sync.RWMutex
}

func NewStore() *Store {
	return &Store{
		events: make([]RecordEvent, 0),
	}
}

func (s *Store) Record(e RecordEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	s.events = append(s.events, e)
	if len(s.events) > maxEvents {
		s.events = s.events[len(s.events)-maxEvents:]
	}
}

// GetEventsByUser returns the user's events, oldest first.
func (s *Store) GetEventsByUser(uid string) []RecordEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []RecordEvent
	for _, e := range s.events {
		if e.UID == uid {
			results = append(results, e)
		}
	}
	return results
}

// GetEventsByRecord returns one record's transition history.
func (s *Store) GetEventsByRecord(recordID string) []RecordEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []RecordEvent
	for _, e := range s.events {
		if e.RecordID == recordID {
			results = append(results, e)
		}
	}
	return results
}

// GetAllEvents returns a copy of the ring for debug snapshots.
func (s *Store) GetAllEvents() []RecordEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := make([]RecordEvent, len(s.events))
	copy(c, s.events)
	return c
}
