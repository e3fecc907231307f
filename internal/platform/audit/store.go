package audit

import (
	"context"
	"errors"
	"sync"
)

var ErrCorruptChain = errors.New("audit chain corruption detected")

type InMemoryStore struct {
	mu     sync.Mutex
	events []Event
	last   string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{last: genesis}
}

func (s *InMemoryStore) Append(_ context.Context, e Event) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.events) > 0 {
		prev := s.events[len(s.events)-1]
		if ComputeHash(prev.HashPrev, prev) != prev.HashCurr {
			return Event{}, ErrCorruptChain
		}
	}

	e.HashPrev = s.last
	e.HashCurr = ComputeHash(s.last, e)
	s.events = append(s.events, e)
	s.last = e.HashCurr
	return e, nil
}

func (s *InMemoryStore) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// EventsFor returns the events recorded against one object, oldest first.
func (s *InMemoryStore) EventsFor(objectType, objectID string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Event, 0)
	for _, e := range s.events {
		if e.ObjectType == objectType && e.ObjectID == objectID {
			out = append(out, e)
		}
	}
	return out
}
