// Package stream fans RBAC change notifications out to live subscribers
// (the /v1/events SSE feed).
package stream

import (
	"context"
	"sync"
	"time"

	"tollgate.org/internal/events"
)

// Change is one entry in the change feed. Auth events are never carried.
type Change struct {
	Event     string    `json:"event"`
	Kind      string    `json:"kind,omitempty"`
	ID        string    `json:"id,omitempty"`
	Fields    []string  `json:"fields,omitempty"`
	Relation  string    `json:"relation,omitempty"`
	ParentID  string    `json:"parent_id,omitempty"`
	ChildIDs  []string  `json:"child_ids,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Stream fans changes out to all active subscribers.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan Change
	next int
	now  func() time.Time
}

func New() *Stream {
	return &Stream{subs: make(map[int]chan Change), now: time.Now}
}

// Attach subscribes the stream to entity and grant events on bus.
func (s *Stream) Attach(bus *events.Bus) {
	bus.Subscribe(func(_ context.Context, ev events.Event) {
		if c, ok := s.convert(ev); ok {
			s.Publish(c)
		}
	})
}

func (s *Stream) convert(ev events.Event) (Change, bool) {
	c := Change{Event: ev.EventName(), Timestamp: s.now().UTC()}
	switch e := ev.(type) {
	case events.EntityCreated:
		c.Kind, c.ID = e.Kind, e.ID
	case events.EntityUpdated:
		c.Kind, c.ID, c.Fields = e.Kind, e.ID, e.Fields
	case events.EntityDeleted:
		c.Kind, c.ID = e.Kind, e.ID
	case events.GrantChanged:
		c.Relation, c.ParentID, c.ChildIDs = e.Relation, e.ParentID, e.ChildIDs
		if e.Revoked {
			c.Event = "grant.revoked"
		}
	default:
		return Change{}, false
	}
	return c, true
}

// Subscribe registers a subscriber. The channel is closed when ctx ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan Change {
	ch := make(chan Change, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish never blocks; a slow subscriber misses changes.
func (s *Stream) Publish(c Change) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- c:
		default:
		}
	}
}

// Subscribers reports how many feeds are open.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
