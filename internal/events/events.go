// Package events is a small synchronous publish/subscribe bus. Subscribers are
// registered at startup; Publish runs them in registration order after the
// publishing operation has committed.
package events

import (
	"context"
	"sync"
)

// Event is implemented by every payload carried by the bus.
type Event interface {
	EventName() string
}

// AuthSucceeded is published after a successful login or refresh.
type AuthSucceeded struct {
	UserID   string
	RemoteIP string
	Op       string // "login" or "refresh"
}

// AuthFailed is published after a rejected login or refresh.
type AuthFailed struct {
	RemoteIP string
	Op       string
	Reason   string
}

// EntityCreated is published after an RBAC entity row was inserted.
type EntityCreated struct {
	Kind string
	ID   string
}

// EntityUpdated is published after an RBAC entity row was patched.
type EntityUpdated struct {
	Kind   string
	ID     string
	Fields []string
}

// EntityDeleted is published after an RBAC entity row was removed.
type EntityDeleted struct {
	Kind string
	ID   string
}

// GrantChanged is published after a grant or revoke call on a relation.
type GrantChanged struct {
	Relation string // e.g. "group_permissions"
	ParentID string
	ChildIDs []string
	Revoked  bool
}

func (AuthSucceeded) EventName() string { return "auth.succeeded" }
func (AuthFailed) EventName() string    { return "auth.failed" }
func (EntityCreated) EventName() string { return "entity.created" }
func (EntityUpdated) EventName() string { return "entity.updated" }
func (EntityDeleted) EventName() string { return "entity.deleted" }
func (GrantChanged) EventName() string  { return "grant.changed" }

// Handler receives published events. A handler must not block for long; it
// runs on the publisher's goroutine.
type Handler func(ctx context.Context, ev Event)

// Publisher is the narrow interface consumed by services.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Bus is a Publisher with a fixed subscriber list.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers h for every event.
func (b *Bus) Subscribe(h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

// Publish delivers ev to all subscribers. A nil bus drops the event.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if b == nil || ev == nil {
		return
	}
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, ev)
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}
