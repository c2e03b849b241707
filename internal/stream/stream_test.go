package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tollgate.org/internal/events"
)

func receive(t *testing.T, ch <-chan Change) Change {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(time.Second):
		t.Fatal("no change delivered")
		return Change{}
	}
}

func TestAttachForwardsEntityAndGrantEvents(t *testing.T) {
	bus := events.NewBus()
	s := New()
	s.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	s.Attach(bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := s.Subscribe(ctx)

	bus.Publish(ctx, events.EntityCreated{Kind: "groups", ID: "g1"})
	c := receive(t, ch)
	assert.Equal(t, "entity.created", c.Event)
	assert.Equal(t, "groups", c.Kind)
	assert.Equal(t, "g1", c.ID)
	assert.Equal(t, 2026, c.Timestamp.Year())

	bus.Publish(ctx, events.GrantChanged{Relation: "group_permissions", ParentID: "g1", ChildIDs: []string{"p1"}, Revoked: true})
	c = receive(t, ch)
	assert.Equal(t, "grant.revoked", c.Event)
	assert.Equal(t, []string{"p1"}, c.ChildIDs)
}

func TestAuthEventsAreNotStreamed(t *testing.T) {
	bus := events.NewBus()
	s := New()
	s.Attach(bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := s.Subscribe(ctx)

	bus.Publish(ctx, events.AuthSucceeded{UserID: "u1", RemoteIP: "10.0.0.1", Op: "login"})
	select {
	case c := <-ch:
		t.Fatalf("auth event leaked into feed: %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeClosesOnCancel(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx)
	require.Equal(t, 1, s.Subscribers())

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	assert.Equal(t, 0, s.Subscribers())
}

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := s.Subscribe(ctx)

	for i := 0; i < 20; i++ {
		s.Publish(Change{Event: "entity.created"})
	}
	assert.Len(t, ch, 16)
}
