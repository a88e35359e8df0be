package realtime

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type statusRecorder struct {
	mu       sync.Mutex
	statuses []Status
	errs     []error
}

func (r *statusRecorder) record(s Status, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
	r.errs = append(r.errs, err)
}

func (r *statusRecorder) Statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.statuses...)
}

func (r *statusRecorder) has(s Status) bool {
	for _, got := range r.Statuses() {
		if got == s {
			return true
		}
	}
	return false
}

func (r *statusRecorder) lastErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.errs) == 0 {
		return nil
	}
	return r.errs[len(r.errs)-1]
}

type collector[T any] struct {
	mu     sync.Mutex
	events []T
}

func (c *collector[T]) add(e T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector[T]) Events() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]T(nil), c.events...)
}

func (c *collector[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func newHub(t *testing.T, opts ...HubOption) *LocalHub {
	hub := NewLocalHub(opts...)
	hub.Start()
	t.Cleanup(hub.Close)
	return hub
}

func subscribe(t *testing.T, c *Channel) *statusRecorder {
	rec := &statusRecorder{}
	c.OnStatusChange(rec.record)
	require.NoError(t, c.Subscribe())
	require.Eventually(t, func() bool { return rec.has(StatusSubscribed) }, waitFor, tick)
	return rec
}

func TestChannel_Subscribe(t *testing.T) {
	t.Run("subscribed after join reply", func(t *testing.T) {
		hub := newHub(t)
		m := NewManager(hub.Connect())
		c := m.Open("room:1")
		assert.Equal(t, StatusClosed, c.Status())

		subscribe(t, c)
		assert.Equal(t, StatusSubscribed, c.Status())
		assert.Equal(t, 1, hub.Subscribers("room:1"))
	})

	t.Run("every status listener is called", func(t *testing.T) {
		hub := newHub(t)
		m := NewManager(hub.Connect())
		c := m.Open("room:1")
		first, second := &statusRecorder{}, &statusRecorder{}
		c.OnStatusChange(first.record)
		c.OnStatusChange(func(s Status, err error) {
			second.record(s, err)
			// registering from a callback must not disturb the running notification
			c.OnStatusChange(func(Status, error) {})
		})
		require.NoError(t, c.Subscribe())

		require.Eventually(t, func() bool { return first.has(StatusSubscribed) && second.has(StatusSubscribed) }, waitFor, tick)
		require.NoError(t, c.Close())
		assert.Equal(t, first.Statuses(), second.Statuses())
	})

	t.Run("send before subscribe", func(t *testing.T) {
		hub := newHub(t)
		m := NewManager(hub.Connect())
		c := m.Open("room:1")
		assert.ErrorIs(t, c.Send("typing", map[string]any{}), ErrChannelNotSubscribed)
	})

	t.Run("join timeout", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		m := NewManager(&silentTransport{}, WithClock(clock), WithJoinTimeout(time.Second))
		c := m.Open("room:1")
		rec := &statusRecorder{}
		c.OnStatusChange(rec.record)
		require.NoError(t, c.Subscribe())

		clock.BlockUntil(1)
		clock.Advance(time.Second)
		require.Eventually(t, func() bool { return rec.has(StatusTimedOut) }, waitFor, tick)
		assert.ErrorIs(t, rec.lastErr(), ErrJoinTimeout)
		assert.Equal(t, StatusTimedOut, c.Status())
	})

	t.Run("close is idempotent", func(t *testing.T) {
		hub := newHub(t)
		m := NewManager(hub.Connect())
		c := m.Open("room:1")
		rec := subscribe(t, c)

		require.NoError(t, c.Close())
		require.NoError(t, c.Close())
		closed := 0
		for _, s := range rec.Statuses() {
			if s == StatusClosed {
				closed++
			}
		}
		assert.Equal(t, 1, closed)
		assert.ErrorIs(t, c.Subscribe(), ErrChannelClosed)
		require.Eventually(t, func() bool { return hub.Subscribers("room:1") == 0 }, waitFor, tick)
		_, ok := m.Channel("room:1")
		assert.False(t, ok)
	})
}

func TestManager_Open(t *testing.T) {
	t.Run("close before reopen", func(t *testing.T) {
		hub := newHub(t)
		m := NewManager(hub.Connect())
		first := m.Open("room:1")
		firstRec := subscribe(t, first)

		second := m.Open("room:1")
		assert.True(t, firstRec.has(StatusClosed))
		subscribe(t, second)

		assert.Equal(t, 1, hub.Subscribers("room:1"))
		got, ok := m.Channel("room:1")
		require.True(t, ok)
		assert.Same(t, second, got)
		assert.Equal(t, []string{"room:1"}, m.Topics())
	})

	t.Run("close all", func(t *testing.T) {
		hub := newHub(t)
		m := NewManager(hub.Connect())
		subscribe(t, m.Open("a"))
		subscribe(t, m.Open("b"))

		m.Close()
		assert.Empty(t, m.Topics())
		require.Eventually(t, func() bool {
			return hub.Subscribers("a") == 0 && hub.Subscribers("b") == 0
		}, waitFor, tick)
	})
}

func TestChannel_Broadcast(t *testing.T) {
	t.Run("delivered to other subscribers", func(t *testing.T) {
		hub := newHub(t)
		alice := NewManager(hub.Connect()).Open("room:1")
		bob := NewManager(hub.Connect()).Open("room:1")

		aliceGot, bobGot := &collector[BroadcastEvent]{}, &collector[BroadcastEvent]{}
		require.NoError(t, alice.Bind(Broadcast{Event: "typing", Callback: aliceGot.add}))
		require.NoError(t, bob.Bind(Broadcast{Event: "typing", Callback: bobGot.add}))
		subscribe(t, alice)
		subscribe(t, bob)

		require.NoError(t, alice.Send("typing", map[string]any{"isTyping": true}))
		require.Eventually(t, func() bool { return bobGot.Len() == 1 }, waitFor, tick)

		e := bobGot.Events()[0]
		assert.Equal(t, "typing", e.Event)
		assert.JSONEq(t, `{"isTyping":true}`, string(e.Payload))
		assert.Equal(t, 0, aliceGot.Len())
	})

	t.Run("self broadcast", func(t *testing.T) {
		hub := newHub(t)
		c := NewManager(hub.Connect()).Open("room:1", WithBroadcastSelf())
		got := &collector[BroadcastEvent]{}
		require.NoError(t, c.Bind(Broadcast{Event: "*", Callback: got.add}))
		subscribe(t, c)

		require.NoError(t, c.Send("ping", "hello"))
		require.Eventually(t, func() bool { return got.Len() == 1 }, waitFor, tick)
		assert.Equal(t, "ping", got.Events()[0].Event)
	})

	t.Run("other events are not delivered", func(t *testing.T) {
		hub := newHub(t)
		alice := NewManager(hub.Connect()).Open("room:1")
		bob := NewManager(hub.Connect()).Open("room:1")
		typing, other := &collector[BroadcastEvent]{}, &collector[BroadcastEvent]{}
		require.NoError(t, bob.Bind(Broadcast{Event: "typing", Callback: typing.add}))
		require.NoError(t, bob.Bind(Broadcast{Event: "other", Callback: other.add}))
		subscribe(t, alice)
		subscribe(t, bob)

		require.NoError(t, alice.Send("other", 1))
		require.Eventually(t, func() bool { return other.Len() == 1 }, waitFor, tick)
		assert.Equal(t, 0, typing.Len())
	})
}

func TestChannel_RowChange(t *testing.T) {
	t.Run("filtered by column", func(t *testing.T) {
		hub := newHub(t)
		c := NewManager(hub.Connect()).Open("room:1")
		got := &collector[RowChangeEvent]{}
		require.NoError(t, c.Bind(RowChange{Table: "messages", Event: "INSERT", Filter: "room_id=eq.r1", Callback: got.add}))
		subscribe(t, c)

		hub.PublishChange("messages", "INSERT", map[string]any{"id": "m1", "room_id": "r2"}, nil)
		hub.PublishChange("messages", "UPDATE", map[string]any{"id": "m2", "room_id": "r1"}, nil)
		hub.PublishChange("rooms", "INSERT", map[string]any{"id": "m3", "room_id": "r1"}, nil)
		hub.PublishChange("messages", "INSERT", map[string]any{"id": "m4", "room_id": "r1"}, nil)

		require.Eventually(t, func() bool { return got.Len() == 1 }, waitFor, tick)
		e := got.Events()[0]
		assert.Equal(t, "public", e.Schema)
		assert.Equal(t, "messages", e.Table)
		assert.Equal(t, "INSERT", e.Type)
		assert.JSONEq(t, `{"id":"m4","room_id":"r1"}`, string(e.Record))
		assert.False(t, e.CommitTimestamp.IsZero())
	})

	t.Run("wildcard event with old record", func(t *testing.T) {
		hub := newHub(t)
		c := NewManager(hub.Connect()).Open("rooms-realtime")
		got := &collector[RowChangeEvent]{}
		require.NoError(t, c.Bind(RowChange{Table: "room_members", Event: "*", Callback: got.add}))
		subscribe(t, c)

		hub.PublishChange("room_members", "DELETE", nil, map[string]any{"id": "rm1"})
		require.Eventually(t, func() bool { return got.Len() == 1 }, waitFor, tick)
		e := got.Events()[0]
		assert.Equal(t, "DELETE", e.Type)
		assert.Empty(t, e.Record)
		assert.JSONEq(t, `{"id":"rm1"}`, string(e.OldRecord))
	})

	t.Run("invalid bindings", func(t *testing.T) {
		hub := newHub(t)
		c := NewManager(hub.Connect()).Open("room:1")
		noop := func(RowChangeEvent) {}
		assert.Error(t, c.Bind(RowChange{Table: "messages", Event: "UPSERT", Callback: noop}))
		assert.Error(t, c.Bind(RowChange{Table: "messages", Event: "INSERT", Filter: "room_id=gt.1", Callback: noop}))
		assert.Error(t, c.Bind(RowChange{Event: "INSERT", Callback: noop}))
		assert.Error(t, c.Bind(Presence{Event: "update", Callback: func(PresenceEvent) {}}))
	})
}

func TestChannel_Rebind(t *testing.T) {
	hub := newHub(t)
	c := NewManager(hub.Connect()).Open("room:1")
	rec := subscribe(t, c)

	got := &collector[RowChangeEvent]{}
	require.NoError(t, c.Bind(RowChange{Table: "messages", Event: "INSERT", Callback: got.add}))
	assert.True(t, rec.has(StatusClosed))
	require.Eventually(t, func() bool {
		statuses := rec.Statuses()
		return len(statuses) == 3 && statuses[2] == StatusSubscribed
	}, waitFor, tick)

	hub.PublishChange("messages", "INSERT", map[string]any{"id": "m1"}, nil)
	require.Eventually(t, func() bool { return got.Len() == 1 }, waitFor, tick)
	assert.Equal(t, 1, hub.Subscribers("room:1"))
}

func TestChannel_Errors(t *testing.T) {
	t.Run("slow subscriber is disconnected", func(t *testing.T) {
		hub := newHub(t, WithQueueSize(2))
		c := NewManager(hub.Connect()).Open("room:1")
		release := make(chan struct{})
		var once sync.Once
		require.NoError(t, c.Bind(RowChange{Table: "messages", Event: "*", Callback: func(RowChangeEvent) {
			once.Do(func() { <-release })
		}}))
		errs := &collector[error]{}
		c.OnError(errs.add)
		rec := subscribe(t, c)

		for i := 0; i < 10; i++ {
			hub.PublishChange("messages", "INSERT", map[string]any{"id": i}, nil)
		}
		close(release)

		require.Eventually(t, func() bool { return rec.has(StatusChannelError) }, waitFor, tick)
		require.Eventually(t, func() bool { return errs.Len() == 1 }, waitFor, tick)
		assert.Contains(t, errs.Events()[0].Error(), ErrSlowSubscriber.Error())
		assert.Equal(t, 0, hub.Subscribers("room:1"))
	})

	t.Run("hub shutdown", func(t *testing.T) {
		hub := NewLocalHub()
		hub.Start()
		c := NewManager(hub.Connect()).Open("room:1")
		rec := subscribe(t, c)

		hub.Close()
		require.Eventually(t, func() bool { return rec.has(StatusChannelError) }, waitFor, tick)
		assert.ErrorIs(t, c.Subscribe(), ErrTransportClosed)
	})
}

func TestChannel_Presence(t *testing.T) {
	hub := newHub(t)
	alice := NewManager(hub.Connect()).Open("room:1", WithPresenceKey("alice"))
	bob := NewManager(hub.Connect()).Open("room:1", WithPresenceKey("bob"))

	joins := &collector[PresenceEvent]{}
	leaves := &collector[PresenceEvent]{}
	require.NoError(t, bob.Bind(Presence{Event: PresenceJoin, Callback: joins.add}))
	require.NoError(t, bob.Bind(Presence{Event: PresenceLeave, Callback: leaves.add}))
	subscribe(t, alice)
	subscribe(t, bob)

	require.NoError(t, alice.Track(map[string]any{"username": "alice"}))
	require.Eventually(t, func() bool { return joins.Len() == 1 }, waitFor, tick)
	assert.Equal(t, "alice", joins.Events()[0].Key)

	var entry struct {
		Metas []map[string]any `json:"metas"`
	}
	require.NoError(t, json.Unmarshal(joins.Events()[0].Joins["alice"], &entry))
	require.Len(t, entry.Metas, 1)
	assert.Equal(t, "alice", entry.Metas[0]["username"])

	require.NoError(t, alice.Close())
	require.Eventually(t, func() bool { return leaves.Len() == 1 }, waitFor, tick)
	assert.Equal(t, "alice", leaves.Events()[0].Key)
}

func TestMatchFilter(t *testing.T) {
	row := json.RawMessage(`{"room_id":"r1","count":3,"flag":true,"none":null}`)
	assert.True(t, matchFilter("", row))
	assert.True(t, matchFilter("room_id=eq.r1", row))
	assert.True(t, matchFilter("count=eq.3", row))
	assert.True(t, matchFilter("flag=eq.true", row))
	assert.False(t, matchFilter("room_id=eq.r2", row))
	assert.False(t, matchFilter("none=eq.null", row))
	assert.False(t, matchFilter("missing=eq.x", row))
	assert.False(t, matchFilter("room_id=neq.r1", row))
	assert.False(t, matchFilter("room_id=eq.r1", json.RawMessage(`not json`)))
}

// silentTransport accepts joins and never replies.
type silentTransport struct {
	mu    sync.Mutex
	joins int
}

func (s *silentTransport) Join(string, string, JoinPayload, Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joins++
	return nil
}

func (s *silentTransport) Leave(string, string) error { return nil }
func (s *silentTransport) Push(*Frame) error          { return nil }
func (s *silentTransport) Close() error               { return nil }
