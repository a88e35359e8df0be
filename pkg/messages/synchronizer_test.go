package messages

import (
	"testing"
	"time"

	"github.com/putto11262002/chatsync/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSynchronizer_SetRoom(t *testing.T) {
	t.Run("loads the newest page in chronological order", func(t *testing.T) {
		f := newFixture(t)
		for _, c := range []string{"one", "two", "three"} {
			f.seedMessage(f.room, f.bob, c, nil)
		}
		s := f.synchronizer(&f.alice)

		require.NoError(t, s.SetRoom(f.ctx, f.room.ID))
		snap := s.Snapshot()
		assert.Equal(t, Ready, snap.State)
		assert.Equal(t, f.room.ID, snap.RoomID)
		assert.Equal(t, []string{"one", "two", "three"}, contents(snap.Messages))
		assert.False(t, snap.HasMore)
		for _, m := range snap.Messages {
			assert.Equal(t, core.StatusSent, m.Status)
		}
	})

	t.Run("empty room id stays idle", func(t *testing.T) {
		f := newFixture(t)
		s := f.synchronizer(&f.alice)

		require.NoError(t, s.SetRoom(f.ctx, ""))
		snap := s.Snapshot()
		assert.Equal(t, Idle, snap.State)
		assert.Empty(t, snap.Messages)
	})

	t.Run("switching closes the previous room", func(t *testing.T) {
		f := newFixture(t)
		other := f.seedRoom("random")
		f.seedMessage(f.room, f.bob, "in general", nil)
		s := f.synchronizer(&f.alice)

		require.NoError(t, s.SetRoom(f.ctx, f.room.ID))
		require.Eventually(t, func() bool { return f.hub.Subscribers("room:"+f.room.ID) == 1 }, waitFor, tick)

		require.NoError(t, s.SetRoom(f.ctx, other.ID))
		require.Eventually(t, func() bool { return f.hub.Subscribers("room:"+f.room.ID) == 0 }, waitFor, tick)
		snap := s.Snapshot()
		assert.Equal(t, other.ID, snap.RoomID)
		assert.Empty(t, snap.Messages)
	})

	t.Run("stale results are discarded", func(t *testing.T) {
		f := newFixture(t)
		other := f.seedRoom("random")
		f.seedMessage(f.room, f.bob, "late", nil)
		f.seedMessage(other, f.bob, "current", nil)
		s := f.synchronizer(&f.alice)

		gate := f.store.gate(f.room.ID)
		done := make(chan error, 1)
		go func() { done <- s.SetRoom(f.ctx, f.room.ID) }()
		require.Equal(t, f.room.ID, <-f.store.blocked)

		f.store.mu.Lock()
		delete(f.store.gates, f.room.ID)
		f.store.mu.Unlock()
		require.NoError(t, s.SetRoom(f.ctx, other.ID))
		close(gate)
		require.NoError(t, <-done)

		snap := s.Snapshot()
		assert.Equal(t, other.ID, snap.RoomID)
		assert.Equal(t, Ready, snap.State)
		assert.Equal(t, []string{"current"}, contents(snap.Messages))
	})

	t.Run("failed load shows a banner until cleared", func(t *testing.T) {
		f := newFixture(t)
		f.seedMessage(f.room, f.bob, "hello", nil)
		s := f.synchronizer(&f.alice)

		f.store.failList.Store(true)
		err := s.SetRoom(f.ctx, f.room.ID)
		require.Error(t, err)
		assert.Equal(t, core.KindTransient, core.KindOf(err))
		snap := s.Snapshot()
		assert.Equal(t, Error, snap.State)
		assert.Equal(t, "could not load messages", snap.Banner)

		s.ClearError()
		snap = s.Snapshot()
		assert.Equal(t, Idle, snap.State)
		assert.Empty(t, snap.Banner)

		f.store.failList.Store(false)
		require.NoError(t, s.Reload(f.ctx))
		snap = s.Snapshot()
		assert.Equal(t, Ready, snap.State)
		assert.Equal(t, []string{"hello"}, contents(snap.Messages))
	})
}

func TestSynchronizer_LoadMore(t *testing.T) {
	f := newFixture(t)
	for _, c := range []string{"m1", "m2", "m3", "m4", "m5"} {
		f.seedMessage(f.room, f.bob, c, nil)
	}
	s := f.synchronizer(&f.alice, WithPageSize(2))

	require.NoError(t, s.LoadMore(f.ctx), "no cursor yet")
	require.NoError(t, s.SetRoom(f.ctx, f.room.ID))
	snap := s.Snapshot()
	assert.Equal(t, []string{"m4", "m5"}, contents(snap.Messages))
	assert.True(t, snap.HasMore)
	cursor := *s.cursor

	require.NoError(t, s.LoadMore(f.ctx))
	snap = s.Snapshot()
	assert.Equal(t, []string{"m2", "m3", "m4", "m5"}, contents(snap.Messages))
	assert.True(t, snap.HasMore)
	assert.True(t, s.cursor.Before(cursor))
	cursor = *s.cursor

	require.NoError(t, s.LoadMore(f.ctx))
	snap = s.Snapshot()
	assert.Equal(t, []string{"m1", "m2", "m3", "m4", "m5"}, contents(snap.Messages))
	assert.False(t, snap.HasMore)
	assert.True(t, s.cursor.Before(cursor))

	require.NoError(t, s.LoadMore(f.ctx))
	assert.Len(t, s.Snapshot().Messages, 5)
	assert.Equal(t, Ready, s.Snapshot().State)
}

func TestSynchronizer_Send(t *testing.T) {
	t.Run("optimistic round trip", func(t *testing.T) {
		f := newFixture(t)
		s := f.synchronizer(&f.alice)
		require.NoError(t, s.SetRoom(f.ctx, f.room.ID))
		require.Eventually(t, func() bool { return f.hub.Subscribers("room:"+f.room.ID) == 1 }, waitFor, tick)

		gate := f.store.gateInsert()
		done := make(chan error, 1)
		go func() { done <- s.Send(f.ctx, "  hello  ") }()

		require.Eventually(t, func() bool { return len(s.Snapshot().Messages) == 1 }, waitFor, tick)
		pending := s.Snapshot().Messages[0]
		assert.True(t, pending.Optimistic())
		assert.Equal(t, core.StatusSending, pending.Status)
		assert.Equal(t, "hello", pending.Content)
		require.NotNil(t, pending.Author)
		assert.Equal(t, "alice", pending.Author.Username)

		close(gate)
		require.NoError(t, <-done)
		snap := s.Snapshot()
		require.Len(t, snap.Messages, 1)
		assert.False(t, snap.Messages[0].Optimistic())
		assert.Equal(t, core.StatusSent, snap.Messages[0].Status)

		// The realtime echo of the insert must not duplicate the message.
		time.Sleep(50 * time.Millisecond)
		assert.Len(t, s.Snapshot().Messages, 1)
	})

	t.Run("rejected input", func(t *testing.T) {
		f := newFixture(t)
		s := f.synchronizer(&f.alice)
		assert.ErrorIs(t, s.Send(f.ctx, "hi"), core.ErrNoActiveRoom)

		require.NoError(t, s.SetRoom(f.ctx, f.room.ID))
		err := s.Send(f.ctx, "   ")
		assert.ErrorIs(t, err, core.ErrEmptyMessage)
		assert.Equal(t, core.KindValidation, core.KindOf(err))

		anonymous := f.synchronizer(nil)
		require.NoError(t, anonymous.SetRoom(f.ctx, f.room.ID))
		assert.ErrorIs(t, anonymous.Send(f.ctx, "hi"), core.ErrUnauthenticated)
		assert.Empty(t, s.Snapshot().Messages)
	})

	t.Run("failure then retry", func(t *testing.T) {
		f := newFixture(t)
		s := f.synchronizer(&f.alice)
		require.NoError(t, s.SetRoom(f.ctx, f.room.ID))

		f.store.failInsert.Store(true)
		err := s.Send(f.ctx, "secret plan", WithTTL(time.Minute), WithSecret())
		require.Error(t, err)
		assert.Equal(t, core.KindTransient, core.KindOf(err))
		assert.ErrorIs(t, err, errUnavailable)

		snap := s.Snapshot()
		require.Len(t, snap.Messages, 1)
		failed := snap.Messages[0]
		assert.Equal(t, core.StatusError, failed.Status)
		assert.Equal(t, "secret plan", failed.Content)
		assert.Equal(t, Ready, snap.State, "a failed send keeps the session state")

		assert.ErrorIs(t, s.Retry(f.ctx, "missing"), core.ErrMessageNotFound)
		assert.Len(t, s.Snapshot().Messages, 1)

		f.store.failInsert.Store(false)
		require.NoError(t, s.Retry(f.ctx, failed.ID))
		snap = s.Snapshot()
		require.Len(t, snap.Messages, 1)
		sent := snap.Messages[0]
		assert.Equal(t, core.StatusSent, sent.Status)
		assert.Equal(t, "secret plan", sent.Content)
		assert.True(t, sent.IsSecret)
		require.NotNil(t, sent.ExpiresAt)
		assert.Equal(t, f.clock.Now().Add(time.Minute).Unix(), sent.ExpiresAt.Unix())

		assert.ErrorIs(t, s.Retry(f.ctx, sent.ID), core.ErrMessageNotFound, "only failed messages can be retried")
	})
}

func TestSynchronizer_Realtime(t *testing.T) {
	t.Run("messages of other clients are merged", func(t *testing.T) {
		f := newFixture(t)
		alice := f.synchronizer(&f.alice)
		bob := f.synchronizer(&f.bob)
		require.NoError(t, alice.SetRoom(f.ctx, f.room.ID))
		require.NoError(t, bob.SetRoom(f.ctx, f.room.ID))
		require.Eventually(t, func() bool { return f.hub.Subscribers("room:"+f.room.ID) == 2 }, waitFor, tick)

		require.NoError(t, bob.Send(f.ctx, "hi alice"))
		require.Eventually(t, func() bool { return len(alice.Snapshot().Messages) == 1 }, waitFor, tick)
		m := alice.Snapshot().Messages[0]
		assert.Equal(t, "hi alice", m.Content)
		require.NotNil(t, m.Author)
		assert.Equal(t, "bob", m.Author.Username)

		other := f.seedRoom("random")
		f.seedMessage(other, f.bob, "elsewhere", nil)
		time.Sleep(50 * time.Millisecond)
		assert.Len(t, alice.Snapshot().Messages, 1)
	})

	t.Run("typing users", func(t *testing.T) {
		f := newFixture(t)
		alice := f.synchronizer(&f.alice)
		bob := f.synchronizer(&f.bob)
		require.NoError(t, alice.SetRoom(f.ctx, f.room.ID))
		require.NoError(t, bob.SetRoom(f.ctx, f.room.ID))
		require.Eventually(t, func() bool { return f.hub.Subscribers("room:"+f.room.ID) == 2 }, waitFor, tick)

		bob.NotifyTyping()
		require.Eventually(t, func() bool {
			users := alice.Snapshot().TypingUsers
			return len(users) == 1 && users[0] == "bob"
		}, waitFor, tick)
		assert.Empty(t, bob.Snapshot().TypingUsers)

		bob.Close()
		require.Eventually(t, func() bool { return len(alice.Snapshot().TypingUsers) == 0 }, waitFor, tick)
	})
}

func TestSynchronizer_Expiry(t *testing.T) {
	f := newFixture(t)
	past := f.clock.Now().Add(-time.Second)
	soon := f.clock.Now().Add(8 * time.Second)
	f.seedMessage(f.room, f.bob, "gone", &past)
	f.seedMessage(f.room, f.bob, "soon gone", &soon)
	f.seedMessage(f.room, f.bob, "forever", nil)
	s := f.synchronizer(&f.alice)

	require.NoError(t, s.SetRoom(f.ctx, f.room.ID))
	assert.Equal(t, []string{"soon gone", "forever"}, contents(s.Snapshot().Messages))
	version := s.Snapshot().Version

	f.clock.Advance(DefaultSweepInterval)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, stored(s), 2)
	assert.Equal(t, version, s.Snapshot().Version, "a sweep without expired messages changes nothing")

	f.clock.Advance(DefaultSweepInterval)
	require.Eventually(t, func() bool { return len(stored(s)) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"forever"}, contents(s.Snapshot().Messages))
	assert.Greater(t, s.Snapshot().Version, version)
}

func TestSynchronizer_TogglePin(t *testing.T) {
	t.Run("pins survive a reload", func(t *testing.T) {
		f := newFixture(t)
		m := f.seedMessage(f.room, f.bob, "remember this", nil)
		s := f.synchronizer(&f.alice)
		require.NoError(t, s.SetRoom(f.ctx, f.room.ID))

		require.NoError(t, s.TogglePin(f.ctx, m.ID))
		assert.Equal(t, []string{m.ID}, s.Snapshot().Pinned)

		again := f.synchronizer(&f.alice)
		require.NoError(t, again.SetRoom(f.ctx, f.room.ID))
		pinned := again.Pinned()
		require.Len(t, pinned, 1)
		assert.Equal(t, "remember this", pinned[0].Content)

		require.NoError(t, again.TogglePin(f.ctx, m.ID))
		assert.Empty(t, again.Pinned())
	})

	t.Run("reverted on failure", func(t *testing.T) {
		f := newFixture(t)
		m := f.seedMessage(f.room, f.bob, "remember this", nil)
		s := f.synchronizer(&f.alice)
		require.NoError(t, s.SetRoom(f.ctx, f.room.ID))

		f.store.failPins.Store(true)
		err := s.TogglePin(f.ctx, m.ID)
		require.Error(t, err)
		assert.Equal(t, core.KindTransient, core.KindOf(err))
		assert.Empty(t, s.Pinned())
		assert.Empty(t, s.Snapshot().Pinned)

		assert.ErrorIs(t, s.TogglePin(f.ctx, "missing"), core.ErrMessageNotFound)
	})
}
