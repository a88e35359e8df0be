package typing

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/putto11262002/chatsync/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = time.Second
const tick = 5 * time.Millisecond

type recordingSender struct {
	mu   sync.Mutex
	sent []core.TypingPayload
}

func (s *recordingSender) Send(event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, payload.(core.TypingPayload))
	return nil
}

func (s *recordingSender) Sent() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	flags := make([]bool, len(s.sent))
	for i, p := range s.sent {
		flags[i] = p.IsTyping
	}
	return flags
}

var self = core.Profile{ID: "me", Username: "alice"}

// fakeClock is the part of the clockwork fake clock used by the tests.
type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
}

func newTracker(t *testing.T) (*Tracker, *recordingSender, fakeClock) {
	clock := clockwork.NewFakeClock()
	sender := &recordingSender{}
	tracker := New("room-1", self, sender, WithClock(clock))
	t.Cleanup(tracker.Close)
	return tracker, sender, clock
}

func typing(userID, username string, isTyping bool) core.TypingPayload {
	return core.TypingPayload{RoomID: "room-1", UserID: userID, Username: username, IsTyping: isTyping}
}

func TestTracker_NotifyTyping(t *testing.T) {
	t.Run("debounced announcements", func(t *testing.T) {
		tracker, sender, clock := newTracker(t)

		tracker.NotifyTyping()
		assert.Equal(t, []bool{true}, sender.Sent())

		clock.Advance(500 * time.Millisecond)
		tracker.NotifyTyping()
		assert.Equal(t, []bool{true}, sender.Sent())

		clock.Advance(300 * time.Millisecond)
		tracker.NotifyTyping()
		assert.Equal(t, []bool{true}, sender.Sent(), "exactly the debounce window is not enough")

		clock.Advance(100 * time.Millisecond)
		tracker.NotifyTyping()
		assert.Equal(t, []bool{true, true}, sender.Sent())
	})

	t.Run("trailing stop is rearmed", func(t *testing.T) {
		tracker, sender, clock := newTracker(t)

		tracker.NotifyTyping()
		clock.Advance(2 * time.Second)
		tracker.NotifyTyping()
		clock.Advance(2 * time.Second)
		assert.Equal(t, []bool{true, true}, sender.Sent())

		clock.Advance(time.Second)
		require.Eventually(t, func() bool {
			sent := sender.Sent()
			return len(sent) == 3 && !sent[2]
		}, waitFor, tick)
	})

	t.Run("close flushes a pending stop", func(t *testing.T) {
		tracker, sender, clock := newTracker(t)

		tracker.NotifyTyping()
		tracker.Close()
		assert.Equal(t, []bool{true, false}, sender.Sent())

		tracker.Close()
		tracker.NotifyTyping()
		clock.Advance(10 * time.Second)
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, []bool{true, false}, sender.Sent())
	})

	t.Run("close without typing sends nothing", func(t *testing.T) {
		tracker, sender, _ := newTracker(t)
		tracker.Close()
		assert.Empty(t, sender.Sent())
	})
}

func TestTracker_HandleBroadcast(t *testing.T) {
	t.Run("ignored payloads", func(t *testing.T) {
		tracker, _, _ := newTracker(t)

		tracker.HandleBroadcast(typing(self.ID, self.Username, true))
		tracker.HandleBroadcast(core.TypingPayload{RoomID: "room-2", UserID: "u2", Username: "bob", IsTyping: true})
		tracker.HandleBroadcast(core.TypingPayload{RoomID: "room-1", Username: "ghost", IsTyping: true})
		assert.Empty(t, tracker.Users())
	})

	t.Run("visibility window with reset", func(t *testing.T) {
		tracker, _, clock := newTracker(t)

		tracker.HandleBroadcast(typing("u2", "bob", true))
		assert.Equal(t, []string{"bob"}, tracker.Users())

		clock.Advance(2999 * time.Millisecond)
		assert.Equal(t, []string{"bob"}, tracker.Users())

		tracker.HandleBroadcast(typing("u2", "bob", true))
		clock.Advance(2000 * time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, []string{"bob"}, tracker.Users(), "the first timer was replaced")

		clock.Advance(1000 * time.Millisecond)
		require.Eventually(t, func() bool { return len(tracker.Users()) == 0 }, waitFor, tick)
	})

	t.Run("stop removes immediately", func(t *testing.T) {
		tracker, _, _ := newTracker(t)

		tracker.HandleBroadcast(typing("u2", "bob", true))
		tracker.HandleBroadcast(typing("u2", "bob", false))
		assert.Empty(t, tracker.Users())
	})

	t.Run("arrival order", func(t *testing.T) {
		tracker, _, _ := newTracker(t)

		tracker.HandleBroadcast(typing("u2", "bob", true))
		tracker.HandleBroadcast(typing("u3", "", true))
		assert.Equal(t, []string{"bob", fallbackName}, tracker.Users())

		tracker.HandleBroadcast(typing("u2", "bob", true))
		assert.Equal(t, []string{fallbackName, "bob"}, tracker.Users())
	})

	t.Run("change listener and teardown", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		var (
			mu      sync.Mutex
			changes [][]string
		)
		tracker := New("room-1", self, &recordingSender{}, WithClock(clock), WithOnChange(func(users []string) {
			mu.Lock()
			defer mu.Unlock()
			changes = append(changes, users)
		}))

		tracker.HandleBroadcast(typing("u2", "bob", true))
		tracker.Close()
		assert.Empty(t, tracker.Users())

		clock.Advance(10 * time.Second)
		time.Sleep(20 * time.Millisecond)
		tracker.HandleBroadcast(typing("u3", "carol", true))

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, changes, 2)
		assert.Equal(t, []string{"bob"}, changes[0])
		assert.Empty(t, changes[1])
	})
}
