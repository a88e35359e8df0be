// Package typing tracks who is typing in a room and announces the local user.
package typing

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/putto11262002/chatsync/core"
)

const (
	// DefaultDebounce is the minimum interval between two typing announcements.
	DefaultDebounce = 800 * time.Millisecond
	// DefaultVisibility is how long a user is shown as typing without a new announcement.
	DefaultVisibility = 3000 * time.Millisecond

	// Event is the broadcast event carrying a core.TypingPayload.
	Event = "typing"

	// fallbackName is shown for users that announce themselves without a username.
	fallbackName = "User"
)

// Sender broadcasts to the other clients of a room.
type Sender interface {
	Send(event string, payload any) error
}

type typingUser struct {
	id   string
	name string
}

type Tracker struct {
	roomID     string
	self       core.Profile
	sender     Sender
	clock      clockwork.Clock
	debounce   time.Duration
	visibility time.Duration
	logger     *slog.Logger
	onChange   func([]string)

	mu       sync.Mutex
	closed   bool
	lastSent time.Time
	trailing clockwork.Timer
	// seq invalidates timer callbacks that fire after being stopped or replaced.
	seq    uint64
	users  []typingUser
	timers map[string]clockwork.Timer
	seqs   map[string]uint64
}

type Option func(*Tracker)

func WithClock(clock clockwork.Clock) Option {
	return func(t *Tracker) {
		t.clock = clock
	}
}

func WithDebounce(d time.Duration) Option {
	return func(t *Tracker) {
		t.debounce = d
	}
}

func WithVisibility(d time.Duration) Option {
	return func(t *Tracker) {
		t.visibility = d
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// WithOnChange registers fn to receive the typing users after every change.
// It is called without the lock of the tracker held.
func WithOnChange(fn func([]string)) Option {
	return func(t *Tracker) {
		t.onChange = fn
	}
}

// New returns a tracker of roomID for the local user self, announcing through sender.
func New(roomID string, self core.Profile, sender Sender, opts ...Option) *Tracker {
	t := &Tracker{
		roomID:     roomID,
		self:       self,
		sender:     sender,
		clock:      clockwork.NewRealClock(),
		debounce:   DefaultDebounce,
		visibility: DefaultVisibility,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		timers:     make(map[string]clockwork.Timer),
		seqs:       make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With(slog.String("component", "typing"), slog.String("room.id", roomID))
	return t
}

func (t *Tracker) announce(isTyping bool) {
	payload := core.TypingPayload{
		RoomID:   t.roomID,
		UserID:   t.self.ID,
		Username: t.self.Username,
		IsTyping: isTyping,
	}
	if err := t.sender.Send(Event, payload); err != nil {
		t.logger.Debug("typing not sent", slog.Bool("typing", isTyping), slog.String("err", err.Error()))
	}
}

// NotifyTyping announces that the local user is typing, at most once per debounce
// window, and schedules the announcement that they stopped.
func (t *Tracker) NotifyTyping() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	now := t.clock.Now()
	send := t.lastSent.IsZero() || now.Sub(t.lastSent) > t.debounce
	if send {
		t.lastSent = now
	}
	if t.trailing != nil {
		t.trailing.Stop()
	}
	t.seq++
	seq := t.seq
	t.trailing = t.clock.AfterFunc(t.visibility, func() { t.stopTyping(seq) })
	t.mu.Unlock()

	if send {
		t.announce(true)
	}
}

func (t *Tracker) stopTyping(seq uint64) {
	t.mu.Lock()
	if t.closed || seq != t.seq || t.trailing == nil {
		t.mu.Unlock()
		return
	}
	t.trailing = nil
	t.mu.Unlock()

	t.announce(false)
}

// HandleBroadcast applies the typing announcement of another user of the room.
func (t *Tracker) HandleBroadcast(p core.TypingPayload) {
	if err := core.Validate(p); err != nil {
		t.logger.Debug("invalid typing payload", slog.String("err", err.Error()))
		return
	}
	if p.UserID == t.self.ID || p.RoomID != t.roomID {
		return
	}
	name := p.Username
	if name == "" {
		name = fallbackName
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	changed := t.removeLocked(p.UserID)
	if p.IsTyping {
		t.users = append(t.users, typingUser{id: p.UserID, name: name})
		t.seqs[p.UserID]++
		seq := t.seqs[p.UserID]
		userID := p.UserID
		t.timers[userID] = t.clock.AfterFunc(t.visibility, func() { t.expire(userID, seq) })
		changed = true
	}
	users := t.namesLocked()
	t.mu.Unlock()

	if changed {
		t.notify(users)
	}
}

func (t *Tracker) expire(userID string, seq uint64) {
	t.mu.Lock()
	if t.closed || t.seqs[userID] != seq {
		t.mu.Unlock()
		return
	}
	changed := t.removeLocked(userID)
	users := t.namesLocked()
	t.mu.Unlock()

	if changed {
		t.notify(users)
	}
}

// removeLocked removes the user and stops their timer.
func (t *Tracker) removeLocked(userID string) bool {
	if timer, ok := t.timers[userID]; ok {
		timer.Stop()
		delete(t.timers, userID)
	}
	for i, u := range t.users {
		if u.id == userID {
			t.users = append(t.users[:i], t.users[i+1:]...)
			return true
		}
	}
	return false
}

func (t *Tracker) namesLocked() []string {
	names := make([]string, len(t.users))
	for i, u := range t.users {
		names[i] = u.name
	}
	return names
}

func (t *Tracker) notify(users []string) {
	if t.onChange != nil {
		t.onChange(users)
	}
}

// Users returns the names of the users typing, the most recent announcement last.
func (t *Tracker) Users() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.namesLocked()
}

// Close announces that the local user stopped typing if an announcement is pending,
// stops every timer and clears the typing users. It is idempotent.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	pending := t.trailing != nil
	if pending {
		t.trailing.Stop()
		t.trailing = nil
	}
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
	hadUsers := len(t.users) > 0
	t.users = nil
	t.mu.Unlock()

	if pending {
		t.announce(false)
	}
	if hadUsers {
		t.notify(nil)
	}
}
