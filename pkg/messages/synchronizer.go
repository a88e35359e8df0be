// Package messages keeps the message list of the active room in sync with the data service.
package messages

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/putto11262002/chatsync/core"
	"github.com/putto11262002/chatsync/internal/metrics"
	"github.com/putto11262002/chatsync/pkg/realtime"
	"github.com/putto11262002/chatsync/pkg/typing"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultPageSize      = 40
	DefaultSweepInterval = 5 * time.Second
)

// Opener opens realtime channels.
type Opener interface {
	Open(topic string, opts ...realtime.ChannelOption) *realtime.Channel
}

// Synchronizer owns the message list, the typing users and the pins of the active room.
// Every command is safe for concurrent use.
type Synchronizer struct {
	store         core.DataService
	auth          core.AuthProvider
	realtime      Opener
	clock         clockwork.Clock
	pageSize      int
	sweepInterval time.Duration
	typingOpts    []typing.Option
	logger        *slog.Logger
	fetches       singleflight.Group
	updates       chan struct{}

	mu sync.Mutex
	// gen is incremented on every room switch. Results of an older generation are discarded.
	gen         uint64
	scope       *scope
	roomID      string
	state       State
	banner      error
	messages    []core.Message
	cursor      *time.Time
	hasMore     bool
	pins        map[string]bool
	typingUsers []string
	sendOpts    map[string]sendOptions
	version     uint64
	closed      bool
}

type Option func(*Synchronizer)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Synchronizer) {
		s.logger = logger
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(s *Synchronizer) {
		s.clock = clock
	}
}

func WithPageSize(n int) Option {
	return func(s *Synchronizer) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

func WithSweepInterval(d time.Duration) Option {
	return func(s *Synchronizer) {
		if d > 0 {
			s.sweepInterval = d
		}
	}
}

// WithTypingOptions configures the typing tracker of every room session.
func WithTypingOptions(opts ...typing.Option) Option {
	return func(s *Synchronizer) {
		s.typingOpts = append(s.typingOpts, opts...)
	}
}

func New(store core.DataService, auth core.AuthProvider, rt Opener, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		store:         store,
		auth:          auth,
		realtime:      rt,
		clock:         clockwork.NewRealClock(),
		pageSize:      DefaultPageSize,
		sweepInterval: DefaultSweepInterval,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		updates:       make(chan struct{}, 1),
		pins:          make(map[string]bool),
		sendOpts:      make(map[string]sendOptions),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "messages"))
	return s
}

// scope owns the resources of one room session.
type scope struct {
	gen     uint64
	roomID  string
	channel *realtime.Channel
	tracker *typing.Tracker
	ticker  clockwork.Ticker
	ctx     context.Context
	cancel  context.CancelFunc
	stop    chan struct{}
	once    sync.Once
}

func (sc *scope) close() {
	if sc == nil {
		return
	}
	sc.once.Do(func() {
		sc.cancel()
		close(sc.stop)
		sc.ticker.Stop()
		sc.tracker.Close()
		sc.channel.Close()
	})
}

// changedLocked records a change of the state and signals the listeners.
func (s *Synchronizer) changedLocked() {
	s.version++
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// Updates signals every change of the state. Signals are coalesced: a receiver
// should read the Snapshot after each one.
func (s *Synchronizer) Updates() <-chan struct{} {
	return s.updates
}

// RoomID returns the active room.
func (s *Synchronizer) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

func (s *Synchronizer) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		RoomID:      s.roomID,
		State:       s.state,
		Messages:    live(s.messages, s.clock.Now()),
		HasMore:     s.hasMore,
		TypingUsers: append([]string(nil), s.typingUsers...),
		Pinned:      make([]string, 0, len(s.pins)),
		Version:     s.version,
	}
	if s.banner != nil {
		snap.Banner = core.UserMessage(s.banner)
	}
	for _, m := range snap.Messages {
		if s.pins[m.ID] {
			snap.Pinned = append(snap.Pinned, m.ID)
		}
	}
	return snap
}

// SetRoom makes roomID the active room. The state is reset before SetRoom returns
// and the session of the previous room is closed. The first page is then loaded.
// An empty roomID leaves the synchronizer idle.
func (s *Synchronizer) SetRoom(ctx context.Context, roomID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	old := s.scope
	s.scope = nil
	s.gen++
	gen := s.gen
	s.resetLocked(roomID)
	if roomID != "" {
		s.state = LoadingInitial
	}
	s.changedLocked()
	s.mu.Unlock()

	old.close()
	if roomID == "" {
		return nil
	}

	sc := s.openScope(gen, roomID)
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		sc.close()
		return nil
	}
	s.scope = sc
	s.mu.Unlock()

	return s.loadInitial(ctx, gen, roomID)
}

func (s *Synchronizer) resetLocked(roomID string) {
	s.roomID = roomID
	s.state = Idle
	s.banner = nil
	s.messages = nil
	s.cursor = nil
	s.hasMore = false
	s.pins = make(map[string]bool)
	s.typingUsers = nil
	s.sendOpts = make(map[string]sendOptions)
}

func (s *Synchronizer) openScope(gen uint64, roomID string) *scope {
	logger := s.logger.With(slog.String("room.id", roomID))
	user, _ := s.auth.User()
	ctx, cancel := context.WithCancel(context.Background())
	channel := s.realtime.Open("room:" + roomID)
	sc := &scope{
		gen:     gen,
		roomID:  roomID,
		channel: channel,
		ticker:  s.clock.NewTicker(s.sweepInterval),
		ctx:     ctx,
		cancel:  cancel,
		stop:    make(chan struct{}),
	}
	opts := append([]typing.Option{
		typing.WithClock(s.clock),
		typing.WithLogger(s.logger),
		typing.WithOnChange(func(users []string) { s.setTyping(gen, users) }),
	}, s.typingOpts...)
	sc.tracker = typing.New(roomID, user, channel, opts...)

	err := channel.Bind(realtime.RowChange{
		Schema:   "public",
		Table:    "messages",
		Event:    core.ChangeInsert,
		Filter:   "room_id=eq." + roomID,
		Callback: func(e realtime.RowChangeEvent) { s.onInsert(sc, e) },
	})
	if err != nil {
		logger.Error("bind messages", slog.String("err", err.Error()))
	}
	err = channel.Bind(realtime.Broadcast{
		Event: typing.Event,
		Callback: func(e realtime.BroadcastEvent) {
			var p core.TypingPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				logger.Debug("malformed typing payload", slog.String("err", err.Error()))
				return
			}
			sc.tracker.HandleBroadcast(p)
		},
	})
	if err != nil {
		logger.Error("bind typing", slog.String("err", err.Error()))
	}
	channel.OnStatusChange(func(status realtime.Status, err error) {
		if err != nil {
			logger.Warn("channel status", slog.String("status", string(status)), slog.String("err", err.Error()))
			return
		}
		logger.Debug("channel status", slog.String("status", string(status)))
	})
	if err := channel.Subscribe(); err != nil {
		logger.Error("subscribe", slog.String("err", err.Error()))
	}

	go s.sweepLoop(sc)
	return sc
}

func (s *Synchronizer) setTyping(gen uint64, users []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.typingUsers = users
	s.changedLocked()
}

func (s *Synchronizer) loadInitial(ctx context.Context, gen uint64, roomID string) error {
	start := time.Now()
	page, err := s.store.ListMessages(ctx, core.MessageQuery{
		RoomID: roomID,
		Limit:  s.pageSize,
		At:     s.clock.Now(),
	})
	metrics.PageLoadDuration.WithLabelValues("initial").Observe(time.Since(start).Seconds())

	var pins []string
	if err == nil {
		if user, ok := s.auth.User(); ok {
			var perr error
			if pins, perr = s.store.ListPins(ctx, roomID, user.ID); perr != nil {
				s.logger.Warn("pins not loaded", slog.String("room.id", roomID), slog.String("err", perr.Error()))
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		s.logger.Debug("discarding stale page", slog.String("room.id", roomID))
		return nil
	}
	if err != nil {
		s.state = Error
		s.banner = core.Unexpected(err, "could not load messages")
		s.changedLocked()
		s.logger.Error("initial load", slog.String("room.id", roomID), slog.String("err", err.Error()))
		return s.banner
	}

	s.messages, _ = merge(s.messages, reversed(page))
	if len(page) > 0 {
		oldest := page[len(page)-1].CreatedAt
		s.cursor = &oldest
	}
	s.hasMore = len(page) == s.pageSize
	for _, id := range pins {
		s.pins[id] = true
	}
	s.state = Ready
	s.changedLocked()
	return nil
}

// Reload loads the first page of the active room again, keeping the messages
// that have not been confirmed yet.
func (s *Synchronizer) Reload(ctx context.Context) error {
	s.mu.Lock()
	if s.roomID == "" || s.state == LoadingInitial || s.state == LoadingMore {
		s.mu.Unlock()
		return nil
	}
	gen, roomID := s.gen, s.roomID
	pending := make([]core.Message, 0)
	for _, m := range s.messages {
		if m.Optimistic() {
			pending = append(pending, m)
		}
	}
	s.messages = pending
	s.cursor = nil
	s.hasMore = false
	s.banner = nil
	s.state = LoadingInitial
	s.changedLocked()
	s.mu.Unlock()

	return s.loadInitial(ctx, gen, roomID)
}

// LoadMore prepends the page of messages older than the oldest loaded one.
// It does nothing unless the session is ready and a first page was loaded.
func (s *Synchronizer) LoadMore(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Ready || s.cursor == nil {
		s.mu.Unlock()
		return nil
	}
	gen, roomID, before := s.gen, s.roomID, *s.cursor
	s.state = LoadingMore
	s.changedLocked()
	s.mu.Unlock()

	start := time.Now()
	page, err := s.store.ListMessages(ctx, core.MessageQuery{
		RoomID: roomID,
		Before: &before,
		Limit:  s.pageSize,
		At:     s.clock.Now(),
	})
	metrics.PageLoadDuration.WithLabelValues("more").Observe(time.Since(start).Seconds())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return nil
	}
	s.state = Ready
	if err != nil {
		s.banner = core.Unexpected(err, "could not load older messages")
		s.changedLocked()
		s.logger.Error("load more", slog.String("room.id", roomID), slog.String("err", err.Error()))
		return s.banner
	}

	s.messages, _ = merge(s.messages, page)
	if len(page) > 0 {
		oldest := page[len(page)-1].CreatedAt
		if oldest.Before(*s.cursor) {
			s.cursor = &oldest
		}
	}
	s.hasMore = len(page) == s.pageSize
	s.changedLocked()
	return nil
}

// ClearError dismisses the banner. A session in the Error state goes back to Idle.
func (s *Synchronizer) ClearError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.banner == nil && s.state != Error {
		return
	}
	s.banner = nil
	if s.state == Error {
		s.state = Idle
	}
	s.changedLocked()
}

// NotifyTyping announces that the local user is typing in the active room.
func (s *Synchronizer) NotifyTyping() {
	s.mu.Lock()
	sc := s.scope
	s.mu.Unlock()
	if sc != nil {
		sc.tracker.NotifyTyping()
	}
}

func (s *Synchronizer) onInsert(sc *scope, e realtime.RowChangeEvent) {
	var row core.Message
	if err := core.DecodeRow(e.Record, &row); err != nil {
		s.logger.Warn("dropping message row", slog.String("err", err.Error()))
		return
	}
	if row.RoomID != sc.roomID {
		return
	}
	go s.mergeInsert(sc, row.ID)
}

// mergeInsert fetches an inserted message with its author and adds it to the list.
func (s *Synchronizer) mergeInsert(sc *scope, id string) {
	v, err, _ := s.fetches.Do(id, func() (any, error) {
		return s.store.GetMessage(sc.ctx, id)
	})
	if err != nil {
		s.logger.Warn("fetch inserted message", slog.String("message.id", id), slog.String("err", err.Error()))
		return
	}
	fetched, _ := v.(*core.Message)
	if fetched == nil {
		return
	}
	m := *fetched
	if m.Expired(s.clock.Now()) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != sc.gen {
		return
	}
	var added int
	s.messages, added = merge(s.messages, []core.Message{m})
	if added == 0 {
		return
	}
	metrics.MessagesMerged.Inc()
	s.changedLocked()
}

func (s *Synchronizer) sweepLoop(sc *scope) {
	for {
		select {
		case <-sc.stop:
			return
		case <-sc.ticker.Chan():
			s.sweep(sc.gen)
		}
	}
}

// sweep removes the messages that have expired. Without any, the state is left untouched.
func (s *Synchronizer) sweep(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	kept := live(s.messages, s.clock.Now())
	removed := len(s.messages) - len(kept)
	if removed == 0 {
		return
	}
	s.messages = kept
	metrics.MessagesExpired.Add(float64(removed))
	s.changedLocked()
}

// Close ends the session of the active room. The synchronizer cannot be used afterwards.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sc := s.scope
	s.scope = nil
	s.gen++
	s.mu.Unlock()

	sc.close()
}
