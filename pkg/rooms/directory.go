// Package rooms maintains the directory of the rooms visible to the signed in user.
package rooms

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/putto11262002/chatsync/core"
	"github.com/putto11262002/chatsync/internal/metrics"
	"github.com/putto11262002/chatsync/pkg/realtime"
	"golang.org/x/sync/errgroup"
)

const (
	// Topic is the realtime channel carrying the changes of rooms, memberships and messages.
	Topic = "rooms-realtime"
	// DirectFallbackName is shown for a direct room whose counterpart profile is unknown.
	DirectFallbackName = "Conversation"
	// SearchLimit caps the profiles returned by SearchProfiles.
	SearchLimit = 20
)

// Room is a room of the directory with the fields derived for the signed in user.
type Room struct {
	core.Room
	LastMessage   string     `json:"last_message,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	Unread        int        `json:"unread"`
	OnlineUsers   int        `json:"online_users"`
	IsMember      bool       `json:"is_member"`
	DisplayName   string     `json:"display_name"`
	CounterpartID string     `json:"counterpart_id,omitempty"`
}

// Opener opens realtime channels.
type Opener interface {
	Open(topic string, opts ...realtime.ChannelOption) *realtime.Channel
}

type Snapshot struct {
	Rooms        []Room `json:"rooms"`
	ActiveRoomID string `json:"active_room_id,omitempty"`
	SearchTerm   string `json:"search_term,omitempty"`
	Loading      bool   `json:"loading"`
	Banner       string `json:"banner,omitempty"`
	Version      uint64 `json:"version"`
}

type Directory struct {
	store    core.DataService
	auth     core.AuthProvider
	realtime Opener
	clock    clockwork.Clock
	logger   *slog.Logger
	updates  chan struct{}

	mu         sync.Mutex
	rooms      []Room
	members    map[string][]core.Member
	activeID   string
	searchTerm string
	loading    bool
	banner     error
	version    uint64
	channel    *realtime.Channel
	listeners  []func(string)
	closed     bool
	// ctx is cancelled by Close and bounds the fetches started by realtime events.
	ctx    context.Context
	cancel context.CancelFunc
}

type Option func(*Directory)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Directory) {
		d.logger = logger
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(d *Directory) {
		d.clock = clock
	}
}

func New(store core.DataService, auth core.AuthProvider, rt Opener, opts ...Option) *Directory {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Directory{
		store:    store,
		auth:     auth,
		realtime: rt,
		clock:    clockwork.NewRealClock(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		updates:  make(chan struct{}, 1),
		members:  make(map[string][]core.Member),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With(slog.String("component", "rooms"))
	return d
}

// Start waits until the session is resolved, fetches the rooms and subscribes
// to their changes. The subscription is made even if the fetch fails.
func (d *Directory) Start(ctx context.Context) error {
	select {
	case <-d.auth.Ready():
	case <-ctx.Done():
		return ctx.Err()
	}
	err := d.Fetch(ctx)
	if serr := d.subscribe(); serr != nil {
		d.logger.Error("subscribe", slog.String("err", serr.Error()))
		if err == nil {
			err = serr
		}
	}
	return err
}

func (d *Directory) subscribe() error {
	channel := d.realtime.Open(Topic)
	bindings := []realtime.Binding{
		realtime.RowChange{Schema: "public", Table: "rooms", Event: "*", Callback: d.onRoomChange},
		realtime.RowChange{Schema: "public", Table: "messages", Event: core.ChangeInsert, Callback: d.onMessageInsert},
		realtime.RowChange{Schema: "public", Table: "room_members", Event: "*", Callback: d.onMemberChange},
	}
	for _, b := range bindings {
		if err := channel.Bind(b); err != nil {
			return err
		}
	}
	channel.OnError(func(err error) {
		d.logger.Warn("realtime channel error", slog.String("err", err.Error()))
	})

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return channel.Close()
	}
	d.channel = channel
	d.mu.Unlock()
	return channel.Subscribe()
}

func (d *Directory) changedLocked() {
	d.version++
	select {
	case d.updates <- struct{}{}:
	default:
	}
}

// Updates signals every change of the directory. Signals are coalesced.
func (d *Directory) Updates() <-chan struct{} {
	return d.updates
}

func (d *Directory) self() string {
	user, _ := d.auth.User()
	return user.ID
}

// display returns the name shown for room and the counterpart of a direct room.
func display(room core.Room, members []core.Member, self string) (string, string) {
	if !room.IsDirect {
		return room.Name, ""
	}
	for _, m := range members {
		if m.UserID != self {
			if m.Profile.Username == "" {
				return DirectFallbackName, m.UserID
			}
			return m.Profile.Username, m.UserID
		}
	}
	counterpart, _ := core.DirectCounterpart(room.Name, self)
	return DirectFallbackName, counterpart
}

func isMember(room core.Room, members []core.Member, self string) bool {
	if self == "" {
		return false
	}
	if room.CreatedBy == self {
		return true
	}
	for _, m := range members {
		if m.UserID == self {
			return true
		}
	}
	return false
}

// Fetch loads the visible rooms with their members and latest messages.
// On failure the rooms already loaded are kept and a banner is shown.
func (d *Directory) Fetch(ctx context.Context) error {
	d.mu.Lock()
	d.loading = true
	d.banner = nil
	before := make(map[string]bool, len(d.rooms))
	for _, r := range d.rooms {
		before[r.ID] = true
	}
	d.changedLocked()
	d.mu.Unlock()

	start := time.Now()
	self := d.self()
	rooms, members, previews, err := d.fetch(ctx, self)
	metrics.RoomFetchDuration.Observe(time.Since(start).Seconds())

	d.mu.Lock()
	d.loading = false
	if err != nil {
		banner := core.Unexpected(err, "could not load rooms")
		d.banner = banner
		d.changedLocked()
		d.mu.Unlock()
		d.logger.Error("fetch rooms", slog.String("err", err.Error()))
		return banner
	}

	byRoom := make(map[string][]core.Member, len(rooms))
	for _, m := range members {
		byRoom[m.RoomID] = append(byRoom[m.RoomID], m)
	}
	latest := make(map[string]core.MessagePreview, len(previews))
	for _, p := range previews {
		latest[p.RoomID] = p
	}
	unread := make(map[string]int, len(d.rooms))
	for _, r := range d.rooms {
		unread[r.ID] = r.Unread
	}

	next := make([]Room, 0, len(rooms))
	for _, r := range rooms {
		roomMembers := byRoom[r.ID]
		room := Room{
			Room:        r,
			Unread:      unread[r.ID],
			OnlineUsers: len(roomMembers),
			IsMember:    isMember(r, roomMembers, self),
		}
		room.DisplayName, room.CounterpartID = display(r, roomMembers, self)
		if p, ok := latest[r.ID]; ok {
			at := p.CreatedAt
			room.LastMessage = p.Content
			room.LastMessageAt = &at
		}
		next = append(next, room)
	}
	// Rooms that realtime added while the fetch was running stay in front.
	var added []Room
	for _, r := range d.rooms {
		fetched := slices.ContainsFunc(next, func(n Room) bool { return n.ID == r.ID })
		if !fetched && !before[r.ID] {
			added = append(added, r)
			byRoom[r.ID] = d.members[r.ID]
		}
	}
	next = append(added, next...)
	d.rooms = next
	d.members = byRoom

	var notify []func(string)
	active := d.activeID
	if active == "" && len(next) > 0 {
		notify = d.setActiveLocked(next[0].ID)
		active = next[0].ID
	}
	d.changedLocked()
	d.mu.Unlock()

	d.notify(notify, active)
	return nil
}

func (d *Directory) fetch(ctx context.Context, self string) ([]core.Room, []core.Member, []core.MessagePreview, error) {
	rooms, err := d.store.ListRooms(ctx, self)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(rooms) == 0 {
		return rooms, nil, nil, nil
	}
	ids := make([]string, len(rooms))
	for i, r := range rooms {
		ids[i] = r.ID
	}

	var (
		members  []core.Member
		previews []core.MessagePreview
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		members, err = d.store.ListMembers(gctx, ids...)
		return err
	})
	g.Go(func() error {
		var err error
		previews, err = d.store.LatestMessages(gctx, ids, d.clock.Now())
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, nil, err
	}
	return rooms, members, previews, nil
}

// Refresh fetches the rooms again.
func (d *Directory) Refresh(ctx context.Context) error {
	return d.Fetch(ctx)
}

func (d *Directory) indexLocked(id string) int {
	for i, r := range d.rooms {
		if r.ID == id {
			return i
		}
	}
	return -1
}

// setActiveLocked makes id the active room and returns the listeners to notify.
func (d *Directory) setActiveLocked(id string) []func(string) {
	if i := d.indexLocked(id); i >= 0 {
		d.rooms[i].Unread = 0
	}
	if d.activeID == id {
		return nil
	}
	d.activeID = id
	return append([]func(string){}, d.listeners...)
}

func (d *Directory) notify(listeners []func(string), id string) {
	for _, fn := range listeners {
		fn(id)
	}
}

// OnActiveRoomChange registers fn to be called with the id of the active room
// every time it changes. An empty id means that no room is active.
func (d *Directory) OnActiveRoomChange(fn func(string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, fn)
}

// SetActiveRoom makes the room active and marks it as read.
func (d *Directory) SetActiveRoom(id string) error {
	d.mu.Lock()
	if id != "" && d.indexLocked(id) < 0 {
		d.mu.Unlock()
		return core.ErrRoomNotFound
	}
	notify := d.setActiveLocked(id)
	d.changedLocked()
	d.mu.Unlock()

	d.notify(notify, id)
	return nil
}

// MarkAsRead resets the unread counter of the room.
func (d *Directory) MarkAsRead(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.indexLocked(id)
	if i < 0 || d.rooms[i].Unread == 0 {
		return
	}
	d.rooms[i].Unread = 0
	d.changedLocked()
}

func (d *Directory) ActiveRoom() (Room, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.indexLocked(d.activeID)
	if i < 0 {
		return Room{}, false
	}
	return d.rooms[i], true
}

// ActiveRoomID returns the id of the active room, or an empty string.
func (d *Directory) ActiveRoomID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activeID
}

// Room returns the room with the given id.
func (d *Directory) Room(id string) (Room, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.indexLocked(id)
	if i < 0 {
		return Room{}, false
	}
	return d.rooms[i], true
}

// Members returns the members of the room known to the directory.
func (d *Directory) Members(id string) []core.Member {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]core.Member(nil), d.members[id]...)
}

// SetSearchTerm filters the rooms returned by Rooms.
func (d *Directory) SetSearchTerm(term string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.searchTerm == term {
		return
	}
	d.searchTerm = term
	d.changedLocked()
}

func (d *Directory) filterLocked() []Room {
	term := strings.ToLower(strings.TrimSpace(d.searchTerm))
	if term == "" {
		return append([]Room(nil), d.rooms...)
	}
	var out []Room
	for _, r := range d.rooms {
		for _, v := range []string{r.DisplayName, r.Name, r.Description} {
			if v != "" && strings.Contains(strings.ToLower(v), term) {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

// Rooms returns the rooms matching the search term, newest first.
func (d *Directory) Rooms() []Room {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.filterLocked()
}

// AllRooms returns every room regardless of the search term.
func (d *Directory) AllRooms() []Room {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Room(nil), d.rooms...)
}

func (d *Directory) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	snap := Snapshot{
		Rooms:        d.filterLocked(),
		ActiveRoomID: d.activeID,
		SearchTerm:   d.searchTerm,
		Loading:      d.loading,
		Version:      d.version,
	}
	if d.banner != nil {
		snap.Banner = core.UserMessage(d.banner)
	}
	return snap
}

// ClearError dismisses the banner.
func (d *Directory) ClearError() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.banner == nil {
		return
	}
	d.banner = nil
	d.changedLocked()
}

// Close unsubscribes from the room changes.
func (d *Directory) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	channel := d.channel
	d.channel = nil
	d.mu.Unlock()

	d.cancel()
	if channel != nil {
		channel.Close()
	}
}

// upsertLocked replaces the room with the same id or prepends room.
// The preview and the unread counter of a known room are preserved.
func (d *Directory) upsertLocked(room Room) {
	i := d.indexLocked(room.ID)
	if i < 0 {
		d.rooms = append([]Room{room}, d.rooms...)
		return
	}
	current := d.rooms[i]
	room.LastMessage = current.LastMessage
	room.LastMessageAt = current.LastMessageAt
	room.Unread = current.Unread
	d.rooms[i] = room
}

func sortMembers(members []core.Member) {
	sort.SliceStable(members, func(i, j int) bool {
		return members[i].CreatedAt.Before(members[j].CreatedAt)
	})
}
