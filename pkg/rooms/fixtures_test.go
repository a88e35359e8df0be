package rooms

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/putto11262002/chatsync/core"
	"github.com/putto11262002/chatsync/pkg/realtime"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

var errUnavailable = errors.New("service unavailable")

type flakyStore struct {
	core.DataService
	failRooms atomic.Bool
	failJoin  atomic.Bool

	mu       sync.Mutex
	listed   chan struct{}
	released chan struct{}
}

// holdRooms makes the next ListRooms signal listed once it has read the rooms
// and wait for released before returning them.
func (s *flakyStore) holdRooms(listed, released chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listed, s.released = listed, released
}

func (s *flakyStore) ListRooms(ctx context.Context, userID string) ([]core.Room, error) {
	if s.failRooms.Load() {
		return nil, errUnavailable
	}
	rooms, err := s.DataService.ListRooms(ctx, userID)
	s.mu.Lock()
	listed, released := s.listed, s.released
	s.listed, s.released = nil, nil
	s.mu.Unlock()
	if listed != nil {
		close(listed)
		<-released
	}
	return rooms, err
}

func (s *flakyStore) InsertMember(ctx context.Context, roomID, userID string, role core.MemberRole) (*core.Membership, error) {
	if s.failJoin.Load() {
		return nil, errUnavailable
	}
	return s.DataService.InsertMember(ctx, roomID, userID, role)
}

type fixture struct {
	t     *testing.T
	ctx   context.Context
	db    *core.SQLiteStore
	store *flakyStore
	hub   *realtime.LocalHub
	alice core.Profile
	bob   core.Profile
	carol core.Profile
}

func newFixture(t *testing.T) *fixture {
	db, err := core.NewSQLiteDB(uuid.New().String(), &core.SQLiteDBOption{Mode: "memory", Cache: "shared"})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	hub := realtime.NewLocalHub()
	hub.Start()
	t.Cleanup(hub.Close)

	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var stamps atomic.Int64
	sqlite := core.NewSQLiteStore(db.DB,
		core.WithChangePublisher(hub),
		core.WithNow(func() time.Time {
			return start.Add(time.Duration(stamps.Add(1)) * time.Second)
		}))

	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		db:    sqlite,
		store: &flakyStore{DataService: sqlite},
		hub:   hub,
	}
	f.alice = f.seedProfile("alice")
	f.bob = f.seedProfile("bob")
	f.carol = f.seedProfile("carol")
	return f
}

func (f *fixture) seedProfile(name string) core.Profile {
	p := core.Profile{ID: uuid.New().String(), Username: name}
	if err := f.db.UpsertProfile(f.ctx, p); err != nil {
		f.t.Fatal(err)
	}
	return p
}

// seedRoom creates a room owned by owner with the owner membership.
func (f *fixture) seedRoom(owner core.Profile, name string, public bool) *core.Room {
	room, err := f.db.InsertRoom(f.ctx, core.NewRoom{Name: name, IsPublic: public, CreatedBy: owner.ID})
	if err != nil {
		f.t.Fatal(err)
	}
	if _, err := f.db.InsertMember(f.ctx, room.ID, owner.ID, core.RoleOwner); err != nil {
		f.t.Fatal(err)
	}
	return room
}

func (f *fixture) seedMessage(room *core.Room, author core.Profile, content string) {
	_, err := f.db.InsertMessage(f.ctx, core.NewMessage{RoomID: room.ID, UserID: author.ID, Content: content})
	if err != nil {
		f.t.Fatal(err)
	}
}

func (f *fixture) directory(user *core.Profile) *Directory {
	manager := realtime.NewManager(f.hub.Connect())
	f.t.Cleanup(manager.Close)
	d := New(f.store, core.NewStaticAuth(user), manager, WithClock(clockwork.NewFakeClockAt(time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC))))
	f.t.Cleanup(d.Close)
	return d
}

// started returns a directory that has fetched the rooms and subscribed to their changes.
func (f *fixture) started(user *core.Profile) *Directory {
	d := f.directory(user)
	subs := f.hub.Subscribers(Topic)
	if err := d.Start(f.ctx); err != nil {
		f.t.Fatal(err)
	}
	deadline := time.Now().Add(waitFor)
	for f.hub.Subscribers(Topic) <= subs {
		if time.Now().After(deadline) {
			f.t.Fatal("directory did not subscribe")
		}
		time.Sleep(tick)
	}
	return d
}

type activeRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *activeRecorder) record(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
}

func (r *activeRecorder) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func names(rooms []Room) []string {
	out := make([]string, len(rooms))
	for i, r := range rooms {
		out[i] = r.DisplayName
	}
	return out
}
