package messages

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

// fakeClock is the part of the clockwork fake clock used by the tests.
type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
	BlockUntil(n int)
}

// flakyStore fails or blocks selected calls of the wrapped store.
type flakyStore struct {
	core.DataService
	failInsert atomic.Bool
	failList   atomic.Bool
	failPins   atomic.Bool

	mu sync.Mutex
	// gates block ListMessages of a room until closed.
	gates map[string]chan struct{}
	// blocked is signalled when a call waits on a gate.
	blocked chan string
	// insertGate blocks InsertMessage until closed.
	insertGate chan struct{}
}

func (s *flakyStore) ListMessages(ctx context.Context, q core.MessageQuery) ([]core.Message, error) {
	s.mu.Lock()
	gate := s.gates[q.RoomID]
	s.mu.Unlock()
	if gate != nil {
		s.blocked <- q.RoomID
		<-gate
	}
	if s.failList.Load() {
		return nil, errUnavailable
	}
	return s.DataService.ListMessages(ctx, q)
}

func (s *flakyStore) InsertMessage(ctx context.Context, m core.NewMessage) (*core.Message, error) {
	s.mu.Lock()
	gate := s.insertGate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if s.failInsert.Load() {
		return nil, errUnavailable
	}
	return s.DataService.InsertMessage(ctx, m)
}

func (s *flakyStore) InsertPin(ctx context.Context, p core.Pin) error {
	if s.failPins.Load() {
		return errUnavailable
	}
	return s.DataService.InsertPin(ctx, p)
}

func (s *flakyStore) DeletePin(ctx context.Context, userID, messageID string) error {
	if s.failPins.Load() {
		return errUnavailable
	}
	return s.DataService.DeletePin(ctx, userID, messageID)
}

func (s *flakyStore) gate(roomID string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	gate := make(chan struct{})
	s.gates[roomID] = gate
	return gate
}

func (s *flakyStore) gateInsert() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertGate = make(chan struct{})
	return s.insertGate
}

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *flakyStore
	db    *core.SQLiteStore
	hub   *realtime.LocalHub
	clock fakeClock
	alice core.Profile
	bob   core.Profile
	room  *core.Room
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

	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)
	hub := realtime.NewLocalHub()
	hub.Start()
	t.Cleanup(hub.Close)

	var stamps atomic.Int64
	sqlite := core.NewSQLiteStore(db.DB,
		core.WithChangePublisher(hub),
		core.WithNow(func() time.Time {
			return start.Add(time.Duration(stamps.Add(1)) * time.Second)
		}))

	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		store: &flakyStore{DataService: sqlite, gates: map[string]chan struct{}{}, blocked: make(chan string, 4)},
		db:    sqlite,
		hub:   hub,
		clock: clock,
		alice: core.Profile{ID: uuid.New().String(), Username: "alice"},
		bob:   core.Profile{ID: uuid.New().String(), Username: "bob"},
	}
	for _, p := range []core.Profile{f.alice, f.bob} {
		if err := sqlite.UpsertProfile(f.ctx, p); err != nil {
			t.Fatal(err)
		}
	}
	f.room = f.seedRoom("general")
	return f
}

func (f *fixture) seedRoom(name string) *core.Room {
	room, err := f.db.InsertRoom(f.ctx, core.NewRoom{Name: name, IsPublic: true, CreatedBy: f.alice.ID})
	if err != nil {
		f.t.Fatal(err)
	}
	return room
}

func (f *fixture) seedMessage(room *core.Room, author core.Profile, content string, expiresAt *time.Time) core.Message {
	m, err := f.db.InsertMessage(f.ctx, core.NewMessage{
		RoomID:    room.ID,
		UserID:    author.ID,
		Content:   content,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		f.t.Fatal(err)
	}
	return *m
}

// synchronizer returns a synchronizer of user with its own realtime connection to the hub.
func (f *fixture) synchronizer(user *core.Profile, opts ...Option) *Synchronizer {
	manager := realtime.NewManager(f.hub.Connect())
	f.t.Cleanup(manager.Close)
	opts = append([]Option{WithClock(f.clock)}, opts...)
	s := New(f.store, core.NewStaticAuth(user), manager, opts...)
	f.t.Cleanup(s.Close)
	return s
}

func contents(messages []core.Message) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.Content
	}
	return out
}

// stored returns the messages held by s, including expired ones.
func stored(s *Synchronizer) []core.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.Message(nil), s.messages...)
}
