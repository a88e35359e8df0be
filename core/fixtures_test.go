package core

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type change struct {
	table     string
	eventType string
	record    any
	oldRecord any
}

type recordingPublisher struct {
	mu      sync.Mutex
	changes []change
}

func (p *recordingPublisher) PublishChange(table, eventType string, record, oldRecord any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, change{table, eventType, record, oldRecord})
}

func (p *recordingPublisher) Changes() []change {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]change(nil), p.changes...)
}

// steppingClock returns a clock that advances by step on every reading,
// so rows inserted one after another never share a timestamp.
func steppingClock(start time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	next := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now := next
		next = next.Add(step)
		return now
	}
}

type StoreFixture struct {
	ctx       context.Context
	db        *SQLiteDB
	store     *SQLiteStore
	publisher *recordingPublisher
	start     time.Time
	t         *testing.T
	tearDown  func()
}

func NewStoreFixture(t *testing.T) *StoreFixture {
	ctx, cancel := context.WithCancel(context.Background())

	db, err := NewSQLiteDB(uuid.New().String(), &SQLiteDBOption{Mode: "memory", Cache: "shared"})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatal(err)
	}

	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	publisher := &recordingPublisher{}
	store := NewSQLiteStore(db.DB,
		WithChangePublisher(publisher),
		WithNow(steppingClock(start, time.Second)))

	return &StoreFixture{
		ctx:       ctx,
		db:        db,
		store:     store,
		publisher: publisher,
		start:     start,
		t:         t,
		tearDown: func() {
			cancel()
			db.Close()
		},
	}
}

func (f *StoreFixture) seedProfiles(names ...string) []Profile {
	profiles := make([]Profile, 0, len(names))
	for _, name := range names {
		p := Profile{ID: uuid.New().String(), Username: name}
		if err := f.store.UpsertProfile(f.ctx, p); err != nil {
			f.t.Fatal(err)
		}
		profiles = append(profiles, p)
	}
	return profiles
}

func (f *StoreFixture) seedRoom(owner Profile, name string, public bool) *Room {
	room, err := f.store.InsertRoom(f.ctx, NewRoom{Name: name, IsPublic: public, CreatedBy: owner.ID})
	if err != nil {
		f.t.Fatal(err)
	}
	if _, err := f.store.InsertMember(f.ctx, room.ID, owner.ID, RoleOwner); err != nil {
		f.t.Fatal(err)
	}
	return room
}

func (f *StoreFixture) seedMessages(room *Room, author Profile, contents ...string) []Message {
	messages := make([]Message, 0, len(contents))
	for _, content := range contents {
		m, err := f.store.InsertMessage(f.ctx, NewMessage{RoomID: room.ID, UserID: author.ID, Content: content})
		if err != nil {
			f.t.Fatal(err)
		}
		messages = append(messages, *m)
	}
	return messages
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}
