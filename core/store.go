package core

import (
	"context"
	"time"
)

// DataService is the remote source of truth for profiles, rooms, memberships and messages.
// Implementations enforce their own authorization view: a row that the current user
// cannot see is reported as absent.
type DataService interface {
	// ListMessages returns at most q.Limit messages of a room ordered newest first.
	// Messages that have expired at q.At are excluded. When q.Before is set only
	// messages created strictly before it are returned.
	ListMessages(ctx context.Context, q MessageQuery) ([]Message, error)

	// GetMessage returns the message together with the profile of its author.
	// If the message is not found nil is returned.
	GetMessage(ctx context.Context, id string) (*Message, error)

	// InsertMessage stores a message and returns it with its generated id and timestamp.
	InsertMessage(ctx context.Context, m NewMessage) (*Message, error)

	// LatestMessages returns the most recent message of each of the rooms that has one,
	// ignoring messages that have expired at at.
	LatestMessages(ctx context.Context, roomIDs []string, at time.Time) ([]MessagePreview, error)

	// ListRooms returns the rooms visible to the user ordered by creation time, newest first.
	// A room is visible when it is public, when the user created it or when the user is a member.
	ListRooms(ctx context.Context, userID string) ([]Room, error)

	// GetRoom returns the room with the given id. If the room is not found nil is returned.
	GetRoom(ctx context.Context, id string) (*Room, error)

	// FindDirectRoom returns the direct room with the given name.
	// If the room is not found nil is returned.
	FindDirectRoom(ctx context.Context, name string) (*Room, error)

	// InsertRoom stores a room and returns it with its generated id and timestamp.
	// A direct room whose name is already taken fails with ErrUniqueViolation.
	InsertRoom(ctx context.Context, r NewRoom) (*Room, error)

	// ListMembers returns the members of the rooms with their profiles.
	ListMembers(ctx context.Context, roomIDs ...string) ([]Member, error)

	// InsertMember adds the user to the room.
	// If the user is already a member it fails with ErrUniqueViolation.
	InsertMember(ctx context.Context, roomID, userID string, role MemberRole) (*Membership, error)

	// DeleteMember removes the user from the room. Removing a non member is not an error.
	DeleteMember(ctx context.Context, roomID, userID string) error

	// GetProfile returns the profile of the user. If the user is not found nil is returned.
	GetProfile(ctx context.Context, id string) (*Profile, error)

	// SearchProfiles returns at most limit profiles whose username contains term.
	SearchProfiles(ctx context.Context, term string, limit int) ([]Profile, error)

	// UpsertProfile creates the profile or updates its username and avatar.
	UpsertProfile(ctx context.Context, p Profile) error

	// ListPins returns the ids of the messages of a room pinned by the user.
	ListPins(ctx context.Context, roomID, userID string) ([]string, error)

	// InsertPin pins a message. Pinning a message twice fails with ErrUniqueViolation.
	InsertPin(ctx context.Context, p Pin) error

	// DeletePin unpins a message. Unpinning a message that is not pinned is not an error.
	DeletePin(ctx context.Context, userID, messageID string) error
}

const (
	ChangeInsert = "INSERT"
	ChangeUpdate = "UPDATE"
	ChangeDelete = "DELETE"
)

// ChangePublisher receives every row change committed by a store.
// It lets an embedded store feed a realtime transport the same way a database
// replication stream feeds a hosted realtime service.
type ChangePublisher interface {
	PublishChange(table, eventType string, record, oldRecord any)
}
