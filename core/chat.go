package core

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

type MemberRole string

const (
	RoleOwner     MemberRole = "owner"
	RoleModerator MemberRole = "moderator"
	RoleMember    MemberRole = "member"
)

// MessageType determines how the content of a message should be interpreted.
type MessageType string

const (
	// TextMessage content is a UTF-8 encoded string.
	TextMessage MessageType = "text"
	// ImageMessage content is the URL of an uploaded image.
	ImageMessage MessageType = "image"
)

// MessageStatus tracks the delivery of a message as seen by this client.
// It is never persisted.
type MessageStatus string

const (
	StatusSending MessageStatus = "sending"
	StatusSent    MessageStatus = "sent"
	StatusError   MessageStatus = "error"
)

// OptimisticPrefix prefixes the temporary id of a message that has not been confirmed yet.
const OptimisticPrefix = "optimistic-"

// directPrefix prefixes the name of every direct room.
const directPrefix = "direct:"

// Profile is the public profile of a user.
type Profile struct {
	ID        string    `json:"id" validate:"required"`
	Username  string    `json:"username"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Room is a chat room as stored by the data service.
type Room struct {
	ID          string    `json:"id" validate:"required"`
	Name        string    `json:"name" validate:"required"`
	Description string    `json:"description,omitempty"`
	IsPublic    bool      `json:"is_public"`
	IsDirect    bool      `json:"is_direct"`
	CreatedBy   string    `json:"created_by" validate:"required"`
	CreatedAt   time.Time `json:"created_at"`
}

// Membership grants a user participation in a room.
type Membership struct {
	ID        string     `json:"id" validate:"required"`
	RoomID    string     `json:"room_id" validate:"required"`
	UserID    string     `json:"user_id" validate:"required"`
	Role      MemberRole `json:"role" validate:"omitempty,oneof=owner moderator member"`
	CreatedAt time.Time  `json:"created_at"`
}

// Member is a membership joined with the profile of the user.
type Member struct {
	Membership
	Profile Profile `json:"profile"`
}

// Message is a chat message sent by a user to a room.
type Message struct {
	ID        string      `json:"id" validate:"required"`
	RoomID    string      `json:"room_id" validate:"required"`
	UserID    string      `json:"user_id" validate:"required"`
	Content   string      `json:"content"`
	Type      MessageType `json:"message_type" validate:"omitempty,oneof=text image"`
	CreatedAt time.Time   `json:"created_at"`
	ExpiresAt *time.Time  `json:"expires_at"`
	IsSecret  bool        `json:"is_secret"`
	// Author is set when the message was read together with the profile of its sender.
	Author    *Profile      `json:"author,omitempty"`
	Status    MessageStatus `json:"status,omitempty"`
}

// Expired reports whether the expiry of m has elapsed at now.
func (m Message) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !m.ExpiresAt.After(now)
}

// Optimistic reports whether m is a local record that the data service has not confirmed.
func (m Message) Optimistic() bool {
	return strings.HasPrefix(m.ID, OptimisticPrefix)
}

// MessagePreview is the most recent message of a room.
type MessagePreview struct {
	RoomID    string    `json:"room_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Pin marks a message as pinned by a user.
type Pin struct {
	UserID    string `json:"user_id" validate:"required"`
	MessageID string `json:"message_id" validate:"required"`
	RoomID    string `json:"room_id" validate:"required"`
}

// TypingPayload is broadcast on a room channel while a user is typing.
type TypingPayload struct {
	RoomID   string `json:"roomId" validate:"required"`
	UserID   string `json:"userId" validate:"required"`
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}

// MessageQuery selects a page of messages.
type MessageQuery struct {
	RoomID string
	// Before restricts the page to messages created strictly before it.
	Before *time.Time
	Limit  int
	// At excludes messages that have expired at this time.
	At time.Time
}

type NewMessage struct {
	RoomID    string      `validate:"required"`
	UserID    string      `validate:"required"`
	Content   string      `validate:"required,max=4000"`
	Type      MessageType `validate:"omitempty,oneof=text image"`
	ExpiresAt *time.Time
	IsSecret  bool
}

type NewRoom struct {
	Name        string `validate:"required,max=100"`
	Description string `validate:"max=500"`
	IsPublic    bool
	IsDirect    bool
	CreatedBy   string `validate:"required"`
}

// DirectRoomName returns the name shared by every direct room between a and b,
// regardless of which of them started the conversation.
func DirectRoomName(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return fmt.Sprintf("%s%s:%s", directPrefix, ids[0], ids[1])
}

// DirectRoomParticipants parses the participant ids out of a direct room name.
func DirectRoomParticipants(name string) (string, string, bool) {
	rest, ok := strings.CutPrefix(name, directPrefix)
	if !ok {
		return "", "", false
	}
	a, b, ok := strings.Cut(rest, ":")
	if !ok || a == "" || b == "" {
		return "", "", false
	}
	return a, b, true
}

// DirectCounterpart returns the participant of a direct room name that is not self.
func DirectCounterpart(name, self string) (string, bool) {
	a, b, ok := DirectRoomParticipants(name)
	if !ok {
		return "", false
	}
	switch self {
	case a:
		return b, true
	case b:
		return a, true
	}
	return "", false
}
