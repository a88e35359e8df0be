package messages

import (
	"fmt"
	"sort"
	"time"

	"github.com/putto11262002/chatsync/core"
)

// State of the session of the active room.
type State int

const (
	Idle State = iota
	LoadingInitial
	Ready
	LoadingMore
	// Error is entered when the initial page could not be loaded.
	Error
)

func (s State) String() string {
	switch s {
	case LoadingInitial:
		return "loading_initial"
	case Ready:
		return "ready"
	case LoadingMore:
		return "loading_more"
	case Error:
		return "error"
	default:
		return "idle"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for _, state := range []State{Idle, LoadingInitial, Ready, LoadingMore, Error} {
		if state.String() == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// Snapshot is an immutable copy of the state of the synchronizer.
type Snapshot struct {
	RoomID      string         `json:"room_id"`
	State       State          `json:"state"`
	Messages    []core.Message `json:"messages"`
	HasMore     bool           `json:"has_more"`
	Banner      string         `json:"banner,omitempty"`
	TypingUsers []string       `json:"typing_users"`
	Pinned      []string       `json:"pinned"`
	Version     uint64         `json:"version"`
}

// sortMessages orders messages chronologically. Messages created at the same time keep their order.
func sortMessages(messages []core.Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
}

func indexOf(messages []core.Message, id string) int {
	for i, m := range messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// merge adds the messages of page that are not in list yet and sorts the result.
func merge(list, page []core.Message) ([]core.Message, int) {
	seen := make(map[string]struct{}, len(list))
	for _, m := range list {
		seen[m.ID] = struct{}{}
	}
	added := 0
	for _, m := range page {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		m.Status = core.StatusSent
		list = append(list, m)
		added++
	}
	sortMessages(list)
	return list, added
}

// reversed returns a page fetched newest first in chronological order.
func reversed(page []core.Message) []core.Message {
	out := make([]core.Message, len(page))
	for i, m := range page {
		out[len(page)-1-i] = m
	}
	return out
}

// live returns the messages that have not expired at now.
func live(messages []core.Message, now time.Time) []core.Message {
	out := make([]core.Message, 0, len(messages))
	for _, m := range messages {
		if !m.Expired(now) {
			out = append(out, m)
		}
	}
	return out
}
