package messages

import (
	"context"
	"log/slog"

	"github.com/putto11262002/chatsync/core"
)

// TogglePin pins or unpins a message of the active room for the local user.
// The local state changes first and is reverted if the write fails.
func (s *Synchronizer) TogglePin(ctx context.Context, messageID string) error {
	user, ok := s.auth.User()
	if !ok {
		return core.ErrUnauthenticated
	}

	s.mu.Lock()
	i := indexOf(s.messages, messageID)
	if i < 0 || s.messages[i].Optimistic() {
		s.mu.Unlock()
		return core.ErrMessageNotFound
	}
	gen, roomID := s.gen, s.roomID
	pinned := !s.pins[messageID]
	s.setPinLocked(messageID, pinned)
	s.changedLocked()
	s.mu.Unlock()

	var err error
	if pinned {
		err = s.store.InsertPin(ctx, core.Pin{UserID: user.ID, MessageID: messageID, RoomID: roomID})
		if core.IsUniqueViolation(err) {
			err = nil
		}
	} else {
		err = s.store.DeletePin(ctx, user.ID, messageID)
	}
	if err == nil {
		return nil
	}

	s.logger.Error("toggle pin", slog.String("message.id", messageID), slog.String("err", err.Error()))
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == gen {
		s.setPinLocked(messageID, !pinned)
		s.changedLocked()
	}
	return core.Unexpected(err, "could not update pin")
}

func (s *Synchronizer) setPinLocked(id string, pinned bool) {
	if pinned {
		s.pins[id] = true
		return
	}
	delete(s.pins, id)
}

// Pinned returns the pinned messages present in the list, oldest first.
func (s *Synchronizer) Pinned() []core.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Message
	for _, m := range live(s.messages, s.clock.Now()) {
		if s.pins[m.ID] {
			out = append(out, m)
		}
	}
	return out
}
