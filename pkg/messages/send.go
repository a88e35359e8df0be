package messages

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/putto11262002/chatsync/core"
	"github.com/putto11262002/chatsync/internal/metrics"
)

type sendOptions struct {
	ttl    time.Duration
	secret bool
}

type SendOption func(*sendOptions)

// WithTTL makes the message expire d after it was sent.
func WithTTL(d time.Duration) SendOption {
	return func(o *sendOptions) {
		o.ttl = d
	}
}

// WithSecret marks the message as secret.
func WithSecret() SendOption {
	return func(o *sendOptions) {
		o.secret = true
	}
}

// Send appends an optimistic message to the active room and inserts it.
// On failure the message stays in the list with the error status so it can be retried.
func (s *Synchronizer) Send(ctx context.Context, content string, opts ...SendOption) error {
	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}
	return s.send(ctx, content, o)
}

func (s *Synchronizer) send(ctx context.Context, content string, o sendOptions) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return core.ErrEmptyMessage
	}
	user, ok := s.auth.User()
	if !ok {
		return core.ErrUnauthenticated
	}

	now := s.clock.Now()
	var expiresAt *time.Time
	if o.ttl > 0 {
		t := now.Add(o.ttl)
		expiresAt = &t
	}

	s.mu.Lock()
	if s.roomID == "" || s.closed {
		s.mu.Unlock()
		return core.ErrNoActiveRoom
	}
	gen, roomID := s.gen, s.roomID
	author := user
	optimistic := core.Message{
		ID:        core.OptimisticPrefix + ulid.Make().String(),
		RoomID:    roomID,
		UserID:    user.ID,
		Content:   content,
		Type:      core.TextMessage,
		CreatedAt: now,
		ExpiresAt: expiresAt,
		IsSecret:  o.secret,
		Author:    &author,
		Status:    core.StatusSending,
	}
	s.messages = append(s.messages, optimistic)
	sortMessages(s.messages)
	s.sendOpts[optimistic.ID] = o
	s.changedLocked()
	s.mu.Unlock()

	saved, err := s.store.InsertMessage(ctx, core.NewMessage{
		RoomID:    roomID,
		UserID:    user.ID,
		Content:   content,
		Type:      core.TextMessage,
		ExpiresAt: expiresAt,
		IsSecret:  o.secret,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		// The room was switched while the insert was in flight.
		if err != nil {
			metrics.MessagesSent.WithLabelValues("error").Inc()
			return core.Unexpected(err, "could not send message")
		}
		metrics.MessagesSent.WithLabelValues("ok").Inc()
		return nil
	}
	i := indexOf(s.messages, optimistic.ID)
	if err != nil {
		metrics.MessagesSent.WithLabelValues("error").Inc()
		s.logger.Error("send message", slog.String("room.id", roomID), slog.String("err", err.Error()))
		if i >= 0 {
			s.messages[i].Status = core.StatusError
			s.changedLocked()
		}
		return core.Unexpected(err, "could not send message")
	}
	metrics.MessagesSent.WithLabelValues("ok").Inc()
	delete(s.sendOpts, optimistic.ID)
	if i < 0 {
		return nil
	}

	if indexOf(s.messages, saved.ID) >= 0 {
		// Realtime delivered the message first.
		s.messages = append(s.messages[:i], s.messages[i+1:]...)
	} else {
		m := *saved
		m.Status = core.StatusSent
		if m.Author == nil {
			m.Author = &author
		}
		s.messages[i] = m
		sortMessages(s.messages)
	}
	s.changedLocked()
	return nil
}

// Retry sends the content of a failed message again with the same options.
func (s *Synchronizer) Retry(ctx context.Context, id string) error {
	s.mu.Lock()
	i := indexOf(s.messages, id)
	if i < 0 || s.messages[i].Status != core.StatusError {
		s.mu.Unlock()
		return core.ErrMessageNotFound
	}
	content := s.messages[i].Content
	o := s.sendOpts[id]
	s.messages = append(s.messages[:i], s.messages[i+1:]...)
	delete(s.sendOpts, id)
	s.changedLocked()
	s.mu.Unlock()

	return s.send(ctx, content, o)
}
