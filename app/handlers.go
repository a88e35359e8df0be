package chatsync

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/putto11262002/chatsync/core"
	"github.com/putto11262002/chatsync/pkg/messages"
	"github.com/putto11262002/chatsync/pkg/rooms"
	"github.com/putto11262002/chatsync/pkg/router"
)

// errorStatus maps the kinds of core errors to the status codes of the UI bridge.
func errorStatus(err error) (router.Error, bool) {
	var status int
	kind := core.KindOf(err)
	switch kind {
	case core.KindUnauthenticated:
		status = http.StatusUnauthorized
	case core.KindValidation:
		status = http.StatusBadRequest
	case core.KindNotFound:
		status = http.StatusNotFound
	case core.KindTransient:
		status = http.StatusServiceUnavailable
	default:
		return nil, false
	}
	return router.NewJsonError(status, core.UserMessage(err)).WithKind(kind.String()), true
}

type RoomHandler struct {
	directory *rooms.Directory
}

func NewRoomHandler(directory *rooms.Directory) *RoomHandler {
	return &RoomHandler{directory: directory}
}

func (h *RoomHandler) ListRoomsHandler(w http.ResponseWriter, r *http.Request) error {
	if q := r.URL.Query(); q.Has("q") {
		h.directory.SetSearchTerm(q.Get("q"))
	}
	return router.WriteJSON(w, http.StatusOK, h.directory.Snapshot())
}

func (h *RoomHandler) CreateRoomHandler(w http.ResponseWriter, r *http.Request) error {
	var payload rooms.CreateRoomInput
	if err := router.DecodeJSON(r, &payload); err != nil {
		return err
	}
	room, err := h.directory.CreateRoom(r.Context(), payload)
	if err != nil {
		return err
	}
	return router.WriteJSON(w, http.StatusCreated, room)
}

type SetActiveRoomPayload struct {
	RoomID string `json:"room_id"`
}

func (h *RoomHandler) SetActiveRoomHandler(w http.ResponseWriter, r *http.Request) error {
	var payload SetActiveRoomPayload
	if err := router.DecodeJSON(r, &payload); err != nil {
		return err
	}
	if err := h.directory.SetActiveRoom(payload.RoomID); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *RoomHandler) JoinRoomHandler(w http.ResponseWriter, r *http.Request) error {
	if err := h.directory.JoinRoom(r.Context(), chi.URLParam(r, "roomID")); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *RoomHandler) LeaveRoomHandler(w http.ResponseWriter, r *http.Request) error {
	if err := h.directory.LeaveRoom(r.Context(), chi.URLParam(r, "roomID")); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *RoomHandler) MarkAsReadHandler(w http.ResponseWriter, r *http.Request) error {
	h.directory.MarkAsRead(chi.URLParam(r, "roomID"))
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *RoomHandler) ListMembersHandler(w http.ResponseWriter, r *http.Request) error {
	id := chi.URLParam(r, "roomID")
	if _, ok := h.directory.Room(id); !ok {
		return core.ErrRoomNotFound
	}
	members := h.directory.Members(id)
	if members == nil {
		members = []core.Member{}
	}
	return router.WriteJSON(w, http.StatusOK, members)
}

func (h *RoomHandler) RefreshHandler(w http.ResponseWriter, r *http.Request) error {
	if err := h.directory.Refresh(r.Context()); err != nil {
		return err
	}
	return router.WriteJSON(w, http.StatusOK, h.directory.Snapshot())
}

func (h *RoomHandler) ClearErrorHandler(w http.ResponseWriter, r *http.Request) error {
	h.directory.ClearError()
	w.WriteHeader(http.StatusNoContent)
	return nil
}

type StartConversationPayload struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

func (h *RoomHandler) StartConversationHandler(w http.ResponseWriter, r *http.Request) error {
	var payload StartConversationPayload
	if err := router.DecodeJSON(r, &payload); err != nil {
		return err
	}
	room, err := h.directory.StartConversation(r.Context(), core.Profile{
		ID:       strings.TrimSpace(payload.UserID),
		Username: payload.Username,
	})
	if err != nil {
		return err
	}
	return router.WriteJSON(w, http.StatusOK, room)
}

func (h *RoomHandler) SearchProfilesHandler(w http.ResponseWriter, r *http.Request) error {
	profiles, err := h.directory.SearchProfiles(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		return err
	}
	if profiles == nil {
		profiles = []core.Profile{}
	}
	return router.WriteJSON(w, http.StatusOK, profiles)
}

type MessageHandler struct {
	sync *messages.Synchronizer
}

func NewMessageHandler(sync *messages.Synchronizer) *MessageHandler {
	return &MessageHandler{sync: sync}
}

func (h *MessageHandler) SnapshotHandler(w http.ResponseWriter, r *http.Request) error {
	return router.WriteJSON(w, http.StatusOK, h.sync.Snapshot())
}

type SendMessagePayload struct {
	Content string `json:"content"`
	// TTLSeconds makes the message expire after the given number of seconds.
	TTLSeconds int  `json:"ttl_seconds"`
	IsSecret   bool `json:"is_secret"`
}

func (h *MessageHandler) SendHandler(w http.ResponseWriter, r *http.Request) error {
	var payload SendMessagePayload
	if err := router.DecodeJSON(r, &payload); err != nil {
		return err
	}
	if payload.TTLSeconds < 0 {
		return router.NewJsonError(http.StatusBadRequest, "ttl_seconds cannot be negative")
	}
	var opts []messages.SendOption
	if payload.TTLSeconds > 0 {
		opts = append(opts, messages.WithTTL(time.Duration(payload.TTLSeconds)*time.Second))
	}
	if payload.IsSecret {
		opts = append(opts, messages.WithSecret())
	}
	if err := h.sync.Send(r.Context(), payload.Content, opts...); err != nil {
		return err
	}
	return router.WriteJSON(w, http.StatusCreated, h.sync.Snapshot())
}

func (h *MessageHandler) LoadMoreHandler(w http.ResponseWriter, r *http.Request) error {
	if err := h.sync.LoadMore(r.Context()); err != nil {
		return err
	}
	return router.WriteJSON(w, http.StatusOK, h.sync.Snapshot())
}

func (h *MessageHandler) RetryHandler(w http.ResponseWriter, r *http.Request) error {
	if err := h.sync.Retry(r.Context(), chi.URLParam(r, "messageID")); err != nil {
		return err
	}
	return router.WriteJSON(w, http.StatusOK, h.sync.Snapshot())
}

func (h *MessageHandler) TogglePinHandler(w http.ResponseWriter, r *http.Request) error {
	if err := h.sync.TogglePin(r.Context(), chi.URLParam(r, "messageID")); err != nil {
		return err
	}
	return router.WriteJSON(w, http.StatusOK, h.sync.Snapshot())
}

func (h *MessageHandler) TypingHandler(w http.ResponseWriter, r *http.Request) error {
	h.sync.NotifyTyping()
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *MessageHandler) ClearErrorHandler(w http.ResponseWriter, r *http.Request) error {
	h.sync.ClearError()
	w.WriteHeader(http.StatusNoContent)
	return nil
}
