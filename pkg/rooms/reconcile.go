package rooms

import (
	"log/slog"

	"github.com/putto11262002/chatsync/core"
	"github.com/putto11262002/chatsync/internal/metrics"
	"github.com/putto11262002/chatsync/pkg/realtime"
)

func (d *Directory) onRoomChange(e realtime.RowChangeEvent) {
	switch e.Type {
	case core.ChangeInsert:
		var room core.Room
		if err := core.DecodeRow(e.Record, &room); err != nil {
			d.logger.Warn("dropping room row", slog.String("err", err.Error()))
			return
		}
		d.insertRoom(room)
	case core.ChangeUpdate:
		var room core.Room
		if err := core.DecodeRow(e.Record, &room); err != nil {
			d.logger.Warn("dropping room row", slog.String("err", err.Error()))
			return
		}
		d.updateRoom(room)
	case core.ChangeDelete:
		var key core.RowKey
		if err := core.DecodeRow(e.OldRecord, &key); err != nil {
			d.logger.Warn("dropping room key", slog.String("err", err.Error()))
			return
		}
		d.deleteRoom(key.ID)
	}
}

// visible reports whether the signed in user may see room.
func visible(room core.Room, self string) bool {
	if room.IsPublic || room.CreatedBy == self {
		return true
	}
	if room.IsDirect {
		_, ok := core.DirectCounterpart(room.Name, self)
		return ok
	}
	return false
}

func (d *Directory) insertRoom(room core.Room) {
	self := d.self()
	if !visible(room, self) {
		return
	}
	d.mu.Lock()
	known := d.indexLocked(room.ID) >= 0
	d.mu.Unlock()
	if known {
		return
	}
	if !room.IsDirect {
		d.addRoom(room, nil, self)
		return
	}
	// The members of a direct room name it, so they are read before it is shown.
	go func() {
		members, err := d.store.ListMembers(d.ctx, room.ID)
		if err != nil {
			d.logger.Warn("direct room members", slog.String("room.id", room.ID), slog.String("err", err.Error()))
			members = nil
		}
		d.addRoom(room, members, self)
		// Memberships committed while the room was unknown were skipped.
		d.reloadMembers(room.ID)
	}()
}

func (d *Directory) addRoom(room core.Room, members []core.Member, self string) {
	r := Room{
		Room:        room,
		OnlineUsers: len(members),
		IsMember:    isMember(room, members, self),
	}
	r.DisplayName, r.CounterpartID = display(room, members, self)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.indexLocked(room.ID) >= 0 {
		return
	}
	if len(d.members[room.ID]) < len(members) {
		d.members[room.ID] = members
	}
	d.rooms = append([]Room{r}, d.rooms...)
	d.changedLocked()
}

func (d *Directory) updateRoom(room core.Room) {
	self := d.self()
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.indexLocked(room.ID)
	if i < 0 {
		return
	}
	current := d.rooms[i]
	current.Room = room
	if room.IsDirect && current.CounterpartID == "" {
		current.DisplayName, current.CounterpartID = display(room, d.members[room.ID], self)
	} else if !room.IsDirect {
		current.DisplayName = room.Name
	}
	d.rooms[i] = current
	d.changedLocked()
}

func (d *Directory) deleteRoom(id string) {
	d.mu.Lock()
	i := d.indexLocked(id)
	if i < 0 {
		d.mu.Unlock()
		return
	}
	d.rooms = append(d.rooms[:i], d.rooms[i+1:]...)
	delete(d.members, id)
	var notify []func(string)
	if d.activeID == id {
		notify = d.setActiveLocked("")
	}
	d.changedLocked()
	d.mu.Unlock()

	d.notify(notify, "")
}

func (d *Directory) onMessageInsert(e realtime.RowChangeEvent) {
	var m core.Message
	if err := core.DecodeRow(e.Record, &m); err != nil {
		d.logger.Warn("dropping message row", slog.String("err", err.Error()))
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.indexLocked(m.RoomID)
	if i < 0 {
		return
	}
	at := m.CreatedAt
	d.rooms[i].LastMessage = m.Content
	d.rooms[i].LastMessageAt = &at
	if m.RoomID == d.activeID {
		d.rooms[i].Unread = 0
	} else {
		d.rooms[i].Unread++
		metrics.UnreadIncrements.Inc()
	}
	d.changedLocked()
}

func (d *Directory) onMemberChange(e realtime.RowChangeEvent) {
	switch e.Type {
	case core.ChangeInsert:
		var m core.Membership
		if err := core.DecodeRow(e.Record, &m); err != nil {
			d.logger.Warn("dropping membership row", slog.String("err", err.Error()))
			return
		}
		d.mu.Lock()
		known := d.indexLocked(m.RoomID) >= 0
		d.mu.Unlock()
		switch {
		case known:
			go d.reloadMembers(m.RoomID)
		case m.UserID == d.self():
			go d.addJoinedRoom(m.RoomID)
		}
	case core.ChangeDelete:
		var key core.RowKey
		if err := core.DecodeRow(e.OldRecord, &key); err != nil {
			d.logger.Warn("dropping membership key", slog.String("err", err.Error()))
			return
		}
		d.removeMember(key)
	}
}

// addJoinedRoom adds a room that the signed in user was made a member of.
func (d *Directory) addJoinedRoom(roomID string) {
	room, err := d.store.GetRoom(d.ctx, roomID)
	if err != nil || room == nil {
		if err != nil {
			d.logger.Warn("joined room", slog.String("room.id", roomID), slog.String("err", err.Error()))
		}
		return
	}
	members, err := d.store.ListMembers(d.ctx, roomID)
	if err != nil {
		d.logger.Warn("joined room members", slog.String("room.id", roomID), slog.String("err", err.Error()))
	}
	d.addRoom(*room, members, d.self())
	d.reloadMembers(roomID)
}

// reloadMembers reads the members of the room again and corrects its derived fields.
func (d *Directory) reloadMembers(roomID string) {
	members, err := d.store.ListMembers(d.ctx, roomID)
	if err != nil {
		d.logger.Warn("reload members", slog.String("room.id", roomID), slog.String("err", err.Error()))
		return
	}
	sortMembers(members)
	self := d.self()

	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.indexLocked(roomID)
	if d.closed || i < 0 {
		return
	}
	d.members[roomID] = members
	room := d.rooms[i]
	room.OnlineUsers = len(members)
	room.IsMember = isMember(room.Room, members, self)
	if room.IsDirect {
		room.DisplayName, room.CounterpartID = display(room.Room, members, self)
	}
	d.rooms[i] = room
	d.changedLocked()
}

// memberKeyLocked completes a delete key that carries only the membership id,
// as sent by a table without a full replica identity.
func (d *Directory) memberKeyLocked(key core.RowKey) (core.RowKey, bool) {
	if key.RoomID != "" {
		return key, true
	}
	for roomID, members := range d.members {
		for _, m := range members {
			if m.ID == key.ID {
				return core.RowKey{ID: m.ID, RoomID: roomID, UserID: m.UserID}, true
			}
		}
	}
	return key, false
}

func (d *Directory) removeMember(key core.RowKey) {
	self := d.self()
	d.mu.Lock()
	defer d.mu.Unlock()
	key, ok := d.memberKeyLocked(key)
	if !ok {
		d.logger.Debug("delete of an unknown membership", slog.String("membership.id", key.ID))
		return
	}
	i := d.indexLocked(key.RoomID)
	if i < 0 {
		return
	}
	members := d.members[key.RoomID]
	kept := members[:0:0]
	for _, m := range members {
		if m.ID != key.ID && m.UserID != key.UserID {
			kept = append(kept, m)
		}
	}
	d.members[key.RoomID] = kept
	room := d.rooms[i]
	if len(kept) < len(members) {
		room.OnlineUsers = len(kept)
	}
	if key.UserID == self {
		room.IsMember = false
	}
	d.rooms[i] = room
	d.changedLocked()
}
