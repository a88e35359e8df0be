package rooms

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/putto11262002/chatsync/core"
)

type CreateRoomInput struct {
	Name        string `json:"name" validate:"required,max=100"`
	Description string `json:"description" validate:"max=500"`
	// IsPublic defaults to true.
	IsPublic *bool `json:"is_public"`
}

// CreateRoom creates a room owned by the signed in user and makes it active.
func (d *Directory) CreateRoom(ctx context.Context, in CreateRoomInput) (Room, error) {
	user, ok := d.auth.User()
	if !ok {
		return Room{}, core.ErrUnauthenticated
	}
	in.Name = strings.TrimSpace(in.Name)
	in.Description = strings.TrimSpace(in.Description)
	if err := core.Validate(in); err != nil {
		return Room{}, err
	}
	public := true
	if in.IsPublic != nil {
		public = *in.IsPublic
	}

	created, err := d.store.InsertRoom(ctx, core.NewRoom{
		Name:        in.Name,
		Description: in.Description,
		IsPublic:    public,
		CreatedBy:   user.ID,
	})
	if err != nil {
		return Room{}, core.Unexpected(err, "could not create room")
	}
	membership, err := d.store.InsertMember(ctx, created.ID, user.ID, core.RoleOwner)
	if err != nil && !core.IsUniqueViolation(err) {
		return Room{}, core.Unexpected(err, "could not create room")
	}
	d.logger.Info("room created", slog.String("room.id", created.ID))

	room := Room{
		Room:        *created,
		OnlineUsers: 1,
		IsMember:    true,
		DisplayName: created.Name,
	}

	d.mu.Lock()
	if i := d.indexLocked(room.ID); i >= 0 {
		d.rooms = append(d.rooms[:i], d.rooms[i+1:]...)
	}
	d.rooms = append([]Room{room}, d.rooms...)
	if membership != nil {
		d.members[room.ID] = []core.Member{{Membership: *membership, Profile: user}}
	}
	notify := d.setActiveLocked(room.ID)
	d.changedLocked()
	d.mu.Unlock()

	d.notify(notify, room.ID)
	return room, nil
}

// JoinRoom makes the signed in user a member of the room. Joining twice is not an error.
func (d *Directory) JoinRoom(ctx context.Context, id string) error {
	user, ok := d.auth.User()
	if !ok {
		return core.ErrUnauthenticated
	}
	_, err := d.store.InsertMember(ctx, id, user.ID, core.RoleMember)
	duplicate := core.IsUniqueViolation(err)
	if err != nil && !duplicate {
		return core.Unexpected(err, "could not join room")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.indexLocked(id)
	if i < 0 {
		return nil
	}
	d.rooms[i].IsMember = true
	if duplicate {
		d.rooms[i].OnlineUsers = max(1, d.rooms[i].OnlineUsers)
	} else {
		d.rooms[i].OnlineUsers = max(1, d.rooms[i].OnlineUsers+1)
	}
	d.changedLocked()
	return nil
}

// LeaveRoom removes the signed in user from the room. Leaving the active room clears it.
func (d *Directory) LeaveRoom(ctx context.Context, id string) error {
	user, ok := d.auth.User()
	if !ok {
		return core.ErrUnauthenticated
	}
	if err := d.store.DeleteMember(ctx, id, user.ID); err != nil {
		return core.Unexpected(err, "could not leave room")
	}

	d.mu.Lock()
	var notify []func(string)
	if i := d.indexLocked(id); i >= 0 {
		d.rooms[i].IsMember = false
		d.rooms[i].OnlineUsers = max(0, d.rooms[i].OnlineUsers-1)
	}
	if d.activeID == id {
		notify = d.setActiveLocked("")
	}
	d.changedLocked()
	d.mu.Unlock()

	d.notify(notify, "")
	return nil
}

// StartConversation opens the direct room between the signed in user and target,
// creating it and the memberships of both users when needed, and makes it active.
func (d *Directory) StartConversation(ctx context.Context, target core.Profile) (Room, error) {
	user, ok := d.auth.User()
	if !ok {
		return Room{}, core.ErrUnauthenticated
	}
	if target.ID == "" {
		return Room{}, core.ErrMissingTarget
	}
	if target.ID == user.ID {
		return Room{}, core.ErrSelfConversation
	}

	created, err := d.directRoom(ctx, user, target)
	if err != nil {
		return Room{}, core.Unexpected(err, "could not start conversation")
	}

	for _, id := range []string{user.ID, target.ID} {
		role := core.RoleMember
		if created.CreatedBy == id {
			role = core.RoleOwner
		}
		if _, err := d.store.InsertMember(ctx, created.ID, id, role); err != nil && !core.IsUniqueViolation(err) {
			return Room{}, core.Unexpected(fmt.Errorf("InsertMember: %w", err), "could not start conversation")
		}
	}

	members, err := d.store.ListMembers(ctx, created.ID)
	if err != nil {
		return Room{}, core.Unexpected(fmt.Errorf("ListMembers: %w", err), "could not start conversation")
	}
	members = withFallbackMembers(*created, members, user, target)

	room := Room{
		Room:        *created,
		OnlineUsers: len(members),
		IsMember:    true,
	}
	room.DisplayName, room.CounterpartID = display(*created, members, user.ID)

	d.mu.Lock()
	d.members[room.ID] = members
	d.upsertLocked(room)
	notify := d.setActiveLocked(room.ID)
	d.changedLocked()
	d.mu.Unlock()

	d.notify(notify, room.ID)
	if current, ok := d.Room(room.ID); ok {
		return current, nil
	}
	return room, nil
}

// directRoom returns the direct room between user and target, creating it when absent.
func (d *Directory) directRoom(ctx context.Context, user, target core.Profile) (*core.Room, error) {
	name := core.DirectRoomName(user.ID, target.ID)
	existing, err := d.store.FindDirectRoom(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("FindDirectRoom: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	created, err := d.store.InsertRoom(ctx, core.NewRoom{
		Name:      name,
		IsDirect:  true,
		CreatedBy: user.ID,
	})
	if err == nil {
		return created, nil
	}
	if !core.IsUniqueViolation(err) {
		return nil, fmt.Errorf("InsertRoom: %w", err)
	}

	// The other participant created the room first.
	existing, err = d.store.FindDirectRoom(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("FindDirectRoom: %w", err)
	}
	if existing == nil {
		return nil, fmt.Errorf("direct room %s not found after conflict", name)
	}
	return existing, nil
}

// withFallbackMembers adds the participants missing from members using the profiles at hand.
func withFallbackMembers(room core.Room, members []core.Member, profiles ...core.Profile) []core.Member {
	for _, p := range profiles {
		found := false
		for _, m := range members {
			if m.UserID == p.ID {
				found = true
				break
			}
		}
		if found {
			continue
		}
		role := core.RoleMember
		if room.CreatedBy == p.ID {
			role = core.RoleOwner
		}
		members = append(members, core.Member{
			Membership: core.Membership{RoomID: room.ID, UserID: p.ID, Role: role},
			Profile:    p,
		})
	}
	return members
}

// SearchProfiles returns the profiles whose username contains term, except the signed in user.
func (d *Directory) SearchProfiles(ctx context.Context, term string) ([]core.Profile, error) {
	user, ok := d.auth.User()
	if !ok {
		return nil, core.ErrUnauthenticated
	}
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, nil
	}
	profiles, err := d.store.SearchProfiles(ctx, term, SearchLimit+1)
	if err != nil {
		return nil, core.Unexpected(err, "could not search users")
	}
	out := make([]core.Profile, 0, len(profiles))
	for _, p := range profiles {
		if p.ID != user.ID && len(out) < SearchLimit {
			out = append(out, p)
		}
	}
	return out, nil
}
