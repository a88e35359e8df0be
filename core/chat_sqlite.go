package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
)

// sqliteTimeLayout has a fixed width so that timestamps stored as text sort chronologically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000Z"

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseSQLiteTime(s string) (time.Time, error) {
	return time.Parse(sqliteTimeLayout, s)
}

type SQLiteStore struct {
	db        *sql.DB
	publisher ChangePublisher
	now       func() time.Time
}

var _ DataService = (*SQLiteStore)(nil)

type SQLiteStoreOption func(*SQLiteStore)

// WithChangePublisher makes the store publish every committed row change to p.
func WithChangePublisher(p ChangePublisher) SQLiteStoreOption {
	return func(s *SQLiteStore) {
		s.publisher = p
	}
}

// WithNow replaces the clock used to stamp new rows.
func WithNow(now func() time.Time) SQLiteStoreOption {
	return func(s *SQLiteStore) {
		s.now = now
	}
}

func NewSQLiteStore(db *sql.DB, opts ...SQLiteStoreOption) *SQLiteStore {
	s := &SQLiteStore{
		db:  db,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SQLiteStore) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *SQLiteStore) publish(table, eventType string, record, oldRecord any) {
	if s.publisher == nil {
		return
	}
	s.publisher.PublishChange(table, eventType, record, oldRecord)
}

// sqliteError maps constraint violations to ErrUniqueViolation.
func sqliteError(op string, err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && (sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey) {
		return fmt.Errorf("%s: %w: %w", op, ErrUniqueViolation, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// namedIn expands ids into a list of named parameters for an IN clause.
func namedIn(prefix string, ids []string) (string, []any) {
	names := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		name := fmt.Sprintf("%s%d", prefix, i)
		names[i] = "@" + name
		args[i] = sql.Named(name, id)
	}
	return strings.Join(names, ", "), args
}

type scanner interface {
	Scan(dest ...any) error
}

const messageColumns = `m.id, m.room_id, m.user_id, m.content, m.message_type, m.created_at,
	m.expires_at, m.is_secret, p.id, p.username, p.avatar_url`

func scanSQLiteMessage(row scanner) (*Message, error) {
	var (
		m                          Message
		createdAt                  string
		expiresAt                  sql.NullString
		authorID, username, avatar sql.NullString
	)
	if err := row.Scan(&m.ID, &m.RoomID, &m.UserID, &m.Content, &m.Type, &createdAt,
		&expiresAt, &m.IsSecret, &authorID, &username, &avatar); err != nil {
		return nil, err
	}
	var err error
	if m.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if expiresAt.Valid {
		t, err := parseSQLiteTime(expiresAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse expires_at: %w", err)
		}
		m.ExpiresAt = &t
	}
	if authorID.Valid {
		m.Author = &Profile{ID: authorID.String, Username: username.String, AvatarURL: avatar.String}
	}
	return &m, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, q MessageQuery) ([]Message, error) {
	query := `
	SELECT ` + messageColumns + `
	FROM messages AS m LEFT JOIN profiles AS p ON p.id = m.user_id
	WHERE m.room_id = @room_id
	AND (m.expires_at IS NULL OR m.expires_at > @at)
	AND (@before = '' OR m.created_at < @before)
	ORDER BY m.created_at DESC
	LIMIT @limit`

	before := ""
	if q.Before != nil {
		before = formatSQLiteTime(*q.Before)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 40
	}

	rows, err := s.db.QueryContext(ctx, query,
		sql.Named("room_id", q.RoomID), sql.Named("at", formatSQLiteTime(q.At)),
		sql.Named("before", before), sql.Named("limit", limit))
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0, limit)
	for rows.Next() {
		m, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	return messages, nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	query := `
	SELECT ` + messageColumns + `
	FROM messages AS m LEFT JOIN profiles AS p ON p.id = m.user_id
	WHERE m.id = @id`
	m, err := scanSQLiteMessage(s.db.QueryRowContext(ctx, query, sql.Named("id", id)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("QueryRowContext: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) InsertMessage(ctx context.Context, in NewMessage) (*Message, error) {
	if err := Validate(in); err != nil {
		return nil, err
	}
	if in.Type == "" {
		in.Type = TextMessage
	}

	m := &Message{
		ID:        ulid.Make().String(),
		RoomID:    in.RoomID,
		UserID:    in.UserID,
		Content:   in.Content,
		Type:      in.Type,
		CreatedAt: s.timestamp(),
		IsSecret:  in.IsSecret,
	}
	var expiresAt sql.NullString
	if in.ExpiresAt != nil {
		t := in.ExpiresAt.UTC().Truncate(time.Microsecond)
		m.ExpiresAt = &t
		expiresAt = sql.NullString{String: formatSQLiteTime(t), Valid: true}
	}

	query := `
	INSERT INTO messages (id, room_id, user_id, content, message_type, created_at, expires_at, is_secret)
	VALUES (@id, @room_id, @user_id, @content, @message_type, @created_at, @expires_at, @is_secret)`
	_, err := s.db.ExecContext(ctx, query,
		sql.Named("id", m.ID), sql.Named("room_id", m.RoomID), sql.Named("user_id", m.UserID),
		sql.Named("content", m.Content), sql.Named("message_type", m.Type),
		sql.Named("created_at", formatSQLiteTime(m.CreatedAt)), sql.Named("expires_at", expiresAt),
		sql.Named("is_secret", m.IsSecret))
	if err != nil {
		return nil, sqliteError("ExecContext", err)
	}

	s.publish("messages", ChangeInsert, m, nil)
	return m, nil
}

func (s *SQLiteStore) LatestMessages(ctx context.Context, roomIDs []string, at time.Time) ([]MessagePreview, error) {
	if len(roomIDs) == 0 {
		return nil, nil
	}
	in, args := namedIn("room", roomIDs)
	query := `
	SELECT room_id, content, created_at FROM (
		SELECT room_id, content, created_at,
		ROW_NUMBER() OVER (PARTITION BY room_id ORDER BY created_at DESC) AS rn
		FROM messages
		WHERE room_id IN (` + in + `)
		AND (expires_at IS NULL OR expires_at > @at)
	) WHERE rn = 1`
	args = append(args, sql.Named("at", formatSQLiteTime(at)))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	var previews []MessagePreview
	for rows.Next() {
		var (
			p         MessagePreview
			createdAt string
		)
		if err := rows.Scan(&p.RoomID, &p.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		if p.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		previews = append(previews, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	return previews, nil
}

const roomColumns = `id, name, description, is_public, is_direct, created_by, created_at`

func scanSQLiteRoom(row scanner) (*Room, error) {
	var (
		r           Room
		description sql.NullString
		createdAt   string
	)
	if err := row.Scan(&r.ID, &r.Name, &description, &r.IsPublic, &r.IsDirect,
		&r.CreatedBy, &createdAt); err != nil {
		return nil, err
	}
	r.Description = description.String
	var err error
	if r.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &r, nil
}

func (s *SQLiteStore) ListRooms(ctx context.Context, userID string) ([]Room, error) {
	query := `
	SELECT ` + roomColumns + ` FROM rooms
	WHERE is_public = 1 OR created_by = @user_id
	OR EXISTS (SELECT 1 FROM room_members WHERE room_id = rooms.id AND user_id = @user_id)
	ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, sql.Named("user_id", userID))
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		r, err := scanSQLiteRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		rooms = append(rooms, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	return rooms, nil
}

func (s *SQLiteStore) getRoom(ctx context.Context, where string, arg sql.NamedArg) (*Room, error) {
	query := `SELECT ` + roomColumns + ` FROM rooms WHERE ` + where + ` LIMIT 1`
	r, err := scanSQLiteRoom(s.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("QueryRowContext: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) GetRoom(ctx context.Context, id string) (*Room, error) {
	return s.getRoom(ctx, "id = @id", sql.Named("id", id))
}

func (s *SQLiteStore) FindDirectRoom(ctx context.Context, name string) (*Room, error) {
	return s.getRoom(ctx, "name = @name AND is_direct = 1", sql.Named("name", name))
}

func (s *SQLiteStore) InsertRoom(ctx context.Context, in NewRoom) (*Room, error) {
	if err := Validate(in); err != nil {
		return nil, err
	}
	r := &Room{
		ID:          uuid.New().String(),
		Name:        in.Name,
		Description: in.Description,
		IsPublic:    in.IsPublic,
		IsDirect:    in.IsDirect,
		CreatedBy:   in.CreatedBy,
		CreatedAt:   s.timestamp(),
	}
	var description sql.NullString
	if r.Description != "" {
		description = sql.NullString{String: r.Description, Valid: true}
	}

	query := `
	INSERT INTO rooms (id, name, description, is_public, is_direct, created_by, created_at)
	VALUES (@id, @name, @description, @is_public, @is_direct, @created_by, @created_at)`
	_, err := s.db.ExecContext(ctx, query,
		sql.Named("id", r.ID), sql.Named("name", r.Name), sql.Named("description", description),
		sql.Named("is_public", r.IsPublic), sql.Named("is_direct", r.IsDirect),
		sql.Named("created_by", r.CreatedBy), sql.Named("created_at", formatSQLiteTime(r.CreatedAt)))
	if err != nil {
		return nil, sqliteError("ExecContext", err)
	}

	s.publish("rooms", ChangeInsert, r, nil)
	return r, nil
}

func (s *SQLiteStore) ListMembers(ctx context.Context, roomIDs ...string) ([]Member, error) {
	if len(roomIDs) == 0 {
		return nil, nil
	}
	in, args := namedIn("room", roomIDs)
	query := `
	SELECT rm.id, rm.room_id, rm.user_id, rm.role, rm.created_at, p.username, p.avatar_url
	FROM room_members AS rm LEFT JOIN profiles AS p ON p.id = rm.user_id
	WHERE rm.room_id IN (` + in + `)
	ORDER BY rm.created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var (
			m                Member
			createdAt        string
			username, avatar sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.RoomID, &m.UserID, &m.Role, &createdAt,
			&username, &avatar); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		if m.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		m.Profile = Profile{ID: m.UserID, Username: username.String, AvatarURL: avatar.String}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	return members, nil
}

func (s *SQLiteStore) InsertMember(ctx context.Context, roomID, userID string, role MemberRole) (*Membership, error) {
	if role == "" {
		role = RoleMember
	}
	m := &Membership{
		ID:        uuid.New().String(),
		RoomID:    roomID,
		UserID:    userID,
		Role:      role,
		CreatedAt: s.timestamp(),
	}
	if err := Validate(m); err != nil {
		return nil, err
	}

	query := `
	INSERT INTO room_members (id, room_id, user_id, role, created_at)
	VALUES (@id, @room_id, @user_id, @role, @created_at)`
	_, err := s.db.ExecContext(ctx, query,
		sql.Named("id", m.ID), sql.Named("room_id", m.RoomID), sql.Named("user_id", m.UserID),
		sql.Named("role", m.Role), sql.Named("created_at", formatSQLiteTime(m.CreatedAt)))
	if err != nil {
		return nil, sqliteError("ExecContext", err)
	}

	s.publish("room_members", ChangeInsert, m, nil)
	return m, nil
}

func (s *SQLiteStore) DeleteMember(ctx context.Context, roomID, userID string) error {
	query := `DELETE FROM room_members WHERE room_id = @room_id AND user_id = @user_id RETURNING id`
	var id string
	err := s.db.QueryRowContext(ctx, query,
		sql.Named("room_id", roomID), sql.Named("user_id", userID)).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("QueryRowContext: %w", err)
	}

	s.publish("room_members", ChangeDelete, nil, RowKey{ID: id, RoomID: roomID, UserID: userID})
	return nil
}

func (s *SQLiteStore) GetProfile(ctx context.Context, id string) (*Profile, error) {
	query := `SELECT id, username, avatar_url, created_at, updated_at FROM profiles WHERE id = @id`
	var (
		p                    Profile
		avatar               sql.NullString
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, query, sql.Named("id", id)).
		Scan(&p.ID, &p.Username, &avatar, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("QueryRowContext: %w", err)
	}
	p.AvatarURL = avatar.String
	if p.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if p.UpdatedAt, err = parseSQLiteTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &p, nil
}

func (s *SQLiteStore) SearchProfiles(ctx context.Context, term string, limit int) ([]Profile, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
	SELECT id, username, avatar_url FROM profiles
	WHERE username LIKE @pattern ESCAPE '\'
	ORDER BY username
	LIMIT @limit`
	pattern := "%" + escapeLike(term) + "%"

	rows, err := s.db.QueryContext(ctx, query, sql.Named("pattern", pattern), sql.Named("limit", limit))
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	var profiles []Profile
	for rows.Next() {
		var (
			p      Profile
			avatar sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.Username, &avatar); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		p.AvatarURL = avatar.String
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	return profiles, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (s *SQLiteStore) UpsertProfile(ctx context.Context, p Profile) error {
	if err := Validate(p); err != nil {
		return err
	}
	now := formatSQLiteTime(s.timestamp())
	var avatar sql.NullString
	if p.AvatarURL != "" {
		avatar = sql.NullString{String: p.AvatarURL, Valid: true}
	}
	query := `
	INSERT INTO profiles (id, username, avatar_url, created_at, updated_at)
	VALUES (@id, @username, @avatar_url, @now, @now)
	ON CONFLICT (id) DO UPDATE SET
	username = excluded.username, avatar_url = excluded.avatar_url, updated_at = excluded.updated_at`
	_, err := s.db.ExecContext(ctx, query,
		sql.Named("id", p.ID), sql.Named("username", p.Username),
		sql.Named("avatar_url", avatar), sql.Named("now", now))
	if err != nil {
		return sqliteError("ExecContext", err)
	}
	return nil
}

func (s *SQLiteStore) ListPins(ctx context.Context, roomID, userID string) ([]string, error) {
	query := `
	SELECT message_id FROM pinned_messages
	WHERE room_id = @room_id AND user_id = @user_id
	ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query,
		sql.Named("room_id", roomID), sql.Named("user_id", userID))
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	return ids, nil
}

func (s *SQLiteStore) InsertPin(ctx context.Context, p Pin) error {
	if err := Validate(p); err != nil {
		return err
	}
	query := `
	INSERT INTO pinned_messages (id, user_id, message_id, room_id, created_at)
	VALUES (@id, @user_id, @message_id, @room_id, @created_at)`
	_, err := s.db.ExecContext(ctx, query,
		sql.Named("id", uuid.New().String()), sql.Named("user_id", p.UserID),
		sql.Named("message_id", p.MessageID), sql.Named("room_id", p.RoomID),
		sql.Named("created_at", formatSQLiteTime(s.timestamp())))
	if err != nil {
		return sqliteError("ExecContext", err)
	}
	return nil
}

func (s *SQLiteStore) DeletePin(ctx context.Context, userID, messageID string) error {
	query := `DELETE FROM pinned_messages WHERE user_id = @user_id AND message_id = @message_id`
	_, err := s.db.ExecContext(ctx, query,
		sql.Named("user_id", userID), sql.Named("message_id", messageID))
	if err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	return nil
}
