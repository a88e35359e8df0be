package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

// PostgresStore reads and writes the hosted schema directly.
// Row changes are not published: the hosted realtime service streams them from replication.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ DataService = (*PostgresStore)(nil)

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func postgresError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == UniqueViolationCode {
		return fmt.Errorf("%s: %w: %w", op, ErrUniqueViolation, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

const pgMessageColumns = `m.id, m.room_id::text, m.user_id::text, m.content, m.message_type,
	m.created_at, m.expires_at, m.is_secret, p.id::text, p.username, p.avatar_url`

func scanPostgresMessage(row pgx.Row) (*Message, error) {
	var (
		m                          Message
		authorID, username, avatar *string
	)
	if err := row.Scan(&m.ID, &m.RoomID, &m.UserID, &m.Content, &m.Type, &m.CreatedAt,
		&m.ExpiresAt, &m.IsSecret, &authorID, &username, &avatar); err != nil {
		return nil, err
	}
	if authorID != nil {
		m.Author = &Profile{ID: *authorID, Username: deref(username), AvatarURL: deref(avatar)}
	}
	return &m, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *PostgresStore) ListMessages(ctx context.Context, q MessageQuery) ([]Message, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 40
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgMessageColumns+`
		FROM messages AS m LEFT JOIN profiles AS p ON p.id = m.user_id
		WHERE m.room_id = $1
		AND (m.expires_at IS NULL OR m.expires_at > $2)
		AND ($3::timestamptz IS NULL OR m.created_at < $3)
		ORDER BY m.created_at DESC
		LIMIT $4
	`, q.RoomID, q.At, q.Before, limit)
	if err != nil {
		return nil, fmt.Errorf("Query: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0, limit)
	for rows.Next() {
		m, err := scanPostgresMessage(rows)
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

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	m, err := scanPostgresMessage(s.pool.QueryRow(ctx, `
		SELECT `+pgMessageColumns+`
		FROM messages AS m LEFT JOIN profiles AS p ON p.id = m.user_id
		WHERE m.id = $1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("QueryRow: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, in NewMessage) (*Message, error) {
	if err := Validate(in); err != nil {
		return nil, err
	}
	if in.Type == "" {
		in.Type = TextMessage
	}
	m := &Message{
		ID:       ulid.Make().String(),
		RoomID:   in.RoomID,
		UserID:   in.UserID,
		Content:  in.Content,
		Type:     in.Type,
		IsSecret: in.IsSecret,
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (id, room_id, user_id, content, message_type, expires_at, is_secret)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, expires_at
	`, m.ID, m.RoomID, m.UserID, m.Content, m.Type, in.ExpiresAt, m.IsSecret).
		Scan(&m.CreatedAt, &m.ExpiresAt)
	if err != nil {
		return nil, postgresError("QueryRow", err)
	}
	return m, nil
}

func (s *PostgresStore) LatestMessages(ctx context.Context, roomIDs []string, at time.Time) ([]MessagePreview, error) {
	if len(roomIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (room_id) room_id::text, content, created_at
		FROM messages
		WHERE room_id::text = ANY($1)
		AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY room_id, created_at DESC
	`, roomIDs, at)
	if err != nil {
		return nil, fmt.Errorf("Query: %w", err)
	}
	defer rows.Close()

	var previews []MessagePreview
	for rows.Next() {
		var p MessagePreview
		if err := rows.Scan(&p.RoomID, &p.Content, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		previews = append(previews, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	return previews, nil
}

const pgRoomColumns = `id::text, name, description, is_public, is_direct, created_by::text, created_at`

func scanPostgresRoom(row pgx.Row) (*Room, error) {
	var (
		r           Room
		description *string
	)
	if err := row.Scan(&r.ID, &r.Name, &description, &r.IsPublic, &r.IsDirect,
		&r.CreatedBy, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Description = deref(description)
	return &r, nil
}

func (s *PostgresStore) ListRooms(ctx context.Context, userID string) ([]Room, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgRoomColumns+` FROM rooms
		WHERE is_public OR created_by::text = $1
		OR EXISTS (SELECT 1 FROM room_members WHERE room_id = rooms.id AND user_id::text = $1)
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("Query: %w", err)
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		r, err := scanPostgresRoom(rows)
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

func (s *PostgresStore) GetRoom(ctx context.Context, id string) (*Room, error) {
	r, err := scanPostgresRoom(s.pool.QueryRow(ctx,
		`SELECT `+pgRoomColumns+` FROM rooms WHERE id::text = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("QueryRow: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) FindDirectRoom(ctx context.Context, name string) (*Room, error) {
	r, err := scanPostgresRoom(s.pool.QueryRow(ctx,
		`SELECT `+pgRoomColumns+` FROM rooms WHERE name = $1 AND is_direct LIMIT 1`, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("QueryRow: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) InsertRoom(ctx context.Context, in NewRoom) (*Room, error) {
	if err := Validate(in); err != nil {
		return nil, err
	}
	r, err := scanPostgresRoom(s.pool.QueryRow(ctx, `
		INSERT INTO rooms (name, description, is_public, is_direct, created_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+pgRoomColumns,
		in.Name, nullable(in.Description), in.IsPublic, in.IsDirect, in.CreatedBy))
	if err != nil {
		return nil, postgresError("QueryRow", err)
	}
	return r, nil
}

func (s *PostgresStore) ListMembers(ctx context.Context, roomIDs ...string) ([]Member, error) {
	if len(roomIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT rm.id::text, rm.room_id::text, rm.user_id::text, rm.role, rm.created_at,
		p.username, p.avatar_url
		FROM room_members AS rm LEFT JOIN profiles AS p ON p.id = rm.user_id
		WHERE rm.room_id::text = ANY($1)
		ORDER BY rm.created_at
	`, roomIDs)
	if err != nil {
		return nil, fmt.Errorf("Query: %w", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var (
			m                Member
			username, avatar *string
		)
		if err := rows.Scan(&m.ID, &m.RoomID, &m.UserID, &m.Role, &m.CreatedAt,
			&username, &avatar); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		m.Profile = Profile{ID: m.UserID, Username: deref(username), AvatarURL: deref(avatar)}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	return members, nil
}

func (s *PostgresStore) InsertMember(ctx context.Context, roomID, userID string, role MemberRole) (*Membership, error) {
	if role == "" {
		role = RoleMember
	}
	m := &Membership{RoomID: roomID, UserID: userID, Role: role}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO room_members (room_id, user_id, role)
		VALUES ($1, $2, $3)
		RETURNING id::text, created_at
	`, roomID, userID, role).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return nil, postgresError("QueryRow", err)
	}
	return m, nil
}

func (s *PostgresStore) DeleteMember(ctx context.Context, roomID, userID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM room_members WHERE room_id::text = $1 AND user_id::text = $2`, roomID, userID)
	if err != nil {
		return fmt.Errorf("Exec: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProfile(ctx context.Context, id string) (*Profile, error) {
	var (
		p      Profile
		avatar *string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id::text, username, avatar_url, created_at, updated_at
		FROM profiles WHERE id::text = $1
	`, id).Scan(&p.ID, &p.Username, &avatar, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("QueryRow: %w", err)
	}
	p.AvatarURL = deref(avatar)
	return &p, nil
}

func (s *PostgresStore) SearchProfiles(ctx context.Context, term string, limit int) ([]Profile, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, username, avatar_url FROM profiles
		WHERE username ILIKE '%' || $1 || '%'
		ORDER BY username
		LIMIT $2
	`, escapeLike(term), limit)
	if err != nil {
		return nil, fmt.Errorf("Query: %w", err)
	}
	defer rows.Close()

	var profiles []Profile
	for rows.Next() {
		var (
			p      Profile
			avatar *string
		)
		if err := rows.Scan(&p.ID, &p.Username, &avatar); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		p.AvatarURL = deref(avatar)
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	return profiles, nil
}

func (s *PostgresStore) UpsertProfile(ctx context.Context, p Profile) error {
	if err := Validate(p); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO profiles (id, username, avatar_url)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
		username = excluded.username, avatar_url = excluded.avatar_url, updated_at = now()
	`, p.ID, p.Username, nullable(p.AvatarURL))
	if err != nil {
		return postgresError("Exec", err)
	}
	return nil
}

func (s *PostgresStore) ListPins(ctx context.Context, roomID, userID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT message_id FROM pinned_messages
		WHERE room_id::text = $1 AND user_id::text = $2
		ORDER BY created_at
	`, roomID, userID)
	if err != nil {
		return nil, fmt.Errorf("Query: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("CollectRows: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) InsertPin(ctx context.Context, p Pin) error {
	if err := Validate(p); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pinned_messages (user_id, message_id, room_id) VALUES ($1, $2, $3)
	`, p.UserID, p.MessageID, p.RoomID)
	if err != nil {
		return postgresError("Exec", err)
	}
	return nil
}

func (s *PostgresStore) DeletePin(ctx context.Context, userID, messageID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM pinned_messages WHERE user_id::text = $1 AND message_id = $2`, userID, messageID)
	if err != nil {
		return fmt.Errorf("Exec: %w", err)
	}
	return nil
}
