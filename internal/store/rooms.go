// ABOUTME: Room and membership persistence on the SQLite store
// ABOUTME: Room creation commits the creator's owner membership in one transaction

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const roomColumns = `id, name, description, visibility, creator_id, created_at`

func scanRoom(row interface{ Scan(...any) error }) (*Room, error) {
	r := &Room{}
	var visibility, createdAt string
	if err := row.Scan(&r.ID, &r.Name, &r.Description, &visibility, &r.CreatorID, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning room: %w", err)
	}
	r.Visibility = RoomVisibility(visibility)
	var err error
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return r, nil
}

func insertRoom(ctx context.Context, tx *sql.Tx, r *Room) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO rooms (id, name, description, visibility, creator_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.Description, string(r.Visibility), r.CreatorID, fmtTime(r.CreatedAt),
	)
	if err != nil {
		if mapped := mapUniqueViolation(err); mapped != err {
			return mapped
		}
		return fmt.Errorf("inserting room: %w", err)
	}
	return nil
}

func insertMembership(ctx context.Context, q interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, m *Membership) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO memberships (room_id, user_id, role, joined_at) VALUES (?, ?, ?, ?)`,
		m.RoomID, m.UserID, string(m.Role), fmtTime(m.JoinedAt),
	)
	if err != nil {
		if mapped := mapUniqueViolation(err); mapped != err {
			return mapped
		}
		return fmt.Errorf("inserting membership: %w", err)
	}
	return nil
}

// CreateRoom inserts a room and the creator's owner membership atomically
func (s *SQLiteStore) CreateRoom(ctx context.Context, r *Room, owner *Membership) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertRoom(ctx, tx, r); err != nil {
			return err
		}
		return insertMembership(ctx, tx, owner)
	})
	if err != nil {
		return err
	}
	s.logger.Debug("created room", "room_id", r.ID, "name", r.Name, "visibility", r.Visibility)
	return nil
}

// CreateDirectRoom inserts a direct room and both memberships atomically.
// The member set of a direct room never changes after this commit.
func (s *SQLiteStore) CreateDirectRoom(ctx context.Context, r *Room, a, b *Membership) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertRoom(ctx, tx, r); err != nil {
			return err
		}
		if err := insertMembership(ctx, tx, a); err != nil {
			return err
		}
		return insertMembership(ctx, tx, b)
	})
}

// GetRoom retrieves a room by id
func (s *SQLiteStore) GetRoom(ctx context.Context, id string) (*Room, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = ?`, id)
	return scanRoom(row)
}

// GetRoomByName retrieves a room by name, case-insensitively
func (s *SQLiteStore) GetRoomByName(ctx context.Context, name string) (*Room, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE name = ?`, name)
	return scanRoom(row)
}

// FindDirectRoom returns the direct room whose two members are exactly the given users
func (s *SQLiteStore) FindDirectRoom(ctx context.Context, userA, userB string) (*Room, error) {
	query := `
		SELECT ` + qualify(roomColumns, "r") + `
		FROM rooms r
		JOIN memberships ma ON ma.room_id = r.id AND ma.user_id = ?
		JOIN memberships mb ON mb.room_id = r.id AND mb.user_id = ?
		WHERE r.visibility = 'direct'
		LIMIT 1
	`
	row := s.db.QueryRowContext(ctx, query, userA, userB)
	return scanRoom(row)
}

// ListRoomsVisibleTo returns public rooms plus rooms the user belongs to,
// ordered by room id with cursor pagination.
func (s *SQLiteStore) ListRoomsVisibleTo(ctx context.Context, userID string, page Page) ([]*Room, string, error) {
	limit := clampLimit(page.Limit)

	query := `
		SELECT ` + qualify(roomColumns, "r") + `
		FROM rooms r
		WHERE (r.visibility = 'public'
			OR EXISTS (SELECT 1 FROM memberships m WHERE m.room_id = r.id AND m.user_id = ?))
	`
	args := []any{userID}
	if page.Cursor != "" {
		parts, err := decodeCursor(page.Cursor, 1)
		if err != nil {
			return nil, "", err
		}
		query += ` AND r.id > ?`
		args = append(args, parts[0])
	}
	query += ` ORDER BY r.id LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing rooms: %w", err)
	}
	defer rows.Close()

	var rooms []*Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, "", err
		}
		rooms = append(rooms, r)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating rooms: %w", err)
	}

	next := ""
	if len(rooms) > limit {
		rooms = rooms[:limit]
		next = encodeCursor(rooms[len(rooms)-1].ID)
	}
	return rooms, next, nil
}

// DeleteRoom removes a room; memberships, messages and invitations cascade
func (s *SQLiteStore) DeleteRoom(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting room: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.logger.Debug("deleted room", "room_id", id)
	return nil
}

// AddMember inserts a membership row
func (s *SQLiteStore) AddMember(ctx context.Context, m *Membership) error {
	return insertMembership(ctx, s.db, m)
}

// GetMembership retrieves the membership for a (room, user) pair
func (s *SQLiteStore) GetMembership(ctx context.Context, roomID, userID string) (*Membership, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT room_id, user_id, role, joined_at FROM memberships WHERE room_id = ? AND user_id = ?`,
		roomID, userID,
	)
	return scanMembership(row)
}

func scanMembership(row interface{ Scan(...any) error }) (*Membership, error) {
	m := &Membership{}
	var role, joinedAt string
	if err := row.Scan(&m.RoomID, &m.UserID, &role, &joinedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning membership: %w", err)
	}
	m.Role = MemberRole(role)
	var err error
	if m.JoinedAt, err = parseTime(joinedAt); err != nil {
		return nil, fmt.Errorf("parsing joined_at: %w", err)
	}
	return m, nil
}

// ListMembers returns all memberships of a room ordered by join time
func (s *SQLiteStore) ListMembers(ctx context.Context, roomID string) ([]*Membership, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT room_id, user_id, role, joined_at FROM memberships WHERE room_id = ? ORDER BY joined_at, user_id`,
		roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing members: %w", err)
	}
	defer rows.Close()

	var members []*Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating members: %w", err)
	}
	return members, nil
}

// ListUserMemberships returns all rooms a user belongs to
func (s *SQLiteStore) ListUserMemberships(ctx context.Context, userID string) ([]*Membership, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT room_id, user_id, role, joined_at FROM memberships WHERE user_id = ? ORDER BY joined_at`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing user memberships: %w", err)
	}
	defer rows.Close()

	var members []*Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating user memberships: %w", err)
	}
	return members, nil
}

// CountMembers returns the number of members of a room
func (s *SQLiteStore) CountMembers(ctx context.Context, roomID string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memberships WHERE room_id = ?`, roomID).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting members: %w", err)
	}
	return count, nil
}

// UpdateMemberRole changes a member's role within a room
func (s *SQLiteStore) UpdateMemberRole(ctx context.Context, roomID, userID string, role MemberRole) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memberships SET role = ? WHERE room_id = ? AND user_id = ?`,
		string(role), roomID, userID,
	)
	if err != nil {
		return fmt.Errorf("updating member role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RemoveMember deletes the membership for a (room, user) pair
func (s *SQLiteStore) RemoveMember(ctx context.Context, roomID, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memberships WHERE room_id = ? AND user_id = ?`, roomID, userID)
	if err != nil {
		return fmt.Errorf("removing member: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// qualify prefixes each column in a comma-separated list with a table alias.
func qualify(columns, alias string) string {
	parts := strings.Split(columns, ",")
	for i, c := range parts {
		parts[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}
