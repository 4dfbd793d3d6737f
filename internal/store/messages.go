// ABOUTME: Message persistence on the SQLite store with tombstone deletion
// ABOUTME: Ids are AUTOINCREMENT so they are globally monotonic, hence monotonic per room

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// InsertMessage inserts a message and fills in the assigned monotonic id.
func (s *SQLiteStore) InsertMessage(ctx context.Context, m *Message) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (room_id, author_id, content, created_at) VALUES (?, ?, ?, ?)`,
		m.RoomID, m.AuthorID, m.Content, fmtTime(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading message id: %w", err)
	}
	m.ID = id

	s.logger.Debug("inserted message", "message_id", id, "room_id", m.RoomID)
	return nil
}

const messageColumns = `id, room_id, author_id, content, created_at, edited_at, deleted_at`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	m := &Message{}
	var createdAt string
	var editedAt, deletedAt sql.NullString
	if err := row.Scan(&m.ID, &m.RoomID, &m.AuthorID, &m.Content, &createdAt, &editedAt, &deletedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning message: %w", err)
	}
	var err error
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if m.EditedAt, err = parseTimePtr(editedAt); err != nil {
		return nil, fmt.Errorf("parsing edited_at: %w", err)
	}
	if m.DeletedAt, err = parseTimePtr(deletedAt); err != nil {
		return nil, fmt.Errorf("parsing deleted_at: %w", err)
	}
	return m, nil
}

// GetMessage retrieves a message by id. Tombstones are returned with empty content.
func (s *SQLiteStore) GetMessage(ctx context.Context, id int64) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

// UpdateMessageContent replaces the content of a non-deleted message
func (s *SQLiteStore) UpdateMessageContent(ctx context.Context, id int64, content string, editedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = ?, edited_at = ? WHERE id = ? AND deleted_at IS NULL`,
		content, fmtTime(editedAt), id,
	)
	if err != nil {
		return fmt.Errorf("updating message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TombstoneMessage clears content and marks the message deleted in one statement.
// The row is retained so per-room ids and history positions survive.
func (s *SQLiteStore) TombstoneMessage(ctx context.Context, id int64, deletedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = '', deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		fmtTime(deletedAt), id,
	)
	if err != nil {
		return fmt.Errorf("tombstoning message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.logger.Debug("tombstoned message", "message_id", id)
	return nil
}

// ListRoomMessages returns a room's messages most-recent-first. The cursor is
// the id of the oldest message of the previous page.
func (s *SQLiteStore) ListRoomMessages(ctx context.Context, roomID string, page Page) ([]*Message, string, error) {
	limit := clampLimit(page.Limit)

	query := `SELECT ` + messageColumns + ` FROM messages WHERE room_id = ?`
	args := []any{roomID}
	if page.Cursor != "" {
		before, err := decodeIntCursor(page.Cursor)
		if err != nil {
			return nil, "", err
		}
		query += ` AND id < ?`
		args = append(args, before)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, "", err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating messages: %w", err)
	}

	next := ""
	if len(messages) > limit {
		messages = messages[:limit]
		next = encodeCursor(strconv.FormatInt(messages[len(messages)-1].ID, 10))
	}
	return messages, next, nil
}

// DeleteRoomMessages hard-deletes all messages of a room. Used for direct-room
// retention, not for user-facing deletion.
func (s *SQLiteStore) DeleteRoomMessages(ctx context.Context, roomID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE room_id = ?`, roomID)
	if err != nil {
		return 0, fmt.Errorf("deleting room messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
