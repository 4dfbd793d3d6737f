// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides schema creation, idempotent migrations and transaction helpers

package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Single writer; the pool must not hand out a second connection for
	// an in-memory database or each would see its own empty schema.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// Schema segments split for maintainability.
var (
	schemaAccountsSQL = `
CREATE TABLE IF NOT EXISTS users (id TEXT PRIMARY KEY, username TEXT NOT NULL COLLATE NOCASE, email TEXT NOT NULL COLLATE NOCASE, password_hash TEXT NOT NULL, role TEXT NOT NULL DEFAULT 'user', display_name TEXT NOT NULL, created_at TEXT NOT NULL, updated_at TEXT NOT NULL, CHECK (role IN ('user', 'moderator', 'admin')));
CREATE UNIQUE INDEX IF NOT EXISTS idx_users_username ON users(username);
CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email ON users(email);
CREATE TABLE IF NOT EXISTS sessions (id TEXT PRIMARY KEY, user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE, issued_at TEXT NOT NULL, expires_at TEXT NOT NULL, revoked INTEGER NOT NULL DEFAULT 0, fingerprint TEXT);
CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);
CREATE TABLE IF NOT EXISTS login_attempts (id TEXT PRIMARY KEY, identifier TEXT NOT NULL COLLATE NOCASE, remote_ip TEXT NOT NULL, success INTEGER NOT NULL, created_at TEXT NOT NULL);
CREATE INDEX IF NOT EXISTS idx_login_attempts_identifier ON login_attempts(identifier, created_at);
CREATE INDEX IF NOT EXISTS idx_login_attempts_ip ON login_attempts(remote_ip, created_at);
`
	schemaRoomsSQL = `
CREATE TABLE IF NOT EXISTS rooms (id TEXT PRIMARY KEY, name TEXT NOT NULL COLLATE NOCASE, description TEXT NOT NULL DEFAULT '', visibility TEXT NOT NULL, creator_id TEXT NOT NULL REFERENCES users(id), created_at TEXT NOT NULL, CHECK (visibility IN ('public', 'private', 'direct')));
CREATE UNIQUE INDEX IF NOT EXISTS idx_rooms_name ON rooms(name);
CREATE TABLE IF NOT EXISTS memberships (room_id TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE, user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE, role TEXT NOT NULL, joined_at TEXT NOT NULL, PRIMARY KEY (room_id, user_id), CHECK (role IN ('owner', 'moderator', 'member')));
CREATE INDEX IF NOT EXISTS idx_memberships_user ON memberships(user_id);
`
	schemaMessagesSQL = `
CREATE TABLE IF NOT EXISTS messages (id INTEGER PRIMARY KEY AUTOINCREMENT, room_id TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE, author_id TEXT NOT NULL, content TEXT NOT NULL, created_at TEXT NOT NULL, edited_at TEXT, deleted_at TEXT);
CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id, id DESC);
CREATE TABLE IF NOT EXISTS invitations (id TEXT PRIMARY KEY, room_id TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE, inviter_id TEXT NOT NULL, invitee_id TEXT NOT NULL, state TEXT NOT NULL DEFAULT 'pending', created_at TEXT NOT NULL, CHECK (state IN ('pending', 'accepted', 'declined', 'revoked')));
CREATE INDEX IF NOT EXISTS idx_invitations_invitee ON invitations(invitee_id, state);
CREATE INDEX IF NOT EXISTS idx_invitations_room ON invitations(room_id, invitee_id);
`
	schemaAuditSQL = `
CREATE TABLE IF NOT EXISTS audit_log (id TEXT PRIMARY KEY, actor_id TEXT NOT NULL, action TEXT NOT NULL, target_type TEXT NOT NULL, target_id TEXT NOT NULL, outcome TEXT NOT NULL, ts TEXT NOT NULL, detail_json TEXT);
CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts DESC);
CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_log(actor_id);
`
)

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schemas := []string{schemaAccountsSQL, schemaRoomsSQL, schemaMessagesSQL, schemaAuditSQL}
	for _, sql := range schemas {
		if _, err := s.db.Exec(sql); err != nil {
			return err
		}
	}
	return nil
}

// columnMigration defines a column migration with check and apply queries.
type columnMigration struct {
	check  string
	apply  string
	column string
	table  string
}

// applyColumnMigration applies a single column migration if needed.
func (s *SQLiteStore) applyColumnMigration(m columnMigration) error {
	var exists int
	if err := s.db.QueryRow(m.check).Scan(&exists); err == nil {
		return nil // Column already exists
	}
	if _, err := s.db.Exec(m.apply); err != nil {
		return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
	}
	s.logger.Info("applied migration", "column", m.column, "table", m.table)
	return nil
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	migrations := []columnMigration{
		{`SELECT 1 FROM pragma_table_info('sessions') WHERE name = 'fingerprint'`, `ALTER TABLE sessions ADD COLUMN fingerprint TEXT`, "fingerprint", "sessions"},
		{`SELECT 1 FROM pragma_table_info('messages') WHERE name = 'edited_at'`, `ALTER TABLE messages ADD COLUMN edited_at TEXT`, "edited_at", "messages"},
		// Schema reservation for file attachments; no reader or writer yet.
		{`SELECT 1 FROM pragma_table_info('messages') WHERE name = 'attachment_ref'`, `ALTER TABLE messages ADD COLUMN attachment_ref TEXT`, "attachment_ref", "messages"},
	}

	for _, m := range migrations {
		if err := s.applyColumnMigration(m); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, committing on nil error.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// mapUniqueViolation translates SQLite unique-constraint failures into the
// store's typed errors. Returns the original error when it is not a unique
// violation, or nil input unchanged.
func mapUniqueViolation(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if !strings.Contains(msg, "UNIQUE constraint failed") && !strings.Contains(msg, "constraint failed") {
		return err
	}
	switch {
	case strings.Contains(msg, "users.username"), strings.Contains(msg, "idx_users_username"):
		return ErrNameTaken
	case strings.Contains(msg, "users.email"), strings.Contains(msg, "idx_users_email"):
		return ErrEmailTaken
	case strings.Contains(msg, "rooms.name"), strings.Contains(msg, "idx_rooms_name"):
		return ErrRoomNameTaken
	case strings.Contains(msg, "memberships"):
		return ErrAlreadyMember
	}
	return err
}

// IsBusy reports whether the error is a transient SQLite concurrency error
// that warrants a single retry.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// Cursors are opaque to callers: base64 of the boundary row key.

func encodeCursor(parts ...string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strings.Join(parts, "|")))
}

func decodeCursor(cursor string, want int) ([]string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	parts := strings.Split(string(raw), "|")
	if len(parts) != want {
		return nil, ErrInvalidCursor
	}
	return parts, nil
}

func decodeIntCursor(cursor string) (int64, error) {
	parts, err := decodeCursor(cursor, 1)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, ErrInvalidCursor
	}
	return n, nil
}

// clampLimit bounds a page limit to 1-500 with a default of 50.
func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 500:
		return 500
	}
	return limit
}
