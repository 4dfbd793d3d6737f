// ABOUTME: Session persistence on the SQLite store
// ABOUTME: Covers creation, revocation and expiry cleanup

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateSession inserts a new session row
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	query := `
		INSERT INTO sessions (id, user_id, issued_at, expires_at, revoked, fingerprint)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	revoked := 0
	if sess.Revoked {
		revoked = 1
	}
	_, err := s.db.ExecContext(ctx, query,
		sess.ID, sess.UserID, fmtTime(sess.IssuedAt), fmtTime(sess.ExpiresAt), revoked, sess.Fingerprint,
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, issued_at, expires_at, revoked, fingerprint FROM sessions WHERE id = ?`, id)

	sess := &Session{}
	var issuedAt, expiresAt string
	var revoked int
	var fingerprint sql.NullString
	if err := row.Scan(&sess.ID, &sess.UserID, &issuedAt, &expiresAt, &revoked, &fingerprint); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	sess.Revoked = revoked != 0
	sess.Fingerprint = fingerprint.String
	var err error
	if sess.IssuedAt, err = parseTime(issuedAt); err != nil {
		return nil, fmt.Errorf("parsing issued_at: %w", err)
	}
	if sess.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	return sess, nil
}

// RevokeSession marks a session revoked
func (s *SQLiteStore) RevokeSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET revoked = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("revoking session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.logger.Debug("revoked session", "session_id", id)
	return nil
}

// RevokeUserSessions marks all of a user's sessions revoked
func (s *SQLiteStore) RevokeUserSessions(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE sessions SET revoked = 1 WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("revoking user sessions: %w", err)
	}
	return nil
}

// ExtendSession moves a session's expiry forward. Revoked sessions stay revoked.
func (s *SQLiteStore) ExtendSession(ctx context.Context, id string, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET expires_at = ? WHERE id = ? AND revoked = 0`,
		fmtTime(expiresAt), id,
	)
	if err != nil {
		return fmt.Errorf("extending session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpiredSessions removes sessions that expired before the given time
func (s *SQLiteStore) DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`, fmtTime(before))
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RecordLoginAttempt appends one login attempt row
func (s *SQLiteStore) RecordLoginAttempt(ctx context.Context, a *LoginAttempt) error {
	success := 0
	if a.Success {
		success = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO login_attempts (id, identifier, remote_ip, success, created_at) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.Identifier, a.RemoteIP, success, fmtTime(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("recording login attempt: %w", err)
	}
	return nil
}

// CountRecentFailures counts failed attempts matching the identifier or IP since the given time,
// ignoring those made before the identifier's last successful attempt
func (s *SQLiteStore) CountRecentFailures(ctx context.Context, identifier, remoteIP string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM login_attempts WHERE success = 0 AND created_at >= ? AND (identifier = ? OR remote_ip = ?)
		 AND created_at > COALESCE((SELECT MAX(created_at) FROM login_attempts WHERE success = 1 AND identifier = ?), '')`,
		fmtTime(since), identifier, remoteIP, identifier,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting login failures: %w", err)
	}
	return count, nil
}

// PruneLoginAttempts deletes attempts older than the given time
func (s *SQLiteStore) PruneLoginAttempts(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM login_attempts WHERE created_at < ?`, fmtTime(before))
	if err != nil {
		return 0, fmt.Errorf("pruning login attempts: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
