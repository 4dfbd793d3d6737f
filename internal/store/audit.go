// ABOUTME: Append-only audit log persistence on the SQLite store
// ABOUTME: Entries record actor, action, target and outcome for mutating operations

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// AppendAudit persists an audit entry. The log is append-only; there is no
// update or delete path.
func (s *SQLiteStore) AppendAudit(ctx context.Context, e *AuditEntry) error {
	var detail any
	if e.DetailJSON != "" {
		detail = e.DetailJSON
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, actor_id, action, target_type, target_id, outcome, ts, detail_json) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ActorID, e.Action, e.TargetType, e.TargetID, e.Outcome, fmtTime(e.Timestamp), detail,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// ListAudit returns audit entries newest-first with cursor pagination. The
// cursor is the (ts, id) pair of the last entry of the previous page.
func (s *SQLiteStore) ListAudit(ctx context.Context, page Page) ([]*AuditEntry, string, error) {
	limit := clampLimit(page.Limit)

	query := `SELECT id, actor_id, action, target_type, target_id, outcome, ts, detail_json FROM audit_log`
	args := []any{}
	if page.Cursor != "" {
		parts, err := decodeCursor(page.Cursor, 2)
		if err != nil {
			return nil, "", err
		}
		query += ` WHERE (ts < ?) OR (ts = ? AND id < ?)`
		args = append(args, parts[0], parts[0], parts[1])
	}
	query += ` ORDER BY ts DESC, id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		e := &AuditEntry{}
		var ts string
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Action, &e.TargetType, &e.TargetID, &e.Outcome, &ts, &detail); err != nil {
			return nil, "", fmt.Errorf("scanning audit entry: %w", err)
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, "", fmt.Errorf("parsing ts: %w", err)
		}
		e.DetailJSON = detail.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating audit entries: %w", err)
	}

	next := ""
	if len(entries) > limit {
		entries = entries[:limit]
		last := entries[len(entries)-1]
		next = encodeCursor(fmtTime(last.Timestamp), last.ID)
	}
	return entries, next, nil
}
