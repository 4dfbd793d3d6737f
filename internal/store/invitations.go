// ABOUTME: Invitation persistence on the SQLite store
// ABOUTME: State transitions out of Pending are atomic with membership creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateInvitation inserts a new invitation in Pending state
func (s *SQLiteStore) CreateInvitation(ctx context.Context, inv *Invitation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invitations (id, room_id, inviter_id, invitee_id, state, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.RoomID, inv.InviterID, inv.InviteeID, string(inv.State), fmtTime(inv.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting invitation: %w", err)
	}
	s.logger.Debug("created invitation", "invitation_id", inv.ID, "room_id", inv.RoomID, "invitee_id", inv.InviteeID)
	return nil
}

const invitationColumns = `id, room_id, inviter_id, invitee_id, state, created_at`

func scanInvitation(row interface{ Scan(...any) error }) (*Invitation, error) {
	inv := &Invitation{}
	var state, createdAt string
	if err := row.Scan(&inv.ID, &inv.RoomID, &inv.InviterID, &inv.InviteeID, &state, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning invitation: %w", err)
	}
	inv.State = InvitationState(state)
	var err error
	if inv.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return inv, nil
}

// GetInvitation retrieves an invitation by id
func (s *SQLiteStore) GetInvitation(ctx context.Context, id string) (*Invitation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+invitationColumns+` FROM invitations WHERE id = ?`, id)
	return scanInvitation(row)
}

// GetPendingInvitation finds the pending invitation for a (room, invitee) pair
func (s *SQLiteStore) GetPendingInvitation(ctx context.Context, roomID, inviteeID string) (*Invitation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+invitationColumns+` FROM invitations WHERE room_id = ? AND invitee_id = ? AND state = 'pending' LIMIT 1`,
		roomID, inviteeID,
	)
	return scanInvitation(row)
}

// ResolveInvitation transitions a pending invitation to a terminal state. When
// membership is non-nil (Accept) it is inserted in the same transaction. A
// non-pending invitation returns ErrInvitationClosed; terminal states never
// transition again.
func (s *SQLiteStore) ResolveInvitation(ctx context.Context, id string, state InvitationState, membership *Membership) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE invitations SET state = ? WHERE id = ? AND state = 'pending'`,
			string(state), id,
		)
		if err != nil {
			return fmt.Errorf("updating invitation: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			// Either the row does not exist or it has already been resolved.
			var exists int
			if err := tx.QueryRowContext(ctx, `SELECT 1 FROM invitations WHERE id = ?`, id).Scan(&exists); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return ErrNotFound
				}
				return fmt.Errorf("checking invitation: %w", err)
			}
			return ErrInvitationClosed
		}
		if membership != nil {
			return insertMembership(ctx, tx, membership)
		}
		return nil
	})
}

// ListInvitationsForUser returns the pending invitations addressed to a user
func (s *SQLiteStore) ListInvitationsForUser(ctx context.Context, inviteeID string) ([]*Invitation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+invitationColumns+` FROM invitations WHERE invitee_id = ? AND state = 'pending' ORDER BY created_at`,
		inviteeID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing invitations: %w", err)
	}
	defer rows.Close()

	var invitations []*Invitation
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, err
		}
		invitations = append(invitations, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating invitations: %w", err)
	}
	return invitations, nil
}
