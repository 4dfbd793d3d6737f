// ABOUTME: JSON representations of domain entities for the HTTP API
// ABOUTME: Conversion helpers from store types

package httpapi

import (
	"time"

	"github.com/lairchat/lair/internal/store"
)

type userJSON struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	Email       string    `json:"email,omitempty"`
	DisplayName string    `json:"display_name"`
	Role        string    `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
}

func toUserJSON(u *store.User, includeEmail bool) userJSON {
	out := userJSON{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		Role:        string(u.Role),
		CreatedAt:   u.CreatedAt,
	}
	if includeEmail {
		out.Email = u.Email
	}
	return out
}

type sessionJSON struct {
	ID        string    `json:"id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func toSessionJSON(s *store.Session) sessionJSON {
	return sessionJSON{ID: s.ID, IssuedAt: s.IssuedAt, ExpiresAt: s.ExpiresAt}
}

type roomJSON struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Visibility  string    `json:"visibility"`
	CreatorID   string    `json:"creator_id"`
	CreatedAt   time.Time `json:"created_at"`
}

func toRoomJSON(r *store.Room) roomJSON {
	return roomJSON{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Visibility:  string(r.Visibility),
		CreatorID:   r.CreatorID,
		CreatedAt:   r.CreatedAt,
	}
}

type memberJSON struct {
	RoomID   string    `json:"room_id"`
	UserID   string    `json:"user_id"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

func toMemberJSON(m *store.Membership) memberJSON {
	return memberJSON{RoomID: m.RoomID, UserID: m.UserID, Role: string(m.Role), JoinedAt: m.JoinedAt}
}

type messageJSON struct {
	ID        int64      `json:"id"`
	RoomID    string     `json:"room_id"`
	AuthorID  string     `json:"author_id"`
	Content   string     `json:"content"`
	Deleted   bool       `json:"deleted,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`
}

func toMessageJSON(m *store.Message) messageJSON {
	return messageJSON{
		ID:        m.ID,
		RoomID:    m.RoomID,
		AuthorID:  m.AuthorID,
		Content:   m.Content,
		Deleted:   m.Deleted(),
		CreatedAt: m.CreatedAt,
		EditedAt:  m.EditedAt,
	}
}

type invitationJSON struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	InviterID string    `json:"inviter_id"`
	InviteeID string    `json:"invitee_id"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

func toInvitationJSON(inv *store.Invitation) invitationJSON {
	return invitationJSON{
		ID:        inv.ID,
		RoomID:    inv.RoomID,
		InviterID: inv.InviterID,
		InviteeID: inv.InviteeID,
		State:     string(inv.State),
		CreatedAt: inv.CreatedAt,
	}
}

type auditJSON struct {
	ID         string    `json:"id"`
	ActorID    string    `json:"actor_id"`
	Action     string    `json:"action"`
	TargetType string    `json:"target_type"`
	TargetID   string    `json:"target_id"`
	Outcome    string    `json:"outcome"`
	Timestamp  time.Time `json:"timestamp"`
	Details    string    `json:"details,omitempty"`
}

func toAuditJSON(e *store.AuditEntry) auditJSON {
	return auditJSON{
		ID:         e.ID,
		ActorID:    e.ActorID,
		Action:     e.Action,
		TargetType: e.TargetType,
		TargetID:   e.TargetID,
		Outcome:    e.Outcome,
		Timestamp:  e.Timestamp,
		Details:    e.DetailJSON,
	}
}
