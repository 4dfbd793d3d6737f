// ABOUTME: Domain event types published by the chat engine
// ABOUTME: Topics key subscriptions per room and per user

package event

import (
	"time"

	"github.com/lairchat/lair/internal/store"
)

// Type discriminates domain events
type Type string

const (
	TypeMessagePosted      Type = "message_posted"
	TypeMessageEdited      Type = "message_edited"
	TypeMessageDeleted     Type = "message_deleted"
	TypeMemberJoined       Type = "member_joined"
	TypeMemberLeft         Type = "member_left"
	TypePresenceChanged    Type = "presence_changed"
	TypeInvitationReceived Type = "invitation_received"
	TypeShutdown           Type = "shutdown"
)

// Presence values carried by TypePresenceChanged events
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceAway    Presence = "away"
	PresenceOffline Presence = "offline"
)

// Event is one domain event. Fields beyond ID/Type/At are set per type:
// message events carry Message, membership events carry Member, presence
// events carry UserID+Presence, invitation events carry Invitation.
type Event struct {
	ID     string
	Type   Type
	At     time.Time
	RoomID string
	UserID string

	Message    *store.Message
	Member     *store.Membership
	Presence   Presence
	Invitation *store.Invitation
}

// RoomTopic is the subscription key for a room's events
func RoomTopic(roomID string) string {
	return "room:" + roomID
}

// UserTopic is the subscription key for a user's direct events
// (invitations and the user's own membership changes); presence changes go
// to BroadcastTopic
func UserTopic(userID string) string {
	return "user:" + userID
}

// BroadcastTopic receives process-wide notices such as shutdown
const BroadcastTopic = "broadcast"
