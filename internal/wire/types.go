// ABOUTME: JSON message envelope types for the TCP protocol
// ABOUTME: Every payload is a JSON object with a type discriminator field

package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message type tags. The tag is the JSON "type" field of every payload.
const (
	TypeClientHello = "client_hello"
	TypeServerHello = "server_hello"
	TypeClientKey   = "client_key"
	TypeServerKey   = "server_key"

	TypeLogin     = "login"
	TypeRegister  = "register"
	TypeAuthToken = "auth_token"
	TypeAuthOk    = "auth_ok"
	TypeAuthErr   = "auth_err"

	TypeListRooms   = "list_rooms"
	TypeCreateRoom  = "create_room"
	TypeJoinRoom    = "join_room"
	TypeLeaveRoom   = "leave_room"
	TypePostMessage = "post_message"
	TypeEditMessage = "edit_message"
	TypeDeleteMsg   = "delete_message"
	TypeListMembers = "list_members"
	TypeInvite      = "invite"
	TypeRespondInv  = "respond_invitation"
	TypeSetPresence = "set_presence"
	TypeOpenDirect  = "open_direct"
	TypeHistory     = "history"

	TypeMessagePosted   = "message_posted"
	TypeMessageEdited   = "message_edited"
	TypeMessageDeleted  = "message_deleted"
	TypeMemberJoined    = "member_joined"
	TypeMemberLeft      = "member_left"
	TypePresenceChanged = "presence_changed"
	TypeInvitationRecvd = "invitation_received"

	TypePing     = "ping"
	TypePong     = "pong"
	TypeShutdown = "shutdown"
	TypeError    = "error"
	TypeOk       = "ok"
)

// ProtocolVersion is the current wire protocol version.
const ProtocolVersion = 1

// Envelope carries only the discriminator. Decode the payload once for the
// tag, then again into the concrete type.
type Envelope struct {
	Type string `json:"type"`
}

// PeekType extracts the type tag without decoding the rest of the payload.
func PeekType(payload []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", fmt.Errorf("decoding envelope: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("missing type field")
	}
	return env.Type, nil
}

// Decode unmarshals a payload into the concrete message type.
func Decode[T any](payload []byte) (*T, error) {
	msg := new(T)
	if err := json.Unmarshal(payload, msg); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	return msg, nil
}

// Encode marshals a message. The caller is responsible for setting the Type field.
func Encode(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

// ClientHello opens the handshake.
type ClientHello struct {
	Type         string   `json:"type"`
	Version      int      `json:"version"`
	Capabilities []string `json:"capabilities,omitempty"`
	Encryption   bool     `json:"encryption"`
}

// ServerHello answers the handshake with the chosen capabilities.
type ServerHello struct {
	Type         string   `json:"type"`
	Version      int      `json:"version"`
	Capabilities []string `json:"capabilities,omitempty"`
	Encryption   bool     `json:"encryption"`
}

// ClientKey carries the client's ephemeral X25519 public key.
type ClientKey struct {
	Type string `json:"type"`
	Key  []byte `json:"key"` // 32 bytes, base64 in JSON
}

// ServerKey carries the server's ephemeral X25519 public key.
type ServerKey struct {
	Type string `json:"type"`
	Key  []byte `json:"key"`
}

// Login authenticates with username-or-email plus password.
type Login struct {
	Type       string `json:"type"`
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

// Register creates an account over the TCP protocol.
type Register struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthToken authenticates with a previously issued bearer token.
type AuthToken struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// UserInfo is the wire representation of a user.
type UserInfo struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

// SessionInfo is the wire representation of a session.
type SessionInfo struct {
	ID        string    `json:"id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AuthOk confirms authentication and carries the session token.
type AuthOk struct {
	Type    string      `json:"type"`
	User    UserInfo    `json:"user"`
	Session SessionInfo `json:"session"`
	Token   string      `json:"token"`
}

// AuthErr reports an authentication failure; the connection stays in the
// Authentication state until the attempt cap.
type AuthErr struct {
	Type    string `json:"type"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Command payloads. ID correlates a response to its request.

type ListRooms struct {
	Type   string `json:"type"`
	ID     string `json:"id,omitempty"`
	Cursor string `json:"cursor,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type CreateRoom struct {
	Type        string `json:"type"`
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Visibility  string `json:"visibility"`
}

type JoinRoom struct {
	Type   string `json:"type"`
	ID     string `json:"id,omitempty"`
	RoomID string `json:"room_id"`
}

type LeaveRoom struct {
	Type   string `json:"type"`
	ID     string `json:"id,omitempty"`
	RoomID string `json:"room_id"`
}

type PostMessage struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	RoomID  string `json:"room_id"`
	Content string `json:"content"`
}

type EditMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	MessageID int64  `json:"message_id"`
	Content   string `json:"content"`
}

type DeleteMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	MessageID int64  `json:"message_id"`
}

type ListMembers struct {
	Type   string `json:"type"`
	ID     string `json:"id,omitempty"`
	RoomID string `json:"room_id"`
}

type Invite struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	RoomID    string `json:"room_id"`
	InviteeID string `json:"invitee_id"`
}

type RespondInvitation struct {
	Type         string `json:"type"`
	ID           string `json:"id,omitempty"`
	InvitationID string `json:"invitation_id"`
	Accept       bool   `json:"accept"`
}

type SetPresence struct {
	Type     string `json:"type"`
	ID       string `json:"id,omitempty"`
	Presence string `json:"presence"`
}

type OpenDirect struct {
	Type   string `json:"type"`
	ID     string `json:"id,omitempty"`
	UserID string `json:"user_id"`
}

type History struct {
	Type   string `json:"type"`
	ID     string `json:"id,omitempty"`
	RoomID string `json:"room_id"`
	Cursor string `json:"cursor,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type Ping struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

type Pong struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// Ok is the generic success response; Data holds the command-specific result.
type Ok struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Error is the generic failure response. Protocol-class errors are followed
// by a connection close.
type Error struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MessageInfo is the wire representation of a message, tombstones included.
type MessageInfo struct {
	ID        int64      `json:"id"`
	RoomID    string     `json:"room_id"`
	AuthorID  string     `json:"author_id"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"created_at"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// RoomInfo is the wire representation of a room.
type RoomInfo struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Visibility  string    `json:"visibility"`
	CreatedAt   time.Time `json:"created_at"`
}

// MemberInfo is the wire representation of a membership.
type MemberInfo struct {
	RoomID   string    `json:"room_id"`
	UserID   string    `json:"user_id"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

// InvitationInfo is the wire representation of an invitation.
type InvitationInfo struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	InviterID string    `json:"inviter_id"`
	InviteeID string    `json:"invitee_id"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// Push event payloads mirror the server-initiated event types.

type MessagePosted struct {
	Type    string      `json:"type"`
	Message MessageInfo `json:"message"`
}

type MessageEdited struct {
	Type    string      `json:"type"`
	Message MessageInfo `json:"message"`
}

type MessageDeleted struct {
	Type      string `json:"type"`
	RoomID    string `json:"room_id"`
	MessageID int64  `json:"message_id"`
}

type MemberJoined struct {
	Type   string     `json:"type"`
	Member MemberInfo `json:"member"`
}

type MemberLeft struct {
	Type   string     `json:"type"`
	Member MemberInfo `json:"member"`
}

type PresenceChanged struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	Presence string `json:"presence"`
}

type InvitationReceived struct {
	Type       string         `json:"type"`
	Invitation InvitationInfo `json:"invitation"`
}

// Shutdown notifies clients that the server is draining.
type Shutdown struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}
