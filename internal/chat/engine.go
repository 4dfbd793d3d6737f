// ABOUTME: Chat engine: authoritative state and transactional transitions
// ABOUTME: The only place that mutates domain data; publishes events after commit

package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lairchat/lair/internal/auth"
	"github.com/lairchat/lair/internal/event"
	"github.com/lairchat/lair/internal/ratelimit"
	"github.com/lairchat/lair/internal/session"
	"github.com/lairchat/lair/internal/store"
)

// Config tunes engine limits. Zero fields take defaults.
type Config struct {
	MaxMessageBytes       int     // default 4096
	PostPerMinute         float64 // default 60
	PostBurst             int     // default 10
	LoginPerMinute        float64 // default 10 per (ip, identifier)
	RegisterPerMinute     float64 // default 3 per ip
	PersistDirectMessages bool    // keep direct-room history past dissolution
}

func (c Config) withDefaults() Config {
	if c.MaxMessageBytes == 0 {
		c.MaxMessageBytes = 4096
	}
	if c.PostPerMinute == 0 {
		c.PostPerMinute = 60
	}
	if c.PostBurst == 0 {
		c.PostBurst = 10
	}
	if c.LoginPerMinute == 0 {
		c.LoginPerMinute = 10
	}
	if c.RegisterPerMinute == 0 {
		c.RegisterPerMinute = 3
	}
	return c
}

// Engine owns the authoritative view over the storage ports. All adapters
// funnel mutation through its command methods; events stream out through the
// dispatcher only after the storage write commits.
type Engine struct {
	store      store.Store
	sessions   *session.Manager
	dispatcher *event.Dispatcher
	hasher     *auth.Hasher
	presence   *PresenceTracker

	postLimiter     *ratelimit.Keyed
	loginLimiter    *ratelimit.Keyed
	registerLimiter *ratelimit.Keyed

	cfg    Config
	logger *slog.Logger
}

// NewEngine wires the engine to its collaborators.
func NewEngine(st store.Store, sessions *session.Manager, dispatcher *event.Dispatcher, hasher *auth.Hasher, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	e := &Engine{
		store:           st,
		sessions:        sessions,
		dispatcher:      dispatcher,
		hasher:          hasher,
		cfg:             cfg,
		logger:          logger.With("component", "engine"),
		postLimiter:     ratelimit.New(cfg.PostPerMinute, cfg.PostBurst),
		loginLimiter:    ratelimit.New(cfg.LoginPerMinute, int(cfg.LoginPerMinute)),
		registerLimiter: ratelimit.New(cfg.RegisterPerMinute, int(cfg.RegisterPerMinute)),
	}
	e.presence = NewPresenceTracker(func(userID string, p event.Presence) {
		e.dispatcher.Publish(event.BroadcastTopic, event.Event{
			ID:       uuid.New().String(),
			Type:     event.TypePresenceChanged,
			At:       time.Now(),
			UserID:   userID,
			Presence: p,
		})
	})
	return e
}

// Presence exposes the presence tracker to adapters for connection hooks.
func (e *Engine) Presence() *PresenceTracker {
	return e.presence
}

// Dispatcher exposes the event dispatcher for adapter subscriptions.
func (e *Engine) Dispatcher() *event.Dispatcher {
	return e.dispatcher
}

// Close releases engine-held resources.
func (e *Engine) Close() {
	e.postLimiter.Close()
	e.loginLimiter.Close()
	e.registerLimiter.Close()
}

// Register creates an account and issues its first session.
func (e *Engine) Register(ctx context.Context, username, email, password, remoteIP, fingerprint string) (*store.User, *store.Session, string, error) {
	if remoteIP != "" && !e.registerLimiter.Allow("register:"+remoteIP) {
		return nil, nil, "", RateLimited("too many registrations")
	}

	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	if err := validateUsername(username); err != nil {
		return nil, nil, "", err
	}
	if err := validateEmail(email); err != nil {
		return nil, nil, "", err
	}
	if err := e.hasher.CheckPolicy(password); err != nil {
		return nil, nil, "", Validation("WEAK_PASSWORD", "password does not meet policy")
	}

	hash, err := e.hasher.Hash(password)
	if err != nil {
		return nil, nil, "", Internal(err)
	}

	now := time.Now()
	user := &store.User{
		ID:           uuid.New().String(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Role:         store.RoleUser,
		DisplayName:  username,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.store.CreateUser(ctx, user); err != nil {
		return nil, nil, "", fromStore(err)
	}

	sess, token, err := e.sessions.IssueFor(ctx, user, fingerprint)
	if err != nil {
		return nil, nil, "", Internal(err)
	}

	e.audit(ctx, user.ID, "register", "user", user.ID, "ok", nil)
	e.logger.Info("user registered", "user_id", user.ID, "username", username)
	return user, sess, token, nil
}

// Authenticate verifies credentials through the session manager and maps its
// failures onto the domain taxonomy. InvalidCredentials is constant-time with
// respect to account existence.
func (e *Engine) Authenticate(ctx context.Context, identifier, password, remoteIP, fingerprint string) (*store.User, *store.Session, string, error) {
	key := "login:" + remoteIP + "|" + strings.ToLower(identifier)
	if remoteIP != "" && (!e.loginLimiter.Allow(key) || !e.loginLimiter.Allow("login:"+remoteIP)) {
		return nil, nil, "", RateLimited("too many login attempts")
	}

	user, sess, token, err := e.sessions.Authenticate(ctx, identifier, password, remoteIP, fingerprint)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrInvalidCredentials):
			return nil, nil, "", AuthError("INVALID_CREDENTIALS", "invalid credentials")
		case errors.Is(err, session.ErrLocked):
			return nil, nil, "", AuthError("LOCKED", "account temporarily locked")
		default:
			return nil, nil, "", Internal(err)
		}
	}

	e.audit(ctx, user.ID, "login", "session", sess.ID, "ok", nil)
	return user, sess, token, nil
}

// Profile returns a user by id.
func (e *Engine) Profile(ctx context.Context, userID string) (*store.User, error) {
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return nil, fromStore(err)
	}
	return user, nil
}

// CreateRoom creates a public or private room; the creator becomes Owner in
// the same transaction. Direct rooms are created through OpenDirect.
func (e *Engine) CreateRoom(ctx context.Context, actor *auth.AuthContext, name, description string, visibility store.RoomVisibility) (*store.Room, error) {
	name = strings.TrimSpace(name)
	if err := validateRoomName(name); err != nil {
		return nil, err
	}
	if visibility != store.VisibilityPublic && visibility != store.VisibilityPrivate {
		return nil, Validation("VALIDATION", "visibility must be public or private")
	}

	now := time.Now()
	room := &store.Room{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
		Visibility:  visibility,
		CreatorID:   actor.UserID,
		CreatedAt:   now,
	}
	owner := &store.Membership{
		RoomID:   room.ID,
		UserID:   actor.UserID,
		Role:     store.MemberOwner,
		JoinedAt: now,
	}
	if err := e.store.CreateRoom(ctx, room, owner); err != nil {
		return nil, fromStore(err)
	}

	// Live connections of the creator pick up the room subscription from this.
	e.publishMember(event.TypeMemberJoined, room.ID, owner)
	e.audit(ctx, actor.UserID, "create_room", "room", room.ID, "ok", map[string]any{"name": name, "visibility": visibility})
	e.logger.Info("room created", "room_id", room.ID, "name", name, "visibility", visibility)
	return room, nil
}

// OpenDirect finds or creates the direct room between the actor and another
// user. The member pair is fixed at creation and never changes.
func (e *Engine) OpenDirect(ctx context.Context, actor *auth.AuthContext, otherUserID string) (*store.Room, error) {
	if otherUserID == actor.UserID {
		return nil, Validation("VALIDATION", "cannot open a direct room with yourself")
	}
	other, err := e.store.GetUser(ctx, otherUserID)
	if err != nil {
		return nil, fromStore(err)
	}

	if room, err := e.store.FindDirectRoom(ctx, actor.UserID, other.ID); err == nil {
		return room, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fromStore(err)
	}

	lo, hi := actor.UserID, other.ID
	if lo > hi {
		lo, hi = hi, lo
	}
	now := time.Now()
	room := &store.Room{
		ID:         uuid.New().String(),
		Name:       "dm:" + lo + ":" + hi,
		Visibility: store.VisibilityDirect,
		CreatorID:  actor.UserID,
		CreatedAt:  now,
	}
	a := &store.Membership{RoomID: room.ID, UserID: actor.UserID, Role: store.MemberMember, JoinedAt: now}
	b := &store.Membership{RoomID: room.ID, UserID: other.ID, Role: store.MemberMember, JoinedAt: now}
	if err := e.store.CreateDirectRoom(ctx, room, a, b); err != nil {
		if errors.Is(err, store.ErrRoomNameTaken) {
			// Lost a race with the peer opening the same pair; reuse theirs.
			if existing, ferr := e.store.FindDirectRoom(ctx, actor.UserID, other.ID); ferr == nil {
				return existing, nil
			}
		}
		return nil, fromStore(err)
	}

	e.publishMember(event.TypeMemberJoined, room.ID, a)
	e.publishMember(event.TypeMemberJoined, room.ID, b)
	e.audit(ctx, actor.UserID, "open_direct", "room", room.ID, "ok", nil)
	return room, nil
}

// GetRoom returns a room; private and direct rooms require membership.
func (e *Engine) GetRoom(ctx context.Context, actor *auth.AuthContext, roomID string) (*store.Room, error) {
	room, err := e.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, fromStore(err)
	}
	if room.Visibility != store.VisibilityPublic {
		if _, err := e.store.GetMembership(ctx, roomID, actor.UserID); err != nil {
			// Hidden rather than forbidden: non-members cannot learn it exists.
			return nil, NotFound("room not found")
		}
	}
	return room, nil
}

// ListRooms returns rooms visible to the actor with cursor pagination.
func (e *Engine) ListRooms(ctx context.Context, actor *auth.AuthContext, page store.Page) ([]*store.Room, string, error) {
	rooms, next, err := e.store.ListRoomsVisibleTo(ctx, actor.UserID, page)
	if err != nil {
		return nil, "", fromStore(err)
	}
	return rooms, next, nil
}

// JoinRoom adds the actor to a room. Private rooms require a pending
// invitation, which is accepted atomically with the membership insert.
func (e *Engine) JoinRoom(ctx context.Context, actor *auth.AuthContext, roomID string) (*store.Membership, error) {
	room, err := e.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, fromStore(err)
	}

	if _, err := e.store.GetMembership(ctx, roomID, actor.UserID); err == nil {
		return nil, Conflict("ALREADY_MEMBER", "already a member")
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fromStore(err)
	}

	now := time.Now()
	membership := &store.Membership{
		RoomID:   roomID,
		UserID:   actor.UserID,
		Role:     store.MemberMember,
		JoinedAt: now,
	}

	switch room.Visibility {
	case store.VisibilityPublic:
		if err := e.store.AddMember(ctx, membership); err != nil {
			return nil, fromStore(err)
		}
	case store.VisibilityPrivate:
		inv, err := e.store.GetPendingInvitation(ctx, roomID, actor.UserID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, Permission("PRIVATE_NO_INVITE", "private room requires an invitation")
			}
			return nil, fromStore(err)
		}
		if err := e.store.ResolveInvitation(ctx, inv.ID, store.InvitationAccepted, membership); err != nil {
			return nil, fromStore(err)
		}
	case store.VisibilityDirect:
		// The member set of a direct room is immutable after creation.
		return nil, Permission("NOT_ALLOWED", "cannot join a direct room")
	}

	e.publishMember(event.TypeMemberJoined, roomID, membership)
	e.audit(ctx, actor.UserID, "join_room", "room", roomID, "ok", nil)
	return membership, nil
}

// LeaveRoom removes the actor from a room. Leaving a direct room dissolves
// it; an owner leaving hands ownership to the oldest moderator, else the
// oldest member; the last member leaving deletes the room.
func (e *Engine) LeaveRoom(ctx context.Context, actor *auth.AuthContext, roomID string) error {
	room, err := e.store.GetRoom(ctx, roomID)
	if err != nil {
		return fromStore(err)
	}
	membership, err := e.store.GetMembership(ctx, roomID, actor.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Permission("NOT_MEMBER", "not a member of this room")
		}
		return fromStore(err)
	}

	if room.Visibility == store.VisibilityDirect {
		return e.dissolveDirectRoom(ctx, actor, room)
	}

	members, err := e.store.ListMembers(ctx, roomID)
	if err != nil {
		return fromStore(err)
	}
	if len(members) == 1 {
		if err := e.store.DeleteRoom(ctx, roomID); err != nil {
			return fromStore(err)
		}
		e.audit(ctx, actor.UserID, "leave_room", "room", roomID, "ok", map[string]any{"dissolved": true})
		return nil
	}

	if membership.Role == store.MemberOwner {
		if heir := pickHeir(members, actor.UserID); heir != nil {
			if err := e.store.UpdateMemberRole(ctx, roomID, heir.UserID, store.MemberOwner); err != nil {
				return fromStore(err)
			}
		}
	}

	if err := e.store.RemoveMember(ctx, roomID, actor.UserID); err != nil {
		return fromStore(err)
	}

	e.publishMember(event.TypeMemberLeft, roomID, membership)
	e.audit(ctx, actor.UserID, "leave_room", "room", roomID, "ok", nil)
	return nil
}

// dissolveDirectRoom tears down a direct room when either member leaves.
func (e *Engine) dissolveDirectRoom(ctx context.Context, actor *auth.AuthContext, room *store.Room) error {
	members, err := e.store.ListMembers(ctx, room.ID)
	if err != nil {
		return fromStore(err)
	}
	if !e.cfg.PersistDirectMessages {
		if _, err := e.store.DeleteRoomMessages(ctx, room.ID); err != nil {
			return fromStore(err)
		}
	}
	if err := e.store.DeleteRoom(ctx, room.ID); err != nil {
		return fromStore(err)
	}
	for _, m := range members {
		if m.UserID != actor.UserID {
			e.publishMember(event.TypeMemberLeft, room.ID, m)
		}
	}
	e.audit(ctx, actor.UserID, "leave_room", "room", room.ID, "ok", map[string]any{"dissolved": true})
	return nil
}

// pickHeir chooses the ownership successor: oldest moderator, else oldest
// member. Members are already ordered by join time.
func pickHeir(members []*store.Membership, leavingID string) *store.Membership {
	var firstMember *store.Membership
	for _, m := range members {
		if m.UserID == leavingID {
			continue
		}
		if m.Role == store.MemberModerator {
			return m
		}
		if firstMember == nil {
			firstMember = m
		}
	}
	return firstMember
}

// UserMemberships returns the actor's own memberships. Adapters use it to
// seed event subscriptions for the rooms a connection should stream.
func (e *Engine) UserMemberships(ctx context.Context, actor *auth.AuthContext) ([]*store.Membership, error) {
	members, err := e.store.ListUserMemberships(ctx, actor.UserID)
	if err != nil {
		return nil, fromStore(err)
	}
	return members, nil
}

// ListMembers returns a room's memberships; membership is required.
func (e *Engine) ListMembers(ctx context.Context, actor *auth.AuthContext, roomID string) ([]*store.Membership, error) {
	if _, err := e.requireMembership(ctx, actor, roomID); err != nil {
		return nil, err
	}
	members, err := e.store.ListMembers(ctx, roomID)
	if err != nil {
		return nil, fromStore(err)
	}
	return members, nil
}

// PostMessage appends a message to a room. The MessagePosted event is
// published only after the storage write commits.
func (e *Engine) PostMessage(ctx context.Context, actor *auth.AuthContext, roomID, content string) (*store.Message, error) {
	if len(content) == 0 {
		return nil, Validation("VALIDATION", "message content is empty")
	}
	if len(content) > e.cfg.MaxMessageBytes {
		return nil, Validation("TOO_LARGE", fmt.Sprintf("message exceeds %d bytes", e.cfg.MaxMessageBytes))
	}
	if _, err := e.requireMembership(ctx, actor, roomID); err != nil {
		return nil, err
	}
	if !e.postLimiter.Allow("post:" + actor.UserID) {
		return nil, RateLimited("message rate exceeded")
	}

	msg := &store.Message{
		RoomID:    roomID,
		AuthorID:  actor.UserID,
		Content:   content,
		CreatedAt: time.Now(),
	}
	if err := e.store.InsertMessage(ctx, msg); err != nil {
		return nil, fromStore(err)
	}

	e.dispatcher.Publish(event.RoomTopic(roomID), event.Event{
		ID:      uuid.New().String(),
		Type:    event.TypeMessagePosted,
		At:      msg.CreatedAt,
		RoomID:  roomID,
		UserID:  actor.UserID,
		Message: msg,
	})
	return msg, nil
}

// EditMessage replaces a message's content. Allowed for the author or a
// Moderator+ of the room. Tombstones cannot be edited.
func (e *Engine) EditMessage(ctx context.Context, actor *auth.AuthContext, messageID int64, content string) (*store.Message, error) {
	if len(content) == 0 || len(content) > e.cfg.MaxMessageBytes {
		return nil, Validation("VALIDATION", "invalid message content")
	}

	msg, err := e.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, fromStore(err)
	}
	if msg.Deleted() {
		return nil, NotFound("message not found")
	}
	if err := e.requireAuthorOrModerator(ctx, actor, msg); err != nil {
		return nil, err
	}

	editedAt := time.Now()
	if err := e.store.UpdateMessageContent(ctx, messageID, content, editedAt); err != nil {
		return nil, fromStore(err)
	}
	msg.Content = content
	msg.EditedAt = &editedAt

	e.dispatcher.Publish(event.RoomTopic(msg.RoomID), event.Event{
		ID:      uuid.New().String(),
		Type:    event.TypeMessageEdited,
		At:      editedAt,
		RoomID:  msg.RoomID,
		UserID:  actor.UserID,
		Message: msg,
	})
	return msg, nil
}

// DeleteMessage tombstones a message: content cleared, id and history
// position preserved. Allowed for the author or a Moderator+ of the room.
func (e *Engine) DeleteMessage(ctx context.Context, actor *auth.AuthContext, messageID int64) error {
	msg, err := e.store.GetMessage(ctx, messageID)
	if err != nil {
		return fromStore(err)
	}
	if msg.Deleted() {
		return Conflict("ALREADY_DELETED", "message already deleted")
	}
	if err := e.requireAuthorOrModerator(ctx, actor, msg); err != nil {
		return err
	}

	deletedAt := time.Now()
	if err := e.store.TombstoneMessage(ctx, messageID, deletedAt); err != nil {
		return fromStore(err)
	}
	msg.Content = ""
	msg.DeletedAt = &deletedAt

	e.dispatcher.Publish(event.RoomTopic(msg.RoomID), event.Event{
		ID:      uuid.New().String(),
		Type:    event.TypeMessageDeleted,
		At:      deletedAt,
		RoomID:  msg.RoomID,
		UserID:  actor.UserID,
		Message: msg,
	})
	e.audit(ctx, actor.UserID, "delete_message", "message", fmt.Sprintf("%d", messageID), "ok", nil)
	return nil
}

// RoomHistory returns paginated messages most-recent-first, tombstones
// included at their original positions.
func (e *Engine) RoomHistory(ctx context.Context, actor *auth.AuthContext, roomID string, page store.Page) ([]*store.Message, string, error) {
	room, err := e.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, "", fromStore(err)
	}
	if room.Visibility != store.VisibilityPublic {
		if _, err := e.store.GetMembership(ctx, roomID, actor.UserID); err != nil {
			return nil, "", NotFound("room not found")
		}
	}
	messages, next, err := e.store.ListRoomMessages(ctx, roomID, page)
	if err != nil {
		return nil, "", fromStore(err)
	}
	return messages, next, nil
}

// Invite creates a pending invitation. Requires Moderator+ in the room, or
// Owner for private rooms.
func (e *Engine) Invite(ctx context.Context, actor *auth.AuthContext, roomID, inviteeID string) (*store.Invitation, error) {
	room, err := e.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, fromStore(err)
	}
	if room.Visibility == store.VisibilityDirect {
		return nil, Permission("NOT_ALLOWED", "cannot invite to a direct room")
	}

	membership, err := e.store.GetMembership(ctx, roomID, actor.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, Permission("NOT_MEMBER", "not a member of this room")
		}
		return nil, fromStore(err)
	}
	switch room.Visibility {
	case store.VisibilityPrivate:
		if membership.Role != store.MemberOwner {
			return nil, Permission("NOT_ALLOWED", "only the owner may invite to a private room")
		}
	default:
		if membership.Role == store.MemberMember {
			return nil, Permission("NOT_ALLOWED", "moderator role required to invite")
		}
	}

	invitee, err := e.store.GetUser(ctx, inviteeID)
	if err != nil {
		return nil, fromStore(err)
	}
	if _, err := e.store.GetMembership(ctx, roomID, invitee.ID); err == nil {
		return nil, Conflict("ALREADY_MEMBER", "user is already a member")
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fromStore(err)
	}
	if _, err := e.store.GetPendingInvitation(ctx, roomID, invitee.ID); err == nil {
		return nil, Conflict("ALREADY_INVITED", "user already has a pending invitation")
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fromStore(err)
	}

	inv := &store.Invitation{
		ID:        uuid.New().String(),
		RoomID:    roomID,
		InviterID: actor.UserID,
		InviteeID: invitee.ID,
		State:     store.InvitationPending,
		CreatedAt: time.Now(),
	}
	if err := e.store.CreateInvitation(ctx, inv); err != nil {
		return nil, fromStore(err)
	}

	e.dispatcher.Publish(event.UserTopic(invitee.ID), event.Event{
		ID:         uuid.New().String(),
		Type:       event.TypeInvitationReceived,
		At:         inv.CreatedAt,
		RoomID:     roomID,
		UserID:     actor.UserID,
		Invitation: inv,
	})
	e.audit(ctx, actor.UserID, "invite", "invitation", inv.ID, "ok", map[string]any{"room_id": roomID, "invitee_id": invitee.ID})
	return inv, nil
}

// RespondInvitation resolves a pending invitation. Accepting creates the
// membership in the same transaction; terminal states reject re-resolution.
func (e *Engine) RespondInvitation(ctx context.Context, actor *auth.AuthContext, invitationID string, accept bool) (*store.Invitation, error) {
	inv, err := e.store.GetInvitation(ctx, invitationID)
	if err != nil {
		return nil, fromStore(err)
	}
	if inv.InviteeID != actor.UserID {
		return nil, Permission("NOT_ALLOWED", "invitation is addressed to another user")
	}

	state := store.InvitationDeclined
	var membership *store.Membership
	if accept {
		state = store.InvitationAccepted
		membership = &store.Membership{
			RoomID:   inv.RoomID,
			UserID:   actor.UserID,
			Role:     store.MemberMember,
			JoinedAt: time.Now(),
		}
	}
	if err := e.store.ResolveInvitation(ctx, invitationID, state, membership); err != nil {
		return nil, fromStore(err)
	}
	inv.State = state

	if accept {
		e.publishMember(event.TypeMemberJoined, inv.RoomID, membership)
	}
	e.audit(ctx, actor.UserID, "respond_invitation", "invitation", invitationID, string(state), nil)
	return inv, nil
}

// RevokeInvitation withdraws a pending invitation; inviter or Moderator+ only.
func (e *Engine) RevokeInvitation(ctx context.Context, actor *auth.AuthContext, invitationID string) error {
	inv, err := e.store.GetInvitation(ctx, invitationID)
	if err != nil {
		return fromStore(err)
	}
	if inv.InviterID != actor.UserID && !actor.IsModerator() {
		return Permission("NOT_ALLOWED", "not the inviter")
	}
	if err := e.store.ResolveInvitation(ctx, invitationID, store.InvitationRevoked, nil); err != nil {
		return fromStore(err)
	}
	e.audit(ctx, actor.UserID, "revoke_invitation", "invitation", invitationID, "ok", nil)
	return nil
}

// ListInvitations returns the actor's pending invitations.
func (e *Engine) ListInvitations(ctx context.Context, actor *auth.AuthContext) ([]*store.Invitation, error) {
	invs, err := e.store.ListInvitationsForUser(ctx, actor.UserID)
	if err != nil {
		return nil, fromStore(err)
	}
	return invs, nil
}

// SetPresence publishes a user-requested presence change (Online or Away).
func (e *Engine) SetPresence(ctx context.Context, actor *auth.AuthContext, presence event.Presence) error {
	switch presence {
	case event.PresenceOnline, event.PresenceAway:
		e.presence.Set(actor.UserID, presence)
		return nil
	default:
		return Validation("VALIDATION", "presence must be online or away")
	}
}

// ListUsers is the admin listing of accounts.
func (e *Engine) ListUsers(ctx context.Context, page store.Page) ([]*store.User, string, error) {
	users, next, err := e.store.ListUsers(ctx, page)
	if err != nil {
		return nil, "", fromStore(err)
	}
	return users, next, nil
}

// ListAudit is the admin listing of audit entries.
func (e *Engine) ListAudit(ctx context.Context, page store.Page) ([]*store.AuditEntry, string, error) {
	entries, next, err := e.store.ListAudit(ctx, page)
	if err != nil {
		return nil, "", fromStore(err)
	}
	return entries, next, nil
}

// RevokeUserSessions is the admin revocation of all of a user's sessions.
func (e *Engine) RevokeUserSessions(ctx context.Context, actor *auth.AuthContext, userID string) error {
	if _, err := e.store.GetUser(ctx, userID); err != nil {
		return fromStore(err)
	}
	if err := e.sessions.RevokeUser(ctx, userID); err != nil {
		return Internal(err)
	}
	e.audit(ctx, actor.UserID, "revoke_user_sessions", "user", userID, "ok", nil)
	return nil
}

// requireMembership loads the actor's membership or fails with NOT_MEMBER.
func (e *Engine) requireMembership(ctx context.Context, actor *auth.AuthContext, roomID string) (*store.Membership, error) {
	membership, err := e.store.GetMembership(ctx, roomID, actor.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, Permission("NOT_MEMBER", "not a member of this room")
		}
		return nil, fromStore(err)
	}
	return membership, nil
}

// requireAuthorOrModerator authorizes message edit/delete.
func (e *Engine) requireAuthorOrModerator(ctx context.Context, actor *auth.AuthContext, msg *store.Message) error {
	if msg.AuthorID == actor.UserID {
		return nil
	}
	membership, err := e.store.GetMembership(ctx, msg.RoomID, actor.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Permission("NOT_MEMBER", "not a member of this room")
		}
		return fromStore(err)
	}
	if membership.Role == store.MemberMember && !actor.IsModerator() {
		return Permission("NOT_ALLOWED", "author or moderator role required")
	}
	return nil
}

// publishMember emits a membership event to the room and the affected user.
func (e *Engine) publishMember(t event.Type, roomID string, m *store.Membership) {
	ev := event.Event{
		ID:     uuid.New().String(),
		Type:   t,
		At:     time.Now(),
		RoomID: roomID,
		UserID: m.UserID,
		Member: m,
	}
	e.dispatcher.Publish(event.RoomTopic(roomID), ev)
	e.dispatcher.Publish(event.UserTopic(m.UserID), ev)
}

// audit appends an audit entry; failures are logged, never surfaced.
func (e *Engine) audit(ctx context.Context, actorID, action, targetType, targetID, outcome string, detail map[string]any) {
	entry := &store.AuditEntry{
		ID:         uuid.New().String(),
		ActorID:    actorID,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Outcome:    outcome,
		Timestamp:  time.Now(),
	}
	if detail != nil {
		if raw, err := json.Marshal(detail); err == nil {
			entry.DetailJSON = string(raw)
		}
	}
	if err := e.store.AppendAudit(ctx, entry); err != nil {
		e.logger.Warn("audit append failed", "action", action, "error", err)
	}
}

// validateUsername enforces the account naming rules.
func validateUsername(username string) error {
	if len(username) < 3 || len(username) > 32 {
		return Validation("VALIDATION", "username must be 3-32 characters")
	}
	for _, r := range username {
		if !isUsernameRune(r) {
			return Validation("VALIDATION", "username may contain letters, digits, '.', '-' and '_'")
		}
	}
	return nil
}

func isUsernameRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '.', r == '-', r == '_':
		return true
	}
	return false
}

func validateEmail(email string) error {
	at := strings.IndexByte(email, '@')
	if at <= 0 || at == len(email)-1 || len(email) > 254 {
		return Validation("VALIDATION", "invalid email address")
	}
	return nil
}

func validateRoomName(name string) error {
	if len(name) < 1 || len(name) > 64 {
		return Validation("VALIDATION", "room name must be 1-64 characters")
	}
	if strings.HasPrefix(name, "dm:") {
		return Validation("VALIDATION", "room name prefix reserved")
	}
	return nil
}
