// ABOUTME: Tests for chat engine commands against a real in-memory store
// ABOUTME: Covers registration, rooms, invitations, messages and event ordering

package chat

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lairchat/lair/internal/auth"
	"github.com/lairchat/lair/internal/event"
	"github.com/lairchat/lair/internal/session"
	"github.com/lairchat/lair/internal/store"
)

type testEnv struct {
	engine     *Engine
	store      *store.SQLiteStore
	dispatcher *event.Dispatcher
	sessions   *session.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	hasher := auth.NewHasher(auth.HasherParams{Time: 1, MemoryKiB: 8 * 1024})
	tokens := auth.NewTokenService([]byte("test-secret"))
	sessions := session.NewManager(st, tokens, hasher, session.Config{}, nil)
	dispatcher := event.NewDispatcher(nil, 0)
	t.Cleanup(dispatcher.Close)

	engine := NewEngine(st, sessions, dispatcher, hasher, Config{
		PostPerMinute: 100000, // most tests are not about rate limiting
		PostBurst:     100000,
	}, nil)
	t.Cleanup(engine.Close)

	return &testEnv{engine: engine, store: st, dispatcher: dispatcher, sessions: sessions}
}

func (env *testEnv) register(t *testing.T, username string) (*store.User, *auth.AuthContext) {
	t.Helper()
	user, sess, _, err := env.engine.Register(context.Background(), username, username+"@example.com", "CorrectHorse1!", "", "")
	require.NoError(t, err)
	return user, &auth.AuthContext{UserID: user.ID, SessionID: sess.ID, Role: user.Role}
}

func expectEvent(t *testing.T, sub *event.Subscription, want event.Type) event.Event {
	t.Helper()
	select {
	case ev := <-sub.Events():
		require.Equal(t, want, ev.Type)
		return ev
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %s event", want)
		return event.Event{}
	}
}

func TestRegister_ThenAuthenticateRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	user, _ := env.register(t, "alice")

	got, _, token, err := env.engine.Authenticate(context.Background(), "alice", "CorrectHorse1!", "", "")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	authCtx, err := env.sessions.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, authCtx.UserID)
}

func TestRegister_Failures(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice")

	tests := []struct {
		name     string
		username string
		email    string
		password string
		wantCode string
	}{
		{"duplicate username", "alice", "new@example.com", "CorrectHorse1!", "NAME_TAKEN"},
		{"duplicate email", "newuser", "alice@example.com", "CorrectHorse1!", "EMAIL_TAKEN"},
		{"weak password", "newuser", "new@example.com", "short1", "WEAK_PASSWORD"},
		{"bad username", "a", "new@example.com", "CorrectHorse1!", "VALIDATION"},
		{"bad email", "newuser", "not-an-email", "CorrectHorse1!", "VALIDATION"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, _, err := env.engine.Register(context.Background(), tt.username, tt.email, tt.password, "", "")
			e := AsError(err)
			require.NotNil(t, e, "expected typed error, got %v", err)
			assert.Equal(t, tt.wantCode, e.Code)
		})
	}
}

func TestAuthenticate_InvalidCredentials(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice")

	_, _, _, err := env.engine.Authenticate(context.Background(), "alice", "wrong-password", "", "")
	e := AsError(err)
	require.NotNil(t, e)
	assert.Equal(t, "INVALID_CREDENTIALS", e.Code)
	assert.Equal(t, KindAuth, e.Kind)
}

func TestPostMessage_PublishedAfterCommit(t *testing.T) {
	env := newTestEnv(t)
	_, alice := env.register(t, "alice")

	room, err := env.engine.CreateRoom(context.Background(), alice, "general", "", store.VisibilityPublic)
	require.NoError(t, err)

	sub := env.dispatcher.Subscribe(t.Context(), event.RoomTopic(room.ID))

	msg, err := env.engine.PostMessage(context.Background(), alice, room.ID, "hello")
	require.NoError(t, err)

	ev := expectEvent(t, sub, event.TypeMessagePosted)
	require.NotNil(t, ev.Message)
	assert.Equal(t, msg.ID, ev.Message.ID)
	assert.Equal(t, "hello", ev.Message.Content)

	// The event's message is already durable.
	stored, err := env.store.GetMessage(context.Background(), ev.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", stored.Content)
}

func TestPostMessage_SizeBoundary(t *testing.T) {
	env := newTestEnv(t)
	_, alice := env.register(t, "alice")
	room, err := env.engine.CreateRoom(context.Background(), alice, "general", "", store.VisibilityPublic)
	require.NoError(t, err)

	_, err = env.engine.PostMessage(context.Background(), alice, room.ID, strings.Repeat("a", 4096))
	assert.NoError(t, err)

	_, err = env.engine.PostMessage(context.Background(), alice, room.ID, strings.Repeat("a", 4097))
	e := AsError(err)
	require.NotNil(t, e)
	assert.Equal(t, "TOO_LARGE", e.Code)
}

func TestPostMessage_NotMember(t *testing.T) {
	env := newTestEnv(t)
	_, alice := env.register(t, "alice")
	_, bob := env.register(t, "bob")
	room, err := env.engine.CreateRoom(context.Background(), alice, "general", "", store.VisibilityPublic)
	require.NoError(t, err)

	_, err = env.engine.PostMessage(context.Background(), bob, room.ID, "hi")
	e := AsError(err)
	require.NotNil(t, e)
	assert.Equal(t, "NOT_MEMBER", e.Code)
	assert.Equal(t, KindPermission, e.Kind)
}

func TestPostMessage_RateLimited(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	hasher := auth.NewHasher(auth.HasherParams{Time: 1, MemoryKiB: 8 * 1024})
	sessions := session.NewManager(st, auth.NewTokenService([]byte("s")), hasher, session.Config{}, nil)
	dispatcher := event.NewDispatcher(nil, 0)
	t.Cleanup(dispatcher.Close)
	engine := NewEngine(st, sessions, dispatcher, hasher, Config{PostPerMinute: 60, PostBurst: 2}, nil)
	t.Cleanup(engine.Close)

	user, sess, _, err := engine.Register(context.Background(), "alice", "alice@example.com", "CorrectHorse1!", "", "")
	require.NoError(t, err)
	alice := &auth.AuthContext{UserID: user.ID, SessionID: sess.ID, Role: user.Role}
	room, err := engine.CreateRoom(context.Background(), alice, "general", "", store.VisibilityPublic)
	require.NoError(t, err)

	_, err = engine.PostMessage(context.Background(), alice, room.ID, "one")
	require.NoError(t, err)
	_, err = engine.PostMessage(context.Background(), alice, room.ID, "two")
	require.NoError(t, err)

	_, err = engine.PostMessage(context.Background(), alice, room.ID, "three")
	e := AsError(err)
	require.NotNil(t, e)
	assert.Equal(t, KindRateLimited, e.Kind)
}

func TestPrivateRoom_InvitationFlow(t *testing.T) {
	env := newTestEnv(t)
	_, alice := env.register(t, "alice")
	bobUser, bob := env.register(t, "bob")

	secret, err := env.engine.CreateRoom(context.Background(), alice, "secret", "", store.VisibilityPrivate)
	require.NoError(t, err)

	// No invitation yet: join is refused.
	_, err = env.engine.JoinRoom(context.Background(), bob, secret.ID)
	e := AsError(err)
	require.NotNil(t, e)
	assert.Equal(t, "PRIVATE_NO_INVITE", e.Code)

	bobSub := env.dispatcher.Subscribe(t.Context(), event.UserTopic(bobUser.ID))

	inv, err := env.engine.Invite(context.Background(), alice, secret.ID, bobUser.ID)
	require.NoError(t, err)
	assert.Equal(t, store.InvitationPending, inv.State)
	expectEvent(t, bobSub, event.TypeInvitationReceived)

	resolved, err := env.engine.RespondInvitation(context.Background(), bob, inv.ID, true)
	require.NoError(t, err)
	assert.Equal(t, store.InvitationAccepted, resolved.State)

	m, err := env.store.GetMembership(context.Background(), secret.ID, bobUser.ID)
	require.NoError(t, err)
	assert.Equal(t, store.MemberMember, m.Role)

	// A second accept on the same invitation is a conflict.
	_, err = env.engine.RespondInvitation(context.Background(), bob, inv.ID, true)
	e = AsError(err)
	require.NotNil(t, e)
	assert.Equal(t, KindConflict, e.Kind)
}

func TestJoinRoom_PendingInvitationAcceptedAtomically(t *testing.T) {
	env := newTestEnv(t)
	_, alice := env.register(t, "alice")
	bobUser, bob := env.register(t, "bob")

	secret, err := env.engine.CreateRoom(context.Background(), alice, "secret", "", store.VisibilityPrivate)
	require.NoError(t, err)
	inv, err := env.engine.Invite(context.Background(), alice, secret.ID, bobUser.ID)
	require.NoError(t, err)

	// join_room on a private room consumes the pending invitation.
	_, err = env.engine.JoinRoom(context.Background(), bob, secret.ID)
	require.NoError(t, err)

	got, err := env.store.GetInvitation(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.InvitationAccepted, got.State)
}

func TestInvite_Permissions(t *testing.T) {
	env := newTestEnv(t)
	_, alice := env.register(t, "alice")
	bobUser, bob := env.register(t, "bob")
	carolUser, _ := env.register(t, "carol")

	public, err := env.engine.CreateRoom(context.Background(), alice, "general", "", store.VisibilityPublic)
	require.NoError(t, err)
	_, err = env.engine.JoinRoom(context.Background(), bob, public.ID)
	require.NoError(t, err)

	// A plain member cannot invite.
	_, err = env.engine.Invite(context.Background(), bob, public.ID, carolUser.ID)
	e := AsError(err)
	require.NotNil(t, e)
	assert.Equal(t, KindPermission, e.Kind)

	// Inviting an existing member is a conflict.
	_, err = env.engine.Invite(context.Background(), alice, public.ID, bobUser.ID)
	e = AsError(err)
	require.NotNil(t, e)
	assert.Equal(t, "ALREADY_MEMBER", e.Code)
}

func TestDeleteMessage_PreservesOrder(t *testing.T) {
	env := newTestEnv(t)
	_, alice := env.register(t, "alice")
	room, err := env.engine.CreateRoom(context.Background(), alice, "general", "", store.VisibilityPublic)
	require.NoError(t, err)

	m1, err := env.engine.PostMessage(context.Background(), alice, room.ID, "m1")
	require.NoError(t, err)
	m2, err := env.engine.PostMessage(context.Background(), alice, room.ID, "m2")
	require.NoError(t, err)
	m3, err := env.engine.PostMessage(context.Background(), alice, room.ID, "m3")
	require.NoError(t, err)

	require.NoError(t, env.engine.DeleteMessage(context.Background(), alice, m2.ID))

	history, _, err := env.engine.RoomHistory(context.Background(), alice, room.ID, store.Page{})
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, m3.ID, history[0].ID)
	assert.Equal(t, m2.ID, history[1].ID)
	assert.True(t, history[1].Deleted())
	assert.Empty(t, history[1].Content)
	assert.Equal(t, m1.ID, history[2].ID)

	m4, err := env.engine.PostMessage(context.Background(), alice, room.ID, "m4")
	require.NoError(t, err)
	assert.Greater(t, m4.ID, m3.ID)
}

func TestEditMessage_Permissions(t *testing.T) {
	env := newTestEnv(t)
	_, alice := env.register(t, "alice")
	_, bob := env.register(t, "bob")
	room, err := env.engine.CreateRoom(context.Background(), alice, "general", "", store.VisibilityPublic)
	require.NoError(t, err)
	_, err = env.engine.JoinRoom(context.Background(), bob, room.ID)
	require.NoError(t, err)

	msg, err := env.engine.PostMessage(context.Background(), alice, room.ID, "original")
	require.NoError(t, err)

	// Another plain member cannot edit.
	_, err = env.engine.EditMessage(context.Background(), bob, msg.ID, "hijacked")
	e := AsError(err)
	require.NotNil(t, e)
	assert.Equal(t, KindPermission, e.Kind)

	// The author can.
	edited, err := env.engine.EditMessage(context.Background(), alice, msg.ID, "fixed")
	require.NoError(t, err)
	assert.Equal(t, "fixed", edited.Content)
	assert.NotNil(t, edited.EditedAt)
}

func TestOpenDirect_FindOrCreate(t *testing.T) {
	env := newTestEnv(t)
	_, alice := env.register(t, "alice")
	bobUser, bob := env.register(t, "bob")

	room, err := env.engine.OpenDirect(context.Background(), alice, bobUser.ID)
	require.NoError(t, err)
	assert.Equal(t, store.VisibilityDirect, room.Visibility)

	count, err := env.store.CountMembers(context.Background(), room.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// The same pair resolves to the same room from either side.
	again, err := env.engine.OpenDirect(context.Background(), bob, alice.UserID)
	require.NoError(t, err)
	assert.Equal(t, room.ID, again.ID)

	// Nobody can join a direct room.
	_, carol := env.register(t, "carol")
	_, err = env.engine.JoinRoom(context.Background(), carol, room.ID)
	e := AsError(err)
	require.NotNil(t, e)
	assert.Equal(t, KindPermission, e.Kind)
}

func TestLeaveRoom_DirectDissolves(t *testing.T) {
	env := newTestEnv(t)
	_, alice := env.register(t, "alice")
	bobUser, _ := env.register(t, "bob")

	room, err := env.engine.OpenDirect(context.Background(), alice, bobUser.ID)
	require.NoError(t, err)
	_, err = env.engine.PostMessage(context.Background(), alice, room.ID, "psst")
	require.NoError(t, err)

	require.NoError(t, env.engine.LeaveRoom(context.Background(), alice, room.ID))

	_, err = env.store.GetRoom(context.Background(), room.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Default retention: direct messages do not survive dissolution.
	messages, _, err := env.store.ListRoomMessages(context.Background(), room.ID, store.Page{})
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestLeaveRoom_OwnershipTransfer(t *testing.T) {
	env := newTestEnv(t)
	_, alice := env.register(t, "alice")
	bobUser, bob := env.register(t, "bob")
	room, err := env.engine.CreateRoom(context.Background(), alice, "general", "", store.VisibilityPublic)
	require.NoError(t, err)
	_, err = env.engine.JoinRoom(context.Background(), bob, room.ID)
	require.NoError(t, err)

	require.NoError(t, env.engine.LeaveRoom(context.Background(), alice, room.ID))

	m, err := env.store.GetMembership(context.Background(), room.ID, bobUser.ID)
	require.NoError(t, err)
	assert.Equal(t, store.MemberOwner, m.Role)
}

func TestGetRoom_PrivateHiddenFromNonMembers(t *testing.T) {
	env := newTestEnv(t)
	_, alice := env.register(t, "alice")
	_, bob := env.register(t, "bob")

	secret, err := env.engine.CreateRoom(context.Background(), alice, "secret", "", store.VisibilityPrivate)
	require.NoError(t, err)

	_, err = env.engine.GetRoom(context.Background(), bob, secret.ID)
	e := AsError(err)
	require.NotNil(t, e)
	assert.Equal(t, KindNotFound, e.Kind)
}
