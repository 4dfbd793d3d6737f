// ABOUTME: Tests for invitation persistence and atomic state transitions
// ABOUTME: Terminal states must reject further transitions

package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedInvitation(t *testing.T, s *SQLiteStore, room *Room, inviter, invitee *User) *Invitation {
	t.Helper()
	inv := &Invitation{
		ID:        uuid.New().String(),
		RoomID:    room.ID,
		InviterID: inviter.ID,
		InviteeID: invitee.ID,
		State:     InvitationPending,
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.CreateInvitation(context.Background(), inv))
	return inv
}

func TestResolveInvitation_AcceptCreatesMembershipAtomically(t *testing.T) {
	s := newTestStore(t)
	alice := seedUser(t, s, "alice")
	bob := seedUser(t, s, "bob")
	room := seedRoom(t, s, alice, "secret", VisibilityPrivate)
	inv := seedInvitation(t, s, room, alice, bob)

	membership := &Membership{RoomID: room.ID, UserID: bob.ID, Role: MemberMember, JoinedAt: time.Now()}
	require.NoError(t, s.ResolveInvitation(context.Background(), inv.ID, InvitationAccepted, membership))

	got, err := s.GetInvitation(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, InvitationAccepted, got.State)

	m, err := s.GetMembership(context.Background(), room.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, MemberMember, m.Role)
}

func TestResolveInvitation_TerminalStateRejectsTransitions(t *testing.T) {
	s := newTestStore(t)
	alice := seedUser(t, s, "alice")
	bob := seedUser(t, s, "bob")
	room := seedRoom(t, s, alice, "secret", VisibilityPrivate)
	inv := seedInvitation(t, s, room, alice, bob)

	require.NoError(t, s.ResolveInvitation(context.Background(), inv.ID, InvitationDeclined, nil))

	err := s.ResolveInvitation(context.Background(), inv.ID, InvitationAccepted, nil)
	assert.ErrorIs(t, err, ErrInvitationClosed)
}

func TestResolveInvitation_FailedMembershipRollsBackState(t *testing.T) {
	s := newTestStore(t)
	alice := seedUser(t, s, "alice")
	bob := seedUser(t, s, "bob")
	room := seedRoom(t, s, alice, "secret", VisibilityPrivate)
	inv := seedInvitation(t, s, room, alice, bob)

	// Bob is already a member; the accept transaction must roll back.
	require.NoError(t, s.AddMember(context.Background(), &Membership{
		RoomID: room.ID, UserID: bob.ID, Role: MemberMember, JoinedAt: time.Now(),
	}))
	membership := &Membership{RoomID: room.ID, UserID: bob.ID, Role: MemberMember, JoinedAt: time.Now()}
	err := s.ResolveInvitation(context.Background(), inv.ID, InvitationAccepted, membership)
	assert.ErrorIs(t, err, ErrAlreadyMember)

	got, err := s.GetInvitation(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, InvitationPending, got.State)
}

func TestGetPendingInvitation(t *testing.T) {
	s := newTestStore(t)
	alice := seedUser(t, s, "alice")
	bob := seedUser(t, s, "bob")
	room := seedRoom(t, s, alice, "secret", VisibilityPrivate)

	_, err := s.GetPendingInvitation(context.Background(), room.ID, bob.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	inv := seedInvitation(t, s, room, alice, bob)
	got, err := s.GetPendingInvitation(context.Background(), room.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, inv.ID, got.ID)
}

func TestListInvitationsForUser_PendingOnly(t *testing.T) {
	s := newTestStore(t)
	alice := seedUser(t, s, "alice")
	bob := seedUser(t, s, "bob")
	roomA := seedRoom(t, s, alice, "one", VisibilityPrivate)
	roomB := seedRoom(t, s, alice, "two", VisibilityPrivate)

	seedInvitation(t, s, roomA, alice, bob)
	declined := seedInvitation(t, s, roomB, alice, bob)
	require.NoError(t, s.ResolveInvitation(context.Background(), declined.ID, InvitationDeclined, nil))

	invs, err := s.ListInvitationsForUser(context.Background(), bob.ID)
	require.NoError(t, err)
	require.Len(t, invs, 1)
	assert.Equal(t, roomA.ID, invs[0].RoomID)
}
