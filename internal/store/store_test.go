// ABOUTME: Shared test helpers for the SQLite store tests
// ABOUTME: Provides an in-memory store plus seeded users and rooms

package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedUser(t *testing.T, s *SQLiteStore, username string) *User {
	t.Helper()
	now := time.Now()
	u := &User{
		ID:           uuid.New().String(),
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: "$argon2id$v=19$m=19456,t=2,p=1$c2FsdA$aGFzaA",
		Role:         RoleUser,
		DisplayName:  username,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, s.CreateUser(context.Background(), u))
	return u
}

func seedRoom(t *testing.T, s *SQLiteStore, creator *User, name string, visibility RoomVisibility) *Room {
	t.Helper()
	now := time.Now()
	room := &Room{
		ID:         uuid.New().String(),
		Name:       name,
		Visibility: visibility,
		CreatorID:  creator.ID,
		CreatedAt:  now,
	}
	owner := &Membership{RoomID: room.ID, UserID: creator.ID, Role: MemberOwner, JoinedAt: now}
	require.NoError(t, s.CreateRoom(context.Background(), room, owner))
	return room
}
