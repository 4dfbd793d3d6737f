// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating auth info via context

package auth

import (
	"context"

	"github.com/lairchat/lair/internal/store"
)

// AuthContext holds the authenticated identity extracted from a request.
// Populated by the bearer middleware (HTTP) or the connection state machine
// (TCP) and retrieved from context in handlers.
type AuthContext struct {
	UserID    string
	SessionID string
	Role      store.UserRole
}

// IsAdmin returns true if the principal has the admin role.
func (a *AuthContext) IsAdmin() bool {
	return a.Role == store.RoleAdmin
}

// IsModerator returns true for moderator or admin roles.
func (a *AuthContext) IsModerator() bool {
	return a.Role == store.RoleModerator || a.Role == store.RoleAdmin
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	val := ctx.Value(authContextKey{})
	if val == nil {
		return nil
	}
	auth, ok := val.(*AuthContext)
	if !ok {
		return nil
	}
	return auth
}
