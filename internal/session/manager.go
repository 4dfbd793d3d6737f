// ABOUTME: Session lifecycle: credential verification, token issuance, revocation
// ABOUTME: Enforces login lockout and runs the background expiry reaper

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lairchat/lair/internal/auth"
	"github.com/lairchat/lair/internal/store"
)

// Authentication errors. InvalidCredentials is deliberately the single answer
// for unknown user, wrong password and malformed hash.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrLocked             = errors.New("account locked")
	ErrSessionInvalid     = errors.New("session invalid")
	ErrNotRefreshable     = errors.New("session not in refresh window")
)

// Config tunes session lifetime and lockout policy. Zero fields take defaults.
type Config struct {
	MaxAge           time.Duration // session lifetime, default 24h
	RefreshFraction  float64       // tail fraction of lifetime where refresh is allowed, default 0.25
	LockoutThreshold int           // consecutive failures before lockout, default 5
	LockoutWindow    time.Duration // failure counting window, default 15m
}

func (c Config) withDefaults() Config {
	if c.MaxAge == 0 {
		c.MaxAge = 24 * time.Hour
	}
	if c.RefreshFraction == 0 {
		c.RefreshFraction = 0.25
	}
	if c.LockoutThreshold == 0 {
		c.LockoutThreshold = 5
	}
	if c.LockoutWindow == 0 {
		c.LockoutWindow = 15 * time.Minute
	}
	return c
}

// Store is the persistence surface the manager needs.
type Store interface {
	store.UserStore
	store.SessionStore
	store.LoginAttemptStore
}

// Manager validates credentials, issues tokens and tracks session lifecycle.
type Manager struct {
	store  Store
	tokens *auth.TokenService
	hasher *auth.Hasher
	cfg    Config
	logger *slog.Logger
}

// NewManager creates a session manager.
func NewManager(st Store, tokens *auth.TokenService, hasher *auth.Hasher, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  st,
		tokens: tokens,
		hasher: hasher,
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "session"),
	}
}

// Authenticate verifies credentials and issues a session plus token.
// Unknown users burn the dummy-hash cost so timing does not reveal existence.
func (m *Manager) Authenticate(ctx context.Context, identifier, password, remoteIP, fingerprint string) (*store.User, *store.Session, string, error) {
	failures, err := m.store.CountRecentFailures(ctx, identifier, remoteIP, time.Now().Add(-m.cfg.LockoutWindow))
	if err != nil {
		return nil, nil, "", fmt.Errorf("counting failures: %w", err)
	}
	if failures >= m.cfg.LockoutThreshold {
		return nil, nil, "", ErrLocked
	}

	user, err := m.store.GetUserByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			m.hasher.VerifyDummy(password)
			m.recordAttempt(ctx, identifier, remoteIP, false)
			return nil, nil, "", ErrInvalidCredentials
		}
		return nil, nil, "", fmt.Errorf("looking up user: %w", err)
	}

	ok, err := m.hasher.Verify(user.PasswordHash, password)
	if err != nil || !ok {
		m.recordAttempt(ctx, identifier, remoteIP, false)
		return nil, nil, "", ErrInvalidCredentials
	}

	m.recordAttempt(ctx, identifier, remoteIP, true)

	sess, token, err := m.IssueFor(ctx, user, fingerprint)
	if err != nil {
		return nil, nil, "", err
	}
	return user, sess, token, nil
}

// IssueFor creates a session and token for an already-verified user.
// Used directly after registration.
func (m *Manager) IssueFor(ctx context.Context, user *store.User, fingerprint string) (*store.Session, string, error) {
	now := time.Now()
	sess := &store.Session{
		ID:          uuid.New().String(),
		UserID:      user.ID,
		IssuedAt:    now,
		ExpiresAt:   now.Add(m.cfg.MaxAge),
		Fingerprint: fingerprint,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, "", fmt.Errorf("creating session: %w", err)
	}

	token, err := m.tokens.Issue(user.ID, sess.ID, string(user.Role), sess.IssuedAt, sess.ExpiresAt)
	if err != nil {
		return nil, "", fmt.Errorf("issuing token: %w", err)
	}

	m.logger.Info("session issued", "user_id", user.ID, "session_id", sess.ID)
	return sess, token, nil
}

// ValidateToken verifies the token signature and expiry, then checks that the
// session is live and the role claim still matches the user record.
func (m *Manager) ValidateToken(ctx context.Context, tokenString string) (*auth.AuthContext, error) {
	claims, err := m.tokens.Verify(tokenString)
	if err != nil {
		return nil, err
	}

	sess, err := m.store.GetSession(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSessionInvalid
		}
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if sess.Revoked || time.Now().After(sess.ExpiresAt) || sess.UserID != claims.Subject {
		return nil, ErrSessionInvalid
	}

	user, err := m.store.GetUser(ctx, claims.Subject)
	if err != nil {
		return nil, ErrSessionInvalid
	}
	if string(user.Role) != claims.Role {
		// Role changed since issuance; force re-authentication.
		return nil, ErrSessionInvalid
	}

	return &auth.AuthContext{
		UserID:    user.ID,
		SessionID: sess.ID,
		Role:      user.Role,
	}, nil
}

// Refresh issues a new token for the same session when the session has entered
// its refresh window (the tail fraction of its lifetime). The session expiry
// is extended to a full lifetime from now.
func (m *Manager) Refresh(ctx context.Context, authCtx *auth.AuthContext) (string, error) {
	sess, err := m.store.GetSession(ctx, authCtx.SessionID)
	if err != nil {
		return "", ErrSessionInvalid
	}
	if sess.Revoked || time.Now().After(sess.ExpiresAt) {
		return "", ErrSessionInvalid
	}

	lifetime := sess.ExpiresAt.Sub(sess.IssuedAt)
	windowStart := sess.ExpiresAt.Add(-time.Duration(float64(lifetime) * m.cfg.RefreshFraction))
	if time.Now().Before(windowStart) {
		return "", ErrNotRefreshable
	}

	newExpiry := time.Now().Add(m.cfg.MaxAge)
	if err := m.store.ExtendSession(ctx, sess.ID, newExpiry); err != nil {
		return "", fmt.Errorf("extending session: %w", err)
	}

	token, err := m.tokens.Issue(authCtx.UserID, sess.ID, string(authCtx.Role), time.Now(), newExpiry)
	if err != nil {
		return "", fmt.Errorf("issuing token: %w", err)
	}
	m.logger.Debug("session refreshed", "session_id", sess.ID)
	return token, nil
}

// IsLive reports whether a session exists, is unrevoked and unexpired. Used
// by the TCP adapter to drop connections whose session was revoked mid-life.
func (m *Manager) IsLive(ctx context.Context, sessionID string) bool {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return false
	}
	return !sess.Revoked && time.Now().Before(sess.ExpiresAt)
}

// Revoke ends one session (logout).
func (m *Manager) Revoke(ctx context.Context, sessionID string) error {
	if err := m.store.RevokeSession(ctx, sessionID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("revoking session: %w", err)
	}
	return nil
}

// RevokeUser ends all of a user's sessions (admin revoke, credential change).
func (m *Manager) RevokeUser(ctx context.Context, userID string) error {
	return m.store.RevokeUserSessions(ctx, userID)
}

// ChangePassword verifies the old credential, stores the new hash and revokes
// every session of the user.
func (m *Manager) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	user, err := m.store.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("loading user: %w", err)
	}
	ok, err := m.hasher.Verify(user.PasswordHash, oldPassword)
	if err != nil || !ok {
		return ErrInvalidCredentials
	}
	if err := m.hasher.CheckPolicy(newPassword); err != nil {
		return err
	}
	hash, err := m.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	if err := m.store.UpdateUserPassword(ctx, userID, hash); err != nil {
		return fmt.Errorf("updating password: %w", err)
	}
	if err := m.store.RevokeUserSessions(ctx, userID); err != nil {
		return fmt.Errorf("revoking sessions: %w", err)
	}
	m.logger.Info("password changed, sessions revoked", "user_id", userID)
	return nil
}

// StartReaper runs background expiry cleanup until ctx is cancelled.
func (m *Manager) StartReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			now := time.Now()
			if n, err := m.store.DeleteExpiredSessions(ctx, now); err != nil {
				m.logger.Warn("reaping sessions failed", "error", err)
			} else if n > 0 {
				m.logger.Debug("reaped expired sessions", "count", n)
			}
			if _, err := m.store.PruneLoginAttempts(ctx, now.Add(-24*time.Hour)); err != nil {
				m.logger.Warn("pruning login attempts failed", "error", err)
			}
		}
	}()
}

// recordAttempt appends a login attempt row; failures feed the lockout counter.
func (m *Manager) recordAttempt(ctx context.Context, identifier, remoteIP string, success bool) {
	attempt := &store.LoginAttempt{
		ID:         uuid.New().String(),
		Identifier: identifier,
		RemoteIP:   remoteIP,
		Success:    success,
		CreatedAt:  time.Now(),
	}
	if err := m.store.RecordLoginAttempt(ctx, attempt); err != nil {
		m.logger.Warn("recording login attempt failed", "error", err)
	}
}
