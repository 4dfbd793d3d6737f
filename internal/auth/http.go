// ABOUTME: HTTP middleware for bearer token authentication on API endpoints
// ABOUTME: Extracts the token, validates it and adds AuthContext to the request context

package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// TokenValidator validates a bearer token end to end: signature, expiry,
// session revocation and role consistency. Implemented by the session manager.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*AuthContext, error)
}

// logHTTPAuthFailure logs an HTTP authentication failure with structured context.
func logHTTPAuthFailure(logger *slog.Logger, r *http.Request, reason string, attrs ...any) {
	if logger == nil {
		return
	}
	baseAttrs := make([]any, 0, 8+len(attrs))
	baseAttrs = append(baseAttrs,
		"reason", reason,
		"method", r.Method,
		"path", r.URL.Path,
		"remote_addr", r.RemoteAddr,
	)
	baseAttrs = append(baseAttrs, attrs...)
	logger.Warn("http auth failure", baseAttrs...)
}

// unauthenticated writes the standard error envelope for auth failures.
func unauthenticated(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   map[string]string{"code": "UNAUTHENTICATED", "message": message},
	})
}

// forbidden writes the standard error envelope for permission failures.
func forbidden(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   map[string]string{"code": "FORBIDDEN", "message": message},
	})
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// RequireAuth creates middleware that validates bearer tokens and attaches the
// AuthContext to the request context. Requests without a valid token get a 401.
func RequireAuth(validator TokenValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				logHTTPAuthFailure(logger, r, "token_extraction_failed", "error", errMsg)
				unauthenticated(w, errMsg)
				return
			}

			authCtx, err := validator.ValidateToken(r.Context(), token)
			if err != nil {
				logHTTPAuthFailure(logger, r, "token_validation_failed")
				unauthenticated(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// RequireAdmin creates middleware that requires the admin role.
// Must be used after RequireAuth.
func RequireAdmin(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := FromContext(r.Context())
			if authCtx == nil {
				logHTTPAuthFailure(logger, r, "not_authenticated")
				unauthenticated(w, "not authenticated")
				return
			}
			if !authCtx.IsAdmin() {
				logHTTPAuthFailure(logger, r, "admin_required", "user_id", authCtx.UserID, "role", authCtx.Role)
				forbidden(w, "admin role required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// OptionalAuth attempts bearer auth but lets unauthenticated requests through
// as anonymous. Handlers see a nil AuthContext in that case.
func OptionalAuth(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				next.ServeHTTP(w, r)
				return
			}
			authCtx, err := validator.ValidateToken(r.Context(), token)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}
