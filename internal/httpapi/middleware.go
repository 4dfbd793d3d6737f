// ABOUTME: HTTP middleware: request-id tagging and keyed rate limiting
// ABOUTME: API routes rate limit after bearer auth (per principal); auth routes per IP

package httpapi

import (
	"context"
	"net"
	"net/http"

	"github.com/google/uuid"

	"github.com/lairchat/lair/internal/auth"
	"github.com/lairchat/lair/internal/chat"
	"github.com/lairchat/lair/internal/ratelimit"
)

type requestIDKey struct{}

// RequestID tags every request with an id, echoing a caller-provided
// X-Request-ID when present.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// RequestIDFrom returns the request id tagged by RequestID, or empty.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// remoteIP extracts the client IP from the request.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimit limits requests per (route class, principal-or-IP). The principal
// is used when bearer auth already ran; otherwise the remote IP.
func RateLimit(limiter *ratelimit.Keyed, class string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := class + ":"
			if authCtx := auth.FromContext(r.Context()); authCtx != nil {
				key += authCtx.UserID
			} else {
				key += remoteIP(r)
			}
			if !limiter.Allow(key) {
				respondError(w, nil, chat.RateLimited("rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
