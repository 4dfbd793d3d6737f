// ABOUTME: Admin-only HTTP handlers: user listing, audit trail, stats, revocation
// ABOUTME: Mounted behind RequireAuth + RequireAdmin

package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lairchat/lair/internal/auth"
)

func (s *Server) handleAdminUsers(w http.ResponseWriter, r *http.Request) {
	users, next, err := s.engine.ListUsers(r.Context(), pageFrom(r))
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	out := make([]userJSON, len(users))
	for i, u := range users {
		out[i] = toUserJSON(u, true)
	}
	respond(w, http.StatusOK, map[string]any{"users": out, "next_cursor": next})
}

func (s *Server) handleAdminAudit(w http.ResponseWriter, r *http.Request) {
	entries, next, err := s.engine.ListAudit(r.Context(), pageFrom(r))
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	out := make([]auditJSON, len(entries))
	for i, e := range entries {
		out[i] = toAuditJSON(e)
	}
	respond(w, http.StatusOK, map[string]any{"entries": out, "next_cursor": next})
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]any{
		"uptime":             time.Since(s.started).Round(time.Second).String(),
		"active_connections": s.engine.Presence().ConnectionCount(),
	})
}

func (s *Server) handleAdminRevoke(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.FromContext(r.Context())
	if err := s.engine.RevokeUserSessions(r.Context(), authCtx, chi.URLParam(r, "id")); err != nil {
		respondError(w, s.logger, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"revoked": true})
}
