// ABOUTME: HTTP handlers for registration, login, logout, refresh and profile
// ABOUTME: Maps JSON bodies onto engine and session-manager calls

package httpapi

import (
	"net/http"

	"github.com/lairchat/lair/internal/auth"
	"github.com/lairchat/lair/internal/chat"
	"github.com/lairchat/lair/internal/session"
)

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, s.logger, err)
		return
	}

	user, sess, token, err := s.engine.Register(r.Context(), req.Username, req.Email, req.Password, remoteIP(r), "")
	if err != nil {
		respondError(w, s.logger, err)
		return
	}

	respond(w, http.StatusCreated, map[string]any{
		"user":    toUserJSON(user, true),
		"session": toSessionJSON(sess),
		"token":   token,
	})
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, s.logger, err)
		return
	}

	user, sess, token, err := s.engine.Authenticate(r.Context(), req.Identifier, req.Password, remoteIP(r), "")
	if err != nil {
		respondError(w, s.logger, err)
		return
	}

	respond(w, http.StatusOK, map[string]any{
		"user":    toUserJSON(user, true),
		"session": toSessionJSON(sess),
		"token":   token,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.FromContext(r.Context())
	if err := s.sessions.Revoke(r.Context(), authCtx.SessionID); err != nil {
		respondError(w, s.logger, chat.Internal(err))
		return
	}
	respond(w, http.StatusOK, map[string]any{"revoked": true})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.FromContext(r.Context())
	token, err := s.sessions.Refresh(r.Context(), authCtx)
	if err != nil {
		switch err {
		case session.ErrNotRefreshable:
			respondError(w, s.logger, chat.Conflict("NOT_REFRESHABLE", "session not yet in refresh window"))
		case session.ErrSessionInvalid:
			respondError(w, s.logger, chat.AuthError("UNAUTHENTICATED", "session invalid"))
		default:
			respondError(w, s.logger, chat.Internal(err))
		}
		return
	}
	respond(w, http.StatusOK, map[string]any{"token": token})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.FromContext(r.Context())
	user, err := s.engine.Profile(r.Context(), authCtx.UserID)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"user": toUserJSON(user, true)})
}
