// ABOUTME: HTTP handlers for rooms, memberships, messages and invitations
// ABOUTME: Pagination is cursor-based via ?limit= and ?before=

package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/lairchat/lair/internal/auth"
	"github.com/lairchat/lair/internal/chat"
	"github.com/lairchat/lair/internal/store"
)

// pageFrom extracts cursor pagination parameters from the query string.
func pageFrom(r *http.Request) store.Page {
	page := store.Page{Cursor: r.URL.Query().Get("before")}
	if page.Cursor == "" {
		page.Cursor = r.URL.Query().Get("after")
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			page.Limit = n
		}
	}
	return page
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.FromContext(r.Context())
	rooms, next, err := s.engine.ListRooms(r.Context(), authCtx, pageFrom(r))
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	out := make([]roomJSON, len(rooms))
	for i, room := range rooms {
		out[i] = toRoomJSON(room)
	}
	respond(w, http.StatusOK, map[string]any{"rooms": out, "next_cursor": next})
}

type createRoomRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Visibility  string `json:"visibility"`
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, s.logger, err)
		return
	}
	if req.Visibility == "" {
		req.Visibility = string(store.VisibilityPublic)
	}

	authCtx := auth.FromContext(r.Context())
	room, err := s.engine.CreateRoom(r.Context(), authCtx, req.Name, req.Description, store.RoomVisibility(req.Visibility))
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	respond(w, http.StatusCreated, map[string]any{"room": toRoomJSON(room)})
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.FromContext(r.Context())
	room, err := s.engine.GetRoom(r.Context(), authCtx, chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"room": toRoomJSON(room)})
}

func (s *Server) handleRoomMessages(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.FromContext(r.Context())
	messages, next, err := s.engine.RoomHistory(r.Context(), authCtx, chi.URLParam(r, "id"), pageFrom(r))
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	out := make([]messageJSON, len(messages))
	for i, m := range messages {
		out[i] = toMessageJSON(m)
	}
	respond(w, http.StatusOK, map[string]any{"messages": out, "next_cursor": next})
}

func (s *Server) handleRoomMembers(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.FromContext(r.Context())
	members, err := s.engine.ListMembers(r.Context(), authCtx, chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	out := make([]memberJSON, len(members))
	for i, m := range members {
		out[i] = toMemberJSON(m)
	}
	respond(w, http.StatusOK, map[string]any{"members": out})
}

func (s *Server) handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.FromContext(r.Context())
	membership, err := s.engine.JoinRoom(r.Context(), authCtx, chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	respond(w, http.StatusCreated, map[string]any{"member": toMemberJSON(membership)})
}

func (s *Server) handleLeaveRoom(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.FromContext(r.Context())
	if err := s.engine.LeaveRoom(r.Context(), authCtx, chi.URLParam(r, "id")); err != nil {
		respondError(w, s.logger, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"left": true})
}

type openDirectRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleOpenDirect(w http.ResponseWriter, r *http.Request) {
	var req openDirectRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, s.logger, err)
		return
	}
	authCtx := auth.FromContext(r.Context())
	room, err := s.engine.OpenDirect(r.Context(), authCtx, req.UserID)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"room": toRoomJSON(room)})
}

type inviteRequest struct {
	InviteeID string `json:"invitee_id"`
}

func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request) {
	var req inviteRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, s.logger, err)
		return
	}
	authCtx := auth.FromContext(r.Context())
	inv, err := s.engine.Invite(r.Context(), authCtx, chi.URLParam(r, "id"), req.InviteeID)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	respond(w, http.StatusCreated, map[string]any{"invitation": toInvitationJSON(inv)})
}

func (s *Server) handleListInvitations(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.FromContext(r.Context())
	invs, err := s.engine.ListInvitations(r.Context(), authCtx)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	out := make([]invitationJSON, len(invs))
	for i, inv := range invs {
		out[i] = toInvitationJSON(inv)
	}
	respond(w, http.StatusOK, map[string]any{"invitations": out})
}

type respondInvitationRequest struct {
	Accept bool `json:"accept"`
}

func (s *Server) handleRespondInvitation(w http.ResponseWriter, r *http.Request) {
	var req respondInvitationRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, s.logger, err)
		return
	}
	authCtx := auth.FromContext(r.Context())
	inv, err := s.engine.RespondInvitation(r.Context(), authCtx, chi.URLParam(r, "id"), req.Accept)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"invitation": toInvitationJSON(inv)})
}

func (s *Server) handleRevokeInvitation(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.FromContext(r.Context())
	if err := s.engine.RevokeInvitation(r.Context(), authCtx, chi.URLParam(r, "id")); err != nil {
		respondError(w, s.logger, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"revoked": true})
}

type postMessageRequest struct {
	RoomID  string `json:"room_id"`
	Content string `json:"content"`
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req postMessageRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, s.logger, err)
		return
	}
	authCtx := auth.FromContext(r.Context())
	msg, err := s.engine.PostMessage(r.Context(), authCtx, req.RoomID, req.Content)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	respond(w, http.StatusCreated, map[string]any{"message": toMessageJSON(msg)})
}

type editMessageRequest struct {
	Content string `json:"content"`
}

func parseMessageID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, chat.Validation("VALIDATION", "invalid message id")
	}
	return id, nil
}

func (s *Server) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	id, err := parseMessageID(r)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	var req editMessageRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, s.logger, err)
		return
	}
	authCtx := auth.FromContext(r.Context())
	msg, err := s.engine.EditMessage(r.Context(), authCtx, id, req.Content)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"message": toMessageJSON(msg)})
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	id, err := parseMessageID(r)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	authCtx := auth.FromContext(r.Context())
	if err := s.engine.DeleteMessage(r.Context(), authCtx, id); err != nil {
		respondError(w, s.logger, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"deleted": true})
}
