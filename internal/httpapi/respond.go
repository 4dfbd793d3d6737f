// ABOUTME: Response envelope helpers and domain-error to HTTP status mapping
// ABOUTME: Every response is { success, data?, error? } with a stable error code

package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/lairchat/lair/internal/chat"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

// respond writes a success envelope.
func respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

// respondError maps a domain error onto the envelope and an HTTP status hint.
// Internal errors are logged with full context and returned opaque.
func respondError(w http.ResponseWriter, logger *slog.Logger, err error) {
	e := chat.AsError(err)
	if e == nil {
		e = chat.Internal(err)
	}

	status := http.StatusInternalServerError
	switch e.Kind {
	case chat.KindValidation:
		status = http.StatusBadRequest
	case chat.KindAuth:
		status = http.StatusUnauthorized
	case chat.KindPermission:
		status = http.StatusForbidden
	case chat.KindNotFound:
		status = http.StatusNotFound
	case chat.KindConflict:
		status = http.StatusConflict
	case chat.KindRateLimited:
		status = http.StatusTooManyRequests
	case chat.KindStorage, chat.KindInternal:
		status = http.StatusInternalServerError
	}

	if e.Kind == chat.KindInternal || e.Kind == chat.KindStorage {
		if logger != nil {
			logger.Error("request failed", "error", err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		Success: false,
		Error:   &errorBody{Code: e.Code, Message: e.Message},
	})
}

// decodeBody decodes a JSON request body into dst.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return chat.Validation("VALIDATION", "malformed JSON body")
	}
	return nil
}
