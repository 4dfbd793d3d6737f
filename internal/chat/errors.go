// ABOUTME: Typed domain errors for chat engine operations
// ABOUTME: Kind drives adapter mapping; Code is the stable wire discriminant

package chat

import (
	"errors"
	"fmt"

	"github.com/lairchat/lair/internal/store"
)

// Kind classifies an error for adapter mapping (HTTP status, TCP error frame).
type Kind string

const (
	KindValidation  Kind = "validation"
	KindAuth        Kind = "auth"
	KindPermission  Kind = "permission"
	KindNotFound    Kind = "not_found"
	KindConflict    Kind = "conflict"
	KindRateLimited Kind = "rate_limited"
	KindProtocol    Kind = "protocol"
	KindCrypto      Kind = "crypto"
	KindStorage     Kind = "storage"
	KindInternal    Kind = "internal"
)

// Error is a typed failure from an engine command. Code is stable across
// releases and is what clients switch on; Message is for humans.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// NewError constructs a typed error.
func NewError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Common constructors.

func Validation(code, message string) *Error {
	return NewError(KindValidation, code, message)
}

func AuthError(code, message string) *Error {
	return NewError(KindAuth, code, message)
}

func Permission(code, message string) *Error {
	return NewError(KindPermission, code, message)
}

func NotFound(message string) *Error {
	return NewError(KindNotFound, "NOT_FOUND", message)
}

func Conflict(code, message string) *Error {
	return NewError(KindConflict, code, message)
}

func RateLimited(message string) *Error {
	return NewError(KindRateLimited, "RATE_LIMITED", message)
}

// Internal wraps an unexpected error. The cause is logged server-side; clients
// only see the opaque code.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Code: "INTERNAL", Message: "internal error", cause: err}
}

// AsError extracts a *Error from err, or nil if it isn't one.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// KindOf returns the Kind of err, defaulting to KindInternal.
func KindOf(err error) Kind {
	if e := AsError(err); e != nil {
		return e.Kind
	}
	return KindInternal
}

// fromStore maps storage sentinels onto the domain taxonomy. Unknown errors
// become Internal with the cause retained.
func fromStore(err error) *Error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return NotFound("not found")
	case errors.Is(err, store.ErrNameTaken):
		return Conflict("NAME_TAKEN", "username already taken")
	case errors.Is(err, store.ErrEmailTaken):
		return Conflict("EMAIL_TAKEN", "email already registered")
	case errors.Is(err, store.ErrRoomNameTaken):
		return Conflict("ROOM_NAME_TAKEN", "room name already taken")
	case errors.Is(err, store.ErrAlreadyMember):
		return Conflict("ALREADY_MEMBER", "already a member")
	case errors.Is(err, store.ErrInvitationClosed):
		return Conflict("INVITATION_CLOSED", "invitation already resolved")
	case errors.Is(err, store.ErrInvalidCursor):
		return Validation("VALIDATION", "invalid pagination cursor")
	default:
		return Internal(err)
	}
}
