package core

import (
	"context"
	"errors"
)

// Error codes sent to clients in error events.
const (
	ErrCodeUnauthenticated        = "unauthenticated"
	ErrCodeUnauthorized           = "unauthorized"
	ErrCodeValidation             = "validation_error"
	ErrCodePersistenceUnavailable = "persistence_unavailable"
	ErrCodeRateLimited            = "rate_limited"
	ErrCodeBadRequest             = "bad_request"
	ErrCodeInternal               = "internal_error"
)

var (
	// ErrUnauthenticated means the handshake credential was missing or invalid.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrUnauthorized means the identity is not an active member of the room.
	ErrUnauthorized = errors.New("not authorized for this chat")
	// ErrValidation means the intent payload was malformed or out of bounds.
	ErrValidation = errors.New("validation failed")
	// ErrPersistenceUnavailable means a storage round-trip failed or timed out.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
	// ErrTargetUnreachable means a signaling target has no live connection.
	ErrTargetUnreachable = errors.New("target unreachable")
)

// CoreError wraps a code and human-readable message.
type CoreError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *CoreError) Error() string {
	return e.Message
}

func coreError(code, msg string) *CoreError {
	return &CoreError{Code: code, Message: msg}
}

// validationError builds an error matching ErrValidation with a client-facing detail.
func validationError(detail string) error {
	return &detailedError{kind: ErrValidation, detail: detail}
}

type detailedError struct {
	kind   error
	detail string
}

func (e *detailedError) Error() string { return e.detail }
func (e *detailedError) Unwrap() error { return e.kind }

// ToCoreError maps an intent failure to the structured error sent to the client.
// Infrastructure details are never leaked; only the taxonomy code and a short message.
func ToCoreError(err error) *CoreError {
	var ce *CoreError
	var de *detailedError
	switch {
	case errors.As(err, &ce):
		return ce
	case errors.Is(err, ErrUnauthenticated):
		return coreError(ErrCodeUnauthenticated, "authentication failed")
	case errors.Is(err, ErrUnauthorized):
		return coreError(ErrCodeUnauthorized, ErrUnauthorized.Error())
	case errors.As(err, &de) && errors.Is(err, ErrValidation):
		return coreError(ErrCodeValidation, de.detail)
	case errors.Is(err, ErrValidation):
		return coreError(ErrCodeValidation, "invalid payload")
	case errors.Is(err, ErrPersistenceUnavailable), errors.Is(err, context.DeadlineExceeded):
		return coreError(ErrCodePersistenceUnavailable, "storage unavailable, try again")
	default:
		return coreError(ErrCodeInternal, "internal error")
	}
}
