package chathub

import (
	"context"
	"errors"

	"roomchat/backend/internal/storage"
)

var (
	ErrEmptyMessage     = errors.New("message has no text, image or voice")
	ErrPayloadTooLarge  = errors.New("payload too large")
	ErrInvalidPayload   = errors.New("invalid payload")
	ErrNotJoined        = errors.New("session has not joined the room")
	ErrIdentityRequired = errors.New("anonymous sessions cannot write")
	ErrIdentityMismatch = errors.New("payload author does not match session identity")
	ErrStorageTimeout   = errors.New("message storage timed out")
	ErrSessionClosed    = errors.New("session closed")
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrProtocol         = errors.New("malformed frame")
	ErrUnknownEvent     = errors.New("unknown event")
)

// Wire error codes carried by the "error" event.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeEmptyMessage       = "EMPTY_MESSAGE"
	CodePayloadTooLarge    = "PAYLOAD_TOO_LARGE"
	CodeForbidden          = "FORBIDDEN"
	CodeNotFound           = "NOT_FOUND"
	CodeStorageUnavailable = "STORAGE_UNAVAILABLE"
	CodeStorageTimeout     = "STORAGE_TIMEOUT"
	CodeRateLimited        = "RATE_LIMITED"
	CodeProtocol           = "PROTOCOL_ERROR"
	CodeInternal           = "INTERNAL"
)

// ErrorCode classifies err into a wire error code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrEmptyMessage):
		return CodeEmptyMessage
	case errors.Is(err, ErrPayloadTooLarge):
		return CodePayloadTooLarge
	case errors.Is(err, ErrInvalidPayload), errors.Is(err, ErrNotJoined), errors.Is(err, ErrUnknownEvent):
		return CodeValidation
	case errors.Is(err, storage.ErrForbidden), errors.Is(err, ErrIdentityRequired), errors.Is(err, ErrIdentityMismatch):
		return CodeForbidden
	case errors.Is(err, storage.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, storage.ErrStorageUnavailable):
		return CodeStorageUnavailable
	case errors.Is(err, ErrStorageTimeout), errors.Is(err, context.DeadlineExceeded):
		return CodeStorageTimeout
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrProtocol):
		return CodeProtocol
	default:
		return CodeInternal
	}
}

// isStoreFailure reports whether err counts against store health.
func isStoreFailure(err error) bool {
	return errors.Is(err, storage.ErrStorageUnavailable) || errors.Is(err, ErrStorageTimeout)
}
