package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"roomchat/backend/internal/models"
)

var (
	// ErrNotFound is returned when a message does not exist in the requested room.
	ErrNotFound = errors.New("message not found")
	// ErrForbidden is returned when a non-author tries to delete a message.
	ErrForbidden = errors.New("only the author can delete a message")
	// ErrStorageUnavailable wraps any backend failure. Callers must not assume partial success.
	ErrStorageUnavailable = errors.New("message storage unavailable")
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// MessageStore is the durable home of chat messages, keyed by room.
type MessageStore interface {
	Append(ctx context.Context, room string, draft models.MessageDraft) (*models.Message, error)
	ListByRoom(ctx context.Context, room string, q models.HistoryQuery) ([]models.Message, error)
	// ApplyReactionToggle atomically flips userID's emoji on a message and
	// reports whether the reaction is present afterwards.
	ApplyReactionToggle(ctx context.Context, room, messageID, emoji, userID string) (*models.Message, bool, error)
	Delete(ctx context.Context, room, messageID, requestingUserID string) error
	Get(ctx context.Context, messageID string) (*models.Message, error)
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// NormalizeLimit clamps a requested page size.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}

// unavailable wraps a backend error so callers can match ErrStorageUnavailable.
// Context errors pass through untouched so timeouts stay distinguishable.
func unavailable(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrStorageUnavailable, err)
}
