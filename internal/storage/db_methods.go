package storage

import (
	"context"
	"errors"
	"time"

	"roomchat/backend/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Service is the PostgreSQL MessageStore backed by GORM.
type Service struct {
	DB  *gorm.DB
	Log *zap.Logger
}

// NewStorageService Constructor
func NewStorageService(db *gorm.DB, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{DB: db, Log: log}
}

// Migrate creates or updates the message and reaction tables.
func (s *Service) Migrate() error {
	return s.DB.AutoMigrate(&models.ChatHistory{}, &models.ChatReaction{})
}

// Append зберігає повідомлення в PostgreSQL та повертає його з присвоєним ID.
func (s *Service) Append(ctx context.Context, room string, draft models.MessageDraft) (*models.Message, error) {
	history := models.NewChatHistory(room, draft)
	// PostgreSQL keeps microseconds; truncating keeps the returned cursor equal to the stored one.
	history.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)

	if err := s.DB.WithContext(ctx).Create(history).Error; err != nil {
		s.Log.Error("append message failed", zap.String("room", room), zap.Error(err))
		return nil, unavailable("append message", err)
	}
	return history.ToMessage(), nil
}

// ListByRoom returns a page of a room's history, oldest first.
func (s *Service) ListByRoom(ctx context.Context, room string, q models.HistoryQuery) ([]models.Message, error) {
	var rows []models.ChatHistory

	tx := s.DB.WithContext(ctx).Preload("Reactions").Where("room_id = ?", room)
	since := q.Since.UTC()
	switch {
	case !q.Since.IsZero() && q.AfterID != "":
		// Однакові мікросекунди розрізняє id (UUIDv7).
		tx = tx.Where("created_at > ? OR (created_at = ? AND id > ?)", since, since, q.AfterID)
	case !q.Since.IsZero():
		tx = tx.Where("created_at > ?", since)
	}
	err := tx.Order("created_at asc").Order("id asc").Limit(NormalizeLimit(q.Limit)).Find(&rows).Error
	if err != nil {
		s.Log.Error("list history failed", zap.String("room", room), zap.Error(err))
		return nil, unavailable("list history", err)
	}

	out := make([]models.Message, 0, len(rows))
	for i := range rows {
		out = append(out, *rows[i].ToMessage())
	}
	return out, nil
}

// ApplyReactionToggle deletes the (message, emoji, user) row or inserts it when
// nothing was deleted. Rows of different users never conflict, so concurrent
// toggles are all kept.
func (s *Service) ApplyReactionToggle(ctx context.Context, room, messageID, emoji, userID string) (*models.Message, bool, error) {
	var added bool
	var history models.ChatHistory

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Select("id").Where("id = ? AND room_id = ?", messageID, room).First(&history).Error; err != nil {
			return err
		}

		res := tx.Where("message_id = ? AND emoji = ? AND user_id = ?", messageID, emoji, userID).
			Delete(&models.ChatReaction{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			reaction := models.ChatReaction{MessageID: messageID, Emoji: emoji, UserID: userID, CreatedAt: time.Now().UTC()}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&reaction).Error; err != nil {
				return err
			}
			added = true
		}

		return tx.Preload("Reactions").First(&history, "id = ?", messageID).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, ErrNotFound
	}
	if err != nil {
		s.Log.Error("reaction toggle failed", zap.String("message_id", messageID), zap.Error(err))
		return nil, false, unavailable("toggle reaction", err)
	}
	return history.ToMessage(), added, nil
}

// Delete removes a message when requestingUserID is its author.
func (s *Service) Delete(ctx context.Context, room, messageID, requestingUserID string) error {
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var history models.ChatHistory
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND room_id = ?", messageID, room).
			First(&history).Error; err != nil {
			return err
		}
		if history.AuthorID != requestingUserID {
			return ErrForbidden
		}
		if err := tx.Where("message_id = ?", messageID).Delete(&models.ChatReaction{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.ChatHistory{}, "id = ?", messageID).Error
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, ErrForbidden):
		return ErrForbidden
	default:
		s.Log.Error("delete message failed", zap.String("message_id", messageID), zap.Error(err))
		return unavailable("delete message", err)
	}
}

// Get повертає повідомлення за ID разом з реакціями.
func (s *Service) Get(ctx context.Context, messageID string) (*models.Message, error) {
	var history models.ChatHistory
	err := s.DB.WithContext(ctx).Preload("Reactions").First(&history, "id = ?", messageID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get message", err)
	}
	return history.ToMessage(), nil
}

// PurgeBefore deletes messages created before cutoff together with their reactions.
func (s *Service) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var purged int64
	cutoff = cutoff.UTC()
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		expired := tx.Model(&models.ChatHistory{}).Select("id").Where("created_at < ?", cutoff)
		if err := tx.Where("message_id IN (?)", expired).Delete(&models.ChatReaction{}).Error; err != nil {
			return err
		}
		res := tx.Where("created_at < ?", cutoff).Delete(&models.ChatHistory{})
		purged = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, unavailable("purge messages", err)
	}
	return purged, nil
}

func (s *Service) Ping(ctx context.Context) error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return unavailable("ping", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *Service) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
