package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ChatHistory is a saved chat message row in PostgreSQL.
// Author fields are denormalized copies taken when the message was sent.
type ChatHistory struct {
	// ID is a UUIDv7, so ordering by id follows creation order.
	ID string `gorm:"primaryKey;type:uuid" json:"id"`
	// RoomID is the room the message was sent to.
	RoomID string `gorm:"type:text;not null;index:idx_room_created,priority:1"`
	// CreatedAt is the persistence timestamp used for history paging.
	CreatedAt time.Time `gorm:"not null;index:idx_room_created,priority:2"`

	AuthorID    string `gorm:"type:text;not null;index"`
	AuthorName  string `gorm:"type:text;not null"`
	AuthorImage string `gorm:"type:text"`

	Text  string `gorm:"type:text"`
	Image string `gorm:"type:text"`
	Voice string `gorm:"type:text"`

	Reactions []ChatReaction `gorm:"foreignKey:MessageID;references:ID;constraint:OnDelete:CASCADE"`
}

// TableName keeps the table name stable regardless of the struct name.
func (ChatHistory) TableName() string { return "chat_messages" }

// ChatReaction is one user's emoji on one message.
// The composite primary key makes (message, emoji, user) unique.
type ChatReaction struct {
	MessageID string `gorm:"primaryKey;type:uuid"`
	Emoji     string `gorm:"primaryKey;type:text"`
	UserID    string `gorm:"primaryKey;type:text"`
	CreatedAt time.Time
}

func (ChatReaction) TableName() string { return "chat_message_reactions" }

// BeforeCreate is a GORM hook that assigns a time-ordered UUID when ID is empty.
func (h *ChatHistory) BeforeCreate(tx *gorm.DB) (err error) {
	if h.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		h.ID = id.String()
	}
	return nil
}

// NewChatHistory builds a row from a draft.
func NewChatHistory(room string, draft MessageDraft) *ChatHistory {
	return &ChatHistory{
		RoomID:      room,
		AuthorID:    draft.UserID,
		AuthorName:  draft.UserName,
		AuthorImage: draft.UserImage,
		Text:        draft.Text,
		Image:       draft.Image,
		Voice:       draft.Voice,
	}
}

// ToMessage converts the row and its preloaded reactions into a Message.
func (h *ChatHistory) ToMessage() *Message {
	reactions := make(Reactions)
	for _, r := range h.Reactions {
		reactions.Set(r.Emoji, r.UserID, true)
	}
	return &Message{
		ID:   h.ID,
		Room: h.RoomID,
		Author: Author{
			UserID:    h.AuthorID,
			UserName:  h.AuthorName,
			UserImage: h.AuthorImage,
		},
		Text:      h.Text,
		Image:     h.Image,
		Voice:     h.Voice,
		Reactions: reactions,
		CreatedAt: h.CreatedAt,
	}
}
