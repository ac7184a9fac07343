package models_test

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"roomchat/backend/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestChatHistoryBeforeCreate_GeneratesUUIDv7 verifies that the hook assigns a time-ordered id.
func TestChatHistoryBeforeCreate_GeneratesUUIDv7(t *testing.T) {
	h := models.NewChatHistory("g1", models.MessageDraft{
		Author: models.Author{UserID: "A", UserName: "Alice"},
		Text:   "hi",
	})
	assert.Empty(t, h.ID)

	err := h.BeforeCreate(nil)

	require.NoError(t, err)
	parsed, err := uuid.Parse(h.ID)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
}

// TestChatHistoryBeforeCreate_PreservesExistingID verifies that the hook doesn't overwrite an existing ID.
func TestChatHistoryBeforeCreate_PreservesExistingID(t *testing.T) {
	h := &models.ChatHistory{ID: "0190b6a4-0000-7000-8000-000000000001"}

	require.NoError(t, h.BeforeCreate(nil))

	assert.Equal(t, "0190b6a4-0000-7000-8000-000000000001", h.ID)
}

func TestChatHistoryBeforeCreate_IDsSortByCreation(t *testing.T) {
	var ids []string
	for i := 0; i < 5; i++ {
		h := &models.ChatHistory{}
		require.NoError(t, h.BeforeCreate(nil))
		ids = append(ids, h.ID)
		time.Sleep(2 * time.Millisecond)
	}
	for i := 1; i < len(ids); i++ {
		assert.Less(t, ids[i-1], ids[i])
	}
}

// TestChatHistoryStructTags guards the indexes the history query relies on.
func TestChatHistoryStructTags(t *testing.T) {
	typ := reflect.TypeOf(models.ChatHistory{})

	room, found := typ.FieldByName("RoomID")
	assert.True(t, found)
	assert.Contains(t, room.Tag.Get("gorm"), "idx_room_created")

	created, found := typ.FieldByName("CreatedAt")
	assert.True(t, found)
	assert.Contains(t, created.Tag.Get("gorm"), "idx_room_created")

	reactionType := reflect.TypeOf(models.ChatReaction{})
	for _, name := range []string{"MessageID", "Emoji", "UserID"} {
		f, ok := reactionType.FieldByName(name)
		assert.True(t, ok, name)
		assert.Contains(t, f.Tag.Get("gorm"), "primaryKey", name)
	}
}

func TestChatHistoryToMessage(t *testing.T) {
	now := time.Now()
	h := &models.ChatHistory{
		ID:          "m1",
		RoomID:      "g1",
		CreatedAt:   now,
		AuthorID:    "A",
		AuthorName:  "Alice",
		AuthorImage: "https://cdn.example/a.png",
		Text:        "hi",
		Reactions: []models.ChatReaction{
			{MessageID: "m1", Emoji: "👍", UserID: "B"},
			{MessageID: "m1", Emoji: "👍", UserID: "A"},
		},
	}

	msg := h.ToMessage()

	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, "g1", msg.Room)
	assert.Equal(t, "Alice", msg.UserName)
	assert.Equal(t, []string{"A", "B"}, msg.Reactions["👍"])
	assert.Equal(t, now, msg.CreatedAt)
}

func TestReactionsToggle(t *testing.T) {
	tests := []struct {
		name   string
		start  models.Reactions
		emoji  string
		user   string
		added  bool
		result models.Reactions
	}{
		{
			name:   "first reactor creates the key",
			start:  models.Reactions{},
			emoji:  "👍",
			user:   "B",
			added:  true,
			result: models.Reactions{"👍": {"B"}},
		},
		{
			name:   "second reactor is inserted sorted",
			start:  models.Reactions{"👍": {"C"}},
			emoji:  "👍",
			user:   "A",
			added:  true,
			result: models.Reactions{"👍": {"A", "C"}},
		},
		{
			name:   "last reactor removes the key",
			start:  models.Reactions{"👍": {"B"}},
			emoji:  "👍",
			user:   "B",
			added:  false,
			result: models.Reactions{},
		},
		{
			name:   "other emoji untouched",
			start:  models.Reactions{"👍": {"B"}, "🎉": {"B"}},
			emoji:  "🎉",
			user:   "B",
			added:  false,
			result: models.Reactions{"👍": {"B"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tt.start.Clone()
			added := r.Toggle(tt.emoji, tt.user)
			assert.Equal(t, tt.added, added)
			assert.Equal(t, tt.result, r)
		})
	}
}

func TestReactionsToggleTwiceRestoresState(t *testing.T) {
	original := models.Reactions{"👍": {"A", "C"}, "❤️": {"B"}}
	r := original.Clone()

	r.Toggle("👍", "B")
	r.Toggle("👍", "B")
	r.Toggle("❤️", "B")
	r.Toggle("❤️", "B")

	assert.Equal(t, original, r)
}

func TestReactionsCloneIsDeep(t *testing.T) {
	original := models.Reactions{"👍": {"A"}}
	clone := original.Clone()

	clone.Toggle("👍", "B")

	assert.Equal(t, []string{"A"}, original["👍"])
}

func TestReactionsMarshalNilAsObject(t *testing.T) {
	data, err := json.Marshal(models.Message{ID: "m1", Room: "g1"})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, map[string]any{}, decoded["reactions"])
	assert.Equal(t, "g1", decoded["room"])
}

func TestMessageDraftHasBody(t *testing.T) {
	assert.False(t, models.MessageDraft{}.HasBody())
	assert.False(t, models.MessageDraft{Text: "  \n"}.HasBody())
	assert.True(t, models.MessageDraft{Text: "hi"}.HasBody())
	assert.True(t, models.MessageDraft{Image: "data:image/png;base64,AAAA"}.HasBody())
	assert.True(t, models.MessageDraft{Voice: "https://cdn.example/v.ogg"}.HasBody())
}

func TestHistoryQueryAfter(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	q := models.HistoryQuery{Limit: 20}.After(models.Message{ID: "m7", CreatedAt: at})

	assert.Equal(t, at, q.Since)
	assert.Equal(t, "m7", q.AfterID)
	assert.Equal(t, 20, q.Limit)
}
