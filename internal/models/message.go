package models

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// Author is the sender snapshot copied onto a message at send time.
// A later profile change never rewrites it.
type Author struct {
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	UserImage string `json:"userImage,omitempty"`
}

// MessageDraft is what a client asks to send before persistence assigns an id.
type MessageDraft struct {
	Author
	Text  string
	Image string
	Voice string
	// ClientID is the temporary id the sender used for its optimistic copy.
	ClientID string
}

// HasBody reports whether at least one of text, image or voice is present.
func (d MessageDraft) HasBody() bool {
	return strings.TrimSpace(d.Text) != "" || d.Image != "" || d.Voice != ""
}

// Message is a persisted chat message.
type Message struct {
	ID   string `json:"id"`
	Room string `json:"room"`
	Author
	Text      string    `json:"text,omitempty"`
	Image     string    `json:"image,omitempty"`
	Voice     string    `json:"voice,omitempty"`
	Reactions Reactions `json:"reactions"`
	CreatedAt time.Time `json:"createdAt"`
}

// Reactions maps an emoji to the sorted ids of users who reacted with it.
// A key never holds an empty slice.
type Reactions map[string][]string

// Toggle adds userID to emoji's set or removes it when already present.
// It reports whether the reaction is present afterwards.
func (r Reactions) Toggle(emoji, userID string) bool {
	users := r[emoji]
	i := sort.SearchStrings(users, userID)
	if i < len(users) && users[i] == userID {
		users = append(users[:i:i], users[i+1:]...)
		if len(users) == 0 {
			delete(r, emoji)
		} else {
			r[emoji] = users
		}
		return false
	}
	next := make([]string, 0, len(users)+1)
	next = append(next, users[:i]...)
	next = append(next, userID)
	r[emoji] = append(next, users[i:]...)
	return true
}

// Set forces the presence of userID under emoji.
func (r Reactions) Set(emoji, userID string, present bool) {
	if r.Has(emoji, userID) != present {
		r.Toggle(emoji, userID)
	}
}

// Has reports whether userID reacted with emoji.
func (r Reactions) Has(emoji, userID string) bool {
	users := r[emoji]
	i := sort.SearchStrings(users, userID)
	return i < len(users) && users[i] == userID
}

// Clone returns a deep copy.
func (r Reactions) Clone() Reactions {
	out := make(Reactions, len(r))
	for emoji, users := range r {
		out[emoji] = append([]string(nil), users...)
	}
	return out
}

// MarshalJSON encodes a nil map as {} so clients always see an object.
func (r Reactions) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string][]string(r))
}

// HistoryQuery pages through a room's messages in ascending order.
type HistoryQuery struct {
	// Since excludes messages created at or before this instant. Zero means from the start.
	Since time.Time
	// AfterID, when set, keeps messages created exactly at Since whose id sorts after it.
	AfterID string
	Limit   int
}

// After returns the query for the page following msg.
func (q HistoryQuery) After(msg Message) HistoryQuery {
	q.Since = msg.CreatedAt
	q.AfterID = msg.ID
	return q
}
