package models

import "encoding/json"

// Event names shared by both directions of the room protocol.
const (
	EventJoin           = "join"
	EventLeave          = "leave"
	EventMessage        = "message"
	EventDeleteMessage  = "deleteMessage"
	EventReaction       = "reaction"
	EventTyping         = "typing"
	EventMessageDeleted = "messageDeleted"
	EventUserStatus     = "userStatus"
	EventError          = "error"
)

// Envelope is the frame exchanged over the socket.
type Envelope struct {
	Event     string          `json:"event"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// --- client → server ---

type JoinRequest struct {
	Room string `json:"room"`
}

type SendRequest struct {
	Room      string `json:"room"`
	Text      string `json:"text,omitempty"`
	Image     string `json:"image,omitempty"`
	Voice     string `json:"voice,omitempty"`
	ClientID  string `json:"clientId,omitempty"`
	UserID    string `json:"userId,omitempty"`
	UserName  string `json:"userName,omitempty"`
	UserImage string `json:"userImage,omitempty"`
}

type DeleteRequest struct {
	ID   string `json:"id"`
	Room string `json:"room"`
}

type ReactionRequest struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"userId,omitempty"`
	Room      string `json:"room"`
}

type TypingRequest struct {
	UserID   string `json:"userId,omitempty"`
	IsTyping bool   `json:"isTyping"`
	Room     string `json:"room"`
}

// --- server → client ---

// MessageEvent is the authoritative copy of a persisted message.
// ClientID echoes the sender's temporary id so it can replace its optimistic copy.
type MessageEvent struct {
	Message
	ClientID string `json:"clientId,omitempty"`
}

type MessageDeletedEvent struct {
	ID   string `json:"id"`
	Room string `json:"room"`
}

// ReactionEvent is a reaction delta. Added is false when the user withdrew the emoji.
type ReactionEvent struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"userId"`
	Room      string `json:"room"`
	Added     bool   `json:"added"`
}

type TypingEvent struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
	IsTyping bool   `json:"isTyping"`
	Room     string `json:"room"`
}

// PresenceEntry is the online status of one user.
type PresenceEntry struct {
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	UserImage string `json:"userImage,omitempty"`
	Online    bool   `json:"online"`
}

// UserStatusEvent is a full presence snapshot for a room.
type UserStatusEvent struct {
	Room  string          `json:"room"`
	Users []PresenceEntry `json:"users"`
}

type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}
