package chathub

// Client is any party the broker fans room events out to (e.g., a WebSocket
// session or the Telegram bridge).
type Client interface {
	// SessionID uniquely identifies the connection, not the user. One user may
	// hold several sessions.
	SessionID() string
	// Identity returns the user behind the session. A zero UserID is an anonymous observer.
	Identity() Identity
	// Deliver queues f for the client without blocking. It returns false when the
	// frame was not accepted (the client is gone, or the frame was dropped).
	Deliver(f Frame) bool
}

// Identity is the authenticated user attached to a session.
type Identity struct {
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	UserImage string `json:"userImage,omitempty"`
}

// Anonymous reports whether the session has no user behind it.
func (i Identity) Anonymous() bool { return i.UserID == "" }
