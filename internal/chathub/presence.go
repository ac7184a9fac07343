package chathub

import (
	"sort"
	"sync"

	"roomchat/backend/internal/models"
)

// PresenceChange describes the effect of a Join or Leave on the user's global status.
type PresenceChange struct {
	UserID string
	// WentOnline is true when this was the user's first session anywhere.
	WentOnline bool
	// WentOffline is true when the user's last session anywhere left.
	WentOffline bool
}

type presenceUser struct {
	entry models.PresenceEntry
	// sessions counts room memberships per session.
	sessions map[string]int
}

// PresenceRegistry tracks which users are online and in which rooms.
// It is owned by the broker and created and reset explicitly.
type PresenceRegistry struct {
	mu    sync.Mutex
	users map[string]*presenceUser
	// rooms maps room -> session -> user id.
	rooms map[string]map[string]string
}

func NewPresenceRegistry() *PresenceRegistry {
	return &PresenceRegistry{
		users: make(map[string]*presenceUser),
		rooms: make(map[string]map[string]string),
	}
}

// Join registers sessionID for entry.UserID in room. The latest display name and avatar win.
func (p *PresenceRegistry) Join(room, sessionID string, entry models.PresenceEntry) PresenceChange {
	p.mu.Lock()
	defer p.mu.Unlock()

	change := PresenceChange{UserID: entry.UserID}
	members, ok := p.rooms[room]
	if !ok {
		members = make(map[string]string)
		p.rooms[room] = members
	}
	if _, already := members[sessionID]; already {
		p.users[entry.UserID].entry = onlineEntry(entry)
		return change
	}
	members[sessionID] = entry.UserID

	u, ok := p.users[entry.UserID]
	if !ok {
		u = &presenceUser{sessions: make(map[string]int)}
		p.users[entry.UserID] = u
		change.WentOnline = true
	}
	u.entry = onlineEntry(entry)
	u.sessions[sessionID]++
	return change
}

// Leave removes sessionID from room. Unknown sessions are ignored.
func (p *PresenceRegistry) Leave(room, sessionID string) PresenceChange {
	p.mu.Lock()
	defer p.mu.Unlock()

	members, ok := p.rooms[room]
	if !ok {
		return PresenceChange{}
	}
	userID, ok := members[sessionID]
	if !ok {
		return PresenceChange{}
	}
	delete(members, sessionID)
	if len(members) == 0 {
		delete(p.rooms, room)
	}

	change := PresenceChange{UserID: userID}
	u := p.users[userID]
	u.sessions[sessionID]--
	if u.sessions[sessionID] <= 0 {
		delete(u.sessions, sessionID)
	}
	if len(u.sessions) == 0 {
		delete(p.users, userID)
		change.WentOffline = true
	}
	return change
}

// Snapshot lists the users with at least one session in room, sorted by user id.
func (p *PresenceRegistry) Snapshot(room string) []models.PresenceEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[string]struct{})
	out := make([]models.PresenceEntry, 0, len(p.rooms[room]))
	for _, userID := range p.rooms[room] {
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}
		out = append(out, p.users[userID].entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Online reports whether userID has any session in any room.
func (p *PresenceRegistry) Online(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.users[userID]
	return ok
}

// Reset forgets every session.
func (p *PresenceRegistry) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users = make(map[string]*presenceUser)
	p.rooms = make(map[string]map[string]string)
}

func onlineEntry(e models.PresenceEntry) models.PresenceEntry {
	e.Online = true
	return e
}
