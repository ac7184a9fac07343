// Package chatclient is the consumer side of the room protocol: a controller
// that keeps the local view of one room consistent with the server's events,
// and a WebSocket connection that feeds it.
package chatclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"roomchat/backend/internal/models"

	"github.com/google/uuid"
)

// MaxBufferedReactions caps reaction deltas held for messages not seen yet.
const MaxBufferedReactions = 256

// ErrNothingToSend is returned for a draft without text, image or voice.
var ErrNothingToSend = errors.New("message has no text, image or voice")

// Item is one entry of the local message list.
type Item struct {
	models.Message
	// ClientID is the temporary id of an optimistic copy; it stays set after reconciliation.
	ClientID string
	// Pending is true until the server's copy replaces the optimistic one.
	Pending bool
	// Failed holds the server's error code when the send was rejected.
	Failed string

	requestID string
}

type reactionDelta struct {
	messageID string
	emoji     string
	userID    string
	added     bool
}

// Controller holds the local state of one room. It is safe for concurrent use.
type Controller struct {
	room string
	self models.Author

	mu       sync.Mutex
	items    []*Item
	byID     map[string]*Item
	byClient map[string]*Item
	// requests maps a send's request id to its client id so errors can be attributed.
	requests map[string]string
	buffered []reactionDelta
	presence []models.PresenceEntry
	typing   map[string]string
	onChange func()
}

func NewController(room string, self models.Author) *Controller {
	return &Controller{
		room:     room,
		self:     self,
		byID:     make(map[string]*Item),
		byClient: make(map[string]*Item),
		requests: make(map[string]string),
		typing:   make(map[string]string),
	}
}

// OnChange registers fn to run after every state change. fn runs without the lock held.
func (c *Controller) OnChange(fn func()) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

func (c *Controller) Room() string { return c.room }

// Compose inserts an optimistic copy of the draft and returns the envelope to send.
func (c *Controller) Compose(text, image, voice string) (models.Envelope, error) {
	draft := models.MessageDraft{Author: c.self, Text: text, Image: image, Voice: voice}
	if !draft.HasBody() {
		return models.Envelope{}, ErrNothingToSend
	}
	clientID := "tmp-" + uuid.NewString()
	requestID := uuid.NewString()

	data, err := json.Marshal(models.SendRequest{
		Room:      c.room,
		Text:      text,
		Image:     image,
		Voice:     voice,
		ClientID:  clientID,
		UserID:    c.self.UserID,
		UserName:  c.self.UserName,
		UserImage: c.self.UserImage,
	})
	if err != nil {
		return models.Envelope{}, err
	}

	c.mu.Lock()
	item := &Item{
		Message: models.Message{
			ID:        clientID,
			Room:      c.room,
			Author:    c.self,
			Text:      text,
			Image:     image,
			Voice:     voice,
			Reactions: models.Reactions{},
			CreatedAt: time.Now(),
		},
		ClientID:  clientID,
		Pending:   true,
		requestID: requestID,
	}
	c.items = append(c.items, item)
	c.byClient[clientID] = item
	c.requests[requestID] = clientID
	c.mu.Unlock()
	c.changed()

	return models.Envelope{Event: models.EventMessage, RequestID: requestID, Data: data}, nil
}

// LoadHistory merges a history page into the list. Known ids are skipped.
func (c *Controller) LoadHistory(msgs []models.Message) {
	c.mu.Lock()
	for _, m := range msgs {
		if m.Room != "" && m.Room != c.room {
			continue
		}
		if _, ok := c.byID[m.ID]; ok {
			continue
		}
		if m.Reactions == nil {
			m.Reactions = models.Reactions{}
		}
		c.insertLocked(&Item{Message: m})
		c.replayLocked(m.ID)
	}
	c.mu.Unlock()
	c.changed()
}

// Apply folds one server event into the local state. Events for other rooms are ignored.
func (c *Controller) Apply(env models.Envelope) error {
	var err error
	switch env.Event {
	case models.EventMessage:
		var ev models.MessageEvent
		if err = decode(env, &ev); err == nil && ev.Room == c.room {
			c.mu.Lock()
			c.reconcileLocked(ev)
			c.mu.Unlock()
		}
	case models.EventMessageDeleted:
		var ev models.MessageDeletedEvent
		if err = decode(env, &ev); err == nil && ev.Room == c.room {
			c.mu.Lock()
			c.removeLocked(ev.ID)
			c.mu.Unlock()
		}
	case models.EventReaction:
		var ev models.ReactionEvent
		if err = decode(env, &ev); err == nil && ev.Room == c.room {
			c.mu.Lock()
			c.reactLocked(reactionDelta{messageID: ev.MessageID, emoji: ev.Emoji, userID: ev.UserID, added: ev.Added})
			c.mu.Unlock()
		}
	case models.EventUserStatus:
		var ev models.UserStatusEvent
		if err = decode(env, &ev); err == nil && ev.Room == c.room {
			c.mu.Lock()
			c.presence = append([]models.PresenceEntry(nil), ev.Users...)
			c.mu.Unlock()
		}
	case models.EventTyping:
		var ev models.TypingEvent
		if err = decode(env, &ev); err == nil && ev.Room == c.room {
			c.mu.Lock()
			if ev.IsTyping {
				c.typing[ev.UserID] = ev.UserName
			} else {
				delete(c.typing, ev.UserID)
			}
			c.mu.Unlock()
		}
	case models.EventError:
		var ev models.ErrorEvent
		if err = decode(env, &ev); err == nil {
			c.mu.Lock()
			c.failLocked(env.RequestID, ev.Code)
			c.mu.Unlock()
		}
	default:
		return nil
	}
	if err != nil {
		return err
	}
	c.changed()
	return nil
}

// Messages returns a snapshot of the list, oldest first.
func (c *Controller) Messages() []Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Item, len(c.items))
	for i, it := range c.items {
		out[i] = *it
		out[i].Reactions = it.Reactions.Clone()
	}
	return out
}

// Presence returns the last userStatus snapshot.
func (c *Controller) Presence() []models.PresenceEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.PresenceEntry(nil), c.presence...)
}

// Typing returns the names of users currently typing, sorted.
func (c *Controller) Typing() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.typing))
	for id, name := range c.typing {
		if name == "" {
			name = id
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Buffered reports how many reaction deltas wait for their message.
func (c *Controller) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffered)
}

// reconcileLocked replaces the optimistic copy of ev, or inserts it.
func (c *Controller) reconcileLocked(ev models.MessageEvent) {
	if _, ok := c.byID[ev.ID]; ok {
		return
	}
	msg := ev.Message
	if msg.Reactions == nil {
		msg.Reactions = models.Reactions{}
	}

	if item, ok := c.byClient[ev.ClientID]; ok && ev.ClientID != "" {
		delete(c.byClient, ev.ClientID)
		delete(c.requests, item.requestID)
		c.dropItemLocked(item)
	}
	c.insertLocked(&Item{Message: msg, ClientID: ev.ClientID})
	c.replayLocked(msg.ID)
}

// insertLocked keeps the list ordered by creation time; pending copies stay last.
func (c *Controller) insertLocked(item *Item) {
	if !item.Pending {
		c.byID[item.ID] = item
	}
	i := sort.Search(len(c.items), func(i int) bool {
		it := c.items[i]
		return it.Pending || it.CreatedAt.After(item.CreatedAt)
	})
	if item.Pending {
		i = len(c.items)
	}
	c.items = append(c.items, nil)
	copy(c.items[i+1:], c.items[i:])
	c.items[i] = item
}

func (c *Controller) dropItemLocked(item *Item) {
	for i, it := range c.items {
		if it == item {
			c.items = append(c.items[:i], c.items[i+1:]...)
			return
		}
	}
}

func (c *Controller) removeLocked(id string) {
	if item, ok := c.byID[id]; ok {
		delete(c.byID, id)
		c.dropItemLocked(item)
	}
	// Deltas for a deleted message are never replayed.
	kept := c.buffered[:0]
	for _, d := range c.buffered {
		if d.messageID != id {
			kept = append(kept, d)
		}
	}
	c.buffered = kept
}

func (c *Controller) reactLocked(d reactionDelta) {
	item, ok := c.byID[d.messageID]
	if !ok {
		if len(c.buffered) >= MaxBufferedReactions {
			c.buffered = c.buffered[1:]
		}
		c.buffered = append(c.buffered, d)
		return
	}
	item.Reactions.Set(d.emoji, d.userID, d.added)
}

func (c *Controller) replayLocked(messageID string) {
	item := c.byID[messageID]
	kept := c.buffered[:0]
	for _, d := range c.buffered {
		if d.messageID == messageID {
			item.Reactions.Set(d.emoji, d.userID, d.added)
			continue
		}
		kept = append(kept, d)
	}
	c.buffered = kept
}

func (c *Controller) failLocked(requestID, code string) {
	clientID, ok := c.requests[requestID]
	if !ok {
		return
	}
	delete(c.requests, requestID)
	if item, ok := c.byClient[clientID]; ok {
		item.Failed = code
	}
}

func (c *Controller) changed() {
	c.mu.Lock()
	fn := c.onChange
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func decode(env models.Envelope, v any) error {
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", env.Event, err)
	}
	return nil
}
