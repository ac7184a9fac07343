package chathub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"roomchat/backend/internal/models"
	"roomchat/backend/internal/storage"

	"go.uber.org/zap"
)

var ErrBrokerClosed = errors.New("broker closed")

// Options are the broker's limits. Zero fields fall back to DefaultOptions.
type Options struct {
	RoomQueueSize         int
	StoreTimeout          time.Duration
	StoreFailureThreshold int
	StoreProbeInterval    time.Duration
	MaxTextRunes          int
	MaxMediaBytes         int
	MaxRoomIDRunes        int
	MaxEmojiRunes         int
	MaxClientIDRunes      int
}

func DefaultOptions() Options {
	return Options{
		RoomQueueSize:         256,
		StoreTimeout:          5 * time.Second,
		StoreFailureThreshold: 5,
		StoreProbeInterval:    10 * time.Second,
		MaxTextRunes:          4000,
		MaxMediaBytes:         5 << 20,
		MaxRoomIDRunes:        128,
		MaxEmojiRunes:         16,
		MaxClientIDRunes:      128,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.RoomQueueSize <= 0 {
		o.RoomQueueSize = d.RoomQueueSize
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = d.StoreTimeout
	}
	if o.StoreProbeInterval <= 0 {
		o.StoreProbeInterval = d.StoreProbeInterval
	}
	if o.MaxTextRunes <= 0 {
		o.MaxTextRunes = d.MaxTextRunes
	}
	if o.MaxMediaBytes <= 0 {
		o.MaxMediaBytes = d.MaxMediaBytes
	}
	if o.MaxRoomIDRunes <= 0 {
		o.MaxRoomIDRunes = d.MaxRoomIDRunes
	}
	if o.MaxEmojiRunes <= 0 {
		o.MaxEmojiRunes = d.MaxEmojiRunes
	}
	if o.MaxClientIDRunes <= 0 {
		o.MaxClientIDRunes = d.MaxClientIDRunes
	}
	return o
}

// Relay carries room frames between broker instances.
type Relay interface {
	// Publish hands f to the relay without blocking the room worker. It
	// returns false when the frame could not be queued for other instances.
	Publish(f Frame) bool
	// Listen delivers frames published by other instances until ctx is done.
	Listen(ctx context.Context, deliver func(Frame)) error
}

type sessionRooms struct {
	client Client
	rooms  map[string]struct{}
}

// Broker serializes every mutation of a room on that room's worker goroutine
// and fans the results out to the room's members in the same order.
type Broker struct {
	store    storage.MessageStore
	presence *PresenceRegistry
	opts     Options
	metrics  *Metrics
	log      *zap.Logger
	relay    Relay
	health   *storeHealth

	mu       sync.Mutex
	closed   bool
	rooms    map[string]*room
	sessions map[string]*sessionRooms
}

func NewBroker(store storage.MessageStore, opts Options, metrics *Metrics, log *zap.Logger) *Broker {
	if log == nil {
		log = zap.NewNop()
	}
	opts = opts.withDefaults()
	return &Broker{
		store:    store,
		presence: NewPresenceRegistry(),
		opts:     opts,
		metrics:  metrics,
		log:      log,
		health:   newStoreHealth(opts.StoreFailureThreshold, opts.StoreProbeInterval, log),
		rooms:    make(map[string]*room),
		sessions: make(map[string]*sessionRooms),
	}
}

// SetRelay enables cross-instance fan-out. Call before Run.
func (b *Broker) SetRelay(r Relay) { b.relay = r }

func (b *Broker) Options() Options { return b.opts }

// Run blocks until ctx is done, delivering relayed frames when a relay is set.
func (b *Broker) Run(ctx context.Context) error {
	if b.relay == nil {
		<-ctx.Done()
		return nil
	}
	err := b.relay.Listen(ctx, b.DeliverRemote)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close rejects new work and releases idle rooms.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, r := range b.rooms {
		b.retireLocked(r)
	}
	b.presence.Reset()
}

// Register makes c eligible to join rooms. The gateway calls it once per connection.
func (b *Broker) Register(c Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sessions[c.SessionID()]; ok {
		return
	}
	b.sessions[c.SessionID()] = &sessionRooms{client: c, rooms: make(map[string]struct{})}
	b.metrics.sessionOpened()
}

// ActiveRooms counts rooms with a running worker.
func (b *Broker) ActiveRooms() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rooms)
}

// Presence exposes the registry for status endpoints and tests.
func (b *Broker) Presence() *PresenceRegistry { return b.presence }

// Snapshot returns the users currently present in roomID.
func (b *Broker) Snapshot(roomID string) []models.PresenceEntry {
	return b.presence.Snapshot(roomID)
}

// Join adds c to roomID and broadcasts the room's presence snapshot, which
// doubles as the joiner's initial sync. Joining twice is a no-op apart from
// resending the snapshot to c.
func (b *Broker) Join(ctx context.Context, roomID string, c Client) error {
	if err := b.validateRoomID(roomID); err != nil {
		return err
	}
	return b.do(ctx, roomID, func(r *room) error {
		if !b.attach(c.SessionID(), roomID) {
			return ErrSessionClosed
		}
		id := c.Identity()
		if r.has(c.SessionID()) {
			if !id.Anonymous() {
				b.presence.Join(roomID, c.SessionID(), presenceEntry(id))
			}
			if f, err := b.statusFrame(roomID); err == nil {
				c.Deliver(f)
			}
			return nil
		}

		r.add(c)
		if !id.Anonymous() {
			change := b.presence.Join(roomID, c.SessionID(), presenceEntry(id))
			if change.WentOnline {
				b.log.Debug("user online", zap.String("user_id", id.UserID))
			}
		}
		return b.broadcastStatus(r)
	})
}

// Leave removes c from roomID. Leaving a room that was never joined is a no-op.
func (b *Broker) Leave(ctx context.Context, roomID string, c Client) error {
	if err := b.validateRoomID(roomID); err != nil {
		return err
	}
	return b.do(ctx, roomID, func(r *room) error {
		b.detach(c.SessionID(), roomID)
		return b.leaveRoom(r, c.SessionID())
	})
}

// Disconnect removes c from every room it joined. Later calls are no-ops.
func (b *Broker) Disconnect(c Client) {
	sid := c.SessionID()
	b.mu.Lock()
	s, ok := b.sessions[sid]
	if ok {
		delete(b.sessions, sid)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	b.metrics.sessionClosed()

	for roomID := range s.rooms {
		err := b.do(context.Background(), roomID, func(r *room) error {
			return b.leaveRoom(r, sid)
		})
		if err != nil && !errors.Is(err, ErrBrokerClosed) {
			b.log.Warn("leave on disconnect failed", zap.String("room", roomID), zap.String("session_id", sid), zap.Error(err))
		}
	}
}

// Send persists draft as c's message and broadcasts it to every member of roomID,
// the sender's own sessions included.
func (b *Broker) Send(ctx context.Context, roomID string, c Client, draft models.MessageDraft) error {
	id := c.Identity()
	if id.Anonymous() {
		return ErrIdentityRequired
	}
	if err := b.validateRoomID(roomID); err != nil {
		return err
	}
	if !draft.HasBody() {
		return ErrEmptyMessage
	}
	if err := b.checkDraft(draft); err != nil {
		return err
	}
	draft.Author = models.Author{UserID: id.UserID, UserName: id.UserName, UserImage: id.UserImage}

	return b.do(ctx, roomID, func(r *room) error {
		if !r.has(c.SessionID()) {
			return ErrNotJoined
		}
		msg, err := storeCall(b, "append", func(ctx context.Context) (*models.Message, error) {
			return b.store.Append(ctx, roomID, draft)
		})
		if err != nil {
			return err
		}
		f, err := NewFrame(models.EventMessage, roomID, "", models.MessageEvent{Message: *msg, ClientID: draft.ClientID})
		if err != nil {
			return err
		}
		b.broadcast(r, f, nil)
		return nil
	})
}

// Delete removes c's own message and broadcasts the deletion.
func (b *Broker) Delete(ctx context.Context, roomID string, c Client, messageID string) error {
	id := c.Identity()
	if id.Anonymous() {
		return ErrIdentityRequired
	}
	if err := b.validateRoomID(roomID); err != nil {
		return err
	}
	if messageID == "" {
		return fmt.Errorf("%w: message id is required", ErrInvalidPayload)
	}

	return b.do(ctx, roomID, func(r *room) error {
		if !r.has(c.SessionID()) {
			return ErrNotJoined
		}
		_, err := storeCall(b, "delete", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, b.store.Delete(ctx, roomID, messageID, id.UserID)
		})
		if err != nil {
			return err
		}
		f, err := NewFrame(models.EventMessageDeleted, roomID, "", models.MessageDeletedEvent{ID: messageID, Room: roomID})
		if err != nil {
			return err
		}
		b.broadcast(r, f, nil)
		return nil
	})
}

// React toggles c's emoji on a message and broadcasts the delta.
func (b *Broker) React(ctx context.Context, roomID string, c Client, messageID, emoji string) error {
	id := c.Identity()
	if id.Anonymous() {
		return ErrIdentityRequired
	}
	if err := b.validateRoomID(roomID); err != nil {
		return err
	}
	if messageID == "" {
		return fmt.Errorf("%w: message id is required", ErrInvalidPayload)
	}
	if err := b.validateEmoji(emoji); err != nil {
		return err
	}

	return b.do(ctx, roomID, func(r *room) error {
		if !r.has(c.SessionID()) {
			return ErrNotJoined
		}
		type toggled struct {
			msg   *models.Message
			added bool
		}
		res, err := storeCall(b, "react", func(ctx context.Context) (toggled, error) {
			msg, added, err := b.store.ApplyReactionToggle(ctx, roomID, messageID, emoji, id.UserID)
			return toggled{msg: msg, added: added}, err
		})
		if err != nil {
			return err
		}
		f, err := NewFrame(models.EventReaction, roomID, "", models.ReactionEvent{
			MessageID: messageID,
			Emoji:     emoji,
			UserID:    id.UserID,
			Room:      roomID,
			Added:     res.added,
		})
		if err != nil {
			return err
		}
		b.broadcast(r, f, nil)
		return nil
	})
}

// Typing is best-effort: it is dropped when the room queue is full and is not
// shown to the typist's own sessions.
func (b *Broker) Typing(roomID string, c Client, isTyping bool) error {
	id := c.Identity()
	if id.Anonymous() {
		return ErrIdentityRequired
	}
	if err := b.validateRoomID(roomID); err != nil {
		return err
	}
	queued := b.tryDo(roomID, func(r *room) {
		if !r.has(c.SessionID()) {
			return
		}
		f, err := NewFrame(models.EventTyping, roomID, "", models.TypingEvent{
			UserID:   id.UserID,
			UserName: id.UserName,
			IsTyping: isTyping,
			Room:     roomID,
		})
		if err != nil {
			return
		}
		f.sender = id.UserID
		b.broadcast(r, f, skipUser(id.UserID))
	})
	if !queued {
		b.metrics.frameDropped(dropRoomBusy)
	}
	return nil
}

// DeliverRemote fans out a frame published by another instance to local members only.
func (b *Broker) DeliverRemote(f Frame) {
	b.mu.Lock()
	_, local := b.rooms[f.Room]
	b.mu.Unlock()
	// Presence is per instance; a remote snapshot would replace the local one.
	if !local || f.Event == models.EventUserStatus {
		return
	}
	var skip func(Client) bool
	if f.sender != "" {
		skip = skipUser(f.sender)
	}
	if f.Droppable() {
		b.tryDo(f.Room, func(r *room) { r.deliver(f, skip) })
		return
	}
	err := b.do(context.Background(), f.Room, func(r *room) error {
		r.deliver(f, skip)
		return nil
	})
	if err != nil && !errors.Is(err, ErrBrokerClosed) {
		b.log.Warn("remote delivery failed", zap.String("room", f.Room), zap.Error(err))
	}
}

// broadcast delivers f to local members and hands it to the relay.
func (b *Broker) broadcast(r *room, f Frame, skip func(Client) bool) {
	r.deliver(f, skip)
	if b.relay == nil {
		return
	}
	if b.relay.Publish(f) {
		b.metrics.relayFramePublished()
	} else {
		b.metrics.frameDropped(dropRelayFull)
	}
}

// broadcastStatus sends this instance's snapshot to local members only.
func (b *Broker) broadcastStatus(r *room) error {
	f, err := b.statusFrame(r.id)
	if err != nil {
		return err
	}
	r.deliver(f, nil)
	return nil
}

func (b *Broker) statusFrame(roomID string) (Frame, error) {
	return NewFrame(models.EventUserStatus, roomID, "", models.UserStatusEvent{
		Room:  roomID,
		Users: b.presence.Snapshot(roomID),
	})
}

// leaveRoom runs on the room worker.
func (b *Broker) leaveRoom(r *room, sessionID string) error {
	if !r.remove(sessionID) {
		return nil
	}
	change := b.presence.Leave(r.id, sessionID)
	if change.WentOffline {
		b.log.Debug("user offline", zap.String("user_id", change.UserID))
	}
	if r.size.Load() == 0 {
		return nil
	}
	return b.broadcastStatus(r)
}

// attach records roomID for a registered session. It fails once the session disconnected.
func (b *Broker) attach(sessionID, roomID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[sessionID]
	if !ok {
		return false
	}
	s.rooms[roomID] = struct{}{}
	return true
}

func (b *Broker) detach(sessionID, roomID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.sessions[sessionID]; ok {
		delete(s.rooms, roomID)
	}
}

func (b *Broker) validateRoomID(roomID string) error {
	if roomID == "" {
		return fmt.Errorf("%w: room is required", ErrInvalidPayload)
	}
	if !utf8.ValidString(roomID) || utf8.RuneCountInString(roomID) > b.opts.MaxRoomIDRunes {
		return fmt.Errorf("%w: invalid room id", ErrInvalidPayload)
	}
	if strings.IndexFunc(roomID, unicode.IsControl) >= 0 {
		return fmt.Errorf("%w: room id contains control characters", ErrInvalidPayload)
	}
	return nil
}

func (b *Broker) validateEmoji(emoji string) error {
	if strings.TrimSpace(emoji) == "" {
		return fmt.Errorf("%w: emoji is required", ErrInvalidPayload)
	}
	if utf8.RuneCountInString(emoji) > b.opts.MaxEmojiRunes {
		return fmt.Errorf("%w: emoji too long", ErrInvalidPayload)
	}
	return nil
}

func (b *Broker) checkDraft(d models.MessageDraft) error {
	if n := utf8.RuneCountInString(d.Text); n > b.opts.MaxTextRunes {
		return fmt.Errorf("%w: text has %d runes, limit %d", ErrPayloadTooLarge, n, b.opts.MaxTextRunes)
	}
	if len(d.Image) > b.opts.MaxMediaBytes || len(d.Voice) > b.opts.MaxMediaBytes {
		return fmt.Errorf("%w: media exceeds %d bytes", ErrPayloadTooLarge, b.opts.MaxMediaBytes)
	}
	if utf8.RuneCountInString(d.ClientID) > b.opts.MaxClientIDRunes {
		return fmt.Errorf("%w: client id too long", ErrInvalidPayload)
	}
	return nil
}

func presenceEntry(id Identity) models.PresenceEntry {
	return models.PresenceEntry{UserID: id.UserID, UserName: id.UserName, UserImage: id.UserImage, Online: true}
}

func skipUser(userID string) func(Client) bool {
	return func(c Client) bool { return c.Identity().UserID == userID }
}
