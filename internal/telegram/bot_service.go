// Package telegram mirrors one chat room into one Telegram chat.
// Room messages and deletions are forwarded to Telegram; text written in the
// Telegram chat is posted back into the room on behalf of its author.
package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"

	"roomchat/backend/internal/chathub"
	"roomchat/backend/internal/localization"
	"roomchat/backend/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// memberPrefix marks user ids that belong to Telegram accounts.
const memberPrefix = "tg:"

// BotAPI is the part of *tgbotapi.BotAPI the bridge uses.
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Options select the mirrored room and the Telegram chat.
type Options struct {
	ChatID int64
	Room   string
	Lang   string
	// OutboxSize of the mirror session.
	OutboxSize int
}

// Bridge is responsible for receiving Telegram updates and routing them to the hub.
type Bridge struct {
	Bot       BotAPI
	Hub       *chathub.Broker
	Localizer *localization.Localizer

	opts    Options
	log     *zap.Logger
	session *chathub.Session

	mu       sync.Mutex
	members  map[int64]*member
	sent     *sentIndex
	done     chan struct{}
	stopOnce sync.Once
}

// NewBotAPI authorizes token against the Telegram API.
func NewBotAPI(token string, log *zap.Logger) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	bot.Debug = false
	log.Info("telegram bot authorized", zap.String("account", bot.Self.UserName))
	return bot, nil
}

// NewBridge creates a Bridge. The mirror session joins the room anonymously,
// so the bridge itself never shows up in presence.
func NewBridge(bot BotAPI, hub *chathub.Broker, localizer *localization.Localizer, opts Options, metrics *chathub.Metrics, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Lang == "" {
		opts.Lang = localization.DefaultLanguage
	}
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = 256
	}
	log = log.With(zap.String("component", "telegram"), zap.String("room", opts.Room))
	b := &Bridge{
		Bot:       bot,
		Hub:       hub,
		Localizer: localizer,
		opts:      opts,
		log:       log,
		session:   chathub.NewSession(chathub.Identity{}, opts.OutboxSize, metrics, log),
		members:   make(map[int64]*member),
		sent:      newSentIndex(maxTrackedMessages),
		done:      make(chan struct{}),
	}
	b.session.OnOverflow(func() {
		// Telegram is behind; the pending frames are still forwarded.
		b.log.Warn("telegram mirror is falling behind", zap.Int("pending", b.session.Outbox().Len()))
	})
	return b
}

// Run joins the room and processes Telegram updates until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.Start(ctx); err != nil {
		return err
	}
	defer b.Stop()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.Bot.GetUpdatesChan(u)
	defer b.Bot.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.HandleUpdate(ctx, update)
		}
	}
}

// Start registers the mirror session, joins the room and starts forwarding.
func (b *Bridge) Start(ctx context.Context) error {
	b.Hub.Register(b.session)
	if err := b.Hub.Join(ctx, b.opts.Room, b.session); err != nil {
		b.Hub.Disconnect(b.session)
		return err
	}
	b.session.MarkJoined()
	go b.writePump()

	b.notify(b.Localizer.Format(b.opts.Lang, "bridge_online", escapeMarkdown(b.opts.Room)))
	return nil
}

// Stop leaves the room with the mirror and every Telegram member.
func (b *Bridge) Stop() {
	b.stopOnce.Do(b.stop)
}

func (b *Bridge) stop() {
	close(b.done)

	b.mu.Lock()
	members := make([]*member, 0, len(b.members))
	for _, m := range b.members {
		members = append(members, m)
	}
	b.members = make(map[int64]*member)
	b.mu.Unlock()

	for _, m := range members {
		b.Hub.Disconnect(m)
	}
	b.Hub.Disconnect(b.session)
	b.session.Close()
}

// HandleUpdate posts a Telegram text message into the room.
func (b *Bridge) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.From.IsBot || msg.Chat.ID != b.opts.ChatID {
		return
	}
	if msg.IsCommand() {
		return
	}
	if strings.TrimSpace(msg.Text) == "" {
		b.notify(b.Localizer.GetString(b.opts.Lang, "unsupported_message_type"))
		return
	}

	m, err := b.getOrCreateMember(ctx, msg.From)
	if err != nil {
		b.log.Warn("telegram member could not join", zap.Int64("telegram_id", msg.From.ID), zap.Error(err))
		b.notify(b.Localizer.Format(b.opts.Lang, "message_rejected", chathub.ErrorCode(err)))
		return
	}

	err = b.Hub.Send(ctx, b.opts.Room, m, models.MessageDraft{Text: msg.Text})
	if err != nil {
		b.log.Debug("telegram message rejected", zap.Int64("telegram_id", msg.From.ID), zap.Error(err))
		b.notify(b.Localizer.Format(b.opts.Lang, "message_rejected", chathub.ErrorCode(err)))
		if errors.Is(err, chathub.ErrNotJoined) || errors.Is(err, chathub.ErrSessionClosed) {
			b.forget(msg.From.ID)
		}
	}
}

// getOrCreateMember returns the room session of a Telegram user, joining on first use.
func (b *Bridge) getOrCreateMember(ctx context.Context, from *tgbotapi.User) (*member, error) {
	b.mu.Lock()
	m, ok := b.members[from.ID]
	b.mu.Unlock()
	if ok {
		return m, nil
	}

	m = newMember(from)
	b.Hub.Register(m)
	if err := b.Hub.Join(ctx, b.opts.Room, m); err != nil {
		b.Hub.Disconnect(m)
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.members[from.ID]; ok {
		// Concurrent first messages from the same user.
		go b.Hub.Disconnect(m)
		return existing, nil
	}
	b.members[from.ID] = m
	return m, nil
}

func (b *Bridge) forget(telegramID int64) {
	b.mu.Lock()
	m, ok := b.members[telegramID]
	delete(b.members, telegramID)
	b.mu.Unlock()
	if ok {
		b.Hub.Disconnect(m)
	}
}

// notify sends a service line to the Telegram chat.
func (b *Bridge) notify(text string) {
	msg := tgbotapi.NewMessage(b.opts.ChatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := b.Bot.Send(msg); err != nil {
		b.log.Warn("telegram notice failed", zap.Error(err))
	}
}

// member is a Telegram user inside the room. Room events reach Telegram
// through the mirror session, so member copies are discarded.
type member struct {
	id       string
	identity chathub.Identity
}

func newMember(from *tgbotapi.User) *member {
	name := strings.TrimSpace(from.FirstName + " " + from.LastName)
	if name == "" {
		name = from.UserName
	}
	return &member{
		id:       uuid.NewString(),
		identity: chathub.Identity{UserID: memberPrefix + strconv.FormatInt(from.ID, 10), UserName: name},
	}
}

func (m *member) SessionID() string { return m.id }
func (m *member) Identity() chathub.Identity { return m.identity }
func (m *member) Deliver(chathub.Frame) bool { return true }
