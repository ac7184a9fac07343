package telegram

import (
	"encoding/json"
	"strings"
	"sync"

	"roomchat/backend/internal/chathub"
	"roomchat/backend/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// maxTrackedMessages bounds the room-message to Telegram-message index used for deletions.
const maxTrackedMessages = 1024

// writePump слухає outbox дзеркальної сесії і надсилає події в Telegram
func (b *Bridge) writePump() {
	defer b.log.Debug("telegram writePump stopped")

	for {
		select {
		case <-b.session.Outbox().Ready():
			for _, f := range b.session.Outbox().Drain() {
				b.forward(f)
			}
		case <-b.done:
			return
		}
	}
}

// forward renders one room event for Telegram. Only messages and deletions are mirrored.
func (b *Bridge) forward(f chathub.Frame) {
	var env models.Envelope
	if err := json.Unmarshal(f.Bytes(), &env); err != nil {
		b.log.Error("undecodable frame", zap.String("event", f.Event), zap.Error(err))
		return
	}

	switch env.Event {
	case models.EventMessage:
		var m models.MessageEvent
		if err := json.Unmarshal(env.Data, &m); err != nil {
			b.log.Error("undecodable message event", zap.Error(err))
			return
		}
		// Не надсилаємо назад те, що прийшло з Telegram
		if strings.HasPrefix(m.UserID, memberPrefix) {
			return
		}
		b.sendMessage(m.Message)

	case models.EventMessageDeleted:
		var d models.MessageDeletedEvent
		if err := json.Unmarshal(env.Data, &d); err != nil {
			b.log.Error("undecodable delete event", zap.Error(err))
			return
		}
		tgID, ok := b.sent.take(d.ID)
		if !ok {
			return
		}
		if _, err := b.Bot.Request(tgbotapi.NewDeleteMessage(b.opts.ChatID, tgID)); err != nil {
			b.log.Warn("failed to delete telegram message", zap.String("message_id", d.ID), zap.Int("telegram_message_id", tgID), zap.Error(err))
		}
	}
}

func (b *Bridge) sendMessage(m models.Message) {
	name := escapeMarkdown(m.UserName)

	var text string
	switch {
	case strings.TrimSpace(m.Text) != "":
		text = b.Localizer.Format(b.opts.Lang, "message_from", name, escapeMarkdown(m.Text))
	case m.Image != "":
		text = b.Localizer.Format(b.opts.Lang, "photo_from", name)
	case m.Voice != "":
		text = b.Localizer.Format(b.opts.Lang, "voice_from", name)
	default:
		return
	}

	msg := tgbotapi.NewMessage(b.opts.ChatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	sent, err := b.Bot.Send(msg)
	if err != nil {
		b.log.Warn("failed to send telegram message", zap.String("message_id", m.ID), zap.Error(err))
		return
	}
	b.sent.put(m.ID, sent.MessageID)
}

var markdownReplacer = strings.NewReplacer(
	"_", "\\_",
	"*", "\\*",
	"`", "\\`",
	"[", "\\[",
)

// escapeMarkdown екранує символи legacy Markdown у тексті користувача
func escapeMarkdown(text string) string {
	return markdownReplacer.Replace(text)
}

// sentIndex maps room message ids to the Telegram message ids of their copies.
// The oldest entries are evicted first.
type sentIndex struct {
	mu    sync.Mutex
	limit int
	ids   map[string]int
	order []string
}

func newSentIndex(limit int) *sentIndex {
	return &sentIndex{limit: limit, ids: make(map[string]int)}
}

func (s *sentIndex) put(messageID string, tgID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[messageID]; !ok {
		s.order = append(s.order, messageID)
	}
	s.ids[messageID] = tgID
	for len(s.order) > s.limit {
		delete(s.ids, s.order[0])
		s.order = s.order[1:]
	}
}

// take returns and forgets the Telegram id of messageID.
func (s *sentIndex) take(messageID string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tgID, ok := s.ids[messageID]
	if !ok {
		return 0, false
	}
	delete(s.ids, messageID)
	for i, id := range s.order {
		if id == messageID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return tgID, true
}

func (s *sentIndex) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}
