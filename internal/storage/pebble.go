package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"roomchat/backend/internal/models"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Key layout:
//
//	m\x00<room>\x00<unix nanos, 20 digits>\x00<id>  -> JSON models.Message
//	i\x00<id>                                        -> the m\x00 key above
const (
	msgPrefix  = "m\x00"
	idxPrefix  = "i\x00"
	sep        = "\x00"
	lockShards = 64
)

// PebbleStore is an embedded MessageStore for single-node deployments and tests.
type PebbleStore struct {
	db  *pebble.DB
	log *zap.Logger

	closeMu sync.RWMutex
	closed  bool

	// locks serialize read-modify-write per message id.
	locks [lockShards]sync.Mutex

	clockMu sync.Mutex
	lastTS  int64
}

// OpenPebble opens (or creates) a store at path.
func OpenPebble(path string, log *zap.Logger) (*PebbleStore, error) {
	return openPebble(path, &pebble.Options{}, log)
}

// OpenPebbleInMemory opens a store that lives only in memory.
func OpenPebbleInMemory(log *zap.Logger) (*PebbleStore, error) {
	return openPebble("", &pebble.Options{FS: vfs.NewMem()}, log)
}

func openPebble(path string, opts *pebble.Options, log *zap.Logger) (*PebbleStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		log.Error("pebble open failed", zap.String("path", path), zap.Error(err))
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	log.Info("pebble opened", zap.String("path", path))
	return &PebbleStore{db: db, log: log}, nil
}

func (s *PebbleStore) Append(ctx context.Context, room string, draft models.MessageDraft) (*models.Message, error) {
	release, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	id, err := uuid.NewV7()
	if err != nil {
		return nil, unavailable("append message", err)
	}
	ts := s.nextTimestamp()
	msg := &models.Message{
		ID:        id.String(),
		Room:      room,
		Author:    draft.Author,
		Text:      draft.Text,
		Image:     draft.Image,
		Voice:     draft.Voice,
		Reactions: models.Reactions{},
		CreatedAt: time.Unix(0, ts).UTC(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	key := messageKey(room, ts, msg.ID)

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(key, data, nil); err != nil {
		return nil, unavailable("append message", err)
	}
	if err := batch.Set(indexKey(msg.ID), key, nil); err != nil {
		return nil, unavailable("append message", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		s.log.Error("append message failed", zap.String("room", room), zap.Error(err))
		return nil, unavailable("append message", err)
	}
	return msg, nil
}

func (s *PebbleStore) ListByRoom(ctx context.Context, room string, q models.HistoryQuery) ([]models.Message, error) {
	release, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	prefix := roomPrefix(room)
	lower := prefix
	switch {
	case !q.Since.IsZero() && q.AfterID != "":
		lower = append(messageKey(room, q.Since.UnixNano(), q.AfterID), 0)
	case !q.Since.IsZero():
		lower = append(append([]byte{}, prefix...), []byte(fmt.Sprintf("%020d", q.Since.UnixNano()+1))...)
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, unavailable("list history", err)
	}
	defer iter.Close()

	limit := NormalizeLimit(q.Limit)
	out := make([]models.Message, 0, limit)
	for iter.First(); iter.Valid() && len(out) < limit; iter.Next() {
		var msg models.Message
		if err := json.Unmarshal(iter.Value(), &msg); err != nil {
			s.log.Warn("skipping undecodable message", zap.ByteString("key", iter.Key()), zap.Error(err))
			continue
		}
		if msg.Reactions == nil {
			msg.Reactions = models.Reactions{}
		}
		out = append(out, msg)
	}
	if err := iter.Error(); err != nil {
		return nil, unavailable("list history", err)
	}
	return out, nil
}

func (s *PebbleStore) ApplyReactionToggle(ctx context.Context, room, messageID, emoji, userID string) (*models.Message, bool, error) {
	release, err := s.begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer release()
	mu := s.lockFor(messageID)
	mu.Lock()
	defer mu.Unlock()

	key, msg, err := s.load(messageID)
	if err != nil {
		return nil, false, err
	}
	if msg.Room != room {
		return nil, false, ErrNotFound
	}
	if msg.Reactions == nil {
		msg.Reactions = models.Reactions{}
	}
	added := msg.Reactions.Toggle(emoji, userID)

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, false, fmt.Errorf("marshal message: %w", err)
	}
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		s.log.Error("reaction toggle failed", zap.String("message_id", messageID), zap.Error(err))
		return nil, false, unavailable("toggle reaction", err)
	}
	return msg, added, nil
}

func (s *PebbleStore) Delete(ctx context.Context, room, messageID, requestingUserID string) error {
	release, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer release()
	mu := s.lockFor(messageID)
	mu.Lock()
	defer mu.Unlock()

	key, msg, err := s.load(messageID)
	if err != nil {
		return err
	}
	if msg.Room != room {
		return ErrNotFound
	}
	if msg.UserID != requestingUserID {
		return ErrForbidden
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(key, nil); err != nil {
		return unavailable("delete message", err)
	}
	if err := batch.Delete(indexKey(messageID), nil); err != nil {
		return unavailable("delete message", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		s.log.Error("delete message failed", zap.String("message_id", messageID), zap.Error(err))
		return unavailable("delete message", err)
	}
	return nil
}

func (s *PebbleStore) Get(ctx context.Context, messageID string) (*models.Message, error) {
	release, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	_, msg, err := s.load(messageID)
	return msg, err
}

// PurgeBefore scans every room; retention runs are rare enough for a full scan.
// It holds every message lock so a concurrent toggle cannot write a purged message back.
func (s *PebbleStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	release, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer release()
	unlock := s.lockAll()
	defer unlock()
	prefix := []byte(msgPrefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return 0, unavailable("purge messages", err)
	}
	defer iter.Close()

	batch := s.db.NewBatch()
	defer batch.Close()
	var purged int64
	for iter.First(); iter.Valid(); iter.Next() {
		ts, id, ok := parseMessageKey(iter.Key())
		if !ok || ts >= cutoff.UnixNano() {
			continue
		}
		if err := batch.Delete(append([]byte{}, iter.Key()...), nil); err != nil {
			return 0, unavailable("purge messages", err)
		}
		if err := batch.Delete(indexKey(id), nil); err != nil {
			return 0, unavailable("purge messages", err)
		}
		purged++
	}
	if err := iter.Error(); err != nil {
		return 0, unavailable("purge messages", err)
	}
	if purged == 0 {
		return 0, nil
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, unavailable("purge messages", err)
	}
	return purged, nil
}

func (s *PebbleStore) Ping(ctx context.Context) error {
	release, err := s.begin(ctx)
	if err != nil {
		return err
	}
	release()
	return nil
}

// Close waits for in-flight calls and closes the database. Later calls fail
// with ErrStorageUnavailable.
func (s *PebbleStore) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.db.Close()
	s.log.Info("pebble closed")
	return err
}

// begin keeps the database open until release is called.
func (s *PebbleStore) begin(ctx context.Context) (release func(), err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.closeMu.RLock()
	if s.closed {
		s.closeMu.RUnlock()
		return nil, fmt.Errorf("pebble: %w", ErrStorageUnavailable)
	}
	return s.closeMu.RUnlock, nil
}

func (s *PebbleStore) load(messageID string) ([]byte, *models.Message, error) {
	key, closer, err := s.db.Get(indexKey(messageID))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, unavailable("load message", err)
	}
	key = append([]byte{}, key...)
	closer.Close()

	value, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, unavailable("load message", err)
	}
	defer closer.Close()

	var msg models.Message
	if err := json.Unmarshal(value, &msg); err != nil {
		return nil, nil, fmt.Errorf("decode message %s: %w", messageID, err)
	}
	return key, &msg, nil
}

func (s *PebbleStore) lockFor(messageID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(messageID))
	return &s.locks[h.Sum32()%lockShards]
}

// lockAll takes every stripe in order; callers holding one stripe never wait on another.
func (s *PebbleStore) lockAll() (unlock func()) {
	for i := range s.locks {
		s.locks[i].Lock()
	}
	return func() {
		for i := len(s.locks) - 1; i >= 0; i-- {
			s.locks[i].Unlock()
		}
	}
}

// nextTimestamp returns a strictly increasing unix-nano timestamp.
func (s *PebbleStore) nextTimestamp() int64 {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	ts := time.Now().UTC().UnixNano()
	if ts <= s.lastTS {
		ts = s.lastTS + 1
	}
	s.lastTS = ts
	return ts
}

func roomPrefix(room string) []byte {
	return []byte(msgPrefix + room + sep)
}

func messageKey(room string, ts int64, id string) []byte {
	return []byte(fmt.Sprintf("%s%s%s%020d%s%s", msgPrefix, room, sep, ts, sep, id))
}

func indexKey(id string) []byte {
	return []byte(idxPrefix + id)
}

// parseMessageKey extracts the timestamp and id from a message key.
func parseMessageKey(key []byte) (int64, string, bool) {
	last := bytes.LastIndexByte(key, 0)
	if last < 21 {
		return 0, "", false
	}
	ts, err := strconv.ParseInt(string(key[last-20:last]), 10, 64)
	if err != nil {
		return 0, "", false
	}
	return ts, string(key[last+1:]), true
}

// prefixEnd returns the smallest key greater than every key with the prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
