package storage_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"roomchat/backend/internal/models"
	"roomchat/backend/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *storage.PebbleStore {
	t.Helper()
	s, err := storage.OpenPebbleInMemory(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func draft(user, text string) models.MessageDraft {
	return models.MessageDraft{
		Author: models.Author{UserID: user, UserName: user + "-name"},
		Text:   text,
	}
}

func TestPebbleAppendAndList(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	first, err := s.Append(ctx, "g1", draft("A", "one"))
	require.NoError(t, err)
	second, err := s.Append(ctx, "g1", draft("B", "two"))
	require.NoError(t, err)
	_, err = s.Append(ctx, "g2", draft("A", "elsewhere"))
	require.NoError(t, err)

	assert.NotEmpty(t, first.ID)
	assert.True(t, second.CreatedAt.After(first.CreatedAt))
	assert.Equal(t, models.Reactions{}, first.Reactions)

	msgs, err := s.ListByRoom(ctx, "g1", models.HistoryQuery{})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", msgs[0].Text)
	assert.Equal(t, "two", msgs[1].Text)
	assert.Equal(t, "A-name", msgs[0].UserName)
}

func TestPebbleListSinceIsExclusiveAndRestartable(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	for _, text := range []string{"1", "2", "3", "4", "5"} {
		_, err := s.Append(ctx, "g1", draft("A", text))
		require.NoError(t, err)
	}

	page, err := s.ListByRoom(ctx, "g1", models.HistoryQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "2", page[1].Text)

	page, err = s.ListByRoom(ctx, "g1", models.HistoryQuery{Since: page[1].CreatedAt, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "3", page[0].Text)
	assert.Equal(t, "4", page[1].Text)

	page, err = s.ListByRoom(ctx, "g1", models.HistoryQuery{Since: page[1].CreatedAt})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "5", page[0].Text)
}

// The g1/m1/👍 scenario: B reacts, A reacts, B withdraws.
func TestPebbleReactionScenario(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	m1, err := s.Append(ctx, "g1", draft("A", "hi"))
	require.NoError(t, err)

	msg, added, err := s.ApplyReactionToggle(ctx, "g1", m1.ID, "👍", "B")
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, []string{"B"}, msg.Reactions["👍"])

	msg, added, err = s.ApplyReactionToggle(ctx, "g1", m1.ID, "👍", "A")
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, []string{"A", "B"}, msg.Reactions["👍"])

	msg, added, err = s.ApplyReactionToggle(ctx, "g1", m1.ID, "👍", "B")
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, []string{"A"}, msg.Reactions["👍"])

	msg, _, err = s.ApplyReactionToggle(ctx, "g1", m1.ID, "👍", "A")
	require.NoError(t, err)
	_, ok := msg.Reactions["👍"]
	assert.False(t, ok, "empty reactor set must remove the key")

	stored, err := s.Get(ctx, m1.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Reactions)
}

func TestPebbleToggleTwiceIsIdentity(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	m1, err := s.Append(ctx, "g1", draft("A", "hi"))
	require.NoError(t, err)
	_, _, err = s.ApplyReactionToggle(ctx, "g1", m1.ID, "❤️", "C")
	require.NoError(t, err)
	before, err := s.Get(ctx, m1.ID)
	require.NoError(t, err)

	_, _, err = s.ApplyReactionToggle(ctx, "g1", m1.ID, "👍", "B")
	require.NoError(t, err)
	_, _, err = s.ApplyReactionToggle(ctx, "g1", m1.ID, "👍", "B")
	require.NoError(t, err)

	after, err := s.Get(ctx, m1.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Reactions, after.Reactions)
}

func TestPebbleConcurrentReactionsFromDifferentUsers(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	m1, err := s.Append(ctx, "g1", draft("A", "hi"))
	require.NoError(t, err)

	users := []string{"u1", "u2", "u3", "u4", "u5", "u6", "u7", "u8"}
	var wg sync.WaitGroup
	for _, u := range users {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			_, _, err := s.ApplyReactionToggle(ctx, "g1", m1.ID, "👍", u)
			assert.NoError(t, err)
		}(u)
	}
	wg.Wait()

	stored, err := s.Get(ctx, m1.ID)
	require.NoError(t, err)
	assert.Equal(t, users, stored.Reactions["👍"])
}

func TestPebbleReactionUnknownMessage(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, _, err := s.ApplyReactionToggle(ctx, "g1", "missing", "👍", "B")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	m1, err := s.Append(ctx, "g1", draft("A", "hi"))
	require.NoError(t, err)
	_, _, err = s.ApplyReactionToggle(ctx, "g2", m1.ID, "👍", "B")
	assert.ErrorIs(t, err, storage.ErrNotFound, "message from another room")
}

func TestPebbleDeleteOnlyByAuthor(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	m1, err := s.Append(ctx, "g1", draft("A", "hi"))
	require.NoError(t, err)

	err = s.Delete(ctx, "g1", m1.ID, "B")
	assert.ErrorIs(t, err, storage.ErrForbidden)
	_, err = s.Get(ctx, m1.ID)
	require.NoError(t, err, "message must remain after a forbidden delete")

	require.NoError(t, s.Delete(ctx, "g1", m1.ID, "A"))
	_, err = s.Get(ctx, m1.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = s.Delete(ctx, "g1", m1.ID, "A")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	msgs, err := s.ListByRoom(ctx, "g1", models.HistoryQuery{})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestPebblePurgeBefore(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	old, err := s.Append(ctx, "g1", draft("A", "old"))
	require.NoError(t, err)
	_, err = s.Append(ctx, "g2", draft("A", "old too"))
	require.NoError(t, err)
	cutoff := time.Now()
	time.Sleep(time.Millisecond)
	fresh, err := s.Append(ctx, "g1", draft("A", "fresh"))
	require.NoError(t, err)

	purged, err := s.PurgeBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), purged)

	_, err = s.Get(ctx, old.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.Get(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestPebblePurgeDuringTogglesLeavesNoOrphans(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 20; i++ {
		m, err := s.Append(ctx, "g1", draft("A", "hi"))
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				if _, _, err := s.ApplyReactionToggle(ctx, "g1", id, "👍", "B"); err != nil {
					assert.ErrorIs(t, err, storage.ErrNotFound)
					return
				}
			}
		}(id)
	}
	purged, err := s.PurgeBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	wg.Wait()

	assert.Equal(t, int64(len(ids)), purged)
	msgs, err := s.ListByRoom(ctx, "g1", models.HistoryQuery{})
	require.NoError(t, err)
	for _, m := range msgs {
		_, err := s.Get(ctx, m.ID)
		assert.NoError(t, err, "listed message %s has no index entry", m.ID)
	}
	assert.Empty(t, msgs)
}

func TestPebbleCloseWaitsForInFlightCalls(t *testing.T) {
	s, err := storage.OpenPebbleInMemory(nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if _, err := s.Append(context.Background(), "g1", draft("A", "hi")); err != nil {
					assert.ErrorIs(t, err, storage.ErrStorageUnavailable)
					return
				}
				if _, err := s.ListByRoom(context.Background(), "g1", models.HistoryQuery{Limit: 5}); err != nil {
					assert.ErrorIs(t, err, storage.ErrStorageUnavailable)
					return
				}
			}
		}()
	}
	time.Sleep(time.Millisecond)
	require.NoError(t, s.Close())
	wg.Wait()

	assert.NoError(t, s.Close())
}

func TestPebbleClosedStoreIsUnavailable(t *testing.T) {
	s, err := storage.OpenPebbleInMemory(nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Append(context.Background(), "g1", draft("A", "hi"))
	assert.ErrorIs(t, err, storage.ErrStorageUnavailable)
	assert.ErrorIs(t, s.Ping(context.Background()), storage.ErrStorageUnavailable)
	assert.NoError(t, s.Close())
}

func TestPebbleCanceledContext(t *testing.T) {
	s := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Append(ctx, "g1", draft("A", "hi"))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestNormalizeLimit(t *testing.T) {
	assert.Equal(t, storage.DefaultHistoryLimit, storage.NormalizeLimit(0))
	assert.Equal(t, storage.DefaultHistoryLimit, storage.NormalizeLimit(-3))
	assert.Equal(t, 10, storage.NormalizeLimit(10))
	assert.Equal(t, storage.MaxHistoryLimit, storage.NormalizeLimit(1000))
}
