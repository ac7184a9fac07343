package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"roomchat/backend/internal/models"
	"roomchat/backend/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingPurger struct{}

func (failingPurger) PurgeBefore(context.Context, time.Time) (int64, error) {
	return 0, storage.ErrStorageUnavailable
}

func TestNewValidates(t *testing.T) {
	_, err := New(failingPurger{}, 0, "0 3 * * *", nil)
	assert.Error(t, err)

	_, err = New(failingPurger{}, time.Hour, "every day", nil)
	assert.Error(t, err)

	_, err = New(failingPurger{}, time.Hour, "0 3 * * *", nil)
	assert.NoError(t, err)
}

func TestRunOncePurgesOldMessages(t *testing.T) {
	store, err := storage.OpenPebbleInMemory(nil)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	author := models.Author{UserID: "u1", UserName: "alice"}
	for _, text := range []string{"one", "two"} {
		_, err := store.Append(ctx, "g1", models.MessageDraft{Author: author, Text: text})
		require.NoError(t, err)
	}

	m, err := New(store, time.Hour, "0 3 * * *", nil)
	require.NoError(t, err)

	n, err := m.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err = m.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	msgs, err := store.ListByRoom(ctx, "g1", models.HistoryQuery{})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRunOnceWrapsStoreError(t *testing.T) {
	m, err := New(failingPurger{}, time.Hour, "0 3 * * *", nil)
	require.NoError(t, err)

	_, err = m.RunOnce(context.Background())
	assert.True(t, errors.Is(err, storage.ErrStorageUnavailable))
}

func TestRunStopsOnCancel(t *testing.T) {
	m, err := New(failingPurger{}, time.Hour, "* * * * *", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
