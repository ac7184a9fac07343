package chathub_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"roomchat/backend/internal/chathub"
	"roomchat/backend/internal/models"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockStore is a testify/mock implementation of storage.MessageStore.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Append(ctx context.Context, room string, draft models.MessageDraft) (*models.Message, error) {
	args := m.Called(ctx, room, draft)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Message), args.Error(1)
}

func (m *MockStore) ListByRoom(ctx context.Context, room string, q models.HistoryQuery) ([]models.Message, error) {
	args := m.Called(ctx, room, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Message), args.Error(1)
}

func (m *MockStore) ApplyReactionToggle(ctx context.Context, room, messageID, emoji, userID string) (*models.Message, bool, error) {
	args := m.Called(ctx, room, messageID, emoji, userID)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*models.Message), args.Bool(1), args.Error(2)
}

func (m *MockStore) Delete(ctx context.Context, room, messageID, requestingUserID string) error {
	args := m.Called(ctx, room, messageID, requestingUserID)
	return args.Error(0)
}

func (m *MockStore) Get(ctx context.Context, messageID string) (*models.Message, error) {
	args := m.Called(ctx, messageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Message), args.Error(1)
}

func (m *MockStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockStore) Close() error {
	return m.Called().Error(0)
}

var sessionSeq atomic.Int64

// MockClient is a test double for chathub.Client that records delivered frames.
type MockClient struct {
	sessionID   string
	identity    chathub.Identity
	dead        atomic.Bool
	RecvChannel chan chathub.Frame
}

func newMockClient(userID string) *MockClient {
	return &MockClient{
		sessionID:   fmt.Sprintf("%s-session-%d", userID, sessionSeq.Add(1)),
		identity:    chathub.Identity{UserID: userID, UserName: userID + "-name"},
		RecvChannel: make(chan chathub.Frame, 512),
	}
}

func (c *MockClient) SessionID() string { return c.sessionID }
func (c *MockClient) Identity() chathub.Identity { return c.identity }

func (c *MockClient) Deliver(f chathub.Frame) bool {
	if c.dead.Load() {
		return false
	}
	select {
	case c.RecvChannel <- f:
		return true
	default:
		return false
	}
}

// next waits for the next frame with the given event, skipping others.
func (c *MockClient) next(t *testing.T, event string) models.Envelope {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f := <-c.RecvChannel:
			if f.Event != event {
				continue
			}
			return decodeEnvelope(t, f)
		case <-timeout:
			t.Fatalf("%s: no %q frame received", c.sessionID, event)
			return models.Envelope{}
		}
	}
}

// expectNone asserts that no frame with the given event arrives within d.
func (c *MockClient) expectNone(t *testing.T, event string, d time.Duration) {
	t.Helper()
	timeout := time.After(d)
	for {
		select {
		case f := <-c.RecvChannel:
			if f.Event == event {
				t.Fatalf("%s: unexpected %q frame", c.sessionID, event)
			}
		case <-timeout:
			return
		}
	}
}

// drain discards every queued frame.
func (c *MockClient) drain() {
	for {
		select {
		case <-c.RecvChannel:
		default:
			return
		}
	}
}

func decodeEnvelope(t *testing.T, f chathub.Frame) models.Envelope {
	t.Helper()
	var env models.Envelope
	require.NoError(t, json.Unmarshal(f.Bytes(), &env))
	return env
}

func decodeData[T any](t *testing.T, env models.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}
