package chatclient_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"roomchat/backend/internal/api/handler"
	"roomchat/backend/internal/chatclient"
	"roomchat/backend/internal/chathub"
	"roomchat/backend/internal/models"
	"roomchat/backend/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type server struct {
	url    string
	store  *storage.PebbleStore
	tokens *handler.TokenIssuer
}

func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := storage.OpenPebbleInMemory(nil)
	require.NoError(t, err)
	hub := chathub.NewBroker(store, chathub.Options{}, nil, nil)
	tokens := handler.NewTokenIssuer("test-secret", time.Hour)
	h := handler.NewHandler(hub, store, tokens, handler.Options{}, nil, nil)
	srv := httptest.NewServer(handler.NewRouter(h, nil))

	t.Cleanup(func() {
		srv.Close()
		hub.Close()
		_ = store.Close()
	})
	return &server{url: srv.URL, store: store, tokens: tokens}
}

type participant struct {
	ctrl *chatclient.Controller
	conn *chatclient.Conn
}

func (s *server) join(t *testing.T, userID, name string) *participant {
	t.Helper()
	token, err := s.tokens.Issue(chathub.Identity{UserID: userID, UserName: name})
	require.NoError(t, err)

	ctrl := chatclient.NewController("g1", models.Author{UserID: userID, UserName: name})
	conn, err := chatclient.Dial(context.Background(), s.url, token, ctrl, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go conn.Run(ctx)
	t.Cleanup(func() {
		cancel()
		conn.Close()
	})

	require.NoError(t, conn.Join())
	return &participant{ctrl: ctrl, conn: conn}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	assert.Eventually(t, cond, 2*time.Second, 10*time.Millisecond)
}

func TestControllersConvergeOverWebSocket(t *testing.T) {
	s := newServer(t)
	a := s.join(t, "u1", "alice")
	b := s.join(t, "u2", "bob")

	eventually(t, func() bool { return len(a.ctrl.Presence()) == 2 })

	require.NoError(t, a.conn.Send("hi", "", ""))
	eventually(t, func() bool {
		items := a.ctrl.Messages()
		return len(items) == 1 && !items[0].Pending
	})
	eventually(t, func() bool { return len(b.ctrl.Messages()) == 1 })

	id := a.ctrl.Messages()[0].ID
	assert.Equal(t, id, b.ctrl.Messages()[0].ID)
	assert.Equal(t, "alice", b.ctrl.Messages()[0].UserName)

	require.NoError(t, b.conn.React(id, "👍"))
	eventually(t, func() bool {
		return len(a.ctrl.Messages()[0].Reactions["👍"]) == 1
	})
	assert.Equal(t, []string{"u2"}, a.ctrl.Messages()[0].Reactions["👍"])

	require.NoError(t, b.conn.Typing(true))
	eventually(t, func() bool { return len(a.ctrl.Typing()) == 1 })

	require.NoError(t, a.conn.Delete(id))
	eventually(t, func() bool { return len(b.ctrl.Messages()) == 0 })

	require.NoError(t, b.conn.Leave())
	eventually(t, func() bool { return len(a.ctrl.Presence()) == 1 })
}

func TestSendRejectionMarksItemFailed(t *testing.T) {
	s := newServer(t)
	a := s.join(t, "u1", "alice")

	huge := make([]byte, chathub.DefaultOptions().MaxTextRunes+1)
	for i := range huge {
		huge[i] = 'x'
	}
	require.NoError(t, a.conn.Send(string(huge), "", ""))

	eventually(t, func() bool {
		items := a.ctrl.Messages()
		return len(items) == 1 && items[0].Failed == chathub.CodePayloadTooLarge
	})
}

func TestFetchHistoryFollowsCursor(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()
	for _, text := range []string{"one", "two", "three", "four", "five"} {
		_, err := s.store.Append(ctx, "g1", models.MessageDraft{Author: models.Author{UserID: "u1", UserName: "alice"}, Text: text})
		require.NoError(t, err)
	}
	token, err := s.tokens.Issue(chathub.Identity{UserID: "u2", UserName: "bob"})
	require.NoError(t, err)

	ctrl := chatclient.NewController("g1", models.Author{UserID: "u2", UserName: "bob"})
	require.NoError(t, chatclient.FetchHistory(ctx, nil, s.url, token, ctrl, 2))

	items := ctrl.Messages()
	require.Len(t, items, 5)
	assert.Equal(t, "one", items[0].Text)
	assert.Equal(t, "five", items[4].Text)

	err = chatclient.FetchHistory(ctx, nil, s.url, "", ctrl, 2)
	assert.Error(t, err)
}
