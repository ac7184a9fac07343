package chatclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"roomchat/backend/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

// Conn is a WebSocket session that feeds one Controller.
type Conn struct {
	ws   *websocket.Conn
	ctrl *Controller
	log  *zap.Logger

	writeMu sync.Mutex
}

// Dial opens a session at baseURL ("http://host:port") with a bearer token.
func Dial(ctx context.Context, baseURL, token string, ctrl *Controller, log *zap.Logger) (*Conn, error) {
	if log == nil {
		log = zap.NewNop()
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", u.Redacted(), resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}
	return &Conn{ws: ws, ctrl: ctrl, log: log.With(zap.String("room", ctrl.Room()))}, nil
}

// Run reads server events into the controller until the connection closes or ctx is done.
func (c *Conn) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { c.ws.Close() })
	defer stop()

	for {
		var env models.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if err := c.ctrl.Apply(env); err != nil {
			c.log.Warn("bad server event", zap.String("event", env.Event), zap.Error(err))
		}
	}
}

func (c *Conn) Join() error {
	return c.write(models.EventJoin, models.JoinRequest{Room: c.ctrl.Room()})
}

func (c *Conn) Leave() error {
	return c.write(models.EventLeave, models.JoinRequest{Room: c.ctrl.Room()})
}

// Send inserts the optimistic copy and ships the message.
func (c *Conn) Send(text, image, voice string) error {
	env, err := c.ctrl.Compose(text, image, voice)
	if err != nil {
		return err
	}
	return c.writeEnvelope(env)
}

func (c *Conn) Delete(messageID string) error {
	return c.write(models.EventDeleteMessage, models.DeleteRequest{ID: messageID, Room: c.ctrl.Room()})
}

func (c *Conn) React(messageID, emoji string) error {
	return c.write(models.EventReaction, models.ReactionRequest{MessageID: messageID, Emoji: emoji, Room: c.ctrl.Room()})
}

func (c *Conn) Typing(isTyping bool) error {
	return c.write(models.EventTyping, models.TypingRequest{IsTyping: isTyping, Room: c.ctrl.Room()})
}

// Close sends a normal close frame and closes the socket.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeMu.Unlock()
	return c.ws.Close()
}

func (c *Conn) write(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return c.writeEnvelope(models.Envelope{Event: event, Data: raw})
}

func (c *Conn) writeEnvelope(env models.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(env)
}

type historyPage struct {
	Messages []models.Message `json:"messages"`
	Next     string           `json:"next"`
}

// FetchHistory loads every persisted message of the controller's room through
// GET /history and merges them, following the next cursor.
func FetchHistory(ctx context.Context, client *http.Client, baseURL, token string, ctrl *Controller, pageSize int) error {
	if client == nil {
		client = http.DefaultClient
	}
	since := ""
	for {
		q := url.Values{"room": {ctrl.Room()}}
		if pageSize > 0 {
			q.Set("limit", strconv.Itoa(pageSize))
		}
		if since != "" {
			q.Set("since", since)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(baseURL, "/")+"/history?"+q.Encode(), nil)
		if err != nil {
			return err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		page, err := getPage(client, req)
		if err != nil {
			return err
		}
		ctrl.LoadHistory(page.Messages)
		if page.Next == "" {
			return nil
		}
		since = page.Next
	}
}

func getPage(client *http.Client, req *http.Request) (historyPage, error) {
	var page historyPage
	resp, err := client.Do(req)
	if err != nil {
		return page, fmt.Errorf("fetch history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return page, fmt.Errorf("fetch history: %s: %s", resp.Status, body.Code)
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return page, fmt.Errorf("decode history: %w", err)
	}
	return page, nil
}
