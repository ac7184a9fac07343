package chathub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"roomchat/backend/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// readPump читає кадри з WebSocket і передає їх у Broker.
func (c *WebSocketClient) readPump() {
	defer func() {
		c.Hub.Disconnect(c)
		c.Session.Close()
		c.shutdown(websocket.CloseNormalClosure, "")
		c.log.Debug("session closed")
	}()

	c.Conn.SetReadLimit(c.opts.MaxFrameSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	decodeErrors := 0
	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Info("error reading message", zap.Error(err))
			}
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			if err == nil {
				err = errors.New("missing event")
			}
			err = fmt.Errorf("%w: %v", ErrProtocol, err)
			c.reject(env, err)
			decodeErrors++
			if decodeErrors >= c.opts.MaxDecodeErrors {
				c.log.Warn("too many malformed frames", zap.Int("count", decodeErrors))
				c.shutdown(websocket.CloseUnsupportedData, "too many malformed frames")
				return
			}
			continue
		}

		if !c.limiter.Allow() {
			c.reject(env, ErrRateLimited)
			continue
		}

		if err := c.dispatch(env); err != nil {
			c.reject(env, err)
			if errors.Is(err, ErrProtocol) {
				decodeErrors++
				if decodeErrors >= c.opts.MaxDecodeErrors {
					c.log.Warn("too many malformed frames", zap.Int("count", decodeErrors))
					c.shutdown(websocket.CloseUnsupportedData, "too many malformed frames")
					return
				}
				continue
			}
		}
		decodeErrors = 0
	}
}

// writePump пише кадри з outbox у WebSocket, по одному повідомленню на кадр.
func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case <-c.Outbox().Ready():
			for _, f := range c.Outbox().Drain() {
				c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.Conn.WriteMessage(websocket.TextMessage, f.Bytes()); err != nil {
					c.log.Debug("write failed", zap.String("event", f.Event), zap.Error(err))
					return
				}
			}

		case <-ticker.C:
			// Надсилаємо Ping для підтримки з'єднання активним
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			// Error frames queued right before shutdown (e.g. the last PROTOCOL_ERROR) still go out.
			for _, f := range c.Outbox().Drain() {
				c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.Conn.WriteMessage(websocket.TextMessage, f.Bytes()); err != nil {
					return
				}
			}
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, c.closeReason))
			return
		}
	}
}

// dispatch routes one inbound envelope to the hub.
func (c *WebSocketClient) dispatch(env models.Envelope) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
	defer cancel()

	switch env.Event {
	case models.EventJoin:
		var req models.JoinRequest
		if err := decodeData(env, &req); err != nil {
			return err
		}
		if err := c.Hub.Join(ctx, req.Room, c); err != nil {
			return err
		}
		c.MarkJoined()
		return nil

	case models.EventLeave:
		var req models.JoinRequest
		if err := decodeData(env, &req); err != nil {
			return err
		}
		return c.Hub.Leave(ctx, req.Room, c)

	case models.EventMessage:
		var req models.SendRequest
		if err := decodeData(env, &req); err != nil {
			return err
		}
		if err := c.checkAuthor(req.UserID); err != nil {
			return err
		}
		return c.Hub.Send(ctx, req.Room, c, models.MessageDraft{
			Text:     req.Text,
			Image:    req.Image,
			Voice:    req.Voice,
			ClientID: req.ClientID,
		})

	case models.EventDeleteMessage:
		var req models.DeleteRequest
		if err := decodeData(env, &req); err != nil {
			return err
		}
		return c.Hub.Delete(ctx, req.Room, c, req.ID)

	case models.EventReaction:
		var req models.ReactionRequest
		if err := decodeData(env, &req); err != nil {
			return err
		}
		if err := c.checkAuthor(req.UserID); err != nil {
			return err
		}
		return c.Hub.React(ctx, req.Room, c, req.MessageID, req.Emoji)

	case models.EventTyping:
		var req models.TypingRequest
		if err := decodeData(env, &req); err != nil {
			return err
		}
		if err := c.checkAuthor(req.UserID); err != nil {
			return err
		}
		return c.Hub.Typing(req.Room, c, req.IsTyping)

	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
}

// checkAuthor rejects payloads that claim to come from another user.
func (c *WebSocketClient) checkAuthor(userID string) error {
	if userID != "" && userID != c.Identity().UserID {
		return ErrIdentityMismatch
	}
	return nil
}

// reject sends an error frame to this session only.
func (c *WebSocketClient) reject(env models.Envelope, err error) {
	code := ErrorCode(err)
	c.metrics.requestRejected(code)
	if code == CodeInternal {
		c.log.Error("request failed", zap.String("event", env.Event), zap.Error(err))
	} else {
		c.log.Debug("request rejected", zap.String("event", env.Event), zap.String("code", code), zap.Error(err))
	}
	c.Deliver(ErrorFrame(env.RequestID, env.Event, err))
}

func decodeData(env models.Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%w: %s has no data", ErrProtocol, env.Event)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrProtocol, env.Event, err)
	}
	return nil
}
