package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"roomchat/backend/internal/chathub"
	"roomchat/backend/internal/models"
	"roomchat/backend/internal/storage"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type historyResponse struct {
	Room     string           `json:"room"`
	Messages []models.Message `json:"messages"`
	// Next is the cursor for the following page; empty when the page was not full.
	Next string `json:"next,omitempty"`
}

// cursorSep joins the timestamp and the message id in a next cursor.
const cursorSep = ","

// History returns a page of a room's messages, oldest first:
// GET /history?room=g1&since=<RFC3339Nano>[,<id>]&limit=50
func (h *Handler) History(c *gin.Context) {
	if _, err := h.identify(c); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token or expired", "code": chathub.CodeForbidden})
		return
	}

	q, room, err := parseHistoryQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": chathub.CodeValidation})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.opts.RequestTimeout)
	defer cancel()

	msgs, err := h.Store.ListByRoom(ctx, room, q)
	if err != nil {
		status := http.StatusServiceUnavailable
		code := chathub.CodeStorageUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
			code = chathub.CodeStorageTimeout
		}
		h.Log.Warn("history query failed", zap.String("room", room), zap.Error(err))
		c.JSON(status, gin.H{"error": err.Error(), "code": code})
		return
	}

	resp := historyResponse{Room: room, Messages: msgs}
	if len(msgs) > 0 && len(msgs) == storage.NormalizeLimit(q.Limit) {
		last := msgs[len(msgs)-1]
		resp.Next = last.CreatedAt.Format(time.RFC3339Nano) + cursorSep + last.ID
	}
	c.JSON(http.StatusOK, resp)
}

func parseHistoryQuery(c *gin.Context) (models.HistoryQuery, string, error) {
	var q models.HistoryQuery
	room := c.Query("room")
	if room == "" {
		return q, "", errors.New("room is required")
	}
	if since := c.Query("since"); since != "" {
		ts, afterID, _ := strings.Cut(since, cursorSep)
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return q, "", fmt.Errorf("since must be RFC3339: %w", err)
		}
		q.Since = t
		q.AfterID = afterID
	}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			return q, "", errors.New("limit must be a positive integer")
		}
		q.Limit = n
	}
	return q, room, nil
}

// Health pings the message store.
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.opts.RequestTimeout)
	defer cancel()

	body := gin.H{
		"rooms":          h.Hub.ActiveRooms(),
		"storeAvailable": h.Hub.StoreAvailable(),
	}
	if err := h.Store.Ping(ctx); err != nil {
		body["status"] = "degraded"
		body["error"] = err.Error()
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	body["status"] = "ok"
	c.JSON(http.StatusOK, body)
}
