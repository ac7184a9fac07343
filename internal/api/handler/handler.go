package handler

import (
	"net/http"
	"slices"
	"time"

	"roomchat/backend/internal/chathub"
	"roomchat/backend/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Options configure the HTTP surface.
type Options struct {
	AllowAnonymous bool
	// DevTokens enables POST /token.
	DevTokens      bool
	AllowedOrigins []string
	RequestTimeout time.Duration
	Conn           chathub.ConnOptions
}

// Handler містить посилання на Broker та сховище
type Handler struct {
	Hub            *chathub.Broker
	Store          storage.MessageStore
	Tokens         *TokenIssuer
	Metrics        *chathub.Metrics
	Log            *zap.Logger
	AllowAnonymous bool

	opts     Options
	upgrader websocket.Upgrader
}

func NewHandler(hub *chathub.Broker, store storage.MessageStore, tokens *TokenIssuer, opts Options, metrics *chathub.Metrics, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	h := &Handler{
		Hub:            hub,
		Store:          store,
		Tokens:         tokens,
		Metrics:        metrics,
		Log:            log,
		AllowAnonymous: opts.AllowAnonymous,
		opts:           opts,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin allows any origin when none are configured.
func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(h.opts.AllowedOrigins, origin)
}

// NewRouter wires every route onto a gin engine. gatherer backs GET /metrics.
func NewRouter(h *Handler, gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), h.accessLog())

	r.GET("/ws", h.ServeWebSocket)
	r.GET("/history", h.History)
	r.GET("/healthz", h.Health)
	if h.opts.DevTokens {
		r.POST("/token", h.IssueToken)
	}
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	return r
}

func (h *Handler) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.Log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)),
		)
	}
}
