package chathub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// ConnOptions are the per-connection limits of the gateway.
type ConnOptions struct {
	OutboxSize      int
	MaxFrameSize    int64
	MaxDecodeErrors int
	RateLimit       rate.Limit
	RateBurst       int
	RequestTimeout  time.Duration
}

func DefaultConnOptions() ConnOptions {
	return ConnOptions{
		OutboxSize:      64,
		MaxFrameSize:    8 << 20,
		MaxDecodeErrors: 5,
		RateLimit:       10,
		RateBurst:       20,
		RequestTimeout:  10 * time.Second,
	}
}

func (o ConnOptions) withDefaults() ConnOptions {
	d := DefaultConnOptions()
	if o.OutboxSize <= 0 {
		o.OutboxSize = d.OutboxSize
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = d.MaxFrameSize
	}
	if o.MaxDecodeErrors <= 0 {
		o.MaxDecodeErrors = d.MaxDecodeErrors
	}
	if o.RateLimit <= 0 {
		o.RateLimit = d.RateLimit
	}
	if o.RateBurst <= 0 {
		o.RateBurst = d.RateBurst
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = d.RequestTimeout
	}
	return o
}

// WebSocketClient реалізує інтерфейс chathub.Client поверх gorilla/websocket.
type WebSocketClient struct {
	*Session
	Conn *websocket.Conn
	Hub  *Broker

	opts    ConnOptions
	limiter *rate.Limiter
	metrics *Metrics
	log     *zap.Logger

	closeOnce   sync.Once
	done        chan struct{}
	closeCode   int
	closeReason string
}

func NewWebSocketClient(conn *websocket.Conn, hub *Broker, identity Identity, opts ConnOptions, metrics *Metrics, log *zap.Logger) *WebSocketClient {
	if log == nil {
		log = zap.NewNop()
	}
	opts = opts.withDefaults()
	session := NewSession(identity, opts.OutboxSize, metrics, log)
	c := &WebSocketClient{
		Session: session,
		Conn:    conn,
		Hub:     hub,
		opts:    opts,
		limiter: rate.NewLimiter(opts.RateLimit, opts.RateBurst),
		metrics: metrics,
		log:     session.log,
		done:    make(chan struct{}),
	}
	session.OnOverflow(func() {
		c.shutdown(websocket.ClosePolicyViolation, "slow consumer")
	})
	return c
}

// Run registers the session with the hub and starts the pumps.
func (c *WebSocketClient) Run() {
	c.Hub.Register(c)
	go c.writePump()
	go c.readPump()
}

// Close ends the connection. The read pump's cleanup disconnects the session from the hub.
func (c *WebSocketClient) Close() {
	c.shutdown(websocket.CloseNormalClosure, "")
}

func (c *WebSocketClient) shutdown(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

// Done is closed once the connection starts shutting down.
func (c *WebSocketClient) Done() <-chan struct{} { return c.done }
