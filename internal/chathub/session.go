package chathub

import (
	"errors"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SessionState is the lifecycle of a connection: Connecting -> Joined -> Disconnected.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateJoined
	StateDisconnected
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Session is the transport-independent half of a connection: identity, state
// and the outbox the room workers push into.
type Session struct {
	id       string
	identity Identity
	outbox   *Outbox
	state    atomic.Int32
	metrics  *Metrics
	log      *zap.Logger

	// onOverflow is called once when the outbox overflows.
	onOverflow func()
	overflowed atomic.Bool
}

func NewSession(identity Identity, outboxSize int, metrics *Metrics, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	id := uuid.NewString()
	return &Session{
		id:       id,
		identity: identity,
		outbox:   NewOutbox(outboxSize),
		metrics:  metrics,
		log:      log.With(zap.String("session_id", id), zap.String("user_id", identity.UserID)),
	}
}

func (s *Session) SessionID() string { return s.id }
func (s *Session) Identity() Identity { return s.identity }
func (s *Session) Outbox() *Outbox { return s.outbox }
func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

// OnOverflow sets the callback that tears down the transport of a slow consumer.
func (s *Session) OnOverflow(fn func()) { s.onOverflow = fn }

// MarkJoined moves a connecting session to Joined. Disconnected is terminal.
func (s *Session) MarkJoined() {
	s.state.CompareAndSwap(int32(StateConnecting), int32(StateJoined))
}

// Deliver implements Client. Frames pushed after Close are discarded.
func (s *Session) Deliver(f Frame) bool {
	if s.State() == StateDisconnected {
		return false
	}
	err := s.outbox.Push(f)
	switch {
	case err == nil:
		s.metrics.frameDelivered()
		return true
	case errors.Is(err, ErrFrameDropped):
		s.metrics.frameDropped(dropBackpressure)
		s.log.Debug("dropped frame under backpressure", zap.String("event", f.Event))
		return false
	case errors.Is(err, ErrOutboxOverflow):
		s.metrics.frameDropped(dropSlowConsumer)
		if s.overflowed.CompareAndSwap(false, true) {
			s.log.Warn("closing slow consumer", zap.Int("pending", s.outbox.Len()))
			if s.onOverflow != nil {
				go s.onOverflow()
			}
		}
		return false
	default:
		s.metrics.frameDropped(dropClosed)
		return false
	}
}

// Close marks the session disconnected. It reports false if it was already closed.
func (s *Session) Close() bool {
	prev := SessionState(s.state.Swap(int32(StateDisconnected)))
	s.outbox.Close()
	return prev != StateDisconnected
}
