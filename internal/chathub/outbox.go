package chathub

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"roomchat/backend/internal/models"
)

var (
	// ErrFrameDropped means a best-effort frame was discarded because the outbox was full.
	ErrFrameDropped = errors.New("frame dropped")
	// ErrOutboxOverflow means the consumer is too slow; the session must be closed.
	ErrOutboxOverflow = errors.New("outbox overflow")
	ErrOutboxClosed   = errors.New("outbox closed")
)

// hardLimitFactor bounds how far critical frames may exceed the soft capacity.
const hardLimitFactor = 4

// Frame is an encoded server event ready to be written to a connection.
type Frame struct {
	Event     string
	Room      string
	RequestID string
	payload   []byte
	// sender is set on typing frames so relayed copies skip the typist's sessions too.
	sender string
}

// NewFrame encodes data into a wire envelope.
func NewFrame(event, room, requestID string, data any) (Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s data: %w", event, err)
	}
	payload, err := json.Marshal(models.Envelope{Event: event, RequestID: requestID, Data: raw})
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s envelope: %w", event, err)
	}
	return Frame{Event: event, Room: room, RequestID: requestID, payload: payload}, nil
}

// ErrorFrame builds the "error" event sent to the requester only.
func ErrorFrame(requestID, event string, err error) Frame {
	// ErrorEvent only holds strings, encoding cannot fail.
	f, _ := NewFrame(models.EventError, "", requestID, models.ErrorEvent{
		Code:    ErrorCode(err),
		Message: err.Error(),
		Event:   event,
	})
	return f
}

// Bytes returns the encoded envelope.
func (f Frame) Bytes() []byte { return f.payload }

// Droppable frames may be discarded under backpressure.
func (f Frame) Droppable() bool { return f.Event == models.EventTyping }

// Outbox is the bounded per-session queue between the room workers and the write pump.
//
// When the soft capacity is reached the oldest pending typing frame is evicted;
// an incoming typing frame is dropped if nothing can be evicted. Pending
// userStatus frames for the same room are replaced by the newest one. Other
// frames are never dropped: past hardLimitFactor*capacity Push reports
// ErrOutboxOverflow.
type Outbox struct {
	mu       sync.Mutex
	frames   []Frame
	capacity int
	closed   bool
	ready    chan struct{}
}

func NewOutbox(capacity int) *Outbox {
	if capacity <= 0 {
		capacity = 1
	}
	return &Outbox{
		frames:   make([]Frame, 0, capacity),
		capacity: capacity,
		ready:    make(chan struct{}, 1),
	}
}

// Push enqueues f according to the backpressure policy.
func (o *Outbox) Push(f Frame) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrOutboxClosed
	}

	if f.Event == models.EventUserStatus {
		o.removeLocked(func(p Frame) bool { return p.Event == models.EventUserStatus && p.Room == f.Room })
	}

	if len(o.frames) >= o.capacity {
		if !o.removeLocked(Frame.Droppable) {
			if f.Droppable() {
				return ErrFrameDropped
			}
			if len(o.frames) >= o.capacity*hardLimitFactor {
				return ErrOutboxOverflow
			}
		}
	}

	o.frames = append(o.frames, f)
	select {
	case o.ready <- struct{}{}:
	default:
	}
	return nil
}

// Ready is signalled whenever frames become available.
func (o *Outbox) Ready() <-chan struct{} { return o.ready }

// Drain takes every pending frame in order.
func (o *Outbox) Drain() []Frame {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.frames) == 0 {
		return nil
	}
	out := o.frames
	o.frames = make([]Frame, 0, o.capacity)
	return out
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.frames)
}

// Close rejects further pushes. Pending frames can still be drained.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
}

// removeLocked removes the oldest frame matching match.
func (o *Outbox) removeLocked(match func(Frame) bool) bool {
	for i, p := range o.frames {
		if match(p) {
			o.frames = append(o.frames[:i], o.frames[i+1:]...)
			return true
		}
	}
	return false
}
