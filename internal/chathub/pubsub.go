package chathub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const roomChannelPrefix = "room:"

// RoomChannel is the Redis channel a room's frames are published on.
func RoomChannel(room string) string { return roomChannelPrefix + room }

type relayEnvelope struct {
	Origin  string          `json:"origin"`
	Event   string          `json:"event"`
	Room    string          `json:"room"`
	Sender  string          `json:"sender,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// RedisRelay fans room frames out to other instances over Redis Pub/Sub.
// Presence is not shared: every instance reports its own members.
type RedisRelay struct {
	rdb        *redis.Client
	instanceID string
	queue      chan Frame
	log        *zap.Logger
}

func NewRedisRelay(rdb *redis.Client, queueSize int, log *zap.Logger) *RedisRelay {
	if log == nil {
		log = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	id := uuid.NewString()
	return &RedisRelay{
		rdb:        rdb,
		instanceID: id,
		queue:      make(chan Frame, queueSize),
		log:        log.With(zap.String("instance_id", id)),
	}
}

// Publish queues f for publishing. When the queue is full the frame is only
// delivered locally and Publish returns false.
func (r *RedisRelay) Publish(f Frame) bool {
	select {
	case r.queue <- f:
		return true
	default:
		r.log.Warn("relay queue full, frame not published", zap.String("room", f.Room), zap.String("event", f.Event))
		return false
	}
}

// Listen publishes queued frames and delivers frames from other instances until ctx is done.
func (r *RedisRelay) Listen(ctx context.Context, deliver func(Frame)) error {
	go r.publishLoop(ctx)

	pubsub := r.rdb.PSubscribe(ctx, roomChannelPrefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to room channels: %w", err)
	}
	r.log.Info("relay subscribed", zap.String("pattern", roomChannelPrefix+"*"))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			f, fromSelf, err := r.decode([]byte(msg.Payload))
			if err != nil {
				r.log.Warn("error unmarshalling relay message", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			if fromSelf {
				continue
			}
			deliver(f)
		}
	}
}

func (r *RedisRelay) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-r.queue:
			data, err := r.encode(f)
			if err != nil {
				r.log.Error("error encoding relay message", zap.Error(err))
				continue
			}
			if err := r.rdb.Publish(ctx, RoomChannel(f.Room), data).Err(); err != nil {
				r.log.Warn("relay publish failed", zap.String("room", f.Room), zap.Error(err))
			}
		}
	}
}

func (r *RedisRelay) encode(f Frame) ([]byte, error) {
	return json.Marshal(relayEnvelope{
		Origin:  r.instanceID,
		Event:   f.Event,
		Room:    f.Room,
		Sender:  f.sender,
		Payload: f.payload,
	})
}

func (r *RedisRelay) decode(data []byte) (Frame, bool, error) {
	var env relayEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Frame{}, false, err
	}
	if env.Room == "" || len(env.Payload) == 0 {
		return Frame{}, false, fmt.Errorf("incomplete relay envelope")
	}
	f := Frame{Event: env.Event, Room: env.Room, payload: env.Payload, sender: env.Sender}
	return f, env.Origin == r.instanceID, nil
}
