package chathub

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// room is the per-room bookkeeping. members is owned by the room's worker
// goroutine; pending is guarded by Broker.mu.
type room struct {
	id      string
	queue   chan func(*room)
	members map[string]Client
	size    atomic.Int32
	pending int
}

func (r *room) has(sessionID string) bool {
	_, ok := r.members[sessionID]
	return ok
}

func (r *room) add(c Client) {
	r.members[c.SessionID()] = c
	r.size.Store(int32(len(r.members)))
}

func (r *room) remove(sessionID string) bool {
	if _, ok := r.members[sessionID]; !ok {
		return false
	}
	delete(r.members, sessionID)
	r.size.Store(int32(len(r.members)))
	return true
}

// deliver pushes f to every member skip does not exclude. A failing
// recipient never affects the others.
func (r *room) deliver(f Frame, skip func(Client) bool) (delivered int) {
	for _, m := range r.members {
		if skip != nil && skip(m) {
			continue
		}
		if m.Deliver(f) {
			delivered++
		}
	}
	return delivered
}

// acquire returns the room, starting its worker if needed, and counts one pending task.
func (b *Broker) acquire(roomID string) (*room, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBrokerClosed
	}
	r, ok := b.rooms[roomID]
	if !ok {
		r = &room{
			id:      roomID,
			queue:   make(chan func(*room), b.opts.RoomQueueSize),
			members: make(map[string]Client),
		}
		b.rooms[roomID] = r
		b.metrics.roomOpened()
		go b.work(r)
	}
	r.pending++
	return r, nil
}

// release drops one pending task and retires the room once it is idle and empty.
func (b *Broker) release(r *room) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r.pending--
	b.retireLocked(r)
}

func (b *Broker) retireLocked(r *room) {
	if r.pending > 0 {
		return
	}
	if r.size.Load() > 0 && !b.closed {
		return
	}
	if b.rooms[r.id] != r {
		return
	}
	delete(b.rooms, r.id)
	close(r.queue)
	b.metrics.roomReleased()
}

// work is the room's single writer. Every mutation of the room runs here, in submission order.
func (b *Broker) work(r *room) {
	for task := range r.queue {
		b.runTask(r, task)
		b.release(r)
	}
}

func (b *Broker) runTask(r *room, task func(*room)) {
	defer func() {
		if p := recover(); p != nil {
			b.log.Error("room task panicked", zap.String("room", r.id), zap.Any("panic", p))
		}
	}()
	task(r)
}

// do runs fn on the room worker and waits for its result. Queue admission
// blocks while the room queue is full.
func (b *Broker) do(ctx context.Context, roomID string, fn func(*room) error) error {
	r, err := b.acquire(roomID)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	task := func(r *room) {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("room %s: %v", roomID, p)
				panic(p)
			}
		}()
		done <- fn(r)
	}

	select {
	case r.queue <- task:
	case <-ctx.Done():
		b.release(r)
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tryDo submits fn without waiting. It reports false when the room queue is full.
func (b *Broker) tryDo(roomID string, fn func(*room)) bool {
	r, err := b.acquire(roomID)
	if err != nil {
		return false
	}
	select {
	case r.queue <- fn:
		return true
	default:
		b.release(r)
		return false
	}
}
