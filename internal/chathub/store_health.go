package chathub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"roomchat/backend/internal/storage"

	"go.uber.org/zap"
)

// storeHealth is a small circuit breaker around the message store. After
// threshold consecutive failures it rejects calls, letting one probe through
// every interval until a call succeeds.
type storeHealth struct {
	mu        sync.Mutex
	threshold int
	interval  time.Duration
	failures  int
	open      bool
	nextProbe time.Time
	now       func() time.Time
	log       *zap.Logger
}

func newStoreHealth(threshold int, interval time.Duration, log *zap.Logger) *storeHealth {
	return &storeHealth{threshold: threshold, interval: interval, now: time.Now, log: log}
}

func (h *storeHealth) allow() bool {
	if h.threshold <= 0 {
		return true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.open {
		return true
	}
	now := h.now()
	if now.Before(h.nextProbe) {
		return false
	}
	h.nextProbe = now.Add(h.interval)
	return true
}

func (h *storeHealth) record(err error) {
	if h.threshold <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil && isStoreFailure(err) {
		h.failures++
		if !h.open && h.failures >= h.threshold {
			h.open = true
			h.nextProbe = h.now().Add(h.interval)
			h.log.Warn("message store marked unavailable", zap.Int("consecutive_failures", h.failures))
		}
		return
	}
	if h.open {
		h.log.Info("message store recovered")
	}
	h.failures = 0
	h.open = false
}

func (h *storeHealth) available() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.open
}

// storeCall runs fn against the store with the broker's timeout. The room
// worker stops waiting at the deadline; a late result is discarded.
func storeCall[T any](b *Broker, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if !b.health.allow() {
		return zero, fmt.Errorf("%s: %w", op, storage.ErrStorageUnavailable)
	}

	type result struct {
		v   T
		err error
	}
	started := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.StoreTimeout)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{v: v, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
	}
	if errors.Is(res.err, context.DeadlineExceeded) {
		res.v = zero
		res.err = fmt.Errorf("%s: %w", op, ErrStorageTimeout)
	}

	b.health.record(res.err)
	b.metrics.storeObserved(op, started, res.err)
	if res.err != nil && isStoreFailure(res.err) {
		b.log.Warn("store call failed", zap.String("op", op), zap.Duration("took", time.Since(started)), zap.Error(res.err))
	}
	return res.v, res.err
}

// StoreAvailable reports whether the broker currently routes writes to the store.
func (b *Broker) StoreAvailable() bool {
	return b.health.available()
}
