// Package retention periodically purges messages older than the configured period.
package retention

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// Purger is the part of the message store retention needs.
type Purger interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Manager runs a purge on every tick of a cron expression.
type Manager struct {
	store  Purger
	period time.Duration
	cron   string
	log    *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
}

// ValidateCron reports whether expr is a cron expression gronx understands.
func ValidateCron(expr string) error {
	if !gronx.New().IsValid(expr) {
		return fmt.Errorf("invalid retention cron %q", expr)
	}
	return nil
}

func New(store Purger, period time.Duration, cron string, log *zap.Logger) (*Manager, error) {
	if period <= 0 {
		return nil, errors.New("retention period must be positive")
	}
	if err := ValidateCron(cron); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		store:  store,
		period: period,
		cron:   cron,
		log:    log.With(zap.String("component", "retention")),
		now:    time.Now,
	}, nil
}

// Run blocks until ctx is done, purging on every cron tick.
func (m *Manager) Run(ctx context.Context) error {
	m.log.Info("retention enabled", zap.String("cron", m.cron), zap.Duration("period", m.period))
	for {
		next, err := gronx.NextTickAfter(m.cron, m.now(), false)
		if err != nil {
			m.log.Error("retention next tick failed", zap.Error(err))
			select {
			case <-time.After(30 * time.Second):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		wait := time.Until(next)
		if wait < time.Second {
			wait = time.Second
		}
		select {
		case <-time.After(wait):
			m.runJob(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// runJob skips the tick when the previous purge is still running.
func (m *Manager) runJob(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	if _, err := m.RunOnce(ctx); err != nil {
		m.log.Error("retention run failed", zap.Error(err))
	}
}

// RunOnce deletes every message created before now minus the period.
func (m *Manager) RunOnce(ctx context.Context) (int64, error) {
	cutoff := m.now().Add(-m.period)
	start := time.Now()
	n, err := m.store.PurgeBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	m.log.Info("retention run done",
		zap.Time("cutoff", cutoff),
		zap.String("purged", humanize.Comma(n)),
		zap.Duration("took", time.Since(start)),
	)
	return n, nil
}
