// Package retention prunes rows past their retention windows. This is the
// only path that hard-deletes subscribers; everything else deactivates.
package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/trafficlens/trafficlens/internal/store"
)

// Config sets how long inactive subscribers and delivery/event history are
// kept, in days.
type Config struct {
	SubscriberDays int
	EventDays      int
}

// Cleaner runs the retention loop.
type Cleaner struct {
	mu          sync.RWMutex
	cfg         Config
	subscribers *store.SubscriberStore
	attempts    *store.AttemptStore
	events      *store.EventStore
	interval    time.Duration
	logger      *slog.Logger
	cancel      context.CancelFunc
	done        chan struct{}
}

func NewCleaner(cfg Config, subscribers *store.SubscriberStore, attempts *store.AttemptStore,
	events *store.EventStore, logger *slog.Logger) *Cleaner {

	if cfg.SubscriberDays <= 0 {
		cfg.SubscriberDays = 90
	}
	if cfg.EventDays <= 0 {
		cfg.EventDays = 365
	}
	return &Cleaner{
		cfg:         cfg,
		subscribers: subscribers,
		attempts:    attempts,
		events:      events,
		interval:    time.Hour,
		logger:      logger,
	}
}

// Start begins the cleanup loop.
func (c *Cleaner) Start(ctx context.Context) {
	c.mu.Lock()
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.mu.Unlock()

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.RunOnce()
			}
		}
	}()
}

// Stop gracefully stops the cleaner.
func (c *Cleaner) Stop() {
	c.mu.RLock()
	cancel := c.cancel
	done := c.done
	c.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// RunOnce performs one cleanup pass.
func (c *Cleaner) RunOnce() {
	now := time.Now().UTC()

	subCutoff := now.AddDate(0, 0, -c.cfg.SubscriberDays)
	if n, err := c.subscribers.DeleteInactiveBefore(subCutoff); err != nil {
		c.logger.Error("prune subscribers", "error", err)
	} else if n > 0 {
		c.logger.Info("pruned inactive subscribers", "count", n)
	}

	eventCutoff := now.AddDate(0, 0, -c.cfg.EventDays)
	if n, err := c.attempts.DeleteOlderThan(eventCutoff); err != nil {
		c.logger.Error("prune delivery attempts", "error", err)
	} else if n > 0 {
		c.logger.Info("pruned delivery attempts", "count", n)
	}
	if n, err := c.events.DeleteOlderThan(eventCutoff); err != nil {
		c.logger.Error("prune notification events", "error", err)
	} else if n > 0 {
		c.logger.Info("pruned notification events", "count", n)
	}
}
