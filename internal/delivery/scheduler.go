package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/trafficlens/trafficlens/internal/store"
)

// Scheduler periodically claims due scheduled campaigns and dispatches
// them. Due-ness is re-derived from scheduled_at on every tick, so pending
// triggers survive a process restart.
type Scheduler struct {
	mu        sync.RWMutex
	engine    *Engine
	campaigns *store.CampaignStore
	interval  time.Duration
	logger    *slog.Logger
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewScheduler(engine *Engine, campaigns *store.CampaignStore, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		engine:    engine,
		campaigns: campaigns,
		interval:  30 * time.Second,
		logger:    logger,
	}
}

// Start begins the scheduler loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

// Stop gracefully stops the scheduler.
func (s *Scheduler) Stop() {
	s.mu.RLock()
	cancel := s.cancel
	done := s.done
	s.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (s *Scheduler) tick() {
	due, err := s.campaigns.ListDue(time.Now().UTC())
	if err != nil {
		s.logger.Error("list due campaigns", "error", err)
		return
	}

	for _, c := range due {
		err := s.engine.Dispatch(c.ID)
		if errors.Is(err, store.ErrAlreadySending) {
			// Another dispatcher won the claim; nothing to do.
			continue
		}
		if err != nil {
			s.logger.Error("dispatch scheduled campaign", "error", err, "campaign_id", c.ID)
			continue
		}
		s.logger.Info("scheduled campaign dispatched", "campaign_id", c.ID)
	}
}
