// Package delivery fans campaign messages out to subscriber endpoints with
// bounded concurrency, per-recipient failure isolation, and retry.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trafficlens/trafficlens/internal/model"
	"github.com/trafficlens/trafficlens/internal/push"
	"github.com/trafficlens/trafficlens/internal/realtime"
	"github.com/trafficlens/trafficlens/internal/store"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
)

// Campaign failure reasons. Individual subscriber failures never set these;
// they fail the campaign only when every remaining send is doomed.
const (
	ReasonNoActiveCredential = "no_active_credential"
	ReasonDomainInactive     = "domain_inactive"
	ReasonUnauthorized       = "unauthorized"
	ReasonCancelled          = "cancelled"
)

// Broadcast a progress update every this many processed subscribers.
const progressEvery = 50

// Config tunes the delivery pipeline.
type Config struct {
	Concurrency int
	MaxRetries  int
	RetryBase   time.Duration
	PageSize    int
}

// CredentialSource resolves a domain's decrypted signing pair and the id of
// the key pair it came from.
type CredentialSource interface {
	Credentials(domainID int64) (push.Credentials, int64, error)
}

// Broadcaster publishes live run progress. May be nil.
type Broadcaster interface {
	Broadcast(msg realtime.Message)
}

// Engine executes campaign runs.
type Engine struct {
	cfg         Config
	domains     *store.DomainStore
	subscribers *store.SubscriberStore
	campaigns   *store.CampaignStore
	attempts    *store.AttemptStore
	creds       CredentialSource
	sender      push.Sender
	locks       *DomainLocks
	hub         Broadcaster
	logger      *slog.Logger

	mu   sync.Mutex
	runs map[int64]context.CancelFunc
	wg   sync.WaitGroup
}

func NewEngine(cfg Config, domains *store.DomainStore, subscribers *store.SubscriberStore,
	campaigns *store.CampaignStore, attempts *store.AttemptStore,
	creds CredentialSource, sender push.Sender, locks *DomainLocks,
	hub Broadcaster, logger *slog.Logger) *Engine {

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 64
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}

	return &Engine{
		cfg:         cfg,
		domains:     domains,
		subscribers: subscribers,
		campaigns:   campaigns,
		attempts:    attempts,
		creds:       creds,
		sender:      sender,
		locks:       locks,
		hub:         hub,
		logger:      logger,
		runs:        make(map[int64]context.CancelFunc),
	}
}

// Dispatch claims the campaign for sending and starts the run in the
// background. Returns store.ErrAlreadySending when the campaign is not in a
// dispatchable state; concurrent dispatches of the same campaign resolve
// to exactly one run.
func (e *Engine) Dispatch(campaignID int64) error {
	if err := e.campaigns.TransitionToSending(campaignID); err != nil {
		return err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(campaignID)
	}()
	return nil
}

// Cancel stops a running campaign. The target stream stops promptly;
// in-flight sends finish normally. Returns false when no run is active.
func (e *Engine) Cancel(campaignID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	cancel, ok := e.runs[campaignID]
	if ok {
		cancel()
	}
	return ok
}

// Wait blocks until all active runs complete. Used during shutdown.
func (e *Engine) Wait() {
	e.wg.Wait()
}

type runState struct {
	processed atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	aborted   atomic.Bool
}

func (e *Engine) run(campaignID int64) {
	logger := e.logger.With("campaign_id", campaignID)

	campaign, err := e.campaigns.GetByID(campaignID)
	if err != nil || campaign == nil {
		logger.Error("load campaign", "error", err)
		return
	}

	domain, err := e.domains.GetByID(campaign.DomainID)
	if err != nil {
		logger.Error("load domain", "error", err)
		e.failCampaign(campaign, ReasonDomainInactive, nil, "")
		return
	}
	if domain == nil || !domain.Active {
		logger.Warn("campaign for inactive domain")
		e.failCampaign(campaign, ReasonDomainInactive, nil, "")
		return
	}

	// Hold the shared side of the domain lock for the whole run so the key
	// pair cannot rotate under us.
	release := e.locks.Shared(domain.ID)
	defer release()

	creds, keyPairID, err := e.creds.Credentials(domain.ID)
	if err != nil {
		logger.Error("resolve credentials", "error", err)
		e.failCampaign(campaign, ReasonNoActiveCredential, nil, "")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e.mu.Lock()
	e.runs[campaignID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.runs, campaignID)
		e.mu.Unlock()
	}()

	runID := uuid.New().String()
	logger = logger.With("run_id", runID)
	logger.Info("campaign run started", "domain_id", domain.ID)

	payload := push.Payload{
		Title:      campaign.Title,
		Body:       campaign.Body,
		Icon:       campaign.IconURL,
		Image:      campaign.ImageURL,
		URL:        campaign.ClickURL,
		CampaignID: campaign.ID,
	}

	var st runState
	g := new(errgroup.Group)
	g.SetLimit(e.cfg.Concurrency)

	var afterID int64
stream:
	for ctx.Err() == nil {
		page, err := e.subscribers.ListActivePage(domain.ID, keyPairID, afterID, e.cfg.PageSize)
		if err != nil {
			logger.Error("list targets", "error", err)
			break
		}
		if len(page) == 0 {
			break
		}
		afterID = page[len(page)-1].ID

		for i := range page {
			if ctx.Err() != nil {
				break stream
			}
			sub := page[i]
			g.Go(func() error {
				e.sendOne(ctx, cancel, campaign, runID, &sub, creds, payload, &st)
				return nil
			})
		}

		if len(page) < e.cfg.PageSize {
			break
		}
	}

	g.Wait()

	sent := st.processed.Load()
	delivered := st.delivered.Load()
	failed := st.failed.Load()

	var status string
	switch {
	case st.aborted.Load():
		e.failCampaign(campaign, ReasonUnauthorized, &st, runID)
		status = model.CampaignFailed
	case ctx.Err() != nil:
		e.failCampaign(campaign, ReasonCancelled, &st, runID)
		status = model.CampaignFailed
	default:
		if err := e.campaigns.MarkSent(campaignID, sent, failed); err != nil {
			logger.Error("mark campaign sent", "error", err)
		}
		status = model.CampaignSent
		e.broadcast(campaignID, runID, model.CampaignSent, &st)
	}

	logger.Info("campaign run finished", "status", status,
		"sent", sent, "delivered", delivered, "failed", failed)
}

// sendOne delivers the campaign message to a single subscriber, retrying
// transient failures with exponential backoff. Every attempt is recorded;
// failures here never propagate beyond this subscriber.
func (e *Engine) sendOne(ctx context.Context, abort context.CancelFunc, campaign *model.Campaign,
	runID string, sub *model.Subscriber, creds push.Credentials, payload push.Payload, st *runState) {

	if ctx.Err() != nil {
		// Cancelled before the first attempt; this subscriber was never tried.
		return
	}

	// In-flight HTTP calls are never force-aborted: the actual send runs on
	// a context detached from the run cancel, so cancellation takes effect
	// only between attempts.
	sendCtx := context.WithoutCancel(ctx)

	attemptNum := 0
	backoff := retry.WithMaxRetries(uint64(e.cfg.MaxRetries), retry.NewExponential(e.cfg.RetryBase))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		sendErr := e.sender.Send(sendCtx, sub, creds, payload)
		if recErr := e.attempts.Record(campaign.ID, sub.ID, push.Result(sendErr), push.StatusCode(sendErr), attemptNum); recErr != nil {
			e.logger.Error("record attempt", "error", recErr, "subscriber_id", sub.ID)
		}
		attemptNum++

		if sendErr == nil {
			return nil
		}
		if errors.Is(sendErr, push.ErrUnauthorized) {
			// The signing assertion is being rejected; every remaining send
			// for this campaign would fail the same way.
			st.aborted.Store(true)
			abort()
			return sendErr
		}
		if push.Retryable(sendErr) {
			return retry.RetryableError(sendErr)
		}
		return sendErr
	})

	st.processed.Add(1)
	if err == nil {
		st.delivered.Add(1)
	} else {
		st.failed.Add(1)
		if errors.Is(err, push.ErrGone) {
			if dErr := e.subscribers.Deactivate(sub.ID, model.ReasonEndpointGone); dErr != nil {
				e.logger.Error("deactivate gone subscriber", "error", dErr, "subscriber_id", sub.ID)
			}
		}
	}

	if st.processed.Load()%progressEvery == 0 {
		e.broadcast(campaign.ID, runID, model.CampaignSending, st)
	}
}

func (e *Engine) failCampaign(campaign *model.Campaign, reason string, st *runState, runID string) {
	var sent, failed int64
	if st != nil {
		sent = st.processed.Load()
		failed = st.failed.Load()
	}
	if err := e.campaigns.MarkFailed(campaign.ID, reason, sent, failed); err != nil {
		e.logger.Error("mark campaign failed", "error", err, "campaign_id", campaign.ID)
	}
	if st != nil {
		e.broadcast(campaign.ID, runID, model.CampaignFailed, st)
	}
}

func (e *Engine) broadcast(campaignID int64, runID, status string, st *runState) {
	if e.hub == nil {
		return
	}
	e.hub.Broadcast(realtime.Message{
		Type:       "campaign_progress",
		CampaignID: campaignID,
		RunID:      runID,
		Status:     status,
		Processed:  st.processed.Load(),
		Delivered:  st.delivered.Load(),
		Failed:     st.failed.Load(),
	})
}
