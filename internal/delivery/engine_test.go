package delivery

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/trafficlens/trafficlens/internal/database"
	"github.com/trafficlens/trafficlens/internal/model"
	"github.com/trafficlens/trafficlens/internal/push"
	"github.com/trafficlens/trafficlens/internal/store"
)

// fakeSender scripts per-endpoint outcomes: each call for an endpoint pops
// the next error from its queue, repeating the last entry when exhausted.
type fakeSender struct {
	mu      sync.Mutex
	script  map[string][]error
	calls   map[string]int
	block   chan struct{} // when set, sends wait here first
	blocked chan struct{} // signals a send is waiting
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		script: make(map[string][]error),
		calls:  make(map[string]int),
	}
}

func (f *fakeSender) Send(ctx context.Context, sub *model.Subscriber, _ push.Credentials, _ push.Payload) error {
	f.mu.Lock()
	block := f.block
	blocked := f.blocked
	n := f.calls[sub.Endpoint]
	f.calls[sub.Endpoint] = n + 1
	queue := f.script[sub.Endpoint]
	f.mu.Unlock()

	if block != nil {
		if blocked != nil {
			select {
			case blocked <- struct{}{}:
			default:
			}
		}
		<-block
	}

	if len(queue) == 0 {
		return nil
	}
	if n >= len(queue) {
		n = len(queue) - 1
	}
	return queue[n]
}

func (f *fakeSender) callCount(endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[endpoint]
}

// fakeCreds hands out static credentials, or fails.
type fakeCreds struct {
	keyPairID int64
	err       error
}

func (f *fakeCreds) Credentials(int64) (push.Credentials, int64, error) {
	if f.err != nil {
		return push.Credentials{}, 0, f.err
	}
	return push.Credentials{PublicKey: "pub", PrivateKey: "priv"}, f.keyPairID, nil
}

type engineFixture struct {
	db          *sql.DB
	engine      *Engine
	sender      *fakeSender
	creds       *fakeCreds
	domains     *store.DomainStore
	subscribers *store.SubscriberStore
	campaigns   *store.CampaignStore
	attempts    *store.AttemptStore
	domain      *model.Domain
	keyPair     *model.KeyPair
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	domains := store.NewDomainStore(db)
	keys := store.NewKeyPairStore(db)
	subscribers := store.NewSubscriberStore(db)
	campaigns := store.NewCampaignStore(db)
	attempts := store.NewAttemptStore(db)

	domain, err := domains.Create("example.com", "Example", "")
	if err != nil {
		t.Fatalf("create domain: %v", err)
	}
	pair, err := keys.Create(domain.ID, "pub", "enc")
	if err != nil {
		t.Fatalf("create key pair: %v", err)
	}

	sender := newFakeSender()
	creds := &fakeCreds{keyPairID: pair.ID}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	engine := NewEngine(Config{
		Concurrency: 4,
		MaxRetries:  2,
		RetryBase:   time.Millisecond,
		PageSize:    2,
	}, domains, subscribers, campaigns, attempts, creds, sender, NewDomainLocks(), nil, logger)

	return &engineFixture{
		db: db, engine: engine, sender: sender, creds: creds,
		domains: domains, subscribers: subscribers, campaigns: campaigns,
		attempts: attempts, domain: domain, keyPair: pair,
	}
}

func (f *engineFixture) addSubscriber(t *testing.T, endpoint string) *model.Subscriber {
	t.Helper()
	sub, err := f.subscribers.Upsert(f.domain.ID, f.keyPair.ID, endpoint, "p256dh", "auth", "ua")
	if err != nil {
		t.Fatalf("upsert subscriber: %v", err)
	}
	return sub
}

func (f *engineFixture) addCampaign(t *testing.T) *model.Campaign {
	t.Helper()
	c, err := f.campaigns.Create(&model.Campaign{DomainID: f.domain.ID, Title: "T", Body: "B"})
	if err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	return c
}

// waitForTerminal polls until the campaign leaves the sending state.
func (f *engineFixture) waitForTerminal(t *testing.T, campaignID int64) *model.Campaign {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c, err := f.campaigns.GetByID(campaignID)
		if err != nil {
			t.Fatalf("get campaign: %v", err)
		}
		if c.Status == model.CampaignSent || c.Status == model.CampaignFailed {
			f.engine.Wait()
			return c
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("campaign never reached a terminal state")
	return nil
}

func TestRunFailureIsolation(t *testing.T) {
	f := newEngineFixture(t)
	f.addSubscriber(t, "https://push.example/a")
	gone := f.addSubscriber(t, "https://push.example/b")
	f.addSubscriber(t, "https://push.example/c")

	f.sender.script["https://push.example/b"] = []error{push.ClassifyStatus(410)}

	c := f.addCampaign(t)
	if err := f.engine.Dispatch(c.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	final := f.waitForTerminal(t, c.ID)

	// One dead endpoint never fails the campaign.
	if final.Status != model.CampaignSent {
		t.Fatalf("status = %q (%s), want sent", final.Status, final.FailureReason)
	}
	if final.SentCount != 3 {
		t.Errorf("sent_count = %d, want 3", final.SentCount)
	}
	if final.FailedCount != 1 {
		t.Errorf("failed_count = %d, want 1", final.FailedCount)
	}

	// The gone endpoint is deactivated and recorded.
	sub, err := f.subscribers.GetByID(gone.ID)
	if err != nil {
		t.Fatalf("get subscriber: %v", err)
	}
	if sub.Active {
		t.Error("gone subscriber should be deactivated")
	}
	if sub.DeactivateReason != model.ReasonEndpointGone {
		t.Errorf("reason = %q, want %q", sub.DeactivateReason, model.ReasonEndpointGone)
	}

	breakdown, err := f.attempts.ResultBreakdown(c.ID)
	if err != nil {
		t.Fatalf("breakdown: %v", err)
	}
	if breakdown[model.ResultDelivered] != 2 {
		t.Errorf("delivered = %d, want 2", breakdown[model.ResultDelivered])
	}
	if breakdown[model.ResultGone] != 1 {
		t.Errorf("gone = %d, want 1", breakdown[model.ResultGone])
	}
}

func TestRunRetriesTransientFailure(t *testing.T) {
	f := newEngineFixture(t)
	f.addSubscriber(t, "https://push.example/flaky")
	f.sender.script["https://push.example/flaky"] = []error{
		push.ClassifyStatus(429),
		push.ClassifyStatus(503),
		nil,
	}

	c := f.addCampaign(t)
	if err := f.engine.Dispatch(c.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	final := f.waitForTerminal(t, c.ID)

	if final.Status != model.CampaignSent {
		t.Fatalf("status = %q, want sent", final.Status)
	}
	if final.FailedCount != 0 {
		t.Errorf("failed_count = %d, want 0", final.FailedCount)
	}
	if got := f.sender.callCount("https://push.example/flaky"); got != 3 {
		t.Errorf("send attempts = %d, want 3", got)
	}

	// Every attempt leaves a row, retries included.
	attempts, err := f.attempts.ListForCampaign(c.ID)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 3 {
		t.Errorf("recorded %d attempts, want 3", len(attempts))
	}
}

func TestRunGoneIsNotRetried(t *testing.T) {
	f := newEngineFixture(t)
	f.addSubscriber(t, "https://push.example/dead")
	f.sender.script["https://push.example/dead"] = []error{push.ClassifyStatus(410)}

	c := f.addCampaign(t)
	if err := f.engine.Dispatch(c.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	f.waitForTerminal(t, c.ID)

	if got := f.sender.callCount("https://push.example/dead"); got != 1 {
		t.Errorf("send attempts = %d, want 1: permanent failures never retry", got)
	}
}

func TestRunUnauthorizedAbortsCampaign(t *testing.T) {
	f := newEngineFixture(t)
	for _, ep := range []string{"https://push.example/a", "https://push.example/b", "https://push.example/c"} {
		f.addSubscriber(t, ep)
		f.sender.script[ep] = []error{push.ClassifyStatus(401)}
	}

	c := f.addCampaign(t)
	if err := f.engine.Dispatch(c.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	final := f.waitForTerminal(t, c.ID)

	if final.Status != model.CampaignFailed {
		t.Fatalf("status = %q, want failed", final.Status)
	}
	if final.FailureReason != ReasonUnauthorized {
		t.Errorf("failure_reason = %q, want %q", final.FailureReason, ReasonUnauthorized)
	}
}

func TestRunNoActiveCredential(t *testing.T) {
	f := newEngineFixture(t)
	f.addSubscriber(t, "https://push.example/a")
	f.creds.err = store.ErrNoActiveKeyPair

	c := f.addCampaign(t)
	if err := f.engine.Dispatch(c.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	final := f.waitForTerminal(t, c.ID)

	if final.Status != model.CampaignFailed {
		t.Fatalf("status = %q, want failed", final.Status)
	}
	if final.FailureReason != ReasonNoActiveCredential {
		t.Errorf("failure_reason = %q, want %q", final.FailureReason, ReasonNoActiveCredential)
	}
	if got := f.sender.callCount("https://push.example/a"); got != 0 {
		t.Errorf("send attempted %d times without credentials", got)
	}
}

func TestRunInactiveDomain(t *testing.T) {
	f := newEngineFixture(t)
	f.addSubscriber(t, "https://push.example/a")
	if err := f.domains.SoftDelete(f.domain.ID); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	c := f.addCampaign(t)
	if err := f.engine.Dispatch(c.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	final := f.waitForTerminal(t, c.ID)

	if final.Status != model.CampaignFailed {
		t.Fatalf("status = %q, want failed", final.Status)
	}
	if final.FailureReason != ReasonDomainInactive {
		t.Errorf("failure_reason = %q, want %q", final.FailureReason, ReasonDomainInactive)
	}
}

func TestDispatchAtMostOnce(t *testing.T) {
	f := newEngineFixture(t)
	c := f.addCampaign(t)

	if err := f.engine.Dispatch(c.ID); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	if err := f.engine.Dispatch(c.ID); !errors.Is(err, store.ErrAlreadySending) {
		t.Errorf("second dispatch err = %v, want ErrAlreadySending", err)
	}
	f.waitForTerminal(t, c.ID)
}

func TestCancelStopsRun(t *testing.T) {
	f := newEngineFixture(t)
	// Enough subscribers that the run is still streaming when we cancel.
	endpoints := []string{
		"https://push.example/1", "https://push.example/2", "https://push.example/3",
		"https://push.example/4", "https://push.example/5", "https://push.example/6",
	}
	for _, ep := range endpoints {
		f.addSubscriber(t, ep)
	}

	block := make(chan struct{})
	blocked := make(chan struct{}, 1)
	f.sender.block = block
	f.sender.blocked = blocked

	c := f.addCampaign(t)
	if err := f.engine.Dispatch(c.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	// A send is in flight; cancel, then let the in-flight sends finish.
	<-blocked
	if !f.engine.Cancel(c.ID) {
		t.Fatal("cancel should find an active run")
	}
	close(block)

	final := f.waitForTerminal(t, c.ID)
	if final.Status != model.CampaignFailed {
		t.Fatalf("status = %q, want failed", final.Status)
	}
	if final.FailureReason != ReasonCancelled {
		t.Errorf("failure_reason = %q, want %q", final.FailureReason, ReasonCancelled)
	}

	if f.engine.Cancel(c.ID) {
		t.Error("cancel after completion should report no active run")
	}
}

func TestCancelUnknownCampaign(t *testing.T) {
	f := newEngineFixture(t)
	if f.engine.Cancel(12345) {
		t.Error("cancel of unknown campaign should return false")
	}
}
