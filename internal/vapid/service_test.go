package vapid

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/trafficlens/trafficlens/internal/database"
	"github.com/trafficlens/trafficlens/internal/delivery"
	"github.com/trafficlens/trafficlens/internal/store"
)

func newTestService(t *testing.T) (*Service, *delivery.DomainLocks, int64) {
	t.Helper()

	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	domain, err := store.NewDomainStore(db).Create("example.com", "Example", "")
	if err != nil {
		t.Fatalf("create domain: %v", err)
	}

	locks := delivery.NewDomainLocks()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(store.NewKeyPairStore(db), locks, "test-secret", logger)
	return svc, locks, domain.ID
}

func TestCreateKeyPairAndCredentials(t *testing.T) {
	svc, _, domainID := newTestService(t)

	kp, err := svc.CreateKeyPair(domainID)
	if err != nil {
		t.Fatalf("create key pair: %v", err)
	}
	if kp.PublicKey == "" {
		t.Fatal("public key empty")
	}
	if kp.PrivateKeyEnc == kp.PublicKey {
		t.Fatal("private key stored unencrypted")
	}

	creds, keyPairID, err := svc.Credentials(domainID)
	if err != nil {
		t.Fatalf("credentials: %v", err)
	}
	if keyPairID != kp.ID {
		t.Errorf("key pair id = %d, want %d", keyPairID, kp.ID)
	}
	if creds.PublicKey != kp.PublicKey {
		t.Errorf("public key mismatch")
	}
	if creds.PrivateKey == "" || creds.PrivateKey == kp.PrivateKeyEnc {
		t.Error("private key not decrypted")
	}

	// A second create must be an explicit rotation.
	if _, err := svc.CreateKeyPair(domainID); !errors.Is(err, store.ErrDuplicateKeyPair) {
		t.Errorf("duplicate create err = %v, want ErrDuplicateKeyPair", err)
	}
}

func TestRotateFailsFastDuringDelivery(t *testing.T) {
	svc, locks, domainID := newTestService(t)
	if _, err := svc.CreateKeyPair(domainID); err != nil {
		t.Fatalf("create key pair: %v", err)
	}

	release := locks.Shared(domainID)
	_, err := svc.Rotate(context.Background(), domainID, false)
	if !errors.Is(err, ErrCampaignInFlight) {
		t.Fatalf("rotate during delivery err = %v, want ErrCampaignInFlight", err)
	}
	release()

	kp, err := svc.Rotate(context.Background(), domainID, false)
	if err != nil {
		t.Fatalf("rotate after release: %v", err)
	}
	if kp == nil || kp.PublicKey == "" {
		t.Fatal("rotation returned no key pair")
	}
}

func TestRotateWaitBlocksUntilDeliveryEnds(t *testing.T) {
	svc, locks, domainID := newTestService(t)
	if _, err := svc.CreateKeyPair(domainID); err != nil {
		t.Fatalf("create key pair: %v", err)
	}

	release := locks.Shared(domainID)
	done := make(chan error, 1)
	go func() {
		_, err := svc.Rotate(context.Background(), domainID, true)
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("rotation completed while delivery held the lock: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	release()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("waiting rotation failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiting rotation never completed")
	}
}

func TestRotateWaitRespectsContext(t *testing.T) {
	svc, locks, domainID := newTestService(t)
	if _, err := svc.CreateKeyPair(domainID); err != nil {
		t.Fatalf("create key pair: %v", err)
	}

	release := locks.Shared(domainID)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := svc.Rotate(ctx, domainID, true); err == nil {
		t.Fatal("expected context error while delivery holds the lock")
	}
}
