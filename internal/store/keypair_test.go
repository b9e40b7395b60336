package store

import (
	"errors"
	"testing"

	"github.com/trafficlens/trafficlens/internal/model"
)

func TestKeyPairCreateDuplicate(t *testing.T) {
	db := openTestDB(t)
	domain, _ := testDomain(t, db)
	keys := NewKeyPairStore(db)

	_, err := keys.Create(domain.ID, "second-public", "second-enc")
	if !errors.Is(err, ErrDuplicateKeyPair) {
		t.Errorf("err = %v, want ErrDuplicateKeyPair", err)
	}
}

func TestKeyPairGetActive(t *testing.T) {
	db := openTestDB(t)
	domain, pair := testDomain(t, db)
	keys := NewKeyPairStore(db)

	got, err := keys.GetActive(domain.ID)
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if got.ID != pair.ID {
		t.Errorf("active pair id = %d, want %d", got.ID, pair.ID)
	}

	_, err = keys.GetActive(9999)
	if !errors.Is(err, ErrNoActiveKeyPair) {
		t.Errorf("err = %v, want ErrNoActiveKeyPair", err)
	}
}

func TestKeyPairRotate(t *testing.T) {
	db := openTestDB(t)
	domain, oldPair := testDomain(t, db)
	keys := NewKeyPairStore(db)
	subs := NewSubscriberStore(db)

	sub := testSubscriber(t, db, domain.ID, oldPair.ID, "https://push.example/ep")

	newPair, err := keys.Rotate(domain.ID, "rotated-public", "rotated-enc")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if newPair.ID == oldPair.ID {
		t.Fatal("rotation should mint a new pair")
	}

	active, err := keys.GetActive(domain.ID)
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if active.ID != newPair.ID {
		t.Errorf("active pair = %d, want %d", active.ID, newPair.ID)
	}

	// Subscriptions are bound to the key that signed them; rotation
	// invalidates every one created under the old pair.
	got, err := subs.GetByID(sub.ID)
	if err != nil {
		t.Fatalf("get subscriber: %v", err)
	}
	if got.Active {
		t.Error("subscriber should be deactivated by rotation")
	}
	if got.DeactivateReason != model.ReasonKeyRotated {
		t.Errorf("reason = %q, want %q", got.DeactivateReason, model.ReasonKeyRotated)
	}
}

func TestKeyPairRotateWithoutActive(t *testing.T) {
	db := openTestDB(t)
	domains := NewDomainStore(db)
	keys := NewKeyPairStore(db)

	bare, err := domains.Create("bare.example.com", "Bare", "")
	if err != nil {
		t.Fatalf("create domain: %v", err)
	}

	_, err = keys.Rotate(bare.ID, "pub", "enc")
	if !errors.Is(err, ErrNoActiveKeyPair) {
		t.Errorf("err = %v, want ErrNoActiveKeyPair", err)
	}
}
