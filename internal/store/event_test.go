package store

import (
	"testing"
	"time"

	"github.com/trafficlens/trafficlens/internal/model"
)

func TestEventRecordDedup(t *testing.T) {
	db := openTestDB(t)
	domain, pair := testDomain(t, db)
	events := NewEventStore(db)
	c := testCampaign(t, db, domain.ID)
	sub := testSubscriber(t, db, domain.ID, pair.ID, "https://push.example/a")

	inserted, err := events.Record(c.ID, sub.ID, model.EventClick, time.Minute)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if !inserted {
		t.Fatal("first event should insert")
	}

	// Same event inside the window collapses.
	inserted, err = events.Record(c.ID, sub.ID, model.EventClick, time.Minute)
	if err != nil {
		t.Fatalf("record duplicate: %v", err)
	}
	if inserted {
		t.Error("duplicate event inside window should not insert")
	}

	// A different event type is not a duplicate.
	inserted, err = events.Record(c.ID, sub.ID, model.EventClose, time.Minute)
	if err != nil {
		t.Fatalf("record close: %v", err)
	}
	if !inserted {
		t.Error("close event should insert despite recent click")
	}

	// Zero window disables de-dup.
	inserted, err = events.Record(c.ID, sub.ID, model.EventClick, 0)
	if err != nil {
		t.Fatalf("record with zero window: %v", err)
	}
	if !inserted {
		t.Error("zero window should always insert")
	}
}

func TestEventCountClickedDistinct(t *testing.T) {
	db := openTestDB(t)
	domain, pair := testDomain(t, db)
	events := NewEventStore(db)
	c := testCampaign(t, db, domain.ID)

	s1 := testSubscriber(t, db, domain.ID, pair.ID, "https://push.example/a")
	s2 := testSubscriber(t, db, domain.ID, pair.ID, "https://push.example/b")

	if _, err := events.Record(c.ID, s1.ID, model.EventClick, 0); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := events.Record(c.ID, s1.ID, model.EventClick, 0); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := events.Record(c.ID, s2.ID, model.EventClick, 0); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := events.Record(c.ID, s2.ID, model.EventClose, 0); err != nil {
		t.Fatalf("record: %v", err)
	}

	n, err := events.CountClicked(c.ID)
	if err != nil {
		t.Fatalf("count clicked: %v", err)
	}
	if n != 2 {
		t.Errorf("clicked = %d, want 2 distinct subscribers", n)
	}
}

func TestEventRetention(t *testing.T) {
	db := openTestDB(t)
	domain, pair := testDomain(t, db)
	events := NewEventStore(db)
	c := testCampaign(t, db, domain.ID)
	sub := testSubscriber(t, db, domain.ID, pair.ID, "https://push.example/a")

	if _, err := events.Record(c.ID, sub.ID, model.EventClick, 0); err != nil {
		t.Fatalf("record: %v", err)
	}

	n, err := events.DeleteOlderThan(time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("delete older: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d rows, want 1", n)
	}
}
