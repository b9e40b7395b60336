package store

import (
	"database/sql"
	"testing"

	"github.com/trafficlens/trafficlens/internal/database"
	"github.com/trafficlens/trafficlens/internal/model"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// testDomain creates a domain with an active key pair and returns both.
func testDomain(t *testing.T, db *sql.DB) (*model.Domain, *model.KeyPair) {
	t.Helper()
	domain, err := NewDomainStore(db).Create("example.com", "Example", "")
	if err != nil {
		t.Fatalf("create domain: %v", err)
	}
	pair, err := NewKeyPairStore(db).Create(domain.ID, "test-public-key", "test-private-enc")
	if err != nil {
		t.Fatalf("create key pair: %v", err)
	}
	return domain, pair
}

func testSubscriber(t *testing.T, db *sql.DB, domainID, keyPairID int64, endpoint string) *model.Subscriber {
	t.Helper()
	sub, err := NewSubscriberStore(db).Upsert(domainID, keyPairID, endpoint, "p256dh-key", "auth-key", "test-agent")
	if err != nil {
		t.Fatalf("upsert subscriber: %v", err)
	}
	return sub
}

func testCampaign(t *testing.T, db *sql.DB, domainID int64) *model.Campaign {
	t.Helper()
	c, err := NewCampaignStore(db).Create(&model.Campaign{
		DomainID: domainID,
		Title:    "Hello",
		Body:     "World",
	})
	if err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	return c
}
