package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/trafficlens/trafficlens/internal/model"
)

type SubscriberStore struct {
	db *sql.DB
}

func NewSubscriberStore(db *sql.DB) *SubscriberStore {
	return &SubscriberStore{db: db}
}

// Upsert registers a browser's push endpoint for a domain. (domain_id,
// endpoint) is unique at the storage layer; re-registration updates keys in
// place and reactivates an inactive row. Calling twice with identical data
// is a no-op after the first call.
func (s *SubscriberStore) Upsert(domainID, keyPairID int64, endpoint, p256dh, auth, userAgent string) (*model.Subscriber, error) {
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO subscribers (domain_id, key_pair_id, endpoint, p256dh_key, auth_key, user_agent, last_seen_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(domain_id, endpoint) DO UPDATE SET
		   key_pair_id = excluded.key_pair_id,
		   p256dh_key = excluded.p256dh_key,
		   auth_key = excluded.auth_key,
		   user_agent = excluded.user_agent,
		   active = 1,
		   deactivated_at = NULL,
		   deactivate_reason = '',
		   last_seen_at = excluded.last_seen_at`,
		domainID, keyPairID, endpoint, p256dh, auth, userAgent, now,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert subscriber: %w", err)
	}
	return s.GetByEndpoint(domainID, endpoint)
}

func (s *SubscriberStore) GetByID(id int64) (*model.Subscriber, error) {
	return s.get(`WHERE id = ?`, id)
}

func (s *SubscriberStore) GetByEndpoint(domainID int64, endpoint string) (*model.Subscriber, error) {
	return s.get(`WHERE domain_id = ? AND endpoint = ?`, domainID, endpoint)
}

func (s *SubscriberStore) get(where string, args ...any) (*model.Subscriber, error) {
	var sub model.Subscriber
	var active int
	err := s.db.QueryRow(
		`SELECT id, domain_id, key_pair_id, endpoint, p256dh_key, auth_key, user_agent,
		        active, created_at, last_seen_at, deactivated_at, deactivate_reason
		 FROM subscribers `+where, args...,
	).Scan(&sub.ID, &sub.DomainID, &sub.KeyPairID, &sub.Endpoint, &sub.P256dhKey, &sub.AuthKey,
		&sub.UserAgent, &active, &sub.CreatedAt, &sub.LastSeenAt, &sub.DeactivatedAt, &sub.DeactivateReason)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscriber: %w", err)
	}
	sub.Active = active != 0
	return &sub, nil
}

// Deactivate turns a subscriber off without deleting it. Called on explicit
// unsubscribe and when a send reports the endpoint permanently gone.
func (s *SubscriberStore) Deactivate(id int64, reason string) error {
	_, err := s.db.Exec(
		`UPDATE subscribers SET active = 0, deactivated_at = ?, deactivate_reason = ?
		 WHERE id = ? AND active = 1`,
		time.Now().UTC(), reason, id,
	)
	if err != nil {
		return fmt.Errorf("deactivate subscriber: %w", err)
	}
	return nil
}

// ListActivePage returns one keyset-paginated page of delivery targets:
// active subscribers of the domain registered under the given key pair,
// ordered by id, strictly after afterID. A subscriber registered under a
// retired key pair is never a target.
func (s *SubscriberStore) ListActivePage(domainID, keyPairID, afterID int64, limit int) ([]model.Subscriber, error) {
	rows, err := s.db.Query(
		`SELECT id, domain_id, key_pair_id, endpoint, p256dh_key, auth_key, user_agent,
		        active, created_at, last_seen_at, deactivated_at, deactivate_reason
		 FROM subscribers
		 WHERE domain_id = ? AND key_pair_id = ? AND active = 1 AND id > ?
		 ORDER BY id LIMIT ?`,
		domainID, keyPairID, afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list active subscribers: %w", err)
	}
	defer rows.Close()
	return scanSubscribers(rows)
}

// CountActive counts the domain's current delivery targets under a key pair.
func (s *SubscriberStore) CountActive(domainID, keyPairID int64) (int64, error) {
	var n int64
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM subscribers WHERE domain_id = ? AND key_pair_id = ? AND active = 1`,
		domainID, keyPairID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active subscribers: %w", err)
	}
	return n, nil
}

// DeleteInactiveBefore hard-deletes subscribers that have been inactive
// since before the cutoff. Retention cleanup is the only path that removes
// subscriber rows.
func (s *SubscriberStore) DeleteInactiveBefore(cutoff time.Time) (int64, error) {
	result, err := s.db.Exec(
		`DELETE FROM subscribers WHERE active = 0 AND deactivated_at IS NOT NULL AND deactivated_at < ?`,
		cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("delete inactive subscribers: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

func scanSubscribers(rows *sql.Rows) ([]model.Subscriber, error) {
	var subs []model.Subscriber
	for rows.Next() {
		var sub model.Subscriber
		var active int
		if err := rows.Scan(&sub.ID, &sub.DomainID, &sub.KeyPairID, &sub.Endpoint, &sub.P256dhKey, &sub.AuthKey,
			&sub.UserAgent, &active, &sub.CreatedAt, &sub.LastSeenAt, &sub.DeactivatedAt, &sub.DeactivateReason); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		sub.Active = active != 0
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}
