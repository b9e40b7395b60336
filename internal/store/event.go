package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/trafficlens/trafficlens/internal/model"
)

type EventStore struct {
	db *sql.DB
}

func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

// Record appends a click/close event. A duplicate (campaign, subscriber,
// type) inside the de-dup window is collapsed; flaky clients re-fire the
// beacon and must not double-count. Returns whether a row was inserted.
func (s *EventStore) Record(campaignID, subscriberID int64, eventType string, dedupWindow time.Duration) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin record event: %w", err)
	}
	defer tx.Rollback()

	cutoff := time.Now().UTC().Add(-dedupWindow)
	var recent int
	err = tx.QueryRow(
		`SELECT COUNT(*) FROM notification_events
		 WHERE campaign_id = ? AND subscriber_id = ? AND event_type = ? AND created_at > ?`,
		campaignID, subscriberID, eventType, cutoff,
	).Scan(&recent)
	if err != nil {
		return false, fmt.Errorf("check recent events: %w", err)
	}
	if recent > 0 {
		return false, nil
	}

	if _, err := tx.Exec(
		`INSERT INTO notification_events (campaign_id, subscriber_id, event_type) VALUES (?, ?, ?)`,
		campaignID, subscriberID, eventType,
	); err != nil {
		return false, fmt.Errorf("record event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit event: %w", err)
	}
	return true, nil
}

// CountClicked counts distinct subscribers that clicked the campaign.
func (s *EventStore) CountClicked(campaignID int64) (int64, error) {
	var n int64
	err := s.db.QueryRow(
		`SELECT COUNT(DISTINCT subscriber_id) FROM notification_events
		 WHERE campaign_id = ? AND event_type = ?`,
		campaignID, model.EventClick,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count clicks: %w", err)
	}
	return n, nil
}

// DailyCounts buckets a timestamp column of a table by UTC day since the
// cutoff. Used for growth aggregation over subscriber lifecycle columns.
type DailyCount struct {
	Date  string
	Count int64
}

// NewSubscribersByDay counts subscriber creations per day for a domain.
func (s *EventStore) NewSubscribersByDay(domainID int64, since time.Time) ([]DailyCount, error) {
	return s.countByDay(
		`SELECT date(created_at), COUNT(*) FROM subscribers
		 WHERE domain_id = ? AND created_at >= ?
		 GROUP BY date(created_at) ORDER BY date(created_at)`,
		domainID, since,
	)
}

// DeactivationsByDay counts subscriber deactivations per day for a domain.
func (s *EventStore) DeactivationsByDay(domainID int64, since time.Time) ([]DailyCount, error) {
	return s.countByDay(
		`SELECT date(deactivated_at), COUNT(*) FROM subscribers
		 WHERE domain_id = ? AND deactivated_at IS NOT NULL AND deactivated_at >= ?
		 GROUP BY date(deactivated_at) ORDER BY date(deactivated_at)`,
		domainID, since,
	)
}

func (s *EventStore) countByDay(query string, domainID int64, since time.Time) ([]DailyCount, error) {
	rows, err := s.db.Query(query, domainID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("count by day: %w", err)
	}
	defer rows.Close()

	var counts []DailyCount
	for rows.Next() {
		var dc DailyCount
		if err := rows.Scan(&dc.Date, &dc.Count); err != nil {
			return nil, fmt.Errorf("scan daily count: %w", err)
		}
		counts = append(counts, dc)
	}
	return counts, rows.Err()
}

// DeleteOlderThan prunes event history past the retention window.
func (s *EventStore) DeleteOlderThan(cutoff time.Time) (int64, error) {
	result, err := s.db.Exec(
		`DELETE FROM notification_events WHERE created_at < ?`, cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("delete old events: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
