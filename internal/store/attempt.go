package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/trafficlens/trafficlens/internal/model"
)

type AttemptStore struct {
	db *sql.DB
}

func NewAttemptStore(db *sql.DB) *AttemptStore {
	return &AttemptStore{db: db}
}

// Record appends one delivery attempt. Rows are never mutated; a retry of
// the same (campaign, subscriber) adds a row with a higher retry count.
func (s *AttemptStore) Record(campaignID, subscriberID int64, result string, statusCode, retryCount int) error {
	_, err := s.db.Exec(
		`INSERT INTO delivery_attempts (campaign_id, subscriber_id, result, status_code, retry_count)
		 VALUES (?, ?, ?, ?, ?)`,
		campaignID, subscriberID, result, statusCode, retryCount,
	)
	if err != nil {
		return fmt.Errorf("record delivery attempt: %w", err)
	}
	return nil
}

// Counts returns how many distinct subscribers were attempted and how many
// of them ended up delivered.
func (s *AttemptStore) Counts(campaignID int64) (sent, delivered int64, err error) {
	err = s.db.QueryRow(
		`SELECT COUNT(DISTINCT subscriber_id),
		        COUNT(DISTINCT CASE WHEN result = ? THEN subscriber_id END)
		 FROM delivery_attempts WHERE campaign_id = ?`,
		model.ResultDelivered, campaignID,
	).Scan(&sent, &delivered)
	if err != nil {
		return 0, 0, fmt.Errorf("count delivery attempts: %w", err)
	}
	return sent, delivered, nil
}

// ResultBreakdown returns the final outcome per subscriber, counted by
// result. A subscriber's final outcome is its highest-retry attempt.
func (s *AttemptStore) ResultBreakdown(campaignID int64) (map[string]int64, error) {
	rows, err := s.db.Query(
		`SELECT result, COUNT(*) FROM (
		   SELECT subscriber_id, result,
		          ROW_NUMBER() OVER (PARTITION BY subscriber_id ORDER BY retry_count DESC, id DESC) AS rn
		   FROM delivery_attempts WHERE campaign_id = ?
		 ) WHERE rn = 1 GROUP BY result`,
		campaignID,
	)
	if err != nil {
		return nil, fmt.Errorf("attempt breakdown: %w", err)
	}
	defer rows.Close()

	breakdown := make(map[string]int64)
	for rows.Next() {
		var result string
		var n int64
		if err := rows.Scan(&result, &n); err != nil {
			return nil, fmt.Errorf("scan breakdown: %w", err)
		}
		breakdown[result] = n
	}
	return breakdown, rows.Err()
}

// ListForCampaign returns all attempt rows for a campaign, oldest first.
func (s *AttemptStore) ListForCampaign(campaignID int64) ([]model.DeliveryAttempt, error) {
	rows, err := s.db.Query(
		`SELECT id, campaign_id, subscriber_id, result, status_code, retry_count, created_at
		 FROM delivery_attempts WHERE campaign_id = ? ORDER BY id`,
		campaignID,
	)
	if err != nil {
		return nil, fmt.Errorf("list delivery attempts: %w", err)
	}
	defer rows.Close()

	var attempts []model.DeliveryAttempt
	for rows.Next() {
		var a model.DeliveryAttempt
		if err := rows.Scan(&a.ID, &a.CampaignID, &a.SubscriberID, &a.Result, &a.StatusCode, &a.RetryCount, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan delivery attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// DeleteOlderThan prunes attempt history past the retention window.
func (s *AttemptStore) DeleteOlderThan(cutoff time.Time) (int64, error) {
	result, err := s.db.Exec(
		`DELETE FROM delivery_attempts WHERE created_at < ?`, cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("delete old delivery attempts: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
