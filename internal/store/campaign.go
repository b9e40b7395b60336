package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/trafficlens/trafficlens/internal/model"
)

// ErrAlreadySending is returned when a campaign cannot enter the sending
// state because it is not in draft or scheduled. Concurrent send calls race
// on a single conditional UPDATE, so exactly one wins.
var ErrAlreadySending = errors.New("campaign is not in a sendable state")

// ErrCampaignNotFound is returned when the campaign id does not exist.
var ErrCampaignNotFound = errors.New("campaign not found")

// ErrNotDeletable is returned when deleting a campaign that has left
// draft/scheduled.
var ErrNotDeletable = errors.New("campaign can no longer be deleted")

type CampaignStore struct {
	db *sql.DB
}

func NewCampaignStore(db *sql.DB) *CampaignStore {
	return &CampaignStore{db: db}
}

// Create inserts a campaign. With a scheduled time it starts in scheduled,
// otherwise in draft.
func (s *CampaignStore) Create(c *model.Campaign) (*model.Campaign, error) {
	status := model.CampaignDraft
	if c.ScheduledAt != nil {
		status = model.CampaignScheduled
	}
	if c.TargetType == "" {
		c.TargetType = model.TargetAll
	}

	result, err := s.db.Exec(
		`INSERT INTO campaigns (domain_id, title, body, icon_url, image_url, click_url, target_type, scheduled_at, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.DomainID, c.Title, c.Body, c.IconURL, c.ImageURL, c.ClickURL, c.TargetType, c.ScheduledAt, status,
	)
	if err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}
	id, _ := result.LastInsertId()
	return s.GetByID(id)
}

func (s *CampaignStore) GetByID(id int64) (*model.Campaign, error) {
	var c model.Campaign
	err := s.db.QueryRow(
		`SELECT id, domain_id, title, body, icon_url, image_url, click_url, target_type,
		        scheduled_at, status, failure_reason, sent_count, failed_count, created_at, sent_at
		 FROM campaigns WHERE id = ?`, id,
	).Scan(&c.ID, &c.DomainID, &c.Title, &c.Body, &c.IconURL, &c.ImageURL, &c.ClickURL, &c.TargetType,
		&c.ScheduledAt, &c.Status, &c.FailureReason, &c.SentCount, &c.FailedCount, &c.CreatedAt, &c.SentAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return &c, nil
}

func (s *CampaignStore) ListByDomain(domainID int64) ([]model.Campaign, error) {
	rows, err := s.db.Query(
		`SELECT id, domain_id, title, body, icon_url, image_url, click_url, target_type,
		        scheduled_at, status, failure_reason, sent_count, failed_count, created_at, sent_at
		 FROM campaigns WHERE domain_id = ? ORDER BY created_at DESC`, domainID,
	)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []model.Campaign
	for rows.Next() {
		var c model.Campaign
		if err := rows.Scan(&c.ID, &c.DomainID, &c.Title, &c.Body, &c.IconURL, &c.ImageURL, &c.ClickURL, &c.TargetType,
			&c.ScheduledAt, &c.Status, &c.FailureReason, &c.SentCount, &c.FailedCount, &c.CreatedAt, &c.SentAt); err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

// Schedule moves a draft campaign to scheduled with a future trigger time.
func (s *CampaignStore) Schedule(id int64, at time.Time) error {
	result, err := s.db.Exec(
		`UPDATE campaigns SET status = ?, scheduled_at = ? WHERE id = ? AND status = ?`,
		model.CampaignScheduled, at.UTC(), id, model.CampaignDraft,
	)
	if err != nil {
		return fmt.Errorf("schedule campaign: %w", err)
	}
	return s.requireTransition(result, id)
}

// Unschedule cancels a scheduled trigger, returning the campaign to draft.
func (s *CampaignStore) Unschedule(id int64) error {
	result, err := s.db.Exec(
		`UPDATE campaigns SET status = ?, scheduled_at = NULL WHERE id = ? AND status = ?`,
		model.CampaignDraft, id, model.CampaignScheduled,
	)
	if err != nil {
		return fmt.Errorf("unschedule campaign: %w", err)
	}
	return s.requireTransition(result, id)
}

// TransitionToSending atomically claims the campaign for dispatch. Only one
// caller can ever win this transition for a given campaign; all others get
// ErrAlreadySending. This is the at-most-once dispatch guarantee.
func (s *CampaignStore) TransitionToSending(id int64) error {
	result, err := s.db.Exec(
		`UPDATE campaigns SET status = ? WHERE id = ? AND status IN (?, ?)`,
		model.CampaignSending, id, model.CampaignDraft, model.CampaignScheduled,
	)
	if err != nil {
		return fmt.Errorf("transition to sending: %w", err)
	}
	return s.requireTransition(result, id)
}

// MarkSent completes a campaign. Partial per-subscriber failure is normal
// and lives in the counters, not the status.
func (s *CampaignStore) MarkSent(id, sentCount, failedCount int64) error {
	_, err := s.db.Exec(
		`UPDATE campaigns SET status = ?, sent_count = ?, failed_count = ?, sent_at = ?
		 WHERE id = ? AND status = ?`,
		model.CampaignSent, sentCount, failedCount, time.Now().UTC(), id, model.CampaignSending,
	)
	if err != nil {
		return fmt.Errorf("mark campaign sent: %w", err)
	}
	return nil
}

// MarkFailed terminates a campaign on a fatal precondition or cancellation.
// Attempts recorded so far are preserved in the counters.
func (s *CampaignStore) MarkFailed(id int64, reason string, sentCount, failedCount int64) error {
	_, err := s.db.Exec(
		`UPDATE campaigns SET status = ?, failure_reason = ?, sent_count = ?, failed_count = ?
		 WHERE id = ? AND status = ?`,
		model.CampaignFailed, reason, sentCount, failedCount, id, model.CampaignSending,
	)
	if err != nil {
		return fmt.Errorf("mark campaign failed: %w", err)
	}
	return nil
}

// Delete removes a campaign that has not been dispatched yet.
func (s *CampaignStore) Delete(id int64) error {
	result, err := s.db.Exec(
		`DELETE FROM campaigns WHERE id = ? AND status IN (?, ?)`,
		id, model.CampaignDraft, model.CampaignScheduled,
	)
	if err != nil {
		return fmt.Errorf("delete campaign: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		c, err := s.GetByID(id)
		if err != nil {
			return err
		}
		if c == nil {
			return ErrCampaignNotFound
		}
		return ErrNotDeletable
	}
	return nil
}

// ListDue returns scheduled campaigns whose trigger time has passed. The
// schedule is re-derived from scheduled_at on every tick, so it survives
// process restarts.
func (s *CampaignStore) ListDue(now time.Time) ([]model.Campaign, error) {
	rows, err := s.db.Query(
		`SELECT id, domain_id, title, body, icon_url, image_url, click_url, target_type,
		        scheduled_at, status, failure_reason, sent_count, failed_count, created_at, sent_at
		 FROM campaigns WHERE status = ? AND scheduled_at <= ? ORDER BY scheduled_at`,
		model.CampaignScheduled, now.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list due campaigns: %w", err)
	}
	defer rows.Close()

	var due []model.Campaign
	for rows.Next() {
		var c model.Campaign
		if err := rows.Scan(&c.ID, &c.DomainID, &c.Title, &c.Body, &c.IconURL, &c.ImageURL, &c.ClickURL, &c.TargetType,
			&c.ScheduledAt, &c.Status, &c.FailureReason, &c.SentCount, &c.FailedCount, &c.CreatedAt, &c.SentAt); err != nil {
			return nil, fmt.Errorf("scan due campaign: %w", err)
		}
		due = append(due, c)
	}
	return due, rows.Err()
}

func (s *CampaignStore) requireTransition(result sql.Result, id int64) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		c, err := s.GetByID(id)
		if err != nil {
			return err
		}
		if c == nil {
			return ErrCampaignNotFound
		}
		return ErrAlreadySending
	}
	return nil
}
