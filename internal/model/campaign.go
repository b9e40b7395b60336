package model

import "time"

// Campaign lifecycle states. A campaign only ever moves forward:
// draft -> scheduled -> sending -> sent|failed. draft and scheduled may be
// deleted; nothing leaves sent or failed.
const (
	CampaignDraft     = "draft"
	CampaignScheduled = "scheduled"
	CampaignSending   = "sending"
	CampaignSent      = "sent"
	CampaignFailed    = "failed"
)

// Campaign targeting modes.
const (
	TargetAll     = "all"
	TargetSegment = "segment"
)

// Campaign is one outbound message definition for a domain.
type Campaign struct {
	ID            int64      `json:"id"`
	DomainID      int64      `json:"domain_id"`
	Title         string     `json:"title"`
	Body          string     `json:"body"`
	IconURL       string     `json:"icon_url,omitempty"`
	ImageURL      string     `json:"image_url,omitempty"`
	ClickURL      string     `json:"click_url,omitempty"`
	TargetType    string     `json:"target_type"`
	ScheduledAt   *time.Time `json:"scheduled_at,omitempty"`
	Status        string     `json:"status"`
	FailureReason string     `json:"failure_reason,omitempty"`
	SentCount     int64      `json:"sent_count"`
	FailedCount   int64      `json:"failed_count"`
	CreatedAt     time.Time  `json:"created_at"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
}
