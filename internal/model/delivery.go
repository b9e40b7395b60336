package model

import "time"

// Delivery attempt results, classified from the push service response.
const (
	ResultDelivered       = "delivered"
	ResultGone            = "gone"
	ResultRateLimited     = "rate_limited"
	ResultPayloadTooLarge = "payload_too_large"
	ResultServerError     = "server_error"
	ResultUnauthorized    = "unauthorized"
	ResultError           = "error"
)

// DeliveryAttempt records one (campaign, subscriber) send outcome.
// Rows are append-only; a retry adds a new row with a higher RetryCount.
type DeliveryAttempt struct {
	ID           int64     `json:"id"`
	CampaignID   int64     `json:"campaign_id"`
	SubscriberID int64     `json:"subscriber_id"`
	Result       string    `json:"result"`
	StatusCode   int       `json:"status_code,omitempty"`
	RetryCount   int       `json:"retry_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// Notification event types reported by the service worker.
const (
	EventClick = "click"
	EventClose = "close"
)

// NotificationEvent is a client-reported click or dismiss. Append-only.
type NotificationEvent struct {
	ID           int64     `json:"id"`
	CampaignID   int64     `json:"campaign_id"`
	SubscriberID int64     `json:"subscriber_id"`
	EventType    string    `json:"event_type"`
	CreatedAt    time.Time `json:"created_at"`
}

// CampaignStats is the aggregate view of one campaign's outcomes.
// ClickRate is clicks over delivered, not over sent: an undelivered
// message cannot be clicked.
type CampaignStats struct {
	CampaignID int64   `json:"campaign_id"`
	Sent       int64   `json:"sent"`
	Delivered  int64   `json:"delivered"`
	Clicked    int64   `json:"clicked"`
	ClickRate  float64 `json:"click_rate"`
}

// GrowthPoint is one day of subscriber growth for a domain.
type GrowthPoint struct {
	Date           string `json:"date"`
	NewSubscribers int64  `json:"new_subscribers"`
	Unsubscribed   int64  `json:"unsubscribed"`
	NetGrowth      int64  `json:"net_growth"`
}
