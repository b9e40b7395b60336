package model

import "time"

// Deactivation reasons recorded when a subscriber is turned off.
const (
	ReasonUnsubscribed  = "unsubscribed"
	ReasonEndpointGone  = "endpoint_gone"
	ReasonKeyRotated    = "key_rotated"
	ReasonDomainDeleted = "domain_deleted"
)

// Subscriber is one browser's push registration for a domain.
// (domain_id, endpoint) is unique; re-subscribing updates in place.
type Subscriber struct {
	ID               int64      `json:"id"`
	DomainID         int64      `json:"domain_id"`
	KeyPairID        int64      `json:"key_pair_id"`
	Endpoint         string     `json:"endpoint"`
	P256dhKey        string     `json:"p256dh_key"`
	AuthKey          string     `json:"auth_key"`
	UserAgent        string     `json:"user_agent"`
	Active           bool       `json:"active"`
	CreatedAt        time.Time  `json:"created_at"`
	LastSeenAt       time.Time  `json:"last_seen_at"`
	DeactivatedAt    *time.Time `json:"deactivated_at,omitempty"`
	DeactivateReason string     `json:"deactivate_reason,omitempty"`
}
