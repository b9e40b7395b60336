package model

import "time"

// Domain is a registered site that owns subscribers and campaigns.
type Domain struct {
	ID                int64      `json:"id"`
	Hostname          string     `json:"hostname"`
	SiteName          string     `json:"site_name"`
	ServiceWorkerPath string     `json:"service_worker_path"`
	Active            bool       `json:"active"`
	CreatedAt         time.Time  `json:"created_at"`
	DeletedAt         *time.Time `json:"deleted_at,omitempty"`
}

// KeyPair is a VAPID signing key pair bound to a domain. The private key is
// stored encrypted; only the public key ever leaves the server.
type KeyPair struct {
	ID            int64      `json:"id"`
	DomainID      int64      `json:"domain_id"`
	PublicKey     string     `json:"public_key"`
	PrivateKeyEnc string     `json:"-"`
	Active        bool       `json:"active"`
	CreatedAt     time.Time  `json:"created_at"`
	RetiredAt     *time.Time `json:"retired_at,omitempty"`
}
