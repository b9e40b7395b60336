// Package vapid generates and protects per-domain VAPID key pairs.
package vapid

import (
	"fmt"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// Generate creates a fresh P-256 VAPID key pair. Both keys are returned
// base64url-encoded, ready for storage and for client-side subscription.
func Generate() (publicKey, privateKey string, err error) {
	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	if err != nil {
		return "", "", fmt.Errorf("generate vapid keys: %w", err)
	}
	return publicKey, privateKey, nil
}
