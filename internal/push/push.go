// Package push sends encrypted web-push messages and classifies the
// push service's responses.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/trafficlens/trafficlens/internal/model"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// Per-recipient delivery errors, classified from the push service response.
var (
	// ErrGone means the endpoint is permanently invalid (410/404); the
	// subscriber must be deactivated and never retried.
	ErrGone = errors.New("push endpoint gone")
	// ErrRateLimited means the push service asked us to back off (429).
	ErrRateLimited = errors.New("push service rate limited")
	// ErrPayloadTooLarge means the encrypted message exceeds the push
	// service's record limit (413). Not recoverable without a new campaign.
	ErrPayloadTooLarge = errors.New("push payload too large")
	// ErrUnauthorized means the VAPID assertion was rejected (401/403).
	// Every subsequent send for the campaign would fail identically.
	ErrUnauthorized = errors.New("push authorization rejected")
	// ErrServer is a transient push service failure (5xx).
	ErrServer = errors.New("push service error")
)

// MaxPayloadBytes bounds the plaintext payload so the encrypted record
// stays under the 4KB limit push services enforce.
const MaxPayloadBytes = 3800

// Payload is the JSON delivered to the service worker. Icon, image and
// click URL are optional; the campaign id is embedded so click/close
// beacons can be attributed.
type Payload struct {
	Title      string `json:"title"`
	Body       string `json:"body"`
	Icon       string `json:"icon,omitempty"`
	Image      string `json:"image,omitempty"`
	URL        string `json:"url,omitempty"`
	CampaignID int64  `json:"campaign_id"`
}

// Credentials is the decrypted VAPID key pair used to sign a send.
type Credentials struct {
	PublicKey  string
	PrivateKey string
}

// Sender delivers one payload to one subscriber's endpoint.
type Sender interface {
	Send(ctx context.Context, sub *model.Subscriber, creds Credentials, payload Payload) error
}

// Service sends web push notifications through a shared HTTP client.
type Service struct {
	subscriber string
	ttl        int
	client     *http.Client
}

// NewService creates a push service. subscriber is the VAPID contact
// identifier; every individual send is bounded by timeout.
func NewService(subscriber string, ttl int, timeout time.Duration) *Service {
	return &Service{
		subscriber: subscriber,
		ttl:        ttl,
		client:     &http.Client{Timeout: timeout},
	}
}

// Send encrypts payload under the subscriber's keys and submits it to the
// subscriber's push endpoint, authorized with the domain's VAPID pair.
func (s *Service) Send(ctx context.Context, sub *model.Subscriber, creds Credentials, payload Payload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if len(data) > MaxPayloadBytes {
		return fmt.Errorf("payload is %d bytes: %w", len(data), ErrPayloadTooLarge)
	}

	resp, err := webpush.SendNotificationWithContext(ctx, data, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dhKey,
			Auth:   sub.AuthKey,
		},
	}, &webpush.Options{
		HTTPClient:      s.client,
		VAPIDPublicKey:  creds.PublicKey,
		VAPIDPrivateKey: creds.PrivateKey,
		Subscriber:      s.subscriber,
		TTL:             s.ttl,
	})
	if err != nil {
		return fmt.Errorf("send push: %w", err)
	}
	defer resp.Body.Close()

	return ClassifyStatus(resp.StatusCode)
}

// StatusError wraps one of the sentinel errors with the HTTP status that
// produced it, so delivery attempts can record the raw code.
type StatusError struct {
	Code int
	err  error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %v", e.Code, e.err)
}

func (e *StatusError) Unwrap() error { return e.err }

// StatusCode extracts the push service status from a classified error,
// or 0 when the error never reached the push service.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// ClassifyStatus maps a push service HTTP status to the error taxonomy.
// 2xx is nil.
func ClassifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusGone || code == http.StatusNotFound:
		return &StatusError{Code: code, err: ErrGone}
	case code == http.StatusTooManyRequests:
		return &StatusError{Code: code, err: ErrRateLimited}
	case code == http.StatusRequestEntityTooLarge:
		return &StatusError{Code: code, err: ErrPayloadTooLarge}
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &StatusError{Code: code, err: ErrUnauthorized}
	case code >= 500:
		return &StatusError{Code: code, err: ErrServer}
	default:
		return &StatusError{Code: code, err: fmt.Errorf("unexpected push service status")}
	}
}

// Result maps a send error to the delivery attempt result code.
func Result(err error) string {
	switch {
	case err == nil:
		return model.ResultDelivered
	case errors.Is(err, ErrGone):
		return model.ResultGone
	case errors.Is(err, ErrRateLimited):
		return model.ResultRateLimited
	case errors.Is(err, ErrPayloadTooLarge):
		return model.ResultPayloadTooLarge
	case errors.Is(err, ErrUnauthorized):
		return model.ResultUnauthorized
	case errors.Is(err, ErrServer):
		return model.ResultServerError
	default:
		return model.ResultError
	}
}

// Retryable reports whether a send error is worth another attempt.
// Network-level failures (no classified status) are treated as transient.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrGone) || errors.Is(err, ErrPayloadTooLarge) || errors.Is(err, ErrUnauthorized) {
		return false
	}
	return true
}
