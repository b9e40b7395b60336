package vapid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/trafficlens/trafficlens/internal/model"
	"github.com/trafficlens/trafficlens/internal/push"
	"github.com/trafficlens/trafficlens/internal/store"
)

// ErrCampaignInFlight is returned by a non-blocking rotation while a
// campaign for the domain is sending.
var ErrCampaignInFlight = errors.New("campaign in flight for domain")

// Locker serializes key rotation against in-flight deliveries for a domain.
// The delivery engine holds the shared side for the whole campaign run.
type Locker interface {
	// TryExclusive acquires the exclusive side without blocking. The release
	// func is nil when acquisition failed.
	TryExclusive(domainID int64) (release func(), ok bool)
	// Exclusive blocks until the exclusive side is available or ctx ends.
	Exclusive(ctx context.Context, domainID int64) (release func(), err error)
}

// Service owns per-domain VAPID credentials: generation, storage encryption,
// and rotation.
type Service struct {
	keys   *store.KeyPairStore
	locks  Locker
	secret string
	logger *slog.Logger
}

func NewService(keys *store.KeyPairStore, locks Locker, secret string, logger *slog.Logger) *Service {
	return &Service{keys: keys, locks: locks, secret: secret, logger: logger}
}

// CreateKeyPair generates and stores a fresh key pair for the domain.
// Fails with store.ErrDuplicateKeyPair when one is already active; replacing
// a live key pair must go through Rotate.
func (s *Service) CreateKeyPair(domainID int64) (*model.KeyPair, error) {
	pub, priv, err := Generate()
	if err != nil {
		return nil, err
	}

	enc, err := EncryptPrivateKey(priv, s.secret)
	if err != nil {
		return nil, fmt.Errorf("encrypt private key: %w", err)
	}

	kp, err := s.keys.Create(domainID, pub, enc)
	if err != nil {
		return nil, err
	}
	s.logger.Info("key pair created", "domain_id", domainID, "key_pair_id", kp.ID)
	return kp, nil
}

// Rotate replaces the domain's key pair and invalidates every subscription
// created under the old one. Destructive on purpose: a push subscription is
// cryptographically bound to the public key it was created with.
//
// Rotation never overlaps a sending campaign. With wait it blocks until
// in-flight deliveries for the domain finish; without it fails fast with
// ErrCampaignInFlight.
func (s *Service) Rotate(ctx context.Context, domainID int64, wait bool) (*model.KeyPair, error) {
	var release func()
	if wait {
		var err error
		release, err = s.locks.Exclusive(ctx, domainID)
		if err != nil {
			return nil, fmt.Errorf("acquire rotation lock: %w", err)
		}
	} else {
		var ok bool
		release, ok = s.locks.TryExclusive(domainID)
		if !ok {
			return nil, ErrCampaignInFlight
		}
	}
	defer release()

	pub, priv, err := Generate()
	if err != nil {
		return nil, err
	}

	enc, err := EncryptPrivateKey(priv, s.secret)
	if err != nil {
		return nil, fmt.Errorf("encrypt private key: %w", err)
	}

	kp, err := s.keys.Rotate(domainID, pub, enc)
	if err != nil {
		return nil, err
	}
	s.logger.Info("key pair rotated", "domain_id", domainID, "key_pair_id", kp.ID)
	return kp, nil
}

// PublicKey returns the domain's current public key for integration
// snippets and client-side subscription.
func (s *Service) PublicKey(domainID int64) (string, error) {
	kp, err := s.keys.GetActive(domainID)
	if err != nil {
		return "", err
	}
	return kp.PublicKey, nil
}

// Credentials resolves and decrypts the domain's current signing pair for
// the delivery engine. Also returns the key pair id so targeting can be
// pinned to it.
func (s *Service) Credentials(domainID int64) (push.Credentials, int64, error) {
	kp, err := s.keys.GetActive(domainID)
	if err != nil {
		return push.Credentials{}, 0, err
	}

	priv, err := DecryptPrivateKey(kp.PrivateKeyEnc, s.secret)
	if err != nil {
		return push.Credentials{}, 0, fmt.Errorf("decrypt private key: %w", err)
	}

	return push.Credentials{PublicKey: kp.PublicKey, PrivateKey: priv}, kp.ID, nil
}
