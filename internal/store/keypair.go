package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/trafficlens/trafficlens/internal/model"
)

// ErrDuplicateKeyPair is returned when a domain already has an active key
// pair. Replacing one is an explicit rotation, never an implicit overwrite.
var ErrDuplicateKeyPair = errors.New("domain already has an active key pair")

// ErrNoActiveKeyPair is returned when a domain has no active key pair on
// record.
var ErrNoActiveKeyPair = errors.New("no active key pair for domain")

type KeyPairStore struct {
	db *sql.DB
}

func NewKeyPairStore(db *sql.DB) *KeyPairStore {
	return &KeyPairStore{db: db}
}

// Create inserts a new active key pair for the domain. The private key must
// already be encrypted by the caller.
func (s *KeyPairStore) Create(domainID int64, publicKey, privateKeyEnc string) (*model.KeyPair, error) {
	var exists int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM key_pairs WHERE domain_id = ? AND active = 1`, domainID,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check existing key pair: %w", err)
	}
	if exists > 0 {
		return nil, ErrDuplicateKeyPair
	}

	result, err := s.db.Exec(
		`INSERT INTO key_pairs (domain_id, public_key, private_key_enc) VALUES (?, ?, ?)`,
		domainID, publicKey, privateKeyEnc,
	)
	if err != nil {
		// The partial unique index backstops the pre-check under concurrency.
		return nil, fmt.Errorf("create key pair: %w", err)
	}
	id, _ := result.LastInsertId()
	return s.getByID(id)
}

// GetActive returns the domain's current key pair, or ErrNoActiveKeyPair.
func (s *KeyPairStore) GetActive(domainID int64) (*model.KeyPair, error) {
	var kp model.KeyPair
	var active int
	err := s.db.QueryRow(
		`SELECT id, domain_id, public_key, private_key_enc, active, created_at, retired_at
		 FROM key_pairs WHERE domain_id = ? AND active = 1`, domainID,
	).Scan(&kp.ID, &kp.DomainID, &kp.PublicKey, &kp.PrivateKeyEnc, &active, &kp.CreatedAt, &kp.RetiredAt)
	if err == sql.ErrNoRows {
		return nil, ErrNoActiveKeyPair
	}
	if err != nil {
		return nil, fmt.Errorf("get active key pair: %w", err)
	}
	kp.Active = active != 0
	return &kp, nil
}

// Rotate retires the domain's active key pair, deactivates every subscriber
// created under it, and installs a new pair, all in one transaction.
// Subscriptions are cryptographically bound to the public key they were
// created with, so they cannot survive a rotation.
func (s *KeyPairStore) Rotate(domainID int64, publicKey, privateKeyEnc string) (*model.KeyPair, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin rotation: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	retired, err := tx.Exec(
		`UPDATE key_pairs SET active = 0, retired_at = ? WHERE domain_id = ? AND active = 1`,
		now, domainID,
	)
	if err != nil {
		return nil, fmt.Errorf("retire key pair: %w", err)
	}
	if n, _ := retired.RowsAffected(); n == 0 {
		return nil, ErrNoActiveKeyPair
	}

	if _, err := tx.Exec(
		`UPDATE subscribers SET active = 0, deactivated_at = ?, deactivate_reason = ?
		 WHERE domain_id = ? AND active = 1`,
		now, model.ReasonKeyRotated, domainID,
	); err != nil {
		return nil, fmt.Errorf("invalidate subscribers: %w", err)
	}

	result, err := tx.Exec(
		`INSERT INTO key_pairs (domain_id, public_key, private_key_enc) VALUES (?, ?, ?)`,
		domainID, publicKey, privateKeyEnc,
	)
	if err != nil {
		return nil, fmt.Errorf("insert rotated key pair: %w", err)
	}
	id, _ := result.LastInsertId()

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit rotation: %w", err)
	}
	return s.getByID(id)
}

func (s *KeyPairStore) getByID(id int64) (*model.KeyPair, error) {
	var kp model.KeyPair
	var active int
	err := s.db.QueryRow(
		`SELECT id, domain_id, public_key, private_key_enc, active, created_at, retired_at
		 FROM key_pairs WHERE id = ?`, id,
	).Scan(&kp.ID, &kp.DomainID, &kp.PublicKey, &kp.PrivateKeyEnc, &active, &kp.CreatedAt, &kp.RetiredAt)
	if err != nil {
		return nil, fmt.Errorf("get key pair: %w", err)
	}
	kp.Active = active != 0
	return &kp, nil
}
