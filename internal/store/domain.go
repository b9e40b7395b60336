package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/trafficlens/trafficlens/internal/model"
)

type DomainStore struct {
	db *sql.DB
}

func NewDomainStore(db *sql.DB) *DomainStore {
	return &DomainStore{db: db}
}

func (s *DomainStore) Create(hostname, siteName, serviceWorkerPath string) (*model.Domain, error) {
	if serviceWorkerPath == "" {
		serviceWorkerPath = "/sw.js"
	}
	result, err := s.db.Exec(
		`INSERT INTO domains (hostname, site_name, service_worker_path) VALUES (?, ?, ?)`,
		hostname, siteName, serviceWorkerPath,
	)
	if err != nil {
		return nil, fmt.Errorf("create domain: %w", err)
	}
	id, _ := result.LastInsertId()
	return s.GetByID(id)
}

func (s *DomainStore) GetByID(id int64) (*model.Domain, error) {
	var d model.Domain
	var active int
	err := s.db.QueryRow(
		`SELECT id, hostname, site_name, service_worker_path, active, created_at, deleted_at
		 FROM domains WHERE id = ?`, id,
	).Scan(&d.ID, &d.Hostname, &d.SiteName, &d.ServiceWorkerPath, &active, &d.CreatedAt, &d.DeletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get domain: %w", err)
	}
	d.Active = active != 0
	return &d, nil
}

func (s *DomainStore) GetByHostname(hostname string) (*model.Domain, error) {
	var d model.Domain
	var active int
	err := s.db.QueryRow(
		`SELECT id, hostname, site_name, service_worker_path, active, created_at, deleted_at
		 FROM domains WHERE hostname = ?`, hostname,
	).Scan(&d.ID, &d.Hostname, &d.SiteName, &d.ServiceWorkerPath, &active, &d.CreatedAt, &d.DeletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get domain by hostname: %w", err)
	}
	d.Active = active != 0
	return &d, nil
}

func (s *DomainStore) List() ([]model.Domain, error) {
	rows, err := s.db.Query(
		`SELECT id, hostname, site_name, service_worker_path, active, created_at, deleted_at
		 FROM domains WHERE deleted_at IS NULL ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	defer rows.Close()

	var domains []model.Domain
	for rows.Next() {
		var d model.Domain
		var active int
		if err := rows.Scan(&d.ID, &d.Hostname, &d.SiteName, &d.ServiceWorkerPath, &active, &d.CreatedAt, &d.DeletedAt); err != nil {
			return nil, fmt.Errorf("scan domain: %w", err)
		}
		d.Active = active != 0
		domains = append(domains, d)
	}
	return domains, rows.Err()
}

// SoftDelete deactivates a domain and all of its subscribers. Rows are kept
// so analytics history survives; hard deletion is left to retention cleanup.
func (s *DomainStore) SoftDelete(id int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin soft delete: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.Exec(
		`UPDATE domains SET active = 0, deleted_at = ? WHERE id = ?`, now, id,
	); err != nil {
		return fmt.Errorf("soft delete domain: %w", err)
	}

	if _, err := tx.Exec(
		`UPDATE subscribers SET active = 0, deactivated_at = ?, deactivate_reason = ?
		 WHERE domain_id = ? AND active = 1`,
		now, model.ReasonDomainDeleted, id,
	); err != nil {
		return fmt.Errorf("deactivate domain subscribers: %w", err)
	}

	return tx.Commit()
}
