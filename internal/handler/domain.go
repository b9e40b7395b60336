package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/trafficlens/trafficlens/internal/store"
	"github.com/trafficlens/trafficlens/internal/vapid"
)

type DomainHandler struct {
	domains *store.DomainStore
	vapid   *vapid.Service
	logger  *slog.Logger
}

func NewDomainHandler(domains *store.DomainStore, v *vapid.Service, logger *slog.Logger) *DomainHandler {
	return &DomainHandler{domains: domains, vapid: v, logger: logger}
}

type createDomainRequest struct {
	Hostname          string `json:"hostname"`
	SiteName          string `json:"site_name"`
	ServiceWorkerPath string `json:"service_worker_path"`
}

// Create handles POST /api/domains. Registering a domain also generates
// its first VAPID key pair, so the domain is immediately subscribable.
func (h *DomainHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createDomainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Hostname == "" {
		writeError(w, http.StatusBadRequest, "hostname is required")
		return
	}

	existing, err := h.domains.GetByHostname(req.Hostname)
	if err != nil {
		h.logger.Error("lookup domain", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create domain")
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "hostname already registered")
		return
	}

	domain, err := h.domains.Create(req.Hostname, req.SiteName, req.ServiceWorkerPath)
	if err != nil {
		h.logger.Error("create domain", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create domain")
		return
	}

	if _, err := h.vapid.CreateKeyPair(domain.ID); err != nil {
		h.logger.Error("create initial key pair", "domain_id", domain.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create key pair")
		return
	}

	writeJSON(w, http.StatusCreated, domain)
}

// List handles GET /api/domains
func (h *DomainHandler) List(w http.ResponseWriter, r *http.Request) {
	domains, err := h.domains.List()
	if err != nil {
		h.logger.Error("list domains", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list domains")
		return
	}
	if domains == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, domains)
}

// Get handles GET /api/domains/{id}
func (h *DomainHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	domain, err := h.domains.GetByID(id)
	if err != nil {
		h.logger.Error("get domain", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get domain")
		return
	}
	if domain == nil {
		writeError(w, http.StatusNotFound, "domain not found")
		return
	}
	writeJSON(w, http.StatusOK, domain)
}

// Delete handles DELETE /api/domains/{id}. Soft delete: the domain and its
// subscribers deactivate but analytics history stays queryable.
func (h *DomainHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	domain, err := h.domains.GetByID(id)
	if err != nil {
		h.logger.Error("get domain", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete domain")
		return
	}
	if domain == nil {
		writeError(w, http.StatusNotFound, "domain not found")
		return
	}

	if err := h.domains.SoftDelete(id); err != nil {
		h.logger.Error("soft delete domain", "domain_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete domain")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RotateKey handles POST /api/domains/{id}/rotate-key. Without ?wait=true
// it fails fast with 409 while a campaign for the domain is sending.
func (h *DomainHandler) RotateKey(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	wait := r.URL.Query().Get("wait") == "true"
	kp, err := h.vapid.Rotate(r.Context(), id, wait)
	if errors.Is(err, vapid.ErrCampaignInFlight) {
		writeError(w, http.StatusConflict, "campaign in flight, retry later or pass wait=true")
		return
	}
	if errors.Is(err, store.ErrNoActiveKeyPair) {
		writeError(w, http.StatusNotFound, "no active key pair for domain")
		return
	}
	if err != nil {
		h.logger.Error("rotate key", "domain_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to rotate key")
		return
	}
	writeJSON(w, http.StatusOK, kp)
}

// PublicKey handles GET /api/domains/{id}/vapid-key. Public endpoint used
// by the browser snippet to call PushManager.subscribe.
func (h *DomainHandler) PublicKey(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	key, err := h.vapid.PublicKey(id)
	if errors.Is(err, store.ErrNoActiveKeyPair) {
		writeError(w, http.StatusNotFound, "no active key pair for domain")
		return
	}
	if err != nil {
		h.logger.Error("get public key", "domain_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get public key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"public_key": key})
}
