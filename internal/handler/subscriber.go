package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/trafficlens/trafficlens/internal/model"
	"github.com/trafficlens/trafficlens/internal/store"
)

type SubscriberHandler struct {
	subscribers *store.SubscriberStore
	domains     *store.DomainStore
	keys        *store.KeyPairStore
	logger      *slog.Logger
}

func NewSubscriberHandler(subs *store.SubscriberStore, domains *store.DomainStore, keys *store.KeyPairStore, logger *slog.Logger) *SubscriberHandler {
	return &SubscriberHandler{subscribers: subs, domains: domains, keys: keys, logger: logger}
}

type subscribeRequest struct {
	Endpoint string `json:"endpoint"`
	P256dh   string `json:"p256dh"`
	Auth     string `json:"auth"`
}

// Subscribe handles POST /api/domains/{id}/subscribers. Public endpoint
// called by the browser snippet after PushManager.subscribe. Idempotent on
// (domain, endpoint): re-subscribing refreshes keys and reactivates.
func (h *SubscriberHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	domainID, err := parseIDParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid domain id")
		return
	}

	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Endpoint == "" || req.P256dh == "" || req.Auth == "" {
		writeError(w, http.StatusBadRequest, "endpoint, p256dh, and auth are required")
		return
	}

	domain, err := h.domains.GetByID(domainID)
	if err != nil {
		h.logger.Error("lookup domain", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to subscribe")
		return
	}
	if domain == nil || !domain.Active {
		writeError(w, http.StatusNotFound, "domain not found")
		return
	}

	// Subscriptions bind to the key pair that signed them. A subscription
	// arriving for a retired key is useless, so it always records against
	// the current pair.
	kp, err := h.keys.GetActive(domainID)
	if errors.Is(err, store.ErrNoActiveKeyPair) {
		writeError(w, http.StatusConflict, "domain has no active key pair")
		return
	}
	if err != nil {
		h.logger.Error("get active key pair", "domain_id", domainID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to subscribe")
		return
	}

	sub, err := h.subscribers.Upsert(domainID, kp.ID, req.Endpoint, req.P256dh, req.Auth, r.UserAgent())
	if err != nil {
		h.logger.Error("upsert subscriber", "domain_id", domainID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to subscribe")
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

// Unsubscribe handles POST /api/subscribers/{id}/unsubscribe. Public;
// deactivates rather than deletes so growth analytics keep the row.
func (h *SubscriberHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	sub, err := h.subscribers.GetByID(id)
	if err != nil {
		h.logger.Error("get subscriber", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to unsubscribe")
		return
	}
	if sub == nil {
		writeError(w, http.StatusNotFound, "subscriber not found")
		return
	}

	if err := h.subscribers.Deactivate(id, model.ReasonUnsubscribed); err != nil {
		h.logger.Error("deactivate subscriber", "subscriber_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to unsubscribe")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Count handles GET /api/domains/{id}/subscribers/count, reporting reachable
// subscribers under the current key pair.
func (h *SubscriberHandler) Count(w http.ResponseWriter, r *http.Request) {
	domainID, err := parseIDParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid domain id")
		return
	}

	kp, err := h.keys.GetActive(domainID)
	if errors.Is(err, store.ErrNoActiveKeyPair) {
		writeJSON(w, http.StatusOK, map[string]int64{"active": 0})
		return
	}
	if err != nil {
		h.logger.Error("get active key pair", "domain_id", domainID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to count subscribers")
		return
	}

	n, err := h.subscribers.CountActive(domainID, kp.ID)
	if err != nil {
		h.logger.Error("count subscribers", "domain_id", domainID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to count subscribers")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"active": n})
}
