package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/trafficlens/trafficlens/internal/delivery"
	"github.com/trafficlens/trafficlens/internal/model"
	"github.com/trafficlens/trafficlens/internal/push"
	"github.com/trafficlens/trafficlens/internal/store"
)

type CampaignHandler struct {
	campaigns *store.CampaignStore
	domains   *store.DomainStore
	engine    *delivery.Engine
	logger    *slog.Logger
}

func NewCampaignHandler(campaigns *store.CampaignStore, domains *store.DomainStore, engine *delivery.Engine, logger *slog.Logger) *CampaignHandler {
	return &CampaignHandler{campaigns: campaigns, domains: domains, engine: engine, logger: logger}
}

type createCampaignRequest struct {
	Title       string     `json:"title"`
	Body        string     `json:"body"`
	IconURL     string     `json:"icon_url"`
	ImageURL    string     `json:"image_url"`
	ClickURL    string     `json:"click_url"`
	TargetType  string     `json:"target_type"`
	ScheduledAt *time.Time `json:"scheduled_at"`
}

// Create handles POST /api/domains/{id}/campaigns. A scheduled_at in the
// past is rejected; a campaign with one starts in scheduled, otherwise draft.
func (h *CampaignHandler) Create(w http.ResponseWriter, r *http.Request) {
	domainID, err := parseIDParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid domain id")
		return
	}

	var req createCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Title == "" || req.Body == "" {
		writeError(w, http.StatusBadRequest, "title and body are required")
		return
	}
	if req.TargetType != "" && req.TargetType != model.TargetAll && req.TargetType != model.TargetSegment {
		writeError(w, http.StatusBadRequest, "target_type must be all or segment")
		return
	}
	if req.ScheduledAt != nil && !req.ScheduledAt.After(time.Now()) {
		writeError(w, http.StatusBadRequest, "scheduled_at must be in the future")
		return
	}
	if n := payloadSize(req.Title, req.Body, req.IconURL, req.ImageURL, req.ClickURL); n > push.MaxPayloadBytes {
		writeError(w, http.StatusBadRequest, "notification payload too large")
		return
	}

	domain, err := h.domains.GetByID(domainID)
	if err != nil {
		h.logger.Error("lookup domain", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create campaign")
		return
	}
	if domain == nil || !domain.Active {
		writeError(w, http.StatusNotFound, "domain not found")
		return
	}

	campaign, err := h.campaigns.Create(&model.Campaign{
		DomainID:    domainID,
		Title:       req.Title,
		Body:        req.Body,
		IconURL:     req.IconURL,
		ImageURL:    req.ImageURL,
		ClickURL:    req.ClickURL,
		TargetType:  req.TargetType,
		ScheduledAt: req.ScheduledAt,
	})
	if err != nil {
		h.logger.Error("create campaign", "domain_id", domainID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create campaign")
		return
	}
	writeJSON(w, http.StatusCreated, campaign)
}

// List handles GET /api/domains/{id}/campaigns
func (h *CampaignHandler) List(w http.ResponseWriter, r *http.Request) {
	domainID, err := parseIDParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid domain id")
		return
	}

	campaigns, err := h.campaigns.ListByDomain(domainID)
	if err != nil {
		h.logger.Error("list campaigns", "domain_id", domainID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list campaigns")
		return
	}
	if campaigns == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, campaigns)
}

// Get handles GET /api/campaigns/{id}
func (h *CampaignHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	campaign, err := h.campaigns.GetByID(id)
	if err != nil {
		h.logger.Error("get campaign", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get campaign")
		return
	}
	if campaign == nil {
		writeError(w, http.StatusNotFound, "campaign not found")
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

// Send handles POST /api/campaigns/{id}/send. Dispatch is at-most-once:
// concurrent sends race on the sending transition and the losers get 409.
func (h *CampaignHandler) Send(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	err = h.engine.Dispatch(id)
	if errors.Is(err, store.ErrCampaignNotFound) {
		writeError(w, http.StatusNotFound, "campaign not found")
		return
	}
	if errors.Is(err, store.ErrAlreadySending) {
		writeError(w, http.StatusConflict, "campaign already dispatched")
		return
	}
	if err != nil {
		h.logger.Error("dispatch campaign", "campaign_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to dispatch campaign")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": model.CampaignSending})
}

// Cancel handles POST /api/campaigns/{id}/cancel, stopping an in-flight run.
// Sends already handed to the push service complete normally.
func (h *CampaignHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	if !h.engine.Cancel(id) {
		writeError(w, http.StatusConflict, "campaign is not sending")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

type scheduleRequest struct {
	ScheduledAt time.Time `json:"scheduled_at"`
}

// Schedule handles POST /api/campaigns/{id}/schedule
func (h *CampaignHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if !req.ScheduledAt.After(time.Now()) {
		writeError(w, http.StatusBadRequest, "scheduled_at must be in the future")
		return
	}

	err = h.campaigns.Schedule(id, req.ScheduledAt)
	if errors.Is(err, store.ErrCampaignNotFound) {
		writeError(w, http.StatusNotFound, "campaign not found")
		return
	}
	if errors.Is(err, store.ErrAlreadySending) {
		writeError(w, http.StatusConflict, "only draft campaigns can be scheduled")
		return
	}
	if err != nil {
		h.logger.Error("schedule campaign", "campaign_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to schedule campaign")
		return
	}

	campaign, err := h.campaigns.GetByID(id)
	if err != nil {
		h.logger.Error("get campaign", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to schedule campaign")
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

// Unschedule handles POST /api/campaigns/{id}/unschedule
func (h *CampaignHandler) Unschedule(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	err = h.campaigns.Unschedule(id)
	if errors.Is(err, store.ErrCampaignNotFound) {
		writeError(w, http.StatusNotFound, "campaign not found")
		return
	}
	if errors.Is(err, store.ErrAlreadySending) {
		writeError(w, http.StatusConflict, "campaign is not scheduled")
		return
	}
	if err != nil {
		h.logger.Error("unschedule campaign", "campaign_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to unschedule campaign")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Delete handles DELETE /api/campaigns/{id}. Only draft and scheduled
// campaigns can go; anything dispatched is history and stays.
func (h *CampaignHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	err = h.campaigns.Delete(id)
	if errors.Is(err, store.ErrCampaignNotFound) {
		writeError(w, http.StatusNotFound, "campaign not found")
		return
	}
	if errors.Is(err, store.ErrNotDeletable) {
		writeError(w, http.StatusConflict, "campaign can no longer be deleted")
		return
	}
	if err != nil {
		h.logger.Error("delete campaign", "campaign_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete campaign")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func payloadSize(title, body, icon, image, clickURL string) int {
	b, _ := json.Marshal(push.Payload{
		Title: title, Body: body, Icon: icon, Image: image, URL: clickURL,
	})
	return len(b)
}
