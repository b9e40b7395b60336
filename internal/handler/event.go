package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/trafficlens/trafficlens/internal/model"
	"github.com/trafficlens/trafficlens/internal/store"
)

// eventDedupWindow collapses duplicate click/close beacons from service
// workers that re-fire on flaky connections.
const eventDedupWindow = 30 * time.Second

type EventHandler struct {
	events      *store.EventStore
	subscribers *store.SubscriberStore
	campaigns   *store.CampaignStore
	logger      *slog.Logger
}

func NewEventHandler(events *store.EventStore, subs *store.SubscriberStore, campaigns *store.CampaignStore, logger *slog.Logger) *EventHandler {
	return &EventHandler{events: events, subscribers: subs, campaigns: campaigns, logger: logger}
}

type eventRequest struct {
	CampaignID   int64  `json:"campaign_id"`
	SubscriberID int64  `json:"subscriber_id"`
	EventType    string `json:"event_type"`
}

// Record handles POST /api/events. Public beacon endpoint hit by service
// workers on notificationclick/notificationclose. Always 204 on success;
// the worker does not care whether the event deduplicated.
func (h *EventHandler) Record(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.EventType != model.EventClick && req.EventType != model.EventClose {
		writeError(w, http.StatusBadRequest, "event_type must be click or close")
		return
	}

	campaign, err := h.campaigns.GetByID(req.CampaignID)
	if err != nil {
		h.logger.Error("get campaign", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to record event")
		return
	}
	sub, err := h.subscribers.GetByID(req.SubscriberID)
	if err != nil {
		h.logger.Error("get subscriber", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to record event")
		return
	}
	if campaign == nil || sub == nil {
		writeError(w, http.StatusNotFound, "unknown campaign or subscriber")
		return
	}

	if _, err := h.events.Record(req.CampaignID, req.SubscriberID, req.EventType, eventDedupWindow); err != nil {
		h.logger.Error("record event", "campaign_id", req.CampaignID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to record event")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
