package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/trafficlens/trafficlens/internal/analytics"
	"github.com/trafficlens/trafficlens/internal/store"
)

type AnalyticsHandler struct {
	analytics *analytics.Service
	attempts  *store.AttemptStore
	logger    *slog.Logger
}

func NewAnalyticsHandler(svc *analytics.Service, attempts *store.AttemptStore, logger *slog.Logger) *AnalyticsHandler {
	return &AnalyticsHandler{analytics: svc, attempts: attempts, logger: logger}
}

// CampaignStats handles GET /api/campaigns/{id}/stats
func (h *AnalyticsHandler) CampaignStats(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	stats, err := h.analytics.CampaignStats(id)
	if err != nil {
		h.logger.Error("campaign stats", "campaign_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ResultBreakdown handles GET /api/campaigns/{id}/breakdown, reporting the
// final outcome per subscriber grouped by result.
func (h *AnalyticsHandler) ResultBreakdown(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	breakdown, err := h.analytics.ResultBreakdown(id)
	if err != nil {
		h.logger.Error("result breakdown", "campaign_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get breakdown")
		return
	}
	writeJSON(w, http.StatusOK, breakdown)
}

// Attempts handles GET /api/campaigns/{id}/attempts
func (h *AnalyticsHandler) Attempts(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	attempts, err := h.attempts.ListForCampaign(id)
	if err != nil {
		h.logger.Error("list attempts", "campaign_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list attempts")
		return
	}
	if attempts == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, attempts)
}

// Growth handles GET /api/domains/{id}/growth?days=30
func (h *AnalyticsHandler) Growth(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid domain id")
		return
	}

	days := 30
	if raw := r.URL.Query().Get("days"); raw != "" {
		days, err = strconv.Atoi(raw)
		if err != nil || days < 1 || days > 365 {
			writeError(w, http.StatusBadRequest, "days must be between 1 and 365")
			return
		}
	}

	series, err := h.analytics.GrowthSeries(id, days)
	if err != nil {
		h.logger.Error("growth series", "domain_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get growth series")
		return
	}
	writeJSON(w, http.StatusOK, series)
}
