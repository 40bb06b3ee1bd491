// internal/handler/campaign_handler.go
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	appErrors "github.com/mtaasisi/campaign-engine/internal/errors"
	"github.com/mtaasisi/campaign-engine/internal/service"
)

// CampaignHandler holds the dependencies for campaign-related HTTP handlers
type CampaignHandler struct {
	Service *service.CampaignService
	Log     zerolog.Logger
}

func NewCampaignHandler(svc *service.CampaignService, log zerolog.Logger) *CampaignHandler {
	return &CampaignHandler{Service: svc, Log: log.With().Str("component", "http").Logger()}
}

// Routes mounts every campaign endpoint on a chi router.
func (h *CampaignHandler) Routes(r chi.Router) {
	r.Post("/campaigns", h.CreateCampaign)
	r.Get("/campaigns", h.ListCampaigns)
	r.Get("/campaigns/{id}", h.GetCampaign)
	r.Post("/campaigns/{id}/pause", h.PauseCampaign)
	r.Post("/campaigns/{id}/resume", h.ResumeCampaign)
	r.Post("/campaigns/{id}/cancel", h.CancelCampaign)
	r.Post("/campaigns/{id}/retry", h.RetryCampaign)
	r.Post("/campaigns/{id}/execute", h.ExecuteCampaign)
	r.Post("/campaigns/{id}/preview", h.PreviewCampaign)
	r.Get("/scheduler/status", h.SchedulerStatus)
}

// CreateCampaign handles creating a new campaign
func (h *CampaignHandler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var payload service.CreateCampaignInput
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	campaign, err := h.Service.CreateCampaign(r.Context(), payload)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, campaign)
}

// ListCampaigns returns a paginated list of campaigns
func (h *CampaignHandler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	page := 1
	pageSize := 20
	if p, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && p > 0 {
		page = p
	}
	if ps, err := strconv.Atoi(r.URL.Query().Get("page_size")); err == nil && ps > 0 {
		pageSize = ps
	}
	status := r.URL.Query().Get("status")

	campaigns, total, err := h.Service.ListCampaigns(r.Context(), (page-1)*pageSize, pageSize, status)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": campaigns,
		"pagination": map[string]int{
			"page":      page,
			"page_size": pageSize,
			"total":     total,
		},
	})
}

// GetCampaign returns one campaign with its recipient stats
func (h *CampaignHandler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	campaign, err := h.Service.GetCampaign(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	stats, err := h.Service.GetStats(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"campaign": campaign,
		"stats":    stats,
	})
}

func (h *CampaignHandler) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "paused", h.Service.Pause)
}

func (h *CampaignHandler) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "resumed", h.Service.Resume)
}

func (h *CampaignHandler) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "cancelled", h.Service.Cancel)
}

// RetryCampaign creates and queues a new campaign from the failed recipients
func (h *CampaignHandler) RetryCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	retry, err := h.Service.RetryFailed(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, retry)
}

// ExecuteCampaign triggers a scheduled campaign immediately
func (h *CampaignHandler) ExecuteCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Service.ExecuteNow(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "result": "executing"})
}

// PreviewCampaign renders the personalized message for one recipient
func (h *CampaignHandler) PreviewCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Position int `json:"position"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	rendered, err := h.Service.Preview(r.Context(), id, body.Position)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"rendered_message": rendered,
		"position":         body.Position,
	})
}

func (h *CampaignHandler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.Service.SchedulerStatus())
}

func (h *CampaignHandler) control(w http.ResponseWriter, r *http.Request, result string, action func(ctx context.Context, id string) error) {
	id := chi.URLParam(r, "id")
	if err := action(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"id": id, "result": result})
}

func (h *CampaignHandler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.Log.Error().Err(err).Msg("response encode failed")
	}
}

// writeError maps the error taxonomy onto HTTP status codes.
func (h *CampaignHandler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case appErrors.IsNotFound(err):
		status = http.StatusNotFound
	case appErrors.IsNoFailedRecipients(err):
		status = http.StatusNotFound
	case appErrors.IsInvalidSettings(err):
		status = http.StatusBadRequest
	case appErrors.IsInvalidTransition(err):
		status = http.StatusConflict
	case appErrors.IsAlreadyRunning(err):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.Log.Error().Err(err).Msg("request failed")
	}
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}
