package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/unclebandit/followreach-backend/internal/service"
)

// CampaignHandler serves the campaign run history.
type CampaignHandler struct {
	Service *service.CampaignService
	Logger  *zap.Logger
}

// ListCampaignsHandler returns a paginated list of campaign runs
func (h *CampaignHandler) ListCampaignsHandler(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	outcome := r.URL.Query().Get("outcome")

	runs, pagination, err := h.Service.ListCampaignRuns(r.Context(), page, pageSize, outcome)
	if err != nil {
		Fail(w, h.Logger, err)
		return
	}

	WriteJSON(w, http.StatusOK, Response{Success: true, Data: runs, Pagination: pagination})
}

// GetCampaignHandlerWithStats returns one run with its per-target results and
// counts by status.
func (h *CampaignHandler) GetCampaignHandlerWithStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	details, err := h.Service.GetCampaignRunDetails(r.Context(), id)
	if err != nil {
		Fail(w, h.Logger, err)
		return
	}
	OK(w, http.StatusOK, details)
}
