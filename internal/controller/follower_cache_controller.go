package controller

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/followreach-backend/internal/errors"
	"github.com/unclebandit/followreach-backend/internal/handler"
	"github.com/unclebandit/followreach-backend/internal/model"
	"github.com/unclebandit/followreach-backend/internal/service"
)

type FollowerCacheController struct {
	CampaignService *service.CampaignService
	Logger          *zap.Logger
}

type cacheStatusResponse struct {
	Status               model.CacheStatus `json:"status"`
	CompletionPercent    float64           `json:"completionPercent"`
	TotalStoredFollowers int               `json:"totalStoredFollowers"`
	LastError            string            `json:"lastError,omitempty"`
}

func statusResponse(meta model.CacheMetadata) cacheStatusResponse {
	return cacheStatusResponse{
		Status:               meta.Status,
		CompletionPercent:    meta.CompletionPercent,
		TotalStoredFollowers: meta.TotalStored,
		LastError:            meta.LastError,
	}
}

func (c *FollowerCacheController) GetStatus(w http.ResponseWriter, r *http.Request) {
	meta, err := c.CampaignService.CacheStatus()
	if err != nil {
		handler.Fail(w, c.Logger, err)
		return
	}
	handler.OK(w, http.StatusOK, statusResponse(meta))
}

// Build starts a cache pass and answers before it finishes. The body is
// optional.
func (c *FollowerCacheController) Build(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Rebuild bool `json:"rebuild"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		handler.Fail(w, c.Logger, appErrors.NewValidation("body", err.Error()))
		return
	}

	if err := c.CampaignService.BuildCache(body.Rebuild); err != nil {
		handler.Fail(w, c.Logger, err)
		return
	}
	meta, err := c.CampaignService.CacheStatus()
	if err != nil {
		handler.Fail(w, c.Logger, err)
		return
	}
	handler.OK(w, http.StatusAccepted, statusResponse(meta))
}

func (c *FollowerCacheController) QueryFollowers(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	query := r.URL.Query().Get("query")

	followers, pagination, err := c.CampaignService.QueryFollowers(r.Context(), query, page, pageSize)
	if err != nil {
		handler.Fail(w, c.Logger, err)
		return
	}
	if followers == nil {
		followers = []model.Follower{}
	}

	handler.WriteJSON(w, http.StatusOK, handler.Response{
		Success:    true,
		Data:       followers,
		Pagination: pagination,
	})
}
