package controller

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/followreach-backend/internal/errors"
	"github.com/unclebandit/followreach-backend/internal/handler"
	"github.com/unclebandit/followreach-backend/internal/service"
)

// maxSpecBytes bounds a campaign spec body.
const maxSpecBytes = 4 << 20

type CampaignController struct {
	CampaignService *service.CampaignService
	Logger          *zap.Logger
}

// RunCampaign validates the posted campaign spec and starts it. The response
// is sent as soon as the run is registered.
func (c *CampaignController) RunCampaign(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSpecBytes))
	if err != nil {
		handler.Fail(w, c.Logger, appErrors.NewValidation("campaign", fmt.Sprintf("reading body: %v", err)))
		return
	}

	run, err := c.CampaignService.RunCampaign(r.Context(), raw)
	if err != nil {
		handler.Fail(w, c.Logger, err)
		return
	}

	handler.OK(w, http.StatusAccepted, map[string]interface{}{
		"campaign_id": run.CampaignID,
		"status":      "running",
	})
}

func (c *CampaignController) StopCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := c.CampaignService.StopCampaign()
	if err != nil {
		handler.Fail(w, c.Logger, err)
		return
	}
	handler.OK(w, http.StatusAccepted, map[string]interface{}{
		"campaign_id": id,
		"status":      "stopping",
	})
}

func (c *CampaignController) ActiveCampaign(w http.ResponseWriter, r *http.Request) {
	state, ok := c.CampaignService.ActiveCampaign()
	if !ok {
		handler.Fail(w, c.Logger, appErrors.ErrNoActiveCampaign)
		return
	}
	handler.OK(w, http.StatusOK, map[string]interface{}{
		"campaign": state,
		"stats":    state.Stats(),
	})
}

func (c *CampaignController) PersonalizedPreview(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MessageTemplate string `json:"message_template"`
		Target          string `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		handler.Fail(w, c.Logger, appErrors.NewValidation("body", err.Error()))
		return
	}

	rendered, err := c.CampaignService.RenderPreview(r.Context(), body.MessageTemplate, body.Target)
	if err != nil {
		handler.Fail(w, c.Logger, err)
		return
	}

	handler.OK(w, http.StatusOK, map[string]interface{}{
		"rendered_message": rendered,
		"used_template":    body.MessageTemplate,
		"target":           body.Target,
	})
}
