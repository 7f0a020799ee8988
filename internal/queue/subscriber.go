package queue

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/followreach-backend/internal/errors"
	"github.com/unclebandit/followreach-backend/internal/service"
)

// StartCampaignRunSubscriber starts queued campaign specs on svc. A request
// that arrives while another campaign is running, or before an account is
// active, is retried by the queue; invalid or already used campaigns are
// dropped.
func StartCampaignRunSubscriber(q Queue, svc *service.CampaignService, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	return q.Subscribe(TopicCampaignRuns, func(payload any) error {
		var raw json.RawMessage
		if err := Decode(payload, &raw); err != nil {
			logger.Error("invalid campaign run payload", zap.Error(err))
			return nil // no retry
		}

		h, err := svc.RunCampaign(context.Background(), raw)
		if err != nil {
			if retryRun(err) {
				return err
			}
			logger.Error("campaign run rejected", zap.Error(err))
			return nil
		}

		logger.Info("queued campaign started", zap.String("campaign_id", h.CampaignID))
		return nil
	})
}

func retryRun(err error) bool {
	if errors.Is(err, appErrors.ErrNoSession) {
		return true
	}
	var conflict *appErrors.ConflictError
	if errors.As(err, &conflict) {
		return conflict.Resource == "campaign"
	}
	var ioErr *appErrors.IOError
	return errors.As(err, &ioErr)
}
