package controller

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/unclebandit/followreach-backend/internal/handler"
	"github.com/unclebandit/followreach-backend/internal/service"
)

// NewRouter mounts every exposed operation on a chi router.
func NewRouter(svc *service.CampaignService, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	cacheController := &FollowerCacheController{CampaignService: svc, Logger: logger}
	campaignController := &CampaignController{CampaignService: svc, Logger: logger}
	campaignHandler := &handler.CampaignHandler{Service: svc, Logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	// Follower cache routes
	r.Get("/follower-cache/status", cacheController.GetStatus)
	r.Post("/follower-cache/build", cacheController.Build)
	r.Get("/follower-cache/followers", cacheController.QueryFollowers)

	// Campaign routes
	r.Post("/campaigns/run", campaignController.RunCampaign)
	r.Post("/campaigns/stop", campaignController.StopCampaign)
	r.Get("/campaigns/active", campaignController.ActiveCampaign)
	r.Post("/campaigns/preview", campaignController.PersonalizedPreview)
	r.Get("/campaigns", campaignHandler.ListCampaignsHandler)
	r.Get("/campaigns/{id}", campaignHandler.GetCampaignHandlerWithStats)

	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
