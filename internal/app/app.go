package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/unclebandit/followreach-backend/internal/config"
	"github.com/unclebandit/followreach-backend/internal/db"
	"github.com/unclebandit/followreach-backend/internal/queue"
	"github.com/unclebandit/followreach-backend/internal/repository"
	"github.com/unclebandit/followreach-backend/internal/service"
	"github.com/unclebandit/followreach-backend/internal/session"
)

// App is the wired service graph shared by the binaries.
type App struct {
	Config  *config.Config
	DB      *db.DB
	Queue   queue.Queue
	Service *service.CampaignService
	Logger  *zap.Logger

	closeQueue func() error
}

// New opens the store and the queue, builds the engines and activates the
// configured account. A nil q connects to AMQP_URL, or falls back to an
// in-memory queue when it is empty.
func New(ctx context.Context, cfg *config.Config, q queue.Queue, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	database, err := db.Open(cfg.Database(), logger)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	closeQueue := func() error { return nil }
	if q == nil {
		if cfg.AMQPURL != "" {
			amqpQueue, err := queue.DialAMQP(cfg.AMQPURL, logger)
			if err != nil {
				database.Close()
				return nil, err
			}
			q, closeQueue = amqpQueue, amqpQueue.Close
			logger.Info("using RabbitMQ queue")
		} else {
			q = queue.NewInMemoryQueue(logger)
			logger.Info("AMQP_URL not set, using in-memory queue")
		}
	}

	events := queue.NewEventPublisher(q, logger)
	runs := &repository.CampaignRunRepository{DB: database}
	svc := &service.CampaignService{
		Accounts: &service.AccountRegistry{DB: database, Notifier: events, Logger: logger},
		Runner:   service.NewCampaignRunner(runs, events, cfg.CampaignLimits(), logger),
		RunRepo:  runs,
		Limits:   cfg.CampaignLimits(),
		Logger:   logger,
	}

	a := &App{Config: cfg, DB: database, Queue: q, Service: svc, Logger: logger, closeQueue: closeQueue}

	if cfg.Account.Mode == config.ModeSimulated {
		sess := session.NewThrottled(session.NewSimulated(cfg.Simulated()), cfg.SessionLimits(), logger)
		if _, err := svc.Accounts.Activate(ctx, sess); err != nil {
			a.Close()
			return nil, fmt.Errorf("activating account: %w", err)
		}
		logger.Info("account session active",
			zap.String("account_id", cfg.Account.ID),
			zap.Int("simulated_followers", cfg.Account.SimulatedFollowers))
	}
	return a, nil
}

// Close stops the running campaign and any cache build, then releases the
// queue and the store.
func (a *App) Close() error {
	a.Service.Runner.Close()
	a.Service.Accounts.Deactivate()
	if err := a.closeQueue(); err != nil {
		a.Logger.Warn("closing queue", zap.Error(err))
	}
	return a.DB.Close()
}
