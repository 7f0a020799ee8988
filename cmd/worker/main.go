package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/unclebandit/followreach-backend/internal/app"
	"github.com/unclebandit/followreach-backend/internal/config"
	"github.com/unclebandit/followreach-backend/internal/logging"
	"github.com/unclebandit/followreach-backend/internal/queue"
)

// The worker is a headless campaign runner: it consumes campaign specs from
// RabbitMQ and publishes campaign events back.
func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, _, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.AMQPURL == "" {
		return errors.New("AMQP_URL is required")
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	amqpQueue, err := queue.DialAMQP(cfg.AMQPURL, logger)
	if err != nil {
		return err
	}
	defer amqpQueue.Close()

	a, err := app.New(ctx, cfg, amqpQueue, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := startWorker(a, logger); err != nil {
		return err
	}

	logger.Info("worker running, waiting for campaigns...")
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case amqpErr := <-amqpQueue.NotifyClose():
		if amqpErr == nil {
			return nil
		}
		return fmt.Errorf("RabbitMQ connection closed: %w", amqpErr)
	}
}

// startWorker consumes queued campaign specs and runs them on a.
func startWorker(a *app.App, logger *zap.Logger) error {
	if err := queue.StartCampaignRunSubscriber(a.Queue, a.Service, logger); err != nil {
		return fmt.Errorf("registering consumer: %w", err)
	}
	return nil
}
