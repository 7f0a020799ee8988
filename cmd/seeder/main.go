package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/followreach-backend/internal/app"
	"github.com/unclebandit/followreach-backend/internal/config"
	"github.com/unclebandit/followreach-backend/internal/logging"
	"github.com/unclebandit/followreach-backend/internal/model"
	"github.com/unclebandit/followreach-backend/internal/queue"
)

// The seeder fills the follower cache of the configured account without
// starting the server. Interrupting it leaves a cache the next run resumes.
func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "seeder:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, _, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Account.Mode != config.ModeSimulated {
		return errors.New("seeding needs an account session, set ACCOUNT_MODE=simulated")
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, queue.NewInMemoryQueue(logger), logger)
	if err != nil {
		return err
	}
	defer a.Close()

	meta, err := seed(ctx, a, 2*time.Second)
	if err != nil {
		return err
	}
	fmt.Printf("Follower cache %s: %d followers stored\n", meta.Status, meta.TotalStored)
	return nil
}

// seed runs one build pass, reporting progress every interval. Cancelling
// ctx interrupts the pass.
func seed(ctx context.Context, a *app.App, interval time.Duration) (model.CacheMetadata, error) {
	acct, err := a.Service.Accounts.Active()
	if err != nil {
		return model.CacheMetadata{}, err
	}

	result := acct.Cache.Build()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case res := <-result:
			meta, _ := res.Val.(model.CacheMetadata)
			return meta, res.Err
		case <-ticker.C:
			st := acct.Cache.GetStatus()
			a.Logger.Info("seeding followers",
				zap.Float64("completion_percent", st.CompletionPercent),
				zap.Int("total_stored", st.TotalStored))
		case <-ctx.Done():
			// Close waits for the pass to record where it stopped.
			acct.Cache.Close()
			res := <-result
			meta, _ := res.Val.(model.CacheMetadata)
			return meta, fmt.Errorf("seeding interrupted at %.1f%%: %w", meta.CompletionPercent, ctx.Err())
		}
	}
}
