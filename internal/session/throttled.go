package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	appErrors "github.com/unclebandit/followreach-backend/internal/errors"
)

// Limits configures Throttled.
type Limits struct {
	FetchPerMinute float64
	SendPerMinute  float64
	Burst          int
	// MaxResetWait caps how long a call waits for a reported rate limit
	// reset before the RateLimitError is returned to the caller.
	MaxResetWait time.Duration
}

var DefaultLimits = Limits{
	FetchPerMinute: 15,
	SendPerMinute:  30,
	Burst:          1,
	MaxResetWait:   15 * time.Minute,
}

// Throttled wraps a Session with proactive token buckets and a reactive wait
// on rate limit errors that carry a reset time.
type Throttled struct {
	inner  Session
	fetch  *rate.Limiter
	send   *rate.Limiter
	limits Limits
	logger *zap.Logger

	// swapped in tests
	after func(d time.Duration) <-chan time.Time
}

func NewThrottled(inner Session, limits Limits, logger *zap.Logger) *Throttled {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limits.Burst < 1 {
		limits.Burst = 1
	}
	return &Throttled{
		inner:  inner,
		fetch:  newLimiter(limits.FetchPerMinute, limits.Burst),
		send:   newLimiter(limits.SendPerMinute, limits.Burst),
		limits: limits,
		logger: logger.With(zap.String("account_id", inner.AccountID())),
		after:  time.After,
	}
}

func newLimiter(perMinute float64, burst int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, burst)
	}
	return rate.NewLimiter(rate.Limit(perMinute/60), burst)
}

func (t *Throttled) AccountID() string { return t.inner.AccountID() }

func (t *Throttled) FetchFollowersPage(ctx context.Context, cursor string) (*FollowersPage, error) {
	var page *FollowersPage
	err := t.do(ctx, t.fetch, "fetch", func() error {
		var err error
		page, err = t.inner.FetchFollowersPage(ctx, cursor)
		return err
	})
	return page, err
}

func (t *Throttled) SendMessage(ctx context.Context, targetID, text string) error {
	return t.do(ctx, t.send, "send", func() error {
		return t.inner.SendMessage(ctx, targetID, text)
	})
}

// do waits for a token, runs call, and when the remote side reports a rate
// limit with a reset time within MaxResetWait, waits for it and tries once
// more.
func (t *Throttled) do(ctx context.Context, bucket *rate.Limiter, op string, call func() error) error {
	if err := bucket.Wait(ctx); err != nil {
		return err
	}
	err := call()

	var rl *appErrors.RateLimitError
	if !errors.As(err, &rl) {
		return err
	}
	wait := time.Until(rl.ResetAt)
	if wait > t.limits.MaxResetWait {
		return err
	}
	if wait > 0 {
		t.logger.Info("rate limited, waiting for reset",
			zap.String("op", op), zap.Duration("wait", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.after(wait):
		}
	}
	if err := bucket.Wait(ctx); err != nil {
		return err
	}
	return call()
}

var _ Session = (*Throttled)(nil)
