package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/followreach-backend/internal/errors"
	"github.com/unclebandit/followreach-backend/internal/model"
	"github.com/unclebandit/followreach-backend/internal/session"
)

// Worker delivers one rendered message to one target, retrying failed sends.
type Worker struct {
	Sender     session.Sender
	MaxRetries int
	// Pace is called before every retry. A non-nil error stops retrying.
	Pace   func(ctx context.Context) error
	Logger *zap.Logger
}

// Deliver sends text to targetID. sendCtx is handed to the session; paceCtx
// only governs the waits between attempts, so cancelling it lets an in-flight
// send finish but starts no new attempt.
func (w *Worker) Deliver(sendCtx, paceCtx context.Context, target, targetID, text string) model.TargetResult {
	logger := w.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	result := model.TargetResult{Target: target}
	for {
		result.Attempts++
		err := w.Sender.SendMessage(sendCtx, targetID, text)
		result.UpdatedAt = time.Now().UTC()
		if err == nil {
			result.Status = model.TargetSent
			result.Reason = ""
			return result
		}

		result.Status = model.TargetFailed
		result.Reason = err.Error()
		logger.Warn("send failed",
			zap.String("target", target),
			zap.Int("attempt", result.Attempts),
			zap.Error(err))

		if !retryable(err) || result.Attempts > w.MaxRetries {
			return result
		}
		if w.Pace != nil {
			if err := w.Pace(paceCtx); err != nil {
				return result
			}
		}
		if sendCtx.Err() != nil {
			return result
		}
	}
}

// retryable reports whether another attempt could succeed. Unreachable
// targets and cancelled sends are final; a timed out send is retried like any
// other failure.
func retryable(err error) bool {
	return !errors.Is(err, appErrors.ErrTargetUnreachable) && !errors.Is(err, context.Canceled)
}
