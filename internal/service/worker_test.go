package service_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	appErrors "github.com/unclebandit/followreach-backend/internal/errors"
	"github.com/unclebandit/followreach-backend/internal/model"
	"github.com/unclebandit/followreach-backend/internal/service"
)

// flakySender fails the first failures sends with err.
type flakySender struct {
	failures int
	err      error
	calls    int
}

func (s *flakySender) SendMessage(ctx context.Context, targetID, text string) error {
	s.calls++
	if s.calls <= s.failures {
		return s.err
	}
	return nil
}

func TestWorkerRetriesUntilSent(t *testing.T) {
	sender := &flakySender{failures: 2, err: fmt.Errorf("%w: connection reset", appErrors.ErrTransport)}
	paces := 0
	w := &service.Worker{
		Sender:     sender,
		MaxRetries: 3,
		Pace:       func(ctx context.Context) error { paces++; return nil },
	}

	res := w.Deliver(context.Background(), context.Background(), "@anna1", "1", "hi")
	assert.Equal(t, model.TargetSent, res.Status)
	assert.Equal(t, 3, res.Attempts)
	assert.Empty(t, res.Reason)
	assert.Equal(t, 2, paces)
}

func TestWorkerGivesUpAfterMaxRetries(t *testing.T) {
	sender := &flakySender{failures: 10, err: appErrors.ErrTransport}
	w := &service.Worker{Sender: sender, MaxRetries: 2}

	res := w.Deliver(context.Background(), context.Background(), "1", "1", "hi")
	assert.Equal(t, model.TargetFailed, res.Status)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, appErrors.ErrTransport.Error(), res.Reason)
}

func TestWorkerRetriesTimeouts(t *testing.T) {
	sender := &flakySender{failures: 1, err: context.DeadlineExceeded}
	w := &service.Worker{Sender: sender, MaxRetries: 1}

	res := w.Deliver(context.Background(), context.Background(), "1", "1", "hi")
	assert.Equal(t, model.TargetSent, res.Status)
	assert.Equal(t, 2, res.Attempts)
}

func TestWorkerFinalErrors(t *testing.T) {
	for _, err := range []error{appErrors.ErrTargetUnreachable, context.Canceled} {
		sender := &flakySender{failures: 10, err: err}
		w := &service.Worker{Sender: sender, MaxRetries: 5}

		res := w.Deliver(context.Background(), context.Background(), "1", "1", "hi")
		assert.Equal(t, model.TargetFailed, res.Status, err)
		assert.Equal(t, 1, res.Attempts, err)
	}
}

func TestWorkerStopsWhenPacingIsCancelled(t *testing.T) {
	sender := &flakySender{failures: 10, err: appErrors.ErrTransport}
	w := &service.Worker{
		Sender:     sender,
		MaxRetries: 5,
		Pace:       func(ctx context.Context) error { return errors.New("stopped") },
	}

	res := w.Deliver(context.Background(), context.Background(), "1", "1", "hi")
	assert.Equal(t, model.TargetFailed, res.Status)
	assert.Equal(t, 1, res.Attempts)
}
