package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/followreach-backend/internal/errors"
	"github.com/unclebandit/followreach-backend/internal/model"
	"github.com/unclebandit/followreach-backend/internal/repository"
	"github.com/unclebandit/followreach-backend/internal/session"
)

var ErrRunnerClosed = errors.New("campaign runner closed")

// RunRequest is everything a campaign run needs. Directory may be nil, in
// which case targets are sent to as given and placeholders fall back to the
// target itself.
type RunRequest struct {
	Campaign  *model.Campaign
	Sender    session.Sender
	Directory Directory
	AccountID string
}

// RunHandle is the completion signal of one run.
type RunHandle struct {
	CampaignID string

	done   chan struct{}
	report model.RunState
}

// Done is closed after the run's report is frozen, the active slot is free
// and the stop notification went out.
func (h *RunHandle) Done() <-chan struct{} { return h.done }

// Report returns the final state of the run. It blocks until Done is closed.
func (h *RunHandle) Report() model.RunState {
	<-h.done
	return h.report
}

// Wait is Report bounded by ctx.
func (h *RunHandle) Wait(ctx context.Context) (model.RunState, error) {
	select {
	case <-h.done:
		return h.report, nil
	case <-ctx.Done():
		return model.RunState{}, ctx.Err()
	}
}

type activeRun struct {
	handle *RunHandle
	stop   context.CancelFunc

	mu    sync.Mutex
	state model.RunState
}

func (a *activeRun) snapshot() model.RunState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Clone()
}

func (a *activeRun) record(position int, result model.TargetResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state.Results = append(a.state.Results[:position], result)
	a.state.CursorIndex = position + 1
}

// CampaignRunner executes one campaign at a time, process-wide.
type CampaignRunner struct {
	runs     repository.CampaignRunRepositoryInterface
	notifier Notifier
	logger   *zap.Logger
	limits   model.Limits

	// swapped in tests
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(max time.Duration) time.Duration
	now    func() time.Time

	mu     sync.Mutex
	active *activeRun
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewCampaignRunner(runs repository.CampaignRunRepositoryInterface, notifier Notifier, limits model.Limits, logger *zap.Logger) *CampaignRunner {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if limits.MaxMessageLength <= 0 {
		limits = model.DefaultLimits
	}

	var rngMu sync.Mutex
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	base, cancel := context.WithCancel(context.Background())
	return &CampaignRunner{
		runs:     runs,
		notifier: notifier,
		logger:   logger,
		limits:   limits,
		sleep:    sleepContext,
		jitter: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			rngMu.Lock()
			defer rngMu.Unlock()
			return time.Duration(rng.Int63n(int64(max)))
		},
		now:    func() time.Time { return time.Now().UTC() },
		ctx:    base,
		cancel: cancel,
	}
}

// Run starts req.Campaign in the background. It fails with a ConflictError
// when another campaign is running or the campaign id was already used, and
// in both cases nothing about the running campaign changes.
func (r *CampaignRunner) Run(ctx context.Context, req RunRequest) (*RunHandle, error) {
	if req.Campaign == nil {
		return nil, appErrors.NewValidation("campaign", "is required")
	}
	if req.Sender == nil {
		return nil, appErrors.ErrNoSession
	}
	c := req.Campaign

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRunnerClosed
	}
	if r.active != nil {
		id := r.active.handle.CampaignID
		r.mu.Unlock()
		return nil, appErrors.NewConflict("campaign", fmt.Sprintf("campaign %q is already running", id))
	}
	stopCtx, stop := context.WithCancel(r.ctx)
	run := &activeRun{
		handle: &RunHandle{CampaignID: c.ID(), done: make(chan struct{})},
		stop:   stop,
		state: model.RunState{
			CampaignID:   c.ID(),
			AccountID:    req.AccountID,
			TotalTargets: c.TargetCount(),
			Results:      make([]model.TargetResult, 0, c.TargetCount()),
			StartedAt:    r.now(),
			Outcome:      model.RunRunning,
		},
	}
	r.active = run
	r.wg.Add(1)
	r.mu.Unlock()

	if err := r.runs.Create(ctx, run.snapshot(), c.MessageTemplate()); err != nil {
		stop()
		r.mu.Lock()
		r.active = nil
		r.mu.Unlock()
		r.wg.Done()
		return nil, err
	}

	r.logger.Info("campaign started",
		zap.String("campaign_id", c.ID()),
		zap.Int("targets", c.TargetCount()))

	go r.execute(stopCtx, run, req)
	return run.handle, nil
}

// Stop asks the running campaign to end at the next target boundary. It
// returns the campaign id and false when nothing is running.
func (r *CampaignRunner) Stop() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return "", false
	}
	r.active.stop()
	return r.active.handle.CampaignID, true
}

// Active returns a snapshot of the running campaign, if any.
func (r *CampaignRunner) Active() (model.RunState, bool) {
	r.mu.Lock()
	run := r.active
	r.mu.Unlock()
	if run == nil {
		return model.RunState{}, false
	}
	return run.snapshot(), true
}

// Close stops the running campaign and waits until it has been reported.
func (r *CampaignRunner) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
}

func (r *CampaignRunner) execute(stopCtx context.Context, run *activeRun, req RunRequest) {
	defer r.wg.Done()

	outcome, err := r.safeLoop(stopCtx, run, req)
	r.finish(run, req.Campaign, outcome, err)
}

func (r *CampaignRunner) safeLoop(stopCtx context.Context, run *activeRun, req RunRequest) (outcome model.RunOutcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			outcome = model.RunFailed
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return r.loop(stopCtx, run, req)
}

// loop processes targets in order. Sends use the runner's lifetime context so
// Stop never interrupts them; pacing and the target boundary use stopCtx.
// Store access is never cancelled.
func (r *CampaignRunner) loop(stopCtx context.Context, run *activeRun, req RunRequest) (model.RunOutcome, error) {
	c := req.Campaign
	storeCtx := context.WithoutCancel(r.ctx)
	worker := &Worker{
		Sender:     req.Sender,
		MaxRetries: c.MaxRetries(),
		Pace:       func(ctx context.Context) error { return r.pace(ctx, c.Pacing()) },
		Logger:     r.logger.With(zap.String("campaign_id", c.ID())),
	}

	for i, target := range c.Targets() {
		if stopCtx.Err() != nil {
			return model.RunAborted, nil
		}
		if i > 0 {
			if err := r.pace(stopCtx, c.Pacing()); err != nil {
				return model.RunAborted, nil
			}
		}

		targetID, text, err := resolveTarget(storeCtx, req.Directory, target, c.MessageTemplate())
		if err != nil {
			return model.RunFailed, fmt.Errorf("resolving target %s: %w", target, err)
		}

		var result model.TargetResult
		if n := utf8.RuneCountInString(text); n > r.limits.MaxMessageLength {
			result = model.TargetResult{
				Target:    target,
				Status:    model.TargetFailed,
				Reason:    fmt.Sprintf("rendered message is %d characters, limit is %d", n, r.limits.MaxMessageLength),
				UpdatedAt: r.now(),
			}
		} else {
			result = worker.Deliver(r.ctx, stopCtx, target, targetID, text)
		}

		run.record(i, result)
		if err := r.runs.RecordResult(storeCtx, c.ID(), i, result); err != nil {
			return model.RunFailed, fmt.Errorf("recording progress: %w", err)
		}
	}
	return model.RunCompleted, nil
}

func (r *CampaignRunner) pace(ctx context.Context, p model.Pacing) error {
	return r.sleep(ctx, p.MinInterval+r.jitter(p.Jitter))
}

// finish freezes the report, frees the active slot, notifies and only then
// closes the handle, in that order, on every exit path.
func (r *CampaignRunner) finish(run *activeRun, c *model.Campaign, outcome model.RunOutcome, runErr error) {
	run.mu.Lock()
	targets := c.Targets()
	reason := "campaign " + string(outcome)
	for i := len(run.state.Results); i < len(targets); i++ {
		run.state.Results = append(run.state.Results, model.TargetResult{
			Target:    targets[i],
			Status:    model.TargetSkipped,
			Reason:    reason,
			UpdatedAt: r.now(),
		})
	}
	finished := r.now()
	run.state.FinishedAt = &finished
	run.state.Outcome = outcome
	if runErr != nil {
		run.state.Error = runErr.Error()
	}
	run.mu.Unlock()

	if err := r.runs.Finish(context.WithoutCancel(r.ctx), run.snapshot()); err != nil {
		r.logger.Error("saving final campaign state", zap.String("campaign_id", c.ID()), zap.Error(err))
		run.mu.Lock()
		run.state.Outcome = model.RunFailed
		run.state.Error = errors.Join(runErr, fmt.Errorf("saving final state: %w", err)).Error()
		run.mu.Unlock()
	}

	report := run.snapshot()
	run.handle.report = report
	run.stop()

	r.mu.Lock()
	r.active = nil
	r.mu.Unlock()

	stats := report.Stats()
	r.logger.Info("campaign stopped",
		zap.String("campaign_id", report.CampaignID),
		zap.String("outcome", string(report.Outcome)),
		zap.Int("sent", stats["sent"]),
		zap.Int("failed", stats["failed"]),
		zap.Int("skipped", stats["skipped"]),
		zap.String("error", report.Error))

	r.notify(report)
	close(run.handle.done)
}

func (r *CampaignRunner) notify(report model.RunState) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("campaign stopped notification panicked", zap.Any("panic", p))
		}
	}()
	r.notifier.CampaignStopped(report)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
