package service_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/followreach-backend/internal/errors"
	"github.com/unclebandit/followreach-backend/internal/model"
	"github.com/unclebandit/followreach-backend/internal/repository"
	"github.com/unclebandit/followreach-backend/internal/service"
)

type sentMessage struct {
	targetID string
	text     string
}

// scriptedSender fails targets listed in fail every time and optionally
// blocks each send on gate.
type scriptedSender struct {
	mu       sync.Mutex
	fail     map[string]error
	attempts map[string]int
	sent     []sentMessage
	panicOn  string

	gate    chan struct{}
	started chan string
}

func newScriptedSender() *scriptedSender {
	return &scriptedSender{fail: map[string]error{}, attempts: map[string]int{}}
}

func (s *scriptedSender) SendMessage(ctx context.Context, targetID, text string) error {
	s.mu.Lock()
	s.attempts[targetID]++
	err := s.fail[targetID]
	gate, started, panicOn := s.gate, s.started, s.panicOn
	s.mu.Unlock()

	if targetID == panicOn {
		panic("sender exploded")
	}
	if started != nil {
		started <- targetID
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sent = append(s.sent, sentMessage{targetID: targetID, text: text})
	s.mu.Unlock()
	return nil
}

func (s *scriptedSender) attemptsFor(target string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[target]
}

func (s *scriptedSender) messages() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sent...)
}

type runnerFixture struct {
	runner   *service.CampaignRunner
	runs     *repository.CampaignRunRepository
	notifier *recordingNotifier

	mu     sync.Mutex
	sleeps []time.Duration
}

func newRunnerFixture(t *testing.T, runs repository.CampaignRunRepositoryInterface) *runnerFixture {
	t.Helper()
	f := &runnerFixture{notifier: &recordingNotifier{}}
	repo := &repository.CampaignRunRepository{DB: openTestDB(t)}
	f.runs = repo
	if runs == nil {
		runs = repo
	}
	f.runner = service.NewCampaignRunner(runs, f.notifier, model.DefaultLimits, nil)
	f.runner.SetPacing(func(ctx context.Context, d time.Duration) error {
		f.mu.Lock()
		f.sleeps = append(f.sleeps, d)
		f.mu.Unlock()
		return ctx.Err()
	}, func(max time.Duration) time.Duration { return max / 2 })
	t.Cleanup(f.runner.Close)
	return f
}

func (f *runnerFixture) recordedSleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.sleeps...)
}

func mustCampaign(t *testing.T, spec model.CampaignSpec) *model.Campaign {
	t.Helper()
	if spec.MessageTemplate == "" {
		spec.MessageTemplate = "hello {screen_name}"
	}
	c, err := model.CampaignFromSpec(spec, model.DefaultLimits)
	require.NoError(t, err)
	return c
}

func waitReport(t *testing.T, h *service.RunHandle) model.RunState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	report, err := h.Wait(ctx)
	require.NoError(t, err, "run did not finish")
	return report
}

func TestRunOneFailingTargetCompletes(t *testing.T) {
	f := newRunnerFixture(t, nil)
	sender := newScriptedSender()
	sender.fail["2"] = appErrors.ErrTransport

	c := mustCampaign(t, model.CampaignSpec{CampaignID: "c1", Targets: []string{"1", "2", "3"}, MaxRetries: 2})
	h, err := f.runner.Run(context.Background(), service.RunRequest{Campaign: c, Sender: sender})
	require.NoError(t, err)

	report := waitReport(t, h)
	assert.Equal(t, model.RunCompleted, report.Outcome)
	stats := report.Stats()
	assert.Equal(t, 2, stats["sent"])
	assert.Equal(t, 1, stats["failed"])
	assert.Equal(t, 0, stats["pending"])

	failed, ok := report.Result("2")
	require.True(t, ok)
	assert.Equal(t, model.TargetFailed, failed.Status)
	assert.Equal(t, 3, failed.Attempts)
	assert.Contains(t, failed.Reason, "transport")
	assert.Equal(t, 3, sender.attemptsFor("2"))
	assert.Equal(t, 1, sender.attemptsFor("3"), "later targets are still attempted")
	assert.NotNil(t, report.FinishedAt)

	stored, err := f.runs.GetByID(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, stored.Outcome)
	assert.Equal(t, 3, stored.CursorIndex)
	assert.Equal(t, report.Stats(), stored.Stats())

	reports := f.notifier.stoppedReports()
	require.Len(t, reports, 1)
	assert.Equal(t, "c1", reports[0].CampaignID)

	_, active := f.runner.Active()
	assert.False(t, active)
}

func TestRunPacesBetweenSendsAndRetries(t *testing.T) {
	f := newRunnerFixture(t, nil)
	sender := newScriptedSender()
	sender.fail["2"] = appErrors.ErrTransport

	c := mustCampaign(t, model.CampaignSpec{
		CampaignID: "c1",
		Targets:    []string{"1", "2", "3"},
		Pacing:     model.PacingSpec{MinInterval: model.Duration(2 * time.Second), Jitter: model.Duration(time.Second)},
		MaxRetries: 1,
	})
	h, err := f.runner.Run(context.Background(), service.RunRequest{Campaign: c, Sender: sender})
	require.NoError(t, err)
	waitReport(t, h)

	// Before target 2, before its retry, before target 3. Never before the first.
	want := 2500 * time.Millisecond
	assert.Equal(t, []time.Duration{want, want, want}, f.recordedSleeps())
}

func TestUnreachableTargetIsNotRetried(t *testing.T) {
	f := newRunnerFixture(t, nil)
	sender := newScriptedSender()
	sender.fail["1"] = appErrors.ErrTargetUnreachable

	c := mustCampaign(t, model.CampaignSpec{CampaignID: "c1", Targets: []string{"1"}, MaxRetries: 5})
	h, err := f.runner.Run(context.Background(), service.RunRequest{Campaign: c, Sender: sender})
	require.NoError(t, err)

	report := waitReport(t, h)
	assert.Equal(t, 1, sender.attemptsFor("1"))
	assert.Equal(t, model.TargetFailed, report.Results[0].Status)
}

func TestSecondRunIsRejectedWhileRunning(t *testing.T) {
	f := newRunnerFixture(t, nil)
	sender := newScriptedSender()
	sender.gate = make(chan struct{})
	sender.started = make(chan string, 10)

	first := mustCampaign(t, model.CampaignSpec{CampaignID: "c1", Targets: []string{"1", "2"}})
	h, err := f.runner.Run(context.Background(), service.RunRequest{Campaign: first, Sender: sender})
	require.NoError(t, err)
	<-sender.started

	before, ok := f.runner.Active()
	require.True(t, ok)

	second := mustCampaign(t, model.CampaignSpec{CampaignID: "c2", Targets: []string{"9"}})
	_, err = f.runner.Run(context.Background(), service.RunRequest{Campaign: second, Sender: sender})
	var conflict *appErrors.ConflictError
	require.True(t, errors.As(err, &conflict), "got %v", err)

	after, ok := f.runner.Active()
	require.True(t, ok)
	assert.Equal(t, before, after)

	_, err = f.runs.GetByID(context.Background(), "c2")
	var nf *appErrors.ErrRunNotFound
	assert.True(t, errors.As(err, &nf), "rejected run leaves no history")

	close(sender.gate)
	assert.Equal(t, model.RunCompleted, waitReport(t, h).Outcome)
}

func TestConcurrentRunsOnlyOneStarts(t *testing.T) {
	f := newRunnerFixture(t, nil)
	sender := newScriptedSender()
	sender.gate = make(chan struct{})

	const n = 8
	var wg sync.WaitGroup
	handles := make(chan *service.RunHandle, n)
	conflicts := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := mustCampaign(t, model.CampaignSpec{CampaignID: string(rune('a' + i)), Targets: []string{"1"}})
			h, err := f.runner.Run(context.Background(), service.RunRequest{Campaign: c, Sender: sender})
			if err != nil {
				conflicts <- err
				return
			}
			handles <- h
		}(i)
	}
	wg.Wait()
	close(handles)
	close(conflicts)

	assert.Len(t, handles, 1)
	assert.Len(t, conflicts, n-1)
	close(sender.gate)
	for h := range handles {
		waitReport(t, h)
	}
}

func TestCampaignIDCannotBeReused(t *testing.T) {
	f := newRunnerFixture(t, nil)
	sender := newScriptedSender()
	c := mustCampaign(t, model.CampaignSpec{CampaignID: "c1", Targets: []string{"1"}})

	h, err := f.runner.Run(context.Background(), service.RunRequest{Campaign: c, Sender: sender})
	require.NoError(t, err)
	waitReport(t, h)

	_, err = f.runner.Run(context.Background(), service.RunRequest{Campaign: c, Sender: sender})
	var conflict *appErrors.ConflictError
	assert.True(t, errors.As(err, &conflict))
	_, active := f.runner.Active()
	assert.False(t, active, "a rejected run frees the slot")
}

func TestStopAbortsAtTargetBoundary(t *testing.T) {
	f := newRunnerFixture(t, nil)
	sender := newScriptedSender()
	sender.gate = make(chan struct{})
	sender.started = make(chan string, 10)

	c := mustCampaign(t, model.CampaignSpec{CampaignID: "c1", Targets: []string{"1", "2", "3"}})
	h, err := f.runner.Run(context.Background(), service.RunRequest{Campaign: c, Sender: sender})
	require.NoError(t, err)
	<-sender.started

	id, ok := f.runner.Stop()
	require.True(t, ok)
	assert.Equal(t, "c1", id)
	close(sender.gate)

	report := waitReport(t, h)
	assert.Equal(t, model.RunAborted, report.Outcome)
	require.Len(t, report.Results, 3)
	assert.Equal(t, model.TargetSent, report.Results[0].Status, "the in-flight send finishes")
	assert.Equal(t, model.TargetSkipped, report.Results[1].Status)
	assert.Equal(t, model.TargetSkipped, report.Results[2].Status)
	assert.Equal(t, 0, sender.attemptsFor("2"))

	stored, err := f.runs.GetByID(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, model.RunAborted, stored.Outcome)
	assert.Equal(t, 2, stored.Stats()["skipped"])

	_, ok = f.runner.Stop()
	assert.False(t, ok)
}

func TestPanicFailsRunAndFreesSlot(t *testing.T) {
	f := newRunnerFixture(t, nil)
	sender := newScriptedSender()
	sender.panicOn = "2"

	c := mustCampaign(t, model.CampaignSpec{CampaignID: "c1", Targets: []string{"1", "2", "3"}})
	h, err := f.runner.Run(context.Background(), service.RunRequest{Campaign: c, Sender: sender})
	require.NoError(t, err)

	report := waitReport(t, h)
	assert.Equal(t, model.RunFailed, report.Outcome)
	assert.Contains(t, report.Error, "sender exploded")
	require.Len(t, f.notifier.stoppedReports(), 1)

	next := mustCampaign(t, model.CampaignSpec{CampaignID: "c2", Targets: []string{"1"}})
	h, err = f.runner.Run(context.Background(), service.RunRequest{Campaign: next, Sender: newScriptedSender()})
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, waitReport(t, h).Outcome)
}

// failingRuns fails RecordResult after the first success.
type failingRuns struct {
	*repository.CampaignRunRepository
	mu    sync.Mutex
	calls int
}

func (r *failingRuns) RecordResult(ctx context.Context, campaignID string, position int, result model.TargetResult) error {
	r.mu.Lock()
	r.calls++
	calls := r.calls
	r.mu.Unlock()
	if calls > 1 {
		return appErrors.NewIO("save target result", errors.New("disk full"))
	}
	return r.CampaignRunRepository.RecordResult(ctx, campaignID, position, result)
}

func TestPersistenceFailureFailsRun(t *testing.T) {
	runs := &failingRuns{}
	f := newRunnerFixture(t, runs)
	runs.CampaignRunRepository = f.runs

	sender := newScriptedSender()
	c := mustCampaign(t, model.CampaignSpec{CampaignID: "c1", Targets: []string{"1", "2", "3"}})
	h, err := f.runner.Run(context.Background(), service.RunRequest{Campaign: c, Sender: sender})
	require.NoError(t, err)

	report := waitReport(t, h)
	assert.Equal(t, model.RunFailed, report.Outcome)
	assert.Contains(t, report.Error, "disk full")
	assert.Equal(t, 0, sender.attemptsFor("3"))
	_, active := f.runner.Active()
	assert.False(t, active)
}

func TestRunRendersFromFollowerStore(t *testing.T) {
	f := newRunnerFixture(t, nil)
	followers := &repository.FollowerRepository{DB: f.runs.DB, AccountID: "acct"}
	require.NoError(t, followers.Put(context.Background(), model.Follower{ID: "42", ScreenName: "anna", DisplayName: "Anna"}))

	sender := newScriptedSender()
	c := mustCampaign(t, model.CampaignSpec{
		CampaignID:      "c1",
		Targets:         []string{"@anna", "77"},
		MessageTemplate: "Hi {display_name} (@{screen_name})",
	})
	h, err := f.runner.Run(context.Background(), service.RunRequest{Campaign: c, Sender: sender, Directory: followers})
	require.NoError(t, err)
	waitReport(t, h)

	assert.Equal(t, []sentMessage{
		{targetID: "42", text: "Hi Anna (@anna)"},
		{targetID: "77", text: "Hi 77 (@77)"},
	}, sender.messages())
}

func TestOverlongRenderedMessageFailsWithoutSend(t *testing.T) {
	f := newRunnerFixture(t, nil)
	followers := &repository.FollowerRepository{DB: f.runs.DB, AccountID: "acct"}
	require.NoError(t, followers.Put(context.Background(), model.Follower{ID: "1", DisplayName: strings.Repeat("x", model.DefaultLimits.MaxMessageLength)}))

	sender := newScriptedSender()
	c := mustCampaign(t, model.CampaignSpec{CampaignID: "c1", Targets: []string{"1"}, MessageTemplate: "Hi {display_name}"})
	h, err := f.runner.Run(context.Background(), service.RunRequest{Campaign: c, Sender: sender, Directory: followers})
	require.NoError(t, err)

	report := waitReport(t, h)
	assert.Equal(t, model.RunCompleted, report.Outcome)
	assert.Equal(t, model.TargetFailed, report.Results[0].Status)
	assert.Equal(t, 0, sender.attemptsFor("1"))
}

// slotCheckingNotifier records whether the active slot was already free when
// the stop notification arrived.
type slotCheckingNotifier struct {
	recordingNotifier
	runner   *service.CampaignRunner
	slotFree bool
}

func (n *slotCheckingNotifier) CampaignStopped(report model.RunState) {
	_, active := n.runner.Active()
	n.mu.Lock()
	n.slotFree = !active
	n.mu.Unlock()
	n.recordingNotifier.CampaignStopped(report)
}

func TestSlotIsFreeBeforeNotification(t *testing.T) {
	runs := &repository.CampaignRunRepository{DB: openTestDB(t)}
	n := &slotCheckingNotifier{}
	runner := service.NewCampaignRunner(runs, n, model.DefaultLimits, nil)
	n.runner = runner
	t.Cleanup(runner.Close)

	c := mustCampaign(t, model.CampaignSpec{CampaignID: "c1", Targets: []string{"1"}})
	h, err := runner.Run(context.Background(), service.RunRequest{Campaign: c, Sender: newScriptedSender()})
	require.NoError(t, err)
	waitReport(t, h)

	n.mu.Lock()
	defer n.mu.Unlock()
	assert.True(t, n.slotFree)
	assert.Len(t, n.stopped, 1)
}

func TestRunWithoutSenderIsRejected(t *testing.T) {
	f := newRunnerFixture(t, nil)
	c := mustCampaign(t, model.CampaignSpec{CampaignID: "c1", Targets: []string{"1"}})
	_, err := f.runner.Run(context.Background(), service.RunRequest{Campaign: c})
	assert.ErrorIs(t, err, appErrors.ErrNoSession)
}

func TestCloseAbortsRunningCampaign(t *testing.T) {
	runs := &repository.CampaignRunRepository{DB: openTestDB(t)}
	runner := service.NewCampaignRunner(runs, nil, model.DefaultLimits, nil)
	sender := newScriptedSender()
	sender.gate = make(chan struct{})
	sender.started = make(chan string, 10)

	c := mustCampaign(t, model.CampaignSpec{
		CampaignID: "c1",
		Targets:    []string{"1", "2"},
		Pacing:     model.PacingSpec{MinInterval: model.Duration(time.Hour)},
	})
	h, err := runner.Run(context.Background(), service.RunRequest{Campaign: c, Sender: sender})
	require.NoError(t, err)
	<-sender.started
	close(sender.gate)

	runner.Close()
	assert.Equal(t, model.RunAborted, h.Report().Outcome)

	_, err = runner.Run(context.Background(), service.RunRequest{Campaign: c, Sender: sender})
	assert.ErrorIs(t, err, service.ErrRunnerClosed)
}
