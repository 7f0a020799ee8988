package service_test

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unclebandit/followreach-backend/internal/db"
	"github.com/unclebandit/followreach-backend/internal/model"
	"github.com/unclebandit/followreach-backend/internal/repository"
	"github.com/unclebandit/followreach-backend/internal/session"
)

func openTestDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.Open(db.Config{DataDir: ":memory:"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

// pagedSession serves a fixed follower list in pages keyed by cursor.
type pagedSession struct {
	mu      sync.Mutex
	pages   map[string]*session.FollowersPage
	fail    map[string]error // one-shot failure per cursor
	cursors []string

	// When gate is set every fetch waits for it (or ctx). started receives
	// once per fetch before waiting.
	gate    chan struct{}
	started chan string
}

// newPagedSession splits total followers into pages of size. Cursors are the
// offset of the page ("" for the first), estimated is reported on every page.
func newPagedSession(total, size, estimated int) *pagedSession {
	s := &pagedSession{pages: map[string]*session.FollowersPage{}, fail: map[string]error{}}
	for offset := 0; offset < total || offset == 0; offset += size {
		cursor := ""
		if offset > 0 {
			cursor = strconv.Itoa(offset)
		}
		page := &session.FollowersPage{EstimatedTotal: estimated}
		for n := offset + 1; n <= offset+size && n <= total; n++ {
			page.Records = append(page.Records, model.Follower{
				ID:         strconv.Itoa(n),
				ScreenName: fmt.Sprintf("user%03d", n),
			})
		}
		if offset+size < total {
			page.NextCursor = strconv.Itoa(offset + size)
		}
		s.pages[cursor] = page
		if total == 0 {
			break
		}
	}
	return s
}

func (s *pagedSession) AccountID() string { return "acct" }

func (s *pagedSession) FetchFollowersPage(ctx context.Context, cursor string) (*session.FollowersPage, error) {
	s.mu.Lock()
	s.cursors = append(s.cursors, cursor)
	gate, started := s.gate, s.started
	err, failing := s.fail[cursor]
	if failing {
		delete(s.fail, cursor)
	}
	page := s.pages[cursor]
	s.mu.Unlock()

	if started != nil {
		started <- cursor
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failing {
		return nil, err
	}
	if page == nil {
		return nil, fmt.Errorf("unknown cursor %q", cursor)
	}
	return page, nil
}

func (s *pagedSession) SendMessage(ctx context.Context, targetID, text string) error {
	return nil
}

func (s *pagedSession) requested() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cursors...)
}

// recordingStore remembers the completion percent of every committed page.
type recordingStore struct {
	*repository.FollowerRepository

	mu        sync.Mutex
	percents  []float64
	commitErr error
	clearErr  error
}

func (s *recordingStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	err := s.clearErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.FollowerRepository.Clear(ctx)
}

func (s *recordingStore) failClear(err error) {
	s.mu.Lock()
	s.clearErr = err
	s.mu.Unlock()
}

func (s *recordingStore) CommitPage(ctx context.Context, followers []model.Follower, meta model.CacheMetadata, progress func(*model.CacheMetadata)) (model.CacheMetadata, error) {
	s.mu.Lock()
	err := s.commitErr
	s.mu.Unlock()
	if err != nil {
		return model.CacheMetadata{}, err
	}
	saved, err := s.FollowerRepository.CommitPage(ctx, followers, meta, progress)
	if err == nil {
		s.mu.Lock()
		s.percents = append(s.percents, saved.CompletionPercent)
		s.mu.Unlock()
	}
	return saved, err
}

func (s *recordingStore) recorded() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.percents...)
}

// recordingNotifier collects notifications.
type recordingNotifier struct {
	mu       sync.Mutex
	stopped  []model.RunState
	builds   []model.CacheMetadata
	buildErr []error
}

func (n *recordingNotifier) CampaignStopped(report model.RunState) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stopped = append(n.stopped, report)
}

func (n *recordingNotifier) CacheBuildFinished(accountID string, meta model.CacheMetadata, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.builds = append(n.builds, meta)
	n.buildErr = append(n.buildErr, err)
}

func (n *recordingNotifier) stoppedReports() []model.RunState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]model.RunState(nil), n.stopped...)
}
