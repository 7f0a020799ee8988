package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	appErrors "github.com/unclebandit/followreach-backend/internal/errors"
	"github.com/unclebandit/followreach-backend/internal/model"
	"github.com/unclebandit/followreach-backend/internal/repository"
	"github.com/unclebandit/followreach-backend/internal/session"
)

// maxPartialPercent is the highest completion reported while the remote API
// still returns a next cursor.
const maxPartialPercent = 99.9

var ErrCacheClosed = errors.New("follower cache closed")

// FollowerCache builds and serves the follower snapshot of one account.
//
// At most one build pass runs at a time; Build calls made while a pass is in
// flight share its result. GetStatus never touches the store.
type FollowerCache struct {
	sess     session.Session
	store    repository.FollowerRepositoryInterface
	notifier Notifier
	logger   *zap.Logger

	group singleflight.Group

	mu     sync.RWMutex
	meta   model.CacheMetadata
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFollowerCache loads the persisted metadata of the session's account. A
// pass that was still Building when the process died is recorded as an
// interrupted Error so the next Build resumes from its cursor.
func NewFollowerCache(ctx context.Context, sess session.Session, store repository.FollowerRepositoryInterface, notifier Notifier, logger *zap.Logger) (*FollowerCache, error) {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	meta, err := store.LoadMetadata(ctx)
	if err != nil {
		return nil, err
	}
	if meta.Status == model.CacheStatusBuilding {
		meta.Status = model.CacheStatusError
		meta.LastError = "build interrupted"
		if err := store.SaveMetadata(ctx, meta); err != nil {
			return nil, err
		}
	}

	base, cancel := context.WithCancel(context.Background())
	return &FollowerCache{
		sess:     sess,
		store:    store,
		notifier: notifier,
		logger:   logger.With(zap.String("account_id", sess.AccountID())),
		meta:     meta,
		ctx:      base,
		cancel:   cancel,
	}, nil
}

// GetStatus returns the last persisted metadata.
func (c *FollowerCache) GetStatus() model.CacheMetadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.meta
}

// Build starts a pass unless one is already running, and returns a channel
// that receives the pass result (a model.CacheMetadata) once. From Complete
// it rebuilds from scratch; from None or Error it resumes at the saved cursor.
func (c *FollowerCache) Build() <-chan singleflight.Result {
	return c.group.DoChan(c.sess.AccountID(), func() (any, error) {
		return c.run(false)
	})
}

// Rebuild is Build that always clears the store first. It joins a pass that
// is already in flight instead.
func (c *FollowerCache) Rebuild() <-chan singleflight.Result {
	return c.group.DoChan(c.sess.AccountID(), func() (any, error) {
		return c.run(true)
	})
}

// Query returns the cached followers matching q. Mid-build it sees whatever
// pages were committed so far.
func (c *FollowerCache) Query(ctx context.Context, q string) ([]model.Follower, error) {
	return c.store.Query(ctx, q)
}

func (c *FollowerCache) QueryPage(ctx context.Context, q string, offset, limit int) ([]model.Follower, int, error) {
	return c.store.QueryPage(ctx, q, offset, limit)
}

// Get looks one cached follower up by id or @handle.
func (c *FollowerCache) Get(ctx context.Context, idOrHandle string) (*model.Follower, error) {
	return c.store.Get(ctx, idOrHandle)
}

// Close cancels an in-flight pass and waits for it to persist its state.
func (c *FollowerCache) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}

func (c *FollowerCache) run(full bool) (any, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return c.GetStatus(), ErrCacheClosed
	}
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()

	meta, err := c.build(c.ctx, full)
	c.notifier.CacheBuildFinished(c.sess.AccountID(), meta, err)
	return meta, err
}

func (c *FollowerCache) build(ctx context.Context, full bool) (model.CacheMetadata, error) {
	meta := c.GetStatus()
	if full || meta.Status == model.CacheStatusComplete {
		c.logger.Info("clearing follower cache for full rebuild")
		if err := c.store.Clear(ctx); err != nil {
			return c.fail(meta, err)
		}
		meta = model.EmptyCacheMetadata()
	}

	meta.Status = model.CacheStatusBuilding
	meta.CompletionPercent = 0
	meta.LastError = ""
	if err := c.store.SaveMetadata(ctx, meta); err != nil {
		return c.fail(meta, err)
	}
	c.setStatus(meta)
	c.logger.Info("follower cache build started",
		zap.String("cursor", meta.Cursor),
		zap.Int("total_stored", meta.TotalStored))

	for {
		page, err := c.sess.FetchFollowersPage(ctx, meta.Cursor)
		if err != nil {
			return c.fail(meta, fmt.Errorf("fetching followers page: %w", err))
		}
		if page.NextCursor != "" && page.NextCursor == meta.Cursor {
			return c.fail(meta, fmt.Errorf("%w: cursor %q did not advance", appErrors.ErrTransport, meta.Cursor))
		}

		next := meta
		if page.EstimatedTotal > 0 {
			next.EstimatedTotal = page.EstimatedTotal
		}
		next.Cursor = page.NextCursor
		more := page.NextCursor != ""
		if !more {
			next.Status = model.CacheStatusComplete
		}

		saved, err := c.store.CommitPage(ctx, page.Records, next, progress(meta.CompletionPercent, more))
		if err != nil {
			return c.fail(meta, err)
		}
		meta = saved
		c.setStatus(meta)

		c.logger.Debug("followers page committed",
			zap.Int("records", len(page.Records)),
			zap.Int("total_stored", meta.TotalStored),
			zap.Float64("completion_percent", meta.CompletionPercent))

		if !more {
			c.logger.Info("follower cache build complete", zap.Int("total_stored", meta.TotalStored))
			return meta, nil
		}
	}
}

// progress returns the hook that sets the completion of a committed page.
// Within a pass the percentage never decreases, and it only reaches 100 on
// the last page.
func progress(prev float64, more bool) func(*model.CacheMetadata) {
	return func(m *model.CacheMetadata) {
		if !more {
			m.CompletionPercent = 100
			return
		}
		pct := prev
		if m.EstimatedTotal > 0 {
			p := float64(m.TotalStored) / float64(m.EstimatedTotal) * 100
			if p > maxPartialPercent {
				p = maxPartialPercent
			}
			if p > pct {
				pct = p
			}
		}
		m.CompletionPercent = pct
	}
}

// fail records err as the pass result. The cursor and every committed page
// are kept so the next Build resumes.
func (c *FollowerCache) fail(meta model.CacheMetadata, err error) (model.CacheMetadata, error) {
	meta.Status = model.CacheStatusError
	meta.LastError = err.Error()
	if meta.CompletionPercent > maxPartialPercent {
		meta.CompletionPercent = maxPartialPercent
	}
	c.logger.Error("follower cache build failed", zap.Error(err), zap.String("cursor", meta.Cursor))

	// The pass context may be the reason we are here.
	if saveErr := c.store.SaveMetadata(context.WithoutCancel(c.ctx), meta); saveErr != nil {
		c.logger.Error("saving failed build state", zap.Error(saveErr))
		err = errors.Join(err, saveErr)
	}
	c.setStatus(meta)
	return meta, err
}

func (c *FollowerCache) setStatus(meta model.CacheMetadata) {
	c.mu.Lock()
	c.meta = meta
	c.mu.Unlock()
}
