package service

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/unclebandit/followreach-backend/internal/db"
	appErrors "github.com/unclebandit/followreach-backend/internal/errors"
	"github.com/unclebandit/followreach-backend/internal/repository"
	"github.com/unclebandit/followreach-backend/internal/session"
)

// Account is the active account session with its follower store and cache.
type Account struct {
	Session   session.Session
	Followers *repository.FollowerRepository
	Cache     *FollowerCache
}

// AccountRegistry holds the single active account. Operations that need a
// session fail with appErrors.ErrNoSession while none is active.
type AccountRegistry struct {
	DB       *db.DB
	Notifier Notifier
	Logger   *zap.Logger

	activating sync.Mutex
	mu         sync.RWMutex
	active     *Account
}

// Activate makes sess the active account, replacing the previous one. The
// previous cache is closed first so its in-flight pass has persisted its
// state before the new cache loads metadata for the same account.
func (r *AccountRegistry) Activate(ctx context.Context, sess session.Session) (*Account, error) {
	r.activating.Lock()
	defer r.activating.Unlock()

	r.mu.Lock()
	prev := r.active
	r.active = nil
	r.mu.Unlock()
	if prev != nil {
		prev.Cache.Close()
	}

	followers := &repository.FollowerRepository{DB: r.DB, AccountID: sess.AccountID()}
	cache, err := NewFollowerCache(ctx, sess, followers, r.Notifier, r.Logger)
	if err != nil {
		return nil, err
	}
	acct := &Account{Session: sess, Followers: followers, Cache: cache}

	r.mu.Lock()
	r.active = acct
	r.mu.Unlock()
	return acct, nil
}

// Active returns the active account or appErrors.ErrNoSession.
func (r *AccountRegistry) Active() (*Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.active == nil {
		return nil, appErrors.ErrNoSession
	}
	return r.active, nil
}

// Deactivate closes the active account, if any.
func (r *AccountRegistry) Deactivate() {
	r.activating.Lock()
	defer r.activating.Unlock()

	r.mu.Lock()
	prev := r.active
	r.active = nil
	r.mu.Unlock()

	if prev != nil {
		prev.Cache.Close()
	}
}
