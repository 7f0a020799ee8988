package app_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/followreach-backend/internal/app"
	"github.com/unclebandit/followreach-backend/internal/config"
	appErrors "github.com/unclebandit/followreach-backend/internal/errors"
	"github.com/unclebandit/followreach-backend/internal/model"
	"github.com/unclebandit/followreach-backend/internal/queue"
	"github.com/unclebandit/followreach-backend/internal/service"
)

func testConfig(t *testing.T, mode string) *config.Config {
	t.Helper()
	t.Setenv("DB_DATA_DIR", ":memory:")
	t.Setenv("ACCOUNT_MODE", mode)
	t.Setenv("ACCOUNT_SIMULATED_FOLLOWERS", "20")
	t.Setenv("ACCOUNT_PAGE_SIZE", "5")
	t.Setenv("RATE_FETCH_PER_MINUTE", "0")
	t.Setenv("RATE_SEND_PER_MINUTE", "0")
	cfg, err := config.Parse()
	require.NoError(t, err)
	return cfg
}

func TestNewActivatesSimulatedAccount(t *testing.T) {
	a, err := app.New(context.Background(), testConfig(t, config.ModeSimulated), queue.NewInMemoryQueue(nil), nil)
	require.NoError(t, err)
	defer a.Close()

	res := <-mustAccount(t, a).Cache.Build()
	require.NoError(t, res.Err)
	meta := res.Val.(model.CacheMetadata)
	assert.Equal(t, model.CacheStatusComplete, meta.Status)
	assert.Equal(t, 20, meta.TotalStored)
}

func TestNewWithoutAccount(t *testing.T) {
	a, err := app.New(context.Background(), testConfig(t, config.ModeNone), nil, nil)
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Service.CacheStatus()
	assert.ErrorIs(t, err, appErrors.ErrNoSession)
	assert.IsType(t, &queue.InMemoryQueue{}, a.Queue)
}

func mustAccount(t *testing.T, a *app.App) *service.Account {
	t.Helper()
	acct, err := a.Service.Accounts.Active()
	require.NoError(t, err)
	return acct
}
