package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/followreach-backend/internal/app"
	"github.com/unclebandit/followreach-backend/internal/config"
	"github.com/unclebandit/followreach-backend/internal/model"
	"github.com/unclebandit/followreach-backend/internal/queue"
)

func newSeederApp(t *testing.T) *app.App {
	t.Helper()
	t.Setenv("DB_DATA_DIR", ":memory:")
	t.Setenv("ACCOUNT_SIMULATED_FOLLOWERS", "45")
	t.Setenv("ACCOUNT_PAGE_SIZE", "10")
	t.Setenv("RATE_FETCH_PER_MINUTE", "0")
	cfg, err := config.Parse()
	require.NoError(t, err)

	a, err := app.New(context.Background(), cfg, queue.NewInMemoryQueue(nil), nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestSeed(t *testing.T) {
	a := newSeederApp(t)

	meta, err := seed(context.Background(), a, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, model.CacheStatusComplete, meta.Status)
	assert.Equal(t, 45, meta.TotalStored)
	assert.Equal(t, 100.0, meta.CompletionPercent)
}

func TestSeedCancelled(t *testing.T) {
	a := newSeederApp(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := seed(ctx, a, time.Hour)
	// The pass may win the race against the cancelled context.
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}
}
