package db_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/followreach-backend/internal/db"
)

func TestRebind(t *testing.T) {
	q := "SELECT * FROM followers WHERE account_id = ? AND id = ?"
	assert.Equal(t, q, db.Rebind(db.SQLite, q))
	assert.Equal(t, "SELECT * FROM followers WHERE account_id = $1 AND id = $2", db.Rebind(db.Postgres, q))
}

func TestOpenMemoryAppliesMigrations(t *testing.T) {
	d, err := db.Open(db.Config{DataDir: ":memory:"}, nil)
	require.NoError(t, err)
	defer d.Close()

	versions, err := d.AppliedMigrations()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, versions)
}

func TestOpenIsIdempotentOnDisk(t *testing.T) {
	dir := t.TempDir()

	d, err := db.Open(db.Config{Driver: "sqlite", DataDir: dir}, nil)
	require.NoError(t, err)
	require.NoError(t, d.Close())
	assert.FileExists(t, filepath.Join(dir, db.FileName))

	d, err = db.Open(db.Config{Driver: "sqlite", DataDir: dir}, nil)
	require.NoError(t, err)
	defer d.Close()

	versions, err := d.AppliedMigrations()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, versions)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := db.Open(db.Config{Driver: "oracle"}, nil)
	assert.Error(t, err)

	_, err = db.Open(db.Config{Driver: "postgres"}, nil)
	assert.Error(t, err)
}
