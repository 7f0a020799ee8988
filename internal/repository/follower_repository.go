package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/unclebandit/followreach-backend/internal/db"
	appErrors "github.com/unclebandit/followreach-backend/internal/errors"
	"github.com/unclebandit/followreach-backend/internal/model"
)

// FollowerRepositoryInterface is the follower store of one account.
type FollowerRepositoryInterface interface {
	// Followers
	Put(ctx context.Context, f model.Follower) error
	Count(ctx context.Context) (int, error)
	Get(ctx context.Context, idOrHandle string) (*model.Follower, error)
	Query(ctx context.Context, query string) ([]model.Follower, error)
	QueryPage(ctx context.Context, query string, offset, limit int) ([]model.Follower, int, error)

	// Cache metadata
	LoadMetadata(ctx context.Context) (model.CacheMetadata, error)
	SaveMetadata(ctx context.Context, meta model.CacheMetadata) error
	CommitPage(ctx context.Context, followers []model.Follower, meta model.CacheMetadata, progress func(*model.CacheMetadata)) (model.CacheMetadata, error)
	Clear(ctx context.Context) error
}

// FollowerRepository stores followers and cache metadata for AccountID.
type FollowerRepository struct {
	DB        *db.DB
	AccountID string
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const followerColumns = `id, screen_name, display_name, profile_fields, fetched_at`

// ====================== Followers ======================

// Put upserts f by id. A zero FetchedAt is stamped with the current time.
func (r *FollowerRepository) Put(ctx context.Context, f model.Follower) error {
	return appErrors.NewIO("upsert follower", r.put(ctx, r.DB, f))
}

func (r *FollowerRepository) put(ctx context.Context, ex execer, f model.Follower) error {
	if f.ID == "" {
		return fmt.Errorf("follower id is empty")
	}
	if f.FetchedAt.IsZero() {
		f.FetchedAt = time.Now().UTC()
	}
	fields := "{}"
	if len(f.ProfileFields) > 0 {
		b, err := json.Marshal(f.ProfileFields)
		if err != nil {
			return fmt.Errorf("encoding profile fields: %w", err)
		}
		fields = string(b)
	}

	query := `
		INSERT INTO followers (account_id, id, screen_name, display_name, profile_fields, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, id) DO UPDATE SET
			screen_name = excluded.screen_name,
			display_name = excluded.display_name,
			profile_fields = excluded.profile_fields,
			fetched_at = excluded.fetched_at
	`
	_, err := ex.ExecContext(ctx, r.DB.Rebind(query),
		r.AccountID, f.ID, f.ScreenName, f.DisplayName, fields, formatTime(f.FetchedAt))
	return err
}

func (r *FollowerRepository) Count(ctx context.Context) (int, error) {
	n, err := r.count(ctx, r.DB)
	return n, appErrors.NewIO("count followers", err)
}

func (r *FollowerRepository) count(ctx context.Context, ex execer) (int, error) {
	var n int
	err := ex.QueryRowContext(ctx, r.DB.Rebind(`SELECT COUNT(*) FROM followers WHERE account_id = ?`), r.AccountID).Scan(&n)
	return n, err
}

// Get looks a follower up by id, or by screen name when idOrHandle starts
// with '@'. It returns nil, nil when nothing matches.
func (r *FollowerRepository) Get(ctx context.Context, idOrHandle string) (*model.Follower, error) {
	query := `SELECT ` + followerColumns + ` FROM followers WHERE account_id = ? AND id = ?`
	key := idOrHandle
	if strings.HasPrefix(idOrHandle, "@") {
		query = `SELECT ` + followerColumns + ` FROM followers
			WHERE account_id = ? AND LOWER(screen_name) = ?
			ORDER BY id ASC LIMIT 1`
		key = strings.ToLower(strings.TrimPrefix(idOrHandle, "@"))
	}

	row := r.DB.QueryRowContext(ctx, r.DB.Rebind(query), r.AccountID, key)
	f, err := scanFollower(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, appErrors.NewIO("get follower", err)
	}
	return f, nil
}

// Query returns every follower whose screen name or display name contains
// query, case-insensitively, ordered by screen name. An empty query matches
// all followers.
func (r *FollowerRepository) Query(ctx context.Context, query string) ([]model.Follower, error) {
	followers, _, err := r.query(ctx, query, 0, -1)
	return followers, err
}

// QueryPage is Query with offset/limit pagination. It also returns the total
// number of matches.
func (r *FollowerRepository) QueryPage(ctx context.Context, query string, offset, limit int) ([]model.Follower, int, error) {
	if offset < 0 {
		offset = 0
	}
	if limit < 1 {
		limit = 1
	}
	return r.query(ctx, query, offset, limit)
}

func (r *FollowerRepository) query(ctx context.Context, query string, offset, limit int) ([]model.Follower, int, error) {
	where := ` WHERE account_id = ?`
	args := []any{r.AccountID}
	if q := strings.TrimSpace(query); q != "" {
		pattern := "%" + escapeLike(strings.ToLower(q)) + "%"
		where += ` AND (LOWER(screen_name) LIKE ? ESCAPE '\' OR LOWER(display_name) LIKE ? ESCAPE '\')`
		args = append(args, pattern, pattern)
	}

	sqlQuery := `SELECT ` + followerColumns + ` FROM followers` + where + ` ORDER BY LOWER(screen_name) ASC, id ASC`
	pageArgs := args
	if limit >= 0 {
		sqlQuery += ` LIMIT ? OFFSET ?`
		pageArgs = append(append([]any{}, args...), limit, offset)
	}

	rows, err := r.DB.QueryContext(ctx, r.DB.Rebind(sqlQuery), pageArgs...)
	if err != nil {
		return nil, 0, appErrors.NewIO("query followers", err)
	}
	defer rows.Close()

	followers := []model.Follower{}
	for rows.Next() {
		f, err := scanFollower(rows)
		if err != nil {
			return nil, 0, appErrors.NewIO("scan follower", err)
		}
		followers = append(followers, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, appErrors.NewIO("query followers", err)
	}

	if limit < 0 {
		return followers, len(followers), nil
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, r.DB.Rebind(`SELECT COUNT(*) FROM followers`+where), args...).Scan(&total); err != nil {
		return nil, 0, appErrors.NewIO("count followers", err)
	}
	return followers, total, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFollower(row rowScanner) (*model.Follower, error) {
	var f model.Follower
	var fields, fetchedAt string
	if err := row.Scan(&f.ID, &f.ScreenName, &f.DisplayName, &fields, &fetchedAt); err != nil {
		return nil, err
	}
	if fields != "" && fields != "{}" {
		if err := json.Unmarshal([]byte(fields), &f.ProfileFields); err != nil {
			return nil, fmt.Errorf("decoding profile fields of %s: %w", f.ID, err)
		}
	}
	t, err := time.Parse(time.RFC3339Nano, fetchedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing fetched_at: %w", err)
	}
	f.FetchedAt = t
	return &f, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// ====================== Cache metadata ======================

// LoadMetadata returns the persisted metadata, or the empty metadata when the
// account was never built.
func (r *FollowerRepository) LoadMetadata(ctx context.Context) (model.CacheMetadata, error) {
	query := `
		SELECT status, completion_percent, total_stored, next_cursor, estimated_total, last_error, updated_at
		FROM follower_cache_meta WHERE account_id = ?
	`
	var meta model.CacheMetadata
	var status, updatedAt string
	var cursor sql.NullString
	err := r.DB.QueryRowContext(ctx, r.DB.Rebind(query), r.AccountID).Scan(
		&status, &meta.CompletionPercent, &meta.TotalStored, &cursor,
		&meta.EstimatedTotal, &meta.LastError, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return model.EmptyCacheMetadata(), nil
	}
	if err != nil {
		return model.CacheMetadata{}, appErrors.NewIO("load cache metadata", err)
	}
	meta.Status = model.CacheStatus(status)
	meta.Cursor = cursor.String
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		meta.UpdatedAt = t
	}
	return meta, nil
}

// SaveMetadata atomically replaces the account's metadata.
func (r *FollowerRepository) SaveMetadata(ctx context.Context, meta model.CacheMetadata) error {
	return appErrors.NewIO("save cache metadata", r.saveMetadata(ctx, r.DB, meta))
}

func (r *FollowerRepository) saveMetadata(ctx context.Context, ex execer, meta model.CacheMetadata) error {
	if meta.UpdatedAt.IsZero() {
		meta.UpdatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO follower_cache_meta
			(account_id, status, completion_percent, total_stored, next_cursor, estimated_total, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id) DO UPDATE SET
			status = excluded.status,
			completion_percent = excluded.completion_percent,
			total_stored = excluded.total_stored,
			next_cursor = excluded.next_cursor,
			estimated_total = excluded.estimated_total,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`
	cursor := sql.NullString{String: meta.Cursor, Valid: meta.Cursor != ""}
	_, err := ex.ExecContext(ctx, r.DB.Rebind(query),
		r.AccountID, string(meta.Status), meta.CompletionPercent, meta.TotalStored, cursor,
		meta.EstimatedTotal, meta.LastError, formatTime(meta.UpdatedAt),
	)
	return err
}

// CommitPage upserts one fetched page and saves meta in a single transaction.
// meta.TotalStored is overwritten with the live record count, then progress
// (if non-nil) may adjust meta before it is saved. The saved metadata is
// returned.
func (r *FollowerRepository) CommitPage(ctx context.Context, followers []model.Follower, meta model.CacheMetadata, progress func(*model.CacheMetadata)) (model.CacheMetadata, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return model.CacheMetadata{}, appErrors.NewIO("begin page commit", err)
	}
	defer tx.Rollback()

	for _, f := range followers {
		if err := r.put(ctx, tx, f); err != nil {
			return model.CacheMetadata{}, appErrors.NewIO("upsert follower", err)
		}
	}

	total, err := r.count(ctx, tx)
	if err != nil {
		return model.CacheMetadata{}, appErrors.NewIO("count followers", err)
	}
	meta.TotalStored = total
	meta.UpdatedAt = time.Now().UTC()
	if progress != nil {
		progress(&meta)
	}

	if err := r.saveMetadata(ctx, tx, meta); err != nil {
		return model.CacheMetadata{}, appErrors.NewIO("save cache metadata", err)
	}
	if err := tx.Commit(); err != nil {
		return model.CacheMetadata{}, appErrors.NewIO("commit page", err)
	}
	return meta, nil
}

// Clear deletes every follower of the account and resets its metadata.
func (r *FollowerRepository) Clear(ctx context.Context) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return appErrors.NewIO("begin clear", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, r.DB.Rebind(`DELETE FROM followers WHERE account_id = ?`), r.AccountID); err != nil {
		return appErrors.NewIO("delete followers", err)
	}
	if err := r.saveMetadata(ctx, tx, model.EmptyCacheMetadata()); err != nil {
		return appErrors.NewIO("reset cache metadata", err)
	}
	return appErrors.NewIO("commit clear", tx.Commit())
}

var _ FollowerRepositoryInterface = (*FollowerRepository)(nil)
