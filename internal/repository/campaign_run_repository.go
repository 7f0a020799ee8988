package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/unclebandit/followreach-backend/internal/db"
	appErrors "github.com/unclebandit/followreach-backend/internal/errors"
	"github.com/unclebandit/followreach-backend/internal/model"
)

type CampaignRunRepositoryInterface interface {
	// Runs
	Create(ctx context.Context, state model.RunState, messageTemplate string) error
	Exists(ctx context.Context, campaignID string) (bool, error)
	GetByID(ctx context.Context, campaignID string) (*model.RunState, error)
	ListRuns(ctx context.Context, offset, limit int, outcome string) ([]*model.RunState, int, error)
	Finish(ctx context.Context, state model.RunState) error

	// Per-target results
	RecordResult(ctx context.Context, campaignID string, position int, result model.TargetResult) error
	GetRunStats(ctx context.Context, campaignID string) (map[string]int, error)
}

// CampaignRunRepository keeps the history of campaign runs and their
// per-target results. It never touches follower data.
type CampaignRunRepository struct {
	DB *db.DB
}

// ====================== Runs ======================

// Create records a new run. Campaign ids are unique: a second run with the
// same id fails with a ConflictError.
func (r *CampaignRunRepository) Create(ctx context.Context, state model.RunState, messageTemplate string) error {
	exists, err := r.Exists(ctx, state.CampaignID)
	if err != nil {
		return err
	}
	if exists {
		return appErrors.NewConflict("campaign_id", fmt.Sprintf("campaign id %q was already run", state.CampaignID))
	}

	if state.StartedAt.IsZero() {
		state.StartedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO campaign_runs (campaign_id, account_id, message_template, total_targets, cursor_index, outcome, error, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.DB.ExecContext(ctx, r.DB.Rebind(query),
		state.CampaignID, state.AccountID, messageTemplate, state.TotalTargets, state.CursorIndex,
		string(state.Outcome), state.Error, formatTime(state.StartedAt),
	)
	return appErrors.NewIO("create campaign run", err)
}

func (r *CampaignRunRepository) Exists(ctx context.Context, campaignID string) (bool, error) {
	var count int
	err := r.DB.QueryRowContext(ctx, r.DB.Rebind(`SELECT COUNT(*) FROM campaign_runs WHERE campaign_id = ?`), campaignID).Scan(&count)
	if err != nil {
		return false, appErrors.NewIO("check campaign run", err)
	}
	return count > 0, nil
}

const runColumns = `campaign_id, account_id, total_targets, cursor_index, outcome, error, started_at, finished_at`

func scanRun(row rowScanner) (*model.RunState, error) {
	var s model.RunState
	var outcome, startedAt string
	var finishedAt sql.NullString
	if err := row.Scan(&s.CampaignID, &s.AccountID, &s.TotalTargets, &s.CursorIndex, &outcome, &s.Error, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	s.Outcome = model.RunOutcome(outcome)
	t, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	s.StartedAt = t
	if finishedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, finishedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing finished_at: %w", err)
		}
		s.FinishedAt = &t
	}
	return &s, nil
}

// GetByID loads a run with all recorded per-target results.
func (r *CampaignRunRepository) GetByID(ctx context.Context, campaignID string) (*model.RunState, error) {
	row := r.DB.QueryRowContext(ctx, r.DB.Rebind(`SELECT `+runColumns+` FROM campaign_runs WHERE campaign_id = ?`), campaignID)
	s, err := scanRun(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewRunNotFound(campaignID)
		}
		return nil, appErrors.NewIO("get campaign run", err)
	}

	rows, err := r.DB.QueryContext(ctx, r.DB.Rebind(`
		SELECT target, status, reason, attempts, updated_at
		FROM campaign_run_targets WHERE campaign_id = ? ORDER BY position ASC`), campaignID)
	if err != nil {
		return nil, appErrors.NewIO("get campaign run targets", err)
	}
	defer rows.Close()

	for rows.Next() {
		var res model.TargetResult
		var status, updatedAt string
		if err := rows.Scan(&res.Target, &status, &res.Reason, &res.Attempts, &updatedAt); err != nil {
			return nil, appErrors.NewIO("scan campaign run target", err)
		}
		res.Status = model.TargetStatus(status)
		if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
			res.UpdatedAt = t
		}
		s.Results = append(s.Results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, appErrors.NewIO("get campaign run targets", err)
	}
	return s, nil
}

// ListRuns returns runs newest first, optionally filtered by outcome, and the
// total number of matching runs. Results are not loaded.
func (r *CampaignRunRepository) ListRuns(ctx context.Context, offset, limit int, outcome string) ([]*model.RunState, int, error) {
	where := ` WHERE 1=1`
	args := []any{}
	if outcome != "" {
		where += ` AND outcome = ?`
		args = append(args, outcome)
	}

	query := `SELECT ` + runColumns + ` FROM campaign_runs` + where + ` ORDER BY started_at DESC, campaign_id ASC LIMIT ? OFFSET ?`
	rows, err := r.DB.QueryContext(ctx, r.DB.Rebind(query), append(append([]any{}, args...), limit, offset)...)
	if err != nil {
		return nil, 0, appErrors.NewIO("list campaign runs", err)
	}
	defer rows.Close()

	runs := []*model.RunState{}
	for rows.Next() {
		s, err := scanRun(rows)
		if err != nil {
			return nil, 0, appErrors.NewIO("scan campaign run", err)
		}
		runs = append(runs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, appErrors.NewIO("list campaign runs", err)
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, r.DB.Rebind(`SELECT COUNT(*) FROM campaign_runs`+where), args...).Scan(&total); err != nil {
		return nil, 0, appErrors.NewIO("count campaign runs", err)
	}
	return runs, total, nil
}

// Finish stores the terminal state of a run, including results that were
// never recorded one by one (skipped targets).
func (r *CampaignRunRepository) Finish(ctx context.Context, state model.RunState) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return appErrors.NewIO("begin finish run", err)
	}
	defer tx.Rollback()

	for i, res := range state.Results {
		if err := r.upsertResult(ctx, tx, state.CampaignID, i, res); err != nil {
			return appErrors.NewIO("save target result", err)
		}
	}

	var finishedAt sql.NullString
	if state.FinishedAt != nil {
		finishedAt = sql.NullString{String: formatTime(*state.FinishedAt), Valid: true}
	}
	query := `UPDATE campaign_runs SET cursor_index = ?, outcome = ?, error = ?, finished_at = ? WHERE campaign_id = ?`
	if _, err := tx.ExecContext(ctx, r.DB.Rebind(query),
		state.CursorIndex, string(state.Outcome), state.Error, finishedAt, state.CampaignID); err != nil {
		return appErrors.NewIO("finish run", err)
	}
	return appErrors.NewIO("commit finish run", tx.Commit())
}

// ====================== Per-target results ======================

// RecordResult stores the result of target number position and advances the
// run's cursor past it.
func (r *CampaignRunRepository) RecordResult(ctx context.Context, campaignID string, position int, result model.TargetResult) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return appErrors.NewIO("begin record result", err)
	}
	defer tx.Rollback()

	if err := r.upsertResult(ctx, tx, campaignID, position, result); err != nil {
		return appErrors.NewIO("save target result", err)
	}
	if _, err := tx.ExecContext(ctx, r.DB.Rebind(`UPDATE campaign_runs SET cursor_index = ? WHERE campaign_id = ?`),
		position+1, campaignID); err != nil {
		return appErrors.NewIO("advance run cursor", err)
	}
	return appErrors.NewIO("commit record result", tx.Commit())
}

func (r *CampaignRunRepository) upsertResult(ctx context.Context, ex execer, campaignID string, position int, res model.TargetResult) error {
	if res.UpdatedAt.IsZero() {
		res.UpdatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO campaign_run_targets (campaign_id, position, target, status, reason, attempts, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (campaign_id, position) DO UPDATE SET
			target = excluded.target,
			status = excluded.status,
			reason = excluded.reason,
			attempts = excluded.attempts,
			updated_at = excluded.updated_at
	`
	_, err := ex.ExecContext(ctx, r.DB.Rebind(query),
		campaignID, position, res.Target, string(res.Status), res.Reason, res.Attempts, formatTime(res.UpdatedAt))
	return err
}

// GetRunStats counts recorded results by status. Targets without a result
// yet are reported as pending.
func (r *CampaignRunRepository) GetRunStats(ctx context.Context, campaignID string) (map[string]int, error) {
	var total int
	err := r.DB.QueryRowContext(ctx, r.DB.Rebind(`SELECT total_targets FROM campaign_runs WHERE campaign_id = ?`), campaignID).Scan(&total)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewRunNotFound(campaignID)
		}
		return nil, appErrors.NewIO("get run stats", err)
	}

	rows, err := r.DB.QueryContext(ctx, r.DB.Rebind(`
		SELECT status, COUNT(*) FROM campaign_run_targets WHERE campaign_id = ? GROUP BY status`), campaignID)
	if err != nil {
		return nil, appErrors.NewIO("get run stats", err)
	}
	defer rows.Close()

	stats := map[string]int{"total": total, "pending": 0, "sent": 0, "failed": 0, "skipped": 0}
	recorded := 0
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, appErrors.NewIO("scan run stats", err)
		}
		stats[status] = count
		recorded += count
	}
	if err := rows.Err(); err != nil {
		return nil, appErrors.NewIO("get run stats", err)
	}
	if pending := total - recorded; pending > 0 {
		stats["pending"] = pending
	}
	return stats, nil
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

var _ CampaignRunRepositoryInterface = (*CampaignRunRepository)(nil)
