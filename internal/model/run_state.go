// internal/model/run_state.go
package model

import "time"

type TargetStatus string

const (
	TargetSent    TargetStatus = "sent"
	TargetFailed  TargetStatus = "failed"
	TargetSkipped TargetStatus = "skipped"
)

type RunOutcome string

const (
	RunRunning   RunOutcome = "running"
	RunCompleted RunOutcome = "completed"
	RunAborted   RunOutcome = "aborted"
	RunFailed    RunOutcome = "failed"
)

// Terminal reports whether the outcome is final.
func (o RunOutcome) Terminal() bool {
	return o == RunCompleted || o == RunAborted || o == RunFailed
}

// TargetResult is the outcome of delivering a campaign message to one target.
type TargetResult struct {
	Target    string       `db:"target" json:"target"`
	Status    TargetStatus `db:"status" json:"status"` // sent, failed, skipped
	Reason    string       `db:"reason" json:"reason,omitempty"`
	Attempts  int          `db:"attempts" json:"attempts"`
	UpdatedAt time.Time    `db:"updated_at" json:"updated_at"`
}

// RunState tracks a single campaign run. Results are kept in target order;
// CursorIndex is the number of targets already processed.
type RunState struct {
	CampaignID   string         `db:"campaign_id" json:"campaign_id"`
	AccountID    string         `db:"account_id" json:"account_id"`
	CursorIndex  int            `db:"cursor_index" json:"cursor_index"`
	TotalTargets int            `db:"total_targets" json:"total_targets"`
	Results      []TargetResult `json:"results"`
	StartedAt    time.Time      `db:"started_at" json:"started_at"`
	FinishedAt   *time.Time     `db:"finished_at" json:"finished_at,omitempty"`
	Outcome      RunOutcome     `db:"outcome" json:"outcome"`
	Error        string         `db:"error" json:"error,omitempty"`
}

// Result returns the recorded result for target, if any.
func (s RunState) Result(target string) (TargetResult, bool) {
	for _, r := range s.Results {
		if r.Target == target {
			return r, true
		}
	}
	return TargetResult{}, false
}

// Stats counts results by status. Targets not processed yet count as pending.
func (s RunState) Stats() map[string]int {
	stats := map[string]int{
		"total":   s.TotalTargets,
		"pending": 0,
		"sent":    0,
		"failed":  0,
		"skipped": 0,
	}
	for _, r := range s.Results {
		stats[string(r.Status)]++
	}
	pending := s.TotalTargets - len(s.Results)
	if pending > 0 {
		stats["pending"] = pending
	}
	return stats
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s RunState) Clone() RunState {
	out := s
	out.Results = append([]TargetResult(nil), s.Results...)
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		out.FinishedAt = &t
	}
	return out
}
