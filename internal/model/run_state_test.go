package model_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/unclebandit/followreach-backend/internal/model"
)

func TestRunStateStats(t *testing.T) {
	s := model.RunState{
		TotalTargets: 5,
		Results: []model.TargetResult{
			{Target: "1", Status: model.TargetSent, Attempts: 1},
			{Target: "2", Status: model.TargetFailed, Reason: "unreachable", Attempts: 3},
			{Target: "3", Status: model.TargetSkipped},
		},
	}

	assert.Equal(t, map[string]int{
		"total":   5,
		"pending": 2,
		"sent":    1,
		"failed":  1,
		"skipped": 1,
	}, s.Stats())

	r, ok := s.Result("2")
	assert.True(t, ok)
	assert.Equal(t, 3, r.Attempts)
	_, ok = s.Result("9")
	assert.False(t, ok)
}

func TestRunStateCloneIsDeep(t *testing.T) {
	now := time.Now()
	s := model.RunState{
		Results:    []model.TargetResult{{Target: "1", Status: model.TargetSent}},
		FinishedAt: &now,
	}
	c := s.Clone()
	c.Results[0].Status = model.TargetFailed
	*c.FinishedAt = now.Add(time.Hour)

	assert.Equal(t, model.TargetSent, s.Results[0].Status)
	assert.Equal(t, now, *s.FinishedAt)
}

func TestRunOutcomeTerminal(t *testing.T) {
	assert.False(t, model.RunRunning.Terminal())
	assert.True(t, model.RunCompleted.Terminal())
	assert.True(t, model.RunAborted.Terminal())
	assert.True(t, model.RunFailed.Terminal())
}
