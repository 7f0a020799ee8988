package service

import (
	"context"
	"time"
)

// SetPacing replaces the runner's sleep and jitter functions.
func (r *CampaignRunner) SetPacing(sleep func(ctx context.Context, d time.Duration) error, jitter func(time.Duration) time.Duration) {
	r.sleep = sleep
	r.jitter = jitter
}

var Progress = progress
