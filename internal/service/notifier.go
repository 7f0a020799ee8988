package service

import "github.com/unclebandit/followreach-backend/internal/model"

// Notifier receives the out-of-band notifications of both engines. It is
// called from the engines' goroutines and must not block for long.
type Notifier interface {
	CampaignStopped(report model.RunState)
	CacheBuildFinished(accountID string, meta model.CacheMetadata, buildErr error)
}

type nopNotifier struct{}

func (nopNotifier) CampaignStopped(model.RunState)                       {}
func (nopNotifier) CacheBuildFinished(string, model.CacheMetadata, error) {}
