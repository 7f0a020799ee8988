package service

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/followreach-backend/internal/errors"
	"github.com/unclebandit/followreach-backend/internal/model"
	"github.com/unclebandit/followreach-backend/internal/repository"
)

// CampaignService is what the controllers and the queue worker talk to. It
// binds the engines to the active account.
type CampaignService struct {
	Accounts *AccountRegistry
	Runner   *CampaignRunner
	RunRepo  repository.CampaignRunRepositoryInterface
	Limits   model.Limits
	Logger   *zap.Logger
}

type CampaignRunDetails struct {
	CampaignID  string               `json:"campaign_id"`
	AccountID   string               `json:"account_id"`
	Outcome     model.RunOutcome     `json:"outcome"`
	Error       string               `json:"error,omitempty"`
	CursorIndex int                  `json:"cursor_index"`
	StartedAt   time.Time            `json:"started_at"`
	FinishedAt  *time.Time           `json:"finished_at,omitempty"`
	Results     []model.TargetResult `json:"results"`
	Stats       map[string]int       `json:"stats"`
}

func (s *CampaignService) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *CampaignService) limits() model.Limits {
	if s.Limits.MaxMessageLength <= 0 {
		return model.DefaultLimits
	}
	return s.Limits
}

// ====================== Follower cache ======================

// CacheStatus returns the active account's cache metadata.
func (s *CampaignService) CacheStatus() (model.CacheMetadata, error) {
	acct, err := s.Accounts.Active()
	if err != nil {
		return model.CacheMetadata{}, err
	}
	return acct.Cache.GetStatus(), nil
}

// BuildCache starts (or joins) a build pass and returns without waiting for
// it. The pass logs and publishes its own result.
func (s *CampaignService) BuildCache(rebuild bool) error {
	acct, err := s.Accounts.Active()
	if err != nil {
		return err
	}
	if rebuild {
		acct.Cache.Rebuild()
	} else {
		acct.Cache.Build()
	}
	s.logger().Info("follower cache build requested",
		zap.String("account_id", acct.Session.AccountID()),
		zap.Bool("rebuild", rebuild))
	return nil
}

// QueryFollowers returns one page of cached followers matching query.
func (s *CampaignService) QueryFollowers(ctx context.Context, query string, page, pageSize int) ([]model.Follower, map[string]int, error) {
	acct, err := s.Accounts.Active()
	if err != nil {
		return nil, nil, err
	}
	page, pageSize = normalizePage(page, pageSize, 50, 500)

	followers, total, err := acct.Cache.QueryPage(ctx, query, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, nil, err
	}
	return followers, pagination(page, pageSize, total), nil
}

// ====================== Campaigns ======================

// RunCampaign validates an untrusted campaign spec and starts it.
func (s *CampaignService) RunCampaign(ctx context.Context, raw []byte) (*RunHandle, error) {
	if _, err := s.Accounts.Active(); err != nil {
		return nil, err
	}
	c, err := model.CampaignFromJSON(raw, s.limits())
	if err != nil {
		return nil, err
	}
	return s.StartCampaign(ctx, c)
}

// StartCampaign runs an already validated campaign on the active account.
func (s *CampaignService) StartCampaign(ctx context.Context, c *model.Campaign) (*RunHandle, error) {
	acct, err := s.Accounts.Active()
	if err != nil {
		return nil, err
	}
	return s.Runner.Run(ctx, RunRequest{
		Campaign:  c,
		Sender:    acct.Session,
		Directory: acct.Followers,
		AccountID: acct.Session.AccountID(),
	})
}

// StopCampaign asks the running campaign to stop and returns its id.
func (s *CampaignService) StopCampaign() (string, error) {
	id, ok := s.Runner.Stop()
	if !ok {
		return "", appErrors.ErrNoActiveCampaign
	}
	s.logger().Info("campaign stop requested", zap.String("campaign_id", id))
	return id, nil
}

func (s *CampaignService) ActiveCampaign() (model.RunState, bool) {
	return s.Runner.Active()
}

// ListCampaignRuns fetches run history with pagination
func (s *CampaignService) ListCampaignRuns(ctx context.Context, page, pageSize int, outcome string) ([]model.RunState, map[string]int, error) {
	page, pageSize = normalizePage(page, pageSize, 20, 100)
	offset := (page - 1) * pageSize

	ptrs, total, err := s.RunRepo.ListRuns(ctx, offset, pageSize, outcome)
	if err != nil {
		return nil, nil, err
	}

	runs := make([]model.RunState, len(ptrs))
	for i, r := range ptrs {
		runs[i] = *r
	}
	return runs, pagination(page, pageSize, total), nil
}

func (s *CampaignService) GetCampaignRunDetails(ctx context.Context, campaignID string) (*CampaignRunDetails, error) {
	run, err := s.RunRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	stats, err := s.RunRepo.GetRunStats(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	results := run.Results
	if results == nil {
		results = []model.TargetResult{}
	}
	return &CampaignRunDetails{
		CampaignID:  run.CampaignID,
		AccountID:   run.AccountID,
		Outcome:     run.Outcome,
		Error:       run.Error,
		CursorIndex: run.CursorIndex,
		StartedAt:   run.StartedAt,
		FinishedAt:  run.FinishedAt,
		Results:     results,
		Stats:       stats,
	}, nil
}

// RenderPreview renders template for target the way a run would. Without an
// active account placeholders fall back to the target itself.
func (s *CampaignService) RenderPreview(ctx context.Context, template, target string) (string, error) {
	if strings.TrimSpace(template) == "" {
		return "", appErrors.NewValidation("message_template", "must not be empty")
	}
	target = strings.TrimSpace(target)
	if target == "" {
		return "", appErrors.NewValidation("target", "must not be empty")
	}

	var dir Directory
	if acct, err := s.Accounts.Active(); err == nil {
		dir = acct.Followers
	}
	_, message, err := resolveTarget(ctx, dir, target, template)
	if err != nil {
		return "", err
	}
	if n := utf8.RuneCountInString(message); n > s.limits().MaxMessageLength {
		return "", appErrors.NewValidation("message_template", "rendered message exceeds the length limit")
	}
	return message, nil
}

func normalizePage(page, pageSize, def, max int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = def
	}
	if pageSize > max {
		pageSize = max
	}
	return page, pageSize
}

func pagination(page, pageSize, total int) map[string]int {
	return map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": (total + pageSize - 1) / pageSize,
	}
}
