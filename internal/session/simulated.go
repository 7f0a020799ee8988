package session

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	appErrors "github.com/unclebandit/followreach-backend/internal/errors"
	"github.com/unclebandit/followreach-backend/internal/model"
)

// SimulatedConfig describes a synthetic account.
type SimulatedConfig struct {
	AccountID       string
	ScreenName      string
	Followers       int
	PageSize        int
	SendFailureRate float64
	Latency         time.Duration
	Seed            int64
}

// SentMessage is a message accepted by a Simulated session.
type SentMessage struct {
	TargetID string
	Text     string
	SentAt   time.Time
}

var simulatedNames = []string{
	"anna", "bob", "carla", "dmitri", "eve", "farah", "gus", "hana",
	"ivan", "jules", "kemi", "liam", "mona", "nils", "olga", "pablo",
}

// Simulated is a deterministic in-process account used for local runs and
// demos. Follower ids are "1".."N"; sending to any other id fails with
// ErrTargetUnreachable.
type Simulated struct {
	cfg SimulatedConfig

	mu   sync.Mutex
	rng  *rand.Rand
	sent []SentMessage
}

func NewSimulated(cfg SimulatedConfig) *Simulated {
	if cfg.PageSize < 1 {
		cfg.PageSize = 200
	}
	if cfg.AccountID == "" {
		cfg.AccountID = "simulated"
	}
	return &Simulated{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}
}

func (s *Simulated) AccountID() string { return s.cfg.AccountID }

// Follower returns the synthetic follower at 1-based position n.
func (s *Simulated) Follower(n int) model.Follower {
	name := simulatedNames[(n-1)%len(simulatedNames)]
	return model.Follower{
		ID:          strconv.Itoa(n),
		ScreenName:  fmt.Sprintf("%s%d", name, n),
		DisplayName: fmt.Sprintf("%s %d", capitalize(name), n),
		ProfileFields: map[string]string{
			"followed_by": s.cfg.ScreenName,
		},
	}
}

func (s *Simulated) FetchFollowersPage(ctx context.Context, cursor string) (*FollowersPage, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}

	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: bad cursor %q", appErrors.ErrTransport, cursor)
		}
		offset = n
	}

	end := offset + s.cfg.PageSize
	if end > s.cfg.Followers {
		end = s.cfg.Followers
	}
	page := &FollowersPage{EstimatedTotal: s.cfg.Followers}
	now := time.Now().UTC()
	for n := offset + 1; n <= end; n++ {
		f := s.Follower(n)
		f.FetchedAt = now
		page.Records = append(page.Records, f)
	}
	if end < s.cfg.Followers {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

func (s *Simulated) SendMessage(ctx context.Context, targetID, text string) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	n, err := strconv.Atoi(targetID)
	if err != nil || n < 1 || n > s.cfg.Followers {
		return fmt.Errorf("%w: %s does not follow %s", appErrors.ErrTargetUnreachable, targetID, s.cfg.AccountID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.SendFailureRate > 0 && s.rng.Float64() < s.cfg.SendFailureRate {
		return fmt.Errorf("%w: simulated send failure", appErrors.ErrTransport)
	}
	s.sent = append(s.sent, SentMessage{TargetID: targetID, Text: text, SentAt: time.Now().UTC()})
	return nil
}

// Sent returns the messages accepted so far.
func (s *Simulated) Sent() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentMessage(nil), s.sent...)
}

func (s *Simulated) wait(ctx context.Context) error {
	if s.cfg.Latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(s.cfg.Latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}

var _ Session = (*Simulated)(nil)
