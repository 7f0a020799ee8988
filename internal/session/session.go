// Package session holds the account session contract the follower cache and
// the campaign runner consume, plus the implementations shipped with the
// server.
package session

import (
	"context"

	"github.com/unclebandit/followreach-backend/internal/model"
)

// FollowersPage is one page of the account's follower list.
type FollowersPage struct {
	Records []model.Follower
	// NextCursor is empty when there are no further pages.
	NextCursor string
	// EstimatedTotal is the follower count reported by the remote API.
	EstimatedTotal int
}

// Session is an authenticated account on the remote service.
//
// Errors wrap appErrors.ErrRateLimited, ErrAuth, ErrTransport and, for
// SendMessage, ErrTargetUnreachable. Implementations may block a call for as
// long as their rate limits require; callers treat that as latency.
type Session interface {
	AccountID() string
	FetchFollowersPage(ctx context.Context, cursor string) (*FollowersPage, error)
	SendMessage(ctx context.Context, targetID, text string) error
}

// Sender is the part of a Session the campaign runner uses.
type Sender interface {
	SendMessage(ctx context.Context, targetID, text string) error
}
