// internal/model/follower.go
package model

import "time"

// Follower is one cached follower of the active account.
type Follower struct {
	ID            string            `db:"id" json:"id"`
	ScreenName    string            `db:"screen_name" json:"screen_name"`
	DisplayName   string            `db:"display_name" json:"display_name"`
	ProfileFields map[string]string `db:"profile_fields" json:"profile_fields,omitempty"`
	FetchedAt     time.Time         `db:"fetched_at" json:"fetched_at"`
}
