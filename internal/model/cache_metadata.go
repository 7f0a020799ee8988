// internal/model/cache_metadata.go
package model

import "time"

type CacheStatus string

const (
	CacheStatusNone     CacheStatus = "none"
	CacheStatusBuilding CacheStatus = "building"
	CacheStatusComplete CacheStatus = "complete"
	CacheStatusError    CacheStatus = "error"
)

// CacheMetadata describes the follower cache of one account. An empty Cursor
// means "no cursor": either nothing was fetched yet or the last pass finished.
type CacheMetadata struct {
	Status            CacheStatus `db:"status" json:"status"`
	CompletionPercent float64     `db:"completion_percent" json:"completion_percent"`
	TotalStored       int         `db:"total_stored" json:"total_stored"`
	Cursor            string      `db:"cursor" json:"cursor,omitempty"`
	EstimatedTotal    int         `db:"estimated_total" json:"estimated_total"`
	LastError         string      `db:"last_error" json:"last_error,omitempty"`
	UpdatedAt         time.Time   `db:"updated_at" json:"updated_at"`
}

// EmptyCacheMetadata is the state of an account that was never built, and the
// state Clear resets to.
func EmptyCacheMetadata() CacheMetadata {
	return CacheMetadata{Status: CacheStatusNone}
}
