// Package models provides data model definitions for the dukapos sync core.
package models

import "time"

// SyncState is the single persisted row of per-device sync bookkeeping.
// Cursor is the remote authority's server time from the last successful
// pull, stored as an opaque string; only a successful pull mutates it.
type SyncState struct {
	ID              int64  `db:"id" json:"id"`
	Cursor          string `db:"cursor" json:"cursor"`
	InitialSyncDone bool   `db:"initial_sync_done" json:"initial_sync_done"`
	LastPushAt      int64  `db:"last_push_at" json:"last_push_at"`
	LastPullAt      int64  `db:"last_pull_at" json:"last_pull_at"`
	LastError       string `db:"last_error" json:"last_error,omitempty"`
	UpdatedAt       int64  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for SyncState.
func (SyncState) TableName() string {
	return "sync_state"
}

// LastPushTime returns LastPushAt as time.Time, or the zero time when no
// push has succeeded yet.
func (s *SyncState) LastPushTime() time.Time {
	if s.LastPushAt == 0 {
		return time.Time{}
	}
	return time.Unix(s.LastPushAt, 0)
}

// LastPullTime returns LastPullAt as time.Time, or the zero time when no
// pull has succeeded yet.
func (s *SyncState) LastPullTime() time.Time {
	if s.LastPullAt == 0 {
		return time.Time{}
	}
	return time.Unix(s.LastPullAt, 0)
}
