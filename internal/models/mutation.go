// Package models provides data model definitions for the dukapos sync core.
package models

import "encoding/json"

// QueueStatus is the lifecycle state of a queued mutation.
// Synced items are purged from the table, so the status never appears in
// persisted rows; it exists for in-flight bookkeeping and stats.
type QueueStatus string

const (
	QueueStatusPending QueueStatus = "pending"
	QueueStatusSyncing QueueStatus = "syncing"
	QueueStatusSynced  QueueStatus = "synced"
	QueueStatusFailed  QueueStatus = "failed"
)

// MutationItem represents one pending local mutation awaiting remote
// confirmation. QueueID is queue bookkeeping only and is never transmitted
// as entity identity; EntityID is the client-generated identifier shared
// with the remote authority.
type MutationItem struct {
	QueueID     int64           `db:"queue_id" json:"queue_id"`
	EntityType  EntityType      `db:"entity_type" json:"entity_type"`
	Action      Action          `db:"action" json:"action"`
	EntityID    string          `db:"entity_id" json:"entity_id"`
	Payload     json.RawMessage `db:"payload" json:"payload"`
	Status      QueueStatus     `db:"status" json:"status"`
	RetryCount  int             `db:"retry_count" json:"retry_count"`
	NextRetryAt int64           `db:"next_retry_at" json:"next_retry_at"`
	LastError   string          `db:"last_error" json:"last_error,omitempty"`
	CreatedAt   int64           `db:"created_at" json:"created_at"`
	UpdatedAt   int64           `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for MutationItem.
func (MutationItem) TableName() string {
	return "mutation_queue"
}
