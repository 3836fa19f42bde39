// Package sync implements the offline synchronization engine: push, pull,
// reconciliation audit, and the orchestrator that sequences them.
package sync

import (
	"encoding/json"
	"time"

	"github.com/nduati/dukapos/backend/internal/models"
)

// Status is the orchestrator's externally visible state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
)

// PushItem is one mutation inside a push batch. Items for the same entity
// appear in enqueue order; the authority applies each batch in array order.
type PushItem struct {
	Action   models.Action   `json:"action"`
	EntityID string          `json:"entity_id"`
	Payload  json.RawMessage `json:"payload"`
}

// PushRequest carries every drained mutation, batched by entity type.
type PushRequest struct {
	DeviceID string                           `json:"device_id"`
	Batches  map[models.EntityType][]PushItem `json:"batches"`
}

// PushItemError is a per-item rejection from the authority.
type PushItemError struct {
	EntityID string `json:"entity_id"`
	Message  string `json:"message"`
}

// PushResponse reports, per entity type, the identifiers the authority
// accepted and any per-item rejections. Partial success is normal.
type PushResponse struct {
	Applied map[models.EntityType][]string        `json:"applied"`
	Errors  map[models.EntityType][]PushItemError `json:"errors,omitempty"`
}

// PullChange is one remote entity with authority-side updatedAt after the
// requested cursor. Deleted entities arrive as tombstones.
type PullChange struct {
	EntityID  string          `json:"entity_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Deleted   bool            `json:"deleted,omitempty"`
	UpdatedAt int64           `json:"updated_at"`
}

// PullResponse carries the remote delta plus the authority's current server
// time, which becomes the new cursor after a successful merge.
type PullResponse struct {
	ServerTime string                             `json:"server_time"`
	Changes    map[models.EntityType][]PullChange `json:"changes"`
}

// AuditRequest carries locally-trusted aggregates for server-side
// recomputation.
type AuditRequest struct {
	DeviceID   string                                        `json:"device_id"`
	Aggregates map[models.EntityType][]models.AuditAggregate `json:"aggregates"`
}

// AuditResponse mirrors models.AuditReport on the wire.
type AuditResponse struct {
	Status          string                                       `json:"status"`
	TotalMismatches int                                          `json:"total_mismatches"`
	Results         map[models.EntityType]models.AuditTypeResult `json:"results"`
}

// PushStats summarizes one push run.
type PushStats struct {
	Drained int `json:"drained"`
	Applied int `json:"applied"`
	Failed  int `json:"failed"`
}

// PullStats summarizes one pull run.
type PullStats struct {
	Received int    `json:"received"`
	Applied  int    `json:"applied"`
	Deleted  int    `json:"deleted"`
	Skipped  int    `json:"skipped"` // pending local mutation took precedence
	Cursor   string `json:"cursor"`
}

// CycleResult summarizes one full push-then-pull cycle.
type CycleResult struct {
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Push      *PushStats    `json:"push,omitempty"`
	Pull      *PullStats    `json:"pull,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Snapshot is the orchestrator's externally visible state at a point in
// time, served to the UI shell.
type Snapshot struct {
	State           Status    `json:"state"`
	Online          bool      `json:"online"`
	PendingCount    int       `json:"pending_count"`
	InitialSyncDone bool      `json:"initial_sync_done"`
	LastPushAt      time.Time `json:"last_push_at"`
	LastPullAt      time.Time `json:"last_pull_at"`
	LastError       string    `json:"last_error,omitempty"`
}
