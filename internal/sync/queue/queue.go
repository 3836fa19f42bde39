// Package queue provides the durable mutation queue for offline operation.
//
// Every local mutation is appended here in the same SQLite transaction as
// the local-store write it represents, and removed only after the remote
// authority has acknowledged it. Items are drained in enqueue order; failed
// items re-enter drains once their backoff has elapsed, until the retry cap.
package queue

import (
	"database/sql"
	"time"

	"github.com/nduati/dukapos/backend/internal/db"
	apperrors "github.com/nduati/dukapos/backend/internal/errors"
	"github.com/nduati/dukapos/backend/internal/logging"
	"github.com/nduati/dukapos/backend/internal/models"
)

// Options tunes the retry policy.
type Options struct {
	// RetryCap is the number of failed attempts after which an item is no
	// longer drained and is surfaced for operator attention.
	RetryCap int
	// BackoffBase is the delay after the first failure; it doubles per
	// retry up to BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// DefaultOptions returns the default retry policy: 8 attempts, exponential
// backoff starting at 30s, capped at 1h.
func DefaultOptions() Options {
	return Options{
		RetryCap:    8,
		BackoffBase: 30 * time.Second,
		BackoffMax:  time.Hour,
	}
}

// Queue is the durable mutation queue. All state lives in SQLite; the
// struct itself holds only policy, so a process restart loses nothing.
type Queue struct {
	repo *db.Repository
	opts Options

	now func() time.Time // test hook
}

// New creates a Queue over the given repository.
func New(repo *db.Repository, opts Options) *Queue {
	if opts.RetryCap <= 0 {
		opts = DefaultOptions()
	}
	return &Queue{repo: repo, opts: opts, now: time.Now}
}

// RetryCap returns the configured retry cap.
func (q *Queue) RetryCap() int {
	return q.opts.RetryCap
}

// EnqueueTx appends a mutation within the caller's transaction. The caller
// commits the entity write and the queue append together; a failure here is
// fatal to the originating user action and must roll the store write back.
func (q *Queue) EnqueueTx(tx *sql.Tx, entityType models.EntityType, action models.Action, entityID string, payload []byte) (*models.MutationItem, error) {
	if !entityType.Valid() {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown entity type %q", entityType)
	}
	if !action.Valid() {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown action %q", action)
	}
	if entityID == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "entity id is required")
	}

	item := &models.MutationItem{
		EntityType: entityType,
		Action:     action,
		EntityID:   entityID,
		Payload:    payload,
	}
	if err := q.repo.InsertMutationTx(tx, item); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueueAppend, "failed to append mutation", err)
	}

	logging.Debug("mutation enqueued", map[string]interface{}{
		"queue_id":    item.QueueID,
		"entity_type": string(entityType),
		"action":      string(action),
		"entity_id":   entityID,
	})
	return item, nil
}

// Drain returns up to limit items ready for pushing, in enqueue order:
// pending items plus failed items whose backoff has elapsed. Items are not
// removed; removal happens only on confirmed sync. Items enqueued after the
// drain began are picked up by the next cycle.
func (q *Queue) Drain(limit int) ([]*models.MutationItem, error) {
	items, err := q.repo.SelectDrainable(q.now().Unix(), q.opts.RetryCap, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to drain queue", err)
	}
	return items, nil
}

// Recover returns orphaned in-flight items to pending. Must run once at
// startup, before any cycle: a crash between MarkSyncing and the push
// outcome leaves rows in the syncing state that no live cycle owns, and
// those rows are invisible to drains while still vetoing pull merges for
// their entity. Safe because each device is the single writer of its queue.
func (q *Queue) Recover() error {
	n, err := q.repo.RevertInFlightMutations()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to recover in-flight mutations", err)
	}
	if n > 0 {
		logging.Warn("recovered in-flight mutations from interrupted cycle", map[string]interface{}{
			"count": n,
		})
	}
	return nil
}

// MarkSyncing transitions a drained batch to the in-flight state.
func (q *Queue) MarkSyncing(items []*models.MutationItem) error {
	for _, item := range items {
		if err := q.repo.SetMutationStatus(item.QueueID, models.QueueStatusSyncing); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to mark syncing", err)
		}
		item.Status = models.QueueStatusSyncing
	}
	return nil
}

// MarkSynced purges an acknowledged item. This is the only terminal
// transition.
func (q *Queue) MarkSynced(queueID int64) error {
	if err := q.repo.DeleteMutation(queueID); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to purge synced item", err)
	}
	return nil
}

// MarkFailed records a per-item rejection and schedules the next attempt
// with exponential backoff. The schedule is persisted, so it survives
// process restarts.
func (q *Queue) MarkFailed(item *models.MutationItem, message string) error {
	nextRetry := q.now().Add(q.Backoff(item.RetryCount + 1)).Unix()
	if err := q.repo.FailMutation(item.QueueID, message, nextRetry); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to mark item failed", err)
	}
	item.Status = models.QueueStatusFailed
	item.RetryCount++
	item.LastError = message
	item.NextRetryAt = nextRetry

	if item.RetryCount >= q.opts.RetryCap {
		logging.Warn("mutation exhausted retries, needs operator attention", map[string]interface{}{
			"queue_id":  item.QueueID,
			"entity_id": item.EntityID,
			"error":     message,
		})
	}
	return nil
}

// Revert returns an in-flight batch to pending after a transport failure.
// No retry penalty: the items were never examined by the authority.
func (q *Queue) Revert(items []*models.MutationItem) error {
	for _, item := range items {
		if err := q.repo.SetMutationStatus(item.QueueID, models.QueueStatusPending); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to revert item", err)
		}
		item.Status = models.QueueStatusPending
	}
	return nil
}

// PendingCount returns the number of non-terminal items. The orchestrator
// uses it for telemetry and as the is-there-anything-to-push gate.
func (q *Queue) PendingCount() (int, error) {
	n, err := q.repo.CountActiveMutations()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to count pending mutations", err)
	}
	return n, nil
}

// HasPending reports whether any non-terminal item targets entityID. Remote
// data loses to a pending local mutation during pull merges.
func (q *Queue) HasPending(entityID string) (bool, error) {
	has, err := q.repo.HasActiveMutation(entityID)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "failed to check pending mutation", err)
	}
	return has, nil
}

// NeedsAttention returns items that exhausted their retries.
func (q *Queue) NeedsAttention() ([]*models.MutationItem, error) {
	items, err := q.repo.SelectExhausted(q.opts.RetryCap)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list exhausted items", err)
	}
	return items, nil
}

// Stats returns item counts per status.
func (q *Queue) Stats() (map[models.QueueStatus]int, error) {
	stats, err := q.repo.QueueStats()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to collect queue stats", err)
	}
	return stats, nil
}

// Clear discards every queued mutation. Only the force-refresh remediation
// path calls this; it forfeits unsynced work.
func (q *Queue) Clear() error {
	if err := q.repo.ClearQueue(); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to clear queue", err)
	}
	return nil
}

// Backoff returns the delay before attempt n+1 after n failures:
// BackoffBase doubling per failure, capped at BackoffMax.
func (q *Queue) Backoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	d := q.opts.BackoffBase
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= q.opts.BackoffMax {
			return q.opts.BackoffMax
		}
	}
	if d > q.opts.BackoffMax {
		d = q.opts.BackoffMax
	}
	return d
}
