// Package db provides row-level operations for the sync core tables.
package db

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/nduati/dukapos/backend/internal/models"
)

// Repository provides row operations for entities, the mutation queue and
// sync state. Statements are prepared on first use and cached for reuse.
type Repository struct {
	db *sql.DB

	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from the cache.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// Begin starts a transaction. Tracked store writes use this to couple the
// entity write and the queue append into one durability scope.
func (r *Repository) Begin() (*sql.Tx, error) {
	return r.db.Begin()
}

// =====================================================
// Entity Operations
// =====================================================

// UpsertEntityTx writes an entity snapshot within an existing transaction.
func (r *Repository) UpsertEntityTx(tx *sql.Tx, rec *models.EntityRecord) error {
	query := `
	INSERT INTO entities (entity_type, entity_id, payload, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (entity_type, entity_id) DO UPDATE SET
		payload = excluded.payload,
		updated_at = excluded.updated_at
	`
	_, err := tx.Exec(query, rec.Type, rec.EntityID, string(rec.Payload), rec.UpdatedAt)
	return err
}

// UpsertEntity writes an entity snapshot outside a transaction. Used by the
// pull engine, which never touches the queue.
func (r *Repository) UpsertEntity(rec *models.EntityRecord) error {
	query := `
	INSERT INTO entities (entity_type, entity_id, payload, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (entity_type, entity_id) DO UPDATE SET
		payload = excluded.payload,
		updated_at = excluded.updated_at
	`
	_, err := r.db.Exec(query, rec.Type, rec.EntityID, string(rec.Payload), rec.UpdatedAt)
	return err
}

// DeleteEntityTx removes an entity within an existing transaction.
func (r *Repository) DeleteEntityTx(tx *sql.Tx, t models.EntityType, id string) error {
	_, err := tx.Exec("DELETE FROM entities WHERE entity_type = ? AND entity_id = ?", t, id)
	return err
}

// DeleteEntity removes an entity outside a transaction.
func (r *Repository) DeleteEntity(t models.EntityType, id string) error {
	_, err := r.db.Exec("DELETE FROM entities WHERE entity_type = ? AND entity_id = ?", t, id)
	return err
}

// GetEntity retrieves one entity snapshot. Returns sql.ErrNoRows when the
// entity does not exist locally.
func (r *Repository) GetEntity(t models.EntityType, id string) (*models.EntityRecord, error) {
	query := "SELECT entity_type, entity_id, payload, updated_at FROM entities WHERE entity_type = ? AND entity_id = ?"
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	var rec models.EntityRecord
	var payload string
	err = stmt.QueryRow(t, id).Scan(&rec.Type, &rec.EntityID, &payload, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Payload = []byte(payload)
	return &rec, nil
}

// ListEntities returns all local entities of one type ordered by id.
func (r *Repository) ListEntities(t models.EntityType) ([]*models.EntityRecord, error) {
	rows, err := r.db.Query(
		"SELECT entity_type, entity_id, payload, updated_at FROM entities WHERE entity_type = ? ORDER BY entity_id", t)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.EntityRecord
	for rows.Next() {
		var rec models.EntityRecord
		var payload string
		if err := rows.Scan(&rec.Type, &rec.EntityID, &payload, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Payload = []byte(payload)
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// CountEntities returns the number of local entities of one type.
func (r *Repository) CountEntities(t models.EntityType) (int, error) {
	var n int
	err := r.db.QueryRow("SELECT COUNT(*) FROM entities WHERE entity_type = ?", t).Scan(&n)
	return n, err
}

// ClearEntities discards the entire local mirror. Only the force-refresh
// remediation path calls this.
func (r *Repository) ClearEntities() error {
	_, err := r.db.Exec("DELETE FROM entities")
	return err
}

// =====================================================
// Mutation Queue Operations
// =====================================================

const mutationColumns = "queue_id, entity_type, action, entity_id, payload, status, retry_count, next_retry_at, last_error, created_at, updated_at"

func scanMutation(scanner interface{ Scan(...interface{}) error }) (*models.MutationItem, error) {
	var item models.MutationItem
	var payload string
	err := scanner.Scan(
		&item.QueueID, &item.EntityType, &item.Action, &item.EntityID, &payload,
		&item.Status, &item.RetryCount, &item.NextRetryAt, &item.LastError,
		&item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	item.Payload = []byte(payload)
	return &item, nil
}

// InsertMutationTx appends a mutation within an existing transaction and
// assigns its queue id. The caller couples this with the entity write so a
// crash cannot produce one without the other.
func (r *Repository) InsertMutationTx(tx *sql.Tx, item *models.MutationItem) error {
	now := time.Now().Unix()
	item.Status = models.QueueStatusPending
	item.CreatedAt = now
	item.UpdatedAt = now

	query := `
	INSERT INTO mutation_queue (entity_type, action, entity_id, payload, status, retry_count, next_retry_at, last_error, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, 0, 0, '', ?, ?)
	`
	res, err := tx.Exec(query, item.EntityType, item.Action, item.EntityID, string(item.Payload), item.Status, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return err
	}
	item.QueueID, err = res.LastInsertId()
	return err
}

// SelectDrainable returns pending items plus failed items whose backoff has
// elapsed and whose retry count is under the cap, in enqueue order.
func (r *Repository) SelectDrainable(now int64, retryCap, limit int) ([]*models.MutationItem, error) {
	query := `
	SELECT ` + mutationColumns + ` FROM mutation_queue
	WHERE status = 'pending'
	   OR (status = 'failed' AND retry_count < ? AND next_retry_at <= ?)
	ORDER BY queue_id
	LIMIT ?
	`
	rows, err := r.db.Query(query, retryCap, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*models.MutationItem
	for rows.Next() {
		item, err := scanMutation(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// SetMutationStatus transitions one item's status.
func (r *Repository) SetMutationStatus(queueID int64, status models.QueueStatus) error {
	stmt, err := r.PrepareStmt("UPDATE mutation_queue SET status = ?, updated_at = ? WHERE queue_id = ?")
	if err != nil {
		return err
	}
	_, err = stmt.Exec(status, time.Now().Unix(), queueID)
	return err
}

// RevertInFlightMutations returns every syncing row to pending and reports
// how many were affected. Syncing rows with no live push cycle are orphans
// left by a crash; only startup may assume that.
func (r *Repository) RevertInFlightMutations() (int64, error) {
	res, err := r.db.Exec(
		"UPDATE mutation_queue SET status = ?, updated_at = ? WHERE status = ?",
		models.QueueStatusPending, time.Now().Unix(), models.QueueStatusSyncing,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteMutation purges an acknowledged item.
func (r *Repository) DeleteMutation(queueID int64) error {
	stmt, err := r.PrepareStmt("DELETE FROM mutation_queue WHERE queue_id = ?")
	if err != nil {
		return err
	}
	_, err = stmt.Exec(queueID)
	return err
}

// FailMutation records a rejection: increments the retry count, stores the
// error, and schedules the next attempt.
func (r *Repository) FailMutation(queueID int64, lastError string, nextRetryAt int64) error {
	stmt, err := r.PrepareStmt(`
	UPDATE mutation_queue
	SET status = 'failed', retry_count = retry_count + 1, last_error = ?, next_retry_at = ?, updated_at = ?
	WHERE queue_id = ?`)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(lastError, nextRetryAt, time.Now().Unix(), queueID)
	return err
}

// CountActiveMutations returns the number of non-terminal queue items.
// Synced items are purged, so every row counts.
func (r *Repository) CountActiveMutations() (int, error) {
	var n int
	err := r.db.QueryRow("SELECT COUNT(*) FROM mutation_queue").Scan(&n)
	return n, err
}

// HasActiveMutation reports whether any non-terminal item targets entityID.
// The pull engine uses this for conflict precedence.
func (r *Repository) HasActiveMutation(entityID string) (bool, error) {
	stmt, err := r.PrepareStmt("SELECT EXISTS(SELECT 1 FROM mutation_queue WHERE entity_id = ?)")
	if err != nil {
		return false, err
	}
	var exists bool
	err = stmt.QueryRow(entityID).Scan(&exists)
	return exists, err
}

// SelectExhausted returns failed items at or over the retry cap. These are
// excluded from drains and need operator attention.
func (r *Repository) SelectExhausted(retryCap int) ([]*models.MutationItem, error) {
	query := `
	SELECT ` + mutationColumns + ` FROM mutation_queue
	WHERE status = 'failed' AND retry_count >= ?
	ORDER BY queue_id
	`
	rows, err := r.db.Query(query, retryCap)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*models.MutationItem
	for rows.Next() {
		item, err := scanMutation(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// QueueStats returns item counts per status.
func (r *Repository) QueueStats() (map[models.QueueStatus]int, error) {
	rows, err := r.db.Query("SELECT status, COUNT(*) FROM mutation_queue GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[models.QueueStatus]int)
	for rows.Next() {
		var status models.QueueStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats[status] = n
	}
	return stats, rows.Err()
}

// ClearQueue discards all queued mutations. Only the force-refresh
// remediation path calls this; it forfeits unsynced work.
func (r *Repository) ClearQueue() error {
	_, err := r.db.Exec("DELETE FROM mutation_queue")
	return err
}

// =====================================================
// Sync State Operations
// =====================================================

// GetSyncState returns the single sync bookkeeping row.
func (r *Repository) GetSyncState() (*models.SyncState, error) {
	query := "SELECT id, cursor, initial_sync_done, last_push_at, last_pull_at, last_error, updated_at FROM sync_state WHERE id = 1"
	var st models.SyncState
	err := r.db.QueryRow(query).Scan(
		&st.ID, &st.Cursor, &st.InitialSyncDone, &st.LastPushAt, &st.LastPullAt, &st.LastError, &st.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// SaveSyncState persists the sync bookkeeping row.
func (r *Repository) SaveSyncState(st *models.SyncState) error {
	st.UpdatedAt = time.Now().Unix()
	query := `
	UPDATE sync_state
	SET cursor = ?, initial_sync_done = ?, last_push_at = ?, last_pull_at = ?, last_error = ?, updated_at = ?
	WHERE id = 1
	`
	_, err := r.db.Exec(query, st.Cursor, st.InitialSyncDone, st.LastPushAt, st.LastPullAt, st.LastError, st.UpdatedAt)
	return err
}
