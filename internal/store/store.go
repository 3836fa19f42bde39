// Package store provides the device-local entity store.
//
// The store keeps one JSON snapshot per entity, keyed by entity type and the
// client-generated identifier. Tracked writes (Save, Delete, RotateSecret)
// couple the entity write with a mutation-queue append in a single SQLite
// transaction: a crash cannot produce a local change without its queue entry
// or vice versa, and a queue append failure rolls the user action back.
// Untracked writes (Apply, Discard) mirror remote authoritative data during
// pull merges and never touch the queue.
package store

import (
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/nduati/dukapos/backend/internal/db"
	apperrors "github.com/nduati/dukapos/backend/internal/errors"
	"github.com/nduati/dukapos/backend/internal/ident"
	"github.com/nduati/dukapos/backend/internal/models"
	"github.com/nduati/dukapos/backend/internal/sync/queue"
)

// Store is the local entity store.
type Store struct {
	repo  *db.Repository
	queue *queue.Queue
}

// New creates a Store over the given repository and mutation queue.
func New(repo *db.Repository, q *queue.Queue) *Store {
	return &Store{repo: repo, queue: q}
}

// Get returns the local snapshot of one entity.
func (s *Store) Get(t models.EntityType, id string) (json.RawMessage, error) {
	rec, err := s.repo.GetEntity(t, id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "%s %s not found", t, id)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read entity", err)
	}
	return rec.Payload, nil
}

// QueryAll returns every local entity of one type.
func (s *Store) QueryAll(t models.EntityType) ([]*models.EntityRecord, error) {
	records, err := s.repo.ListEntities(t)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list entities", err)
	}
	return records, nil
}

// Save writes an entity snapshot and queues the corresponding mutation in
// one transaction. The action is create when the entity does not exist
// locally yet, update otherwise.
func (s *Store) Save(t models.EntityType, id string, payload json.RawMessage) (*models.MutationItem, error) {
	if err := ident.Validate(id); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "rejected tracked write", err)
	}
	action := models.ActionCreate
	if _, err := s.repo.GetEntity(t, id); err == nil {
		action = models.ActionUpdate
	} else if !stderrors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read entity", err)
	}
	return s.tracked(t, action, id, payload)
}

// Delete removes an entity and queues the delete in one transaction.
func (s *Store) Delete(t models.EntityType, id string) (*models.MutationItem, error) {
	if err := ident.Validate(id); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "rejected tracked delete", err)
	}
	tx, err := s.repo.Begin()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := s.repo.DeleteEntityTx(tx, t, id); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to delete entity", err)
	}
	item, err := s.queue.EnqueueTx(tx, t, models.ActionDelete, id, json.RawMessage(`{}`))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueueAppend, "failed to commit tracked delete", err)
	}
	return item, nil
}

// RotateSecret updates a user's credential material and queues the narrow
// update_secret action. The payload carries only the new secret fields.
func (s *Store) RotateSecret(id string, payload json.RawMessage) (*models.MutationItem, error) {
	if err := ident.Validate(id); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "rejected credential rotation", err)
	}
	return s.tracked(models.EntityUser, models.ActionUpdateSecret, id, payload)
}

func (s *Store) tracked(t models.EntityType, action models.Action, id string, payload json.RawMessage) (*models.MutationItem, error) {
	tx, err := s.repo.Begin()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	rec := &models.EntityRecord{
		Type:      t,
		EntityID:  id,
		Payload:   payload,
		UpdatedAt: time.Now().Unix(),
	}
	if err := s.repo.UpsertEntityTx(tx, rec); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to write entity", err)
	}
	item, err := s.queue.EnqueueTx(tx, t, action, id, payload)
	if err != nil {
		// Rolls back the entity write: a dropped mutation would cause
		// permanent local/remote divergence.
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueueAppend, "failed to commit tracked write", err)
	}
	return item, nil
}

// Apply mirrors a remote authoritative snapshot. No queue entry: the sync
// engine never originates entity data.
func (s *Store) Apply(t models.EntityType, id string, payload json.RawMessage, updatedAt int64) error {
	rec := &models.EntityRecord{
		Type:      t,
		EntityID:  id,
		Payload:   payload,
		UpdatedAt: updatedAt,
	}
	if err := s.repo.UpsertEntity(rec); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to apply remote entity", err)
	}
	return nil
}

// Discard removes an entity deleted at the remote authority. No queue entry.
func (s *Store) Discard(t models.EntityType, id string) error {
	if err := s.repo.DeleteEntity(t, id); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to discard entity", err)
	}
	return nil
}

// Reset discards the entire local mirror. Only the force-refresh
// remediation path calls this.
func (s *Store) Reset() error {
	if err := s.repo.ClearEntities(); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to reset store", err)
	}
	return nil
}
