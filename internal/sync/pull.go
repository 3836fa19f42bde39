package sync

import (
	"context"
	"time"

	"github.com/nduati/dukapos/backend/internal/db"
	apperrors "github.com/nduati/dukapos/backend/internal/errors"
	"github.com/nduati/dukapos/backend/internal/logging"
	"github.com/nduati/dukapos/backend/internal/models"
	"github.com/nduati/dukapos/backend/internal/store"
	"github.com/nduati/dukapos/backend/internal/sync/queue"
)

// Puller fetches the remote delta since the persisted cursor and merges it
// into the local store.
type Puller struct {
	queue  *queue.Queue
	store  *store.Store
	repo   *db.Repository
	client *RemoteClient
}

// NewPuller creates a pull engine.
func NewPuller(q *queue.Queue, s *store.Store, repo *db.Repository, client *RemoteClient) *Puller {
	return &Puller{queue: q, store: s, repo: repo, client: client}
}

// cursorAdvances reports whether candidate is a strictly newer server time
// than current. Both are RFC3339Nano strings; they must be compared as
// times, not bytes, because trailing fractional zeros are trimmed on
// formatting and break lexical order. An unparseable value on either side
// defers to the authority's clock.
func cursorAdvances(current, candidate string) bool {
	if candidate == "" {
		return false
	}
	if current == "" {
		return true
	}
	cur, err := time.Parse(time.RFC3339Nano, current)
	if err != nil {
		return true
	}
	cand, err := time.Parse(time.RFC3339Nano, candidate)
	if err != nil {
		return true
	}
	return cand.After(cur)
}

// Run executes one pull. Remote data is authoritative unless a non-terminal
// queue item targets the same entity, in which case the pending local
// mutation wins and the remote value is skipped. The cursor advances to the
// authority's server time only after the whole merge succeeds, so a crash
// mid-merge repeats the same window instead of skipping data.
func (p *Puller) Run(ctx context.Context) (*PullStats, error) {
	state, err := p.repo.GetSyncState()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStateStorage, "sync cursor unavailable", err)
	}

	resp, err := p.client.Pull(ctx, state.Cursor)
	if err != nil {
		return nil, err
	}

	stats := &PullStats{}
	for _, entityType := range models.AllEntityTypes {
		changes := resp.Changes[entityType]
		for _, change := range changes {
			if ctx.Err() != nil {
				return stats, apperrors.Wrap(apperrors.ErrPullFailed, "pull interrupted", ctx.Err())
			}
			stats.Received++

			pending, err := p.queue.HasPending(change.EntityID)
			if err != nil {
				return stats, err
			}
			if pending {
				// Applying the remote value would silently discard
				// work the operator has not yet synchronized.
				stats.Skipped++
				continue
			}

			if change.Deleted {
				if err := p.store.Discard(entityType, change.EntityID); err != nil {
					return stats, err
				}
				stats.Deleted++
				continue
			}
			if err := p.store.Apply(entityType, change.EntityID, change.Payload, change.UpdatedAt); err != nil {
				return stats, err
			}
			stats.Applied++
		}
	}

	// Merge complete: advance the cursor, never backwards.
	if cursorAdvances(state.Cursor, resp.ServerTime) {
		state.Cursor = resp.ServerTime
	}
	state.InitialSyncDone = true
	if err := p.repo.SaveSyncState(state); err != nil {
		return stats, apperrors.Wrap(apperrors.ErrStateStorage, "failed to persist sync cursor", err)
	}
	stats.Cursor = state.Cursor

	logging.Info("pull completed", map[string]interface{}{
		"received": stats.Received,
		"applied":  stats.Applied,
		"deleted":  stats.Deleted,
		"skipped":  stats.Skipped,
		"cursor":   stats.Cursor,
	})
	return stats, nil
}
