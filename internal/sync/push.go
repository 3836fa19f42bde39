package sync

import (
	"context"

	apperrors "github.com/nduati/dukapos/backend/internal/errors"
	"github.com/nduati/dukapos/backend/internal/logging"
	"github.com/nduati/dukapos/backend/internal/models"
	"github.com/nduati/dukapos/backend/internal/sync/queue"
)

// Pusher drains the mutation queue and makes the remote authority converge
// on it. One request per run carries every drained item, batched by entity
// type with per-entity enqueue order preserved.
type Pusher struct {
	queue      *queue.Queue
	client     *RemoteClient
	batchLimit int
}

// NewPusher creates a push engine. batchLimit caps items per cycle.
func NewPusher(q *queue.Queue, client *RemoteClient, batchLimit int) *Pusher {
	if batchLimit <= 0 {
		batchLimit = 200
	}
	return &Pusher{queue: q, client: client, batchLimit: batchLimit}
}

// Run executes one push: drain, submit, reconcile statuses from the
// response. A whole-request failure reverts the drained snapshot to pending
// with no retry penalty; per-item rejections are isolated to their item.
func (p *Pusher) Run(ctx context.Context) (*PushStats, error) {
	items, err := p.queue.Drain(p.batchLimit)
	if err != nil {
		return nil, err
	}
	stats := &PushStats{Drained: len(items)}
	if len(items) == 0 {
		return stats, nil
	}

	if err := p.queue.MarkSyncing(items); err != nil {
		// A mid-batch failure leaves earlier items in-flight; put the
		// whole snapshot back rather than strand them.
		if revertErr := p.queue.Revert(items); revertErr != nil {
			logging.Error("failed to revert partially marked batch", revertErr, nil)
		}
		return stats, err
	}

	req := &PushRequest{
		DeviceID: p.client.DeviceID(),
		Batches:  buildBatches(items),
	}

	resp, err := p.client.Push(ctx, req)
	if err != nil {
		// The authority never saw (or never answered for) the batch:
		// revert rather than penalize, the next cycle retries.
		if revertErr := p.queue.Revert(items); revertErr != nil {
			return stats, revertErr
		}
		logging.Warn("push transport failure, batch reverted", map[string]interface{}{
			"items": len(items),
			"error": err.Error(),
		})
		return stats, err
	}

	return p.reconcile(items, resp, stats)
}

// buildBatches groups drained items by entity type. Slice order within a
// type is drain order, which is enqueue order, so the authority applies
// mutations for any one entity in causal order.
func buildBatches(items []*models.MutationItem) map[models.EntityType][]PushItem {
	batches := make(map[models.EntityType][]PushItem)
	for _, item := range items {
		batches[item.EntityType] = append(batches[item.EntityType], PushItem{
			Action:   item.Action,
			EntityID: item.EntityID,
			Payload:  item.Payload,
		})
	}
	return batches
}

// reconcile marks every item whose entity id the authority accepted as
// synced (purged), and fails the rest with their reported error.
func (p *Pusher) reconcile(items []*models.MutationItem, resp *PushResponse, stats *PushStats) (*PushStats, error) {
	applied := make(map[models.EntityType]map[string]bool)
	for entityType, ids := range resp.Applied {
		set := make(map[string]bool, len(ids))
		for _, id := range ids {
			set[id] = true
		}
		applied[entityType] = set
	}

	itemErrors := make(map[models.EntityType]map[string]string)
	for entityType, errs := range resp.Errors {
		m := make(map[string]string, len(errs))
		for _, e := range errs {
			m[e.EntityID] = e.Message
		}
		itemErrors[entityType] = m
	}

	for _, item := range items {
		if applied[item.EntityType][item.EntityID] {
			if err := p.queue.MarkSynced(item.QueueID); err != nil {
				return stats, err
			}
			stats.Applied++
			continue
		}

		message := itemErrors[item.EntityType][item.EntityID]
		if message == "" {
			message = "not acknowledged by authority"
		}
		if err := p.queue.MarkFailed(item, message); err != nil {
			return stats, err
		}
		stats.Failed++
	}

	logging.Info("push completed", map[string]interface{}{
		"drained": stats.Drained,
		"applied": stats.Applied,
		"failed":  stats.Failed,
	})

	if stats.Failed > 0 {
		return stats, apperrors.Newf(apperrors.ErrPushFailed, "%d of %d items rejected", stats.Failed, stats.Drained)
	}
	return stats, nil
}
