package sync

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/nduati/dukapos/backend/internal/db"
	apperrors "github.com/nduati/dukapos/backend/internal/errors"
	"github.com/nduati/dukapos/backend/internal/logging"
	"github.com/nduati/dukapos/backend/internal/models"
	"github.com/nduati/dukapos/backend/internal/store"
	"github.com/nduati/dukapos/backend/internal/sync/queue"
)

// EventSink receives sync lifecycle notifications. The localhost WebSocket
// hub implements it for the UI shell; a nil sink is valid.
type EventSink interface {
	SyncStarted()
	SyncCompleted(result *CycleResult)
	SyncFailed(err error)
}

// Orchestrator is the single authority for when push and pull run. The
// syncing flag is a guard, not a lock: a cycle triggered while one is in
// flight is dropped, never queued. Cycles always run to completion so queue
// items are never left in an ambiguous in-flight state.
type Orchestrator struct {
	queue   *queue.Queue
	store   *store.Store
	repo    *db.Repository
	pusher  *Pusher
	puller  *Puller
	auditor *Auditor

	mu      sync.Mutex
	syncing bool
	online  bool
	lastErr error

	events EventSink
}

// NewOrchestrator wires the sync engines under one coordinator.
func NewOrchestrator(q *queue.Queue, s *store.Store, repo *db.Repository, client *RemoteClient, batchLimit int) *Orchestrator {
	return &Orchestrator{
		queue:   q,
		store:   s,
		repo:    repo,
		pusher:  NewPusher(q, client, batchLimit),
		puller:  NewPuller(q, s, repo, client),
		auditor: NewAuditor(s, client),
		online:  true,
	}
}

// SetEventSink attaches a lifecycle event receiver.
func (o *Orchestrator) SetEventSink(sink EventSink) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = sink
}

// Online reports the current connectivity flag.
func (o *Orchestrator) Online() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.online
}

// SetOnline flips the connectivity flag. The scheduler calls this from its
// probe loop; a push transport failure also flips it off.
func (o *Orchestrator) SetOnline(online bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.online != online {
		logging.Info("connectivity changed", map[string]interface{}{"online": online})
	}
	o.online = online
}

// Status returns the orchestrator's current state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.syncing {
		return StatusSyncing
	}
	return StatusIdle
}

// Snapshot returns the full externally visible state.
func (o *Orchestrator) Snapshot() (*Snapshot, error) {
	pending, err := o.queue.PendingCount()
	if err != nil {
		return nil, err
	}
	state, err := o.repo.GetSyncState()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStateStorage, "sync state unavailable", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	snap := &Snapshot{
		State:           StatusIdle,
		Online:          o.online,
		PendingCount:    pending,
		InitialSyncDone: state.InitialSyncDone,
		LastPushAt:      state.LastPushTime(),
		LastPullAt:      state.LastPullTime(),
	}
	if o.syncing {
		snap.State = StatusSyncing
	}
	if o.lastErr != nil {
		snap.LastError = o.lastErr.Error()
	}
	return snap, nil
}

// tryBegin acquires the cycle guard. It fails, rather than waits, when a
// cycle is already in flight or the device is offline.
func (o *Orchestrator) tryBegin() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.syncing {
		return apperrors.New(apperrors.ErrSyncInProgress, "sync cycle already in flight")
	}
	if !o.online {
		return apperrors.New(apperrors.ErrOffline, "device is offline")
	}
	o.syncing = true
	return nil
}

func (o *Orchestrator) end(err error) {
	o.mu.Lock()
	o.syncing = false
	o.lastErr = err
	o.mu.Unlock()
}

// RunCycle executes one full push-then-pull cycle. Push runs first so that
// acknowledged mutations leave the queue before the pull merge consults it
// for conflict precedence. Pull is attempted even when push failed; errors
// from both halves are aggregated. Transport failures flip the online flag
// off so the scheduler falls back to probing.
func (o *Orchestrator) RunCycle(ctx context.Context) (*CycleResult, error) {
	if err := o.tryBegin(); err != nil {
		return nil, err
	}

	result := &CycleResult{StartTime: time.Now()}
	o.notifyStarted()

	var pushErr, pullErr error
	result.Push, pushErr = o.pusher.Run(ctx)
	if apperrors.HasCode(pushErr, apperrors.ErrTransport) {
		o.SetOnline(false)
	}

	result.Pull, pullErr = o.puller.Run(ctx)
	if apperrors.HasCode(pullErr, apperrors.ErrTransport) {
		o.SetOnline(false)
	}

	o.recordCycle(pushErr, pullErr)

	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	err := stderrors.Join(pushErr, pullErr)
	if err != nil {
		result.Error = err.Error()
	}
	o.end(err)

	if err != nil {
		o.notifyFailed(err)
		return result, err
	}
	o.notifyCompleted(result)
	return result, nil
}

// recordCycle persists last push/pull timestamps and the last cycle error.
func (o *Orchestrator) recordCycle(pushErr, pullErr error) {
	state, err := o.repo.GetSyncState()
	if err != nil {
		logging.Error("failed to load sync state after cycle", err, nil)
		return
	}
	now := time.Now().Unix()
	if pushErr == nil {
		state.LastPushAt = now
	}
	if pullErr == nil {
		state.LastPullAt = now
	}
	state.LastError = ""
	if joined := stderrors.Join(pushErr, pullErr); joined != nil {
		state.LastError = joined.Error()
	}
	if err := o.repo.SaveSyncState(state); err != nil {
		logging.Error("failed to persist sync state after cycle", err, nil)
	}
}

// Audit runs the reconciliation auditor. Read-only, so it does not take the
// cycle guard.
func (o *Orchestrator) Audit(ctx context.Context) (*models.AuditReport, error) {
	return o.auditor.Run(ctx)
}

// PendingCount returns the number of unsynchronized mutations.
func (o *Orchestrator) PendingCount() (int, error) {
	return o.queue.PendingCount()
}

// NeedsAttention returns mutations that exhausted their retries.
func (o *Orchestrator) NeedsAttention() ([]*models.MutationItem, error) {
	return o.queue.NeedsAttention()
}

// ForceRefresh discards the local mirror, the queue, and the cursor, then
// re-runs an initial pull. It forfeits unsynced mutations, so it refuses
// while any exist unless force is set. Deliberate operator action only.
func (o *Orchestrator) ForceRefresh(ctx context.Context, force bool) (*PullStats, error) {
	pending, err := o.queue.PendingCount()
	if err != nil {
		return nil, err
	}
	if pending > 0 && !force {
		return nil, apperrors.Newf(apperrors.ErrRefreshBlocked,
			"%d unsynced mutations would be forfeited; pass force to proceed", pending)
	}

	if err := o.tryBegin(); err != nil {
		return nil, err
	}
	defer o.end(nil)

	logging.Warn("force refresh: discarding local mirror", map[string]interface{}{
		"forfeited_mutations": pending,
	})

	if err := o.queue.Clear(); err != nil {
		return nil, err
	}
	if err := o.store.Reset(); err != nil {
		return nil, err
	}
	state, err := o.repo.GetSyncState()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStateStorage, "sync state unavailable", err)
	}
	state.Cursor = ""
	state.InitialSyncDone = false
	if err := o.repo.SaveSyncState(state); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStateStorage, "failed to reset sync state", err)
	}

	return o.puller.Run(ctx)
}

func (o *Orchestrator) sink() EventSink {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.events
}

func (o *Orchestrator) notifyStarted() {
	if s := o.sink(); s != nil {
		s.SyncStarted()
	}
}

func (o *Orchestrator) notifyCompleted(result *CycleResult) {
	if s := o.sink(); s != nil {
		s.SyncCompleted(result)
	}
}

func (o *Orchestrator) notifyFailed(err error) {
	if s := o.sink(); s != nil {
		s.SyncFailed(err)
	}
}
