package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/nduati/dukapos/backend/internal/errors"
	"github.com/nduati/dukapos/backend/internal/ident"
	"github.com/nduati/dukapos/backend/internal/models"
)

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingSink) SyncStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "started")
}

func (r *recordingSink) SyncCompleted(*CycleResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "completed")
}

func (r *recordingSink) SyncFailed(error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "failed")
}

func (r *recordingSink) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestRunCyclePushThenPull(t *testing.T) {
	e := newTestEngine(t)

	localID := ident.New()
	_, err := e.store.Save(models.EntityProduct, localID, json.RawMessage(`{"stock":10,"minStock":2}`))
	require.NoError(t, err)
	remoteID := ident.New()
	e.authority.seed(models.EntitySupplier, remoteID, `{"name":"Coast Medical"}`)

	result, err := e.orch.RunCycle(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result.Push)
	require.NotNil(t, result.Pull)
	assert.Equal(t, 1, result.Push.Applied)

	// Local mutation reached the authority, remote entity reached us.
	_, ok := e.authority.get(models.EntityProduct, localID)
	assert.True(t, ok)
	_, err = e.store.Get(models.EntitySupplier, remoteID)
	require.NoError(t, err)

	// Scenario: audit immediately after a clean cycle reports the
	// product as matched.
	report, err := e.orch.Audit(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Healthy())
	assert.Equal(t, 1, report.Results[models.EntityProduct].Matched)

	assert.Equal(t, StatusIdle, e.orch.Status())
}

func TestRunCycleGuardDropsConcurrentTrigger(t *testing.T) {
	e := newTestEngine(t)
	e.authority.delay = 300 * time.Millisecond

	_, err := e.store.Save(models.EntityProduct, ident.New(), json.RawMessage(`{"stock":1}`))
	require.NoError(t, err)

	firstDone := make(chan error, 1)
	go func() {
		_, err := e.orch.RunCycle(context.Background())
		firstDone <- err
	}()

	// Wait until the first cycle holds the guard.
	require.Eventually(t, func() bool {
		return e.orch.Status() == StatusSyncing
	}, 2*time.Second, 5*time.Millisecond)

	_, err = e.orch.RunCycle(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrSyncInProgress), "concurrent trigger must be dropped, not queued")

	require.NoError(t, <-firstDone)
	assert.Equal(t, StatusIdle, e.orch.Status())
}

func TestRunCycleRefusedWhenOffline(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.store.Save(models.EntitySale, ident.New(), json.RawMessage(`{"total":10}`))
	require.NoError(t, err)
	e.orch.SetOnline(false)

	before, err := e.queue.PendingCount()
	require.NoError(t, err)

	_, err = e.orch.RunCycle(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrOffline))

	after, err := e.queue.PendingCount()
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, StatusIdle, e.orch.Status())
}

func TestRunCycleTransportFailureFailsClosed(t *testing.T) {
	authority := newFakeAuthority(t)
	authority.server.Close()
	e := newTestEngineWithURL(t, authority, authority.URL())

	_, err := e.store.Save(models.EntitySale, ident.New(), json.RawMessage(`{"total":10}`))
	require.NoError(t, err)
	before, err := e.queue.PendingCount()
	require.NoError(t, err)

	_, err = e.orch.RunCycle(context.Background())
	require.Error(t, err)

	// Guard released, nothing lost, connectivity flag dropped.
	assert.Equal(t, StatusIdle, e.orch.Status())
	after, err := e.queue.PendingCount()
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.False(t, e.orch.Online())
}

func TestRunCyclePushFailureStillAttemptsPull(t *testing.T) {
	e := newTestEngine(t)

	rejectedID := ident.New()
	_, err := e.store.Save(models.EntitySale, rejectedID, json.RawMessage(`{"total":-1}`))
	require.NoError(t, err)
	e.authority.rejections[rejectedID] = "total must be positive"

	remoteID := ident.New()
	e.authority.seed(models.EntityProduct, remoteID, `{"stock":3}`)

	result, err := e.orch.RunCycle(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrPushFailed))

	// Pull ran regardless and merged the remote entity.
	require.NotNil(t, result.Pull)
	assert.Equal(t, 1, result.Pull.Applied)
	_, err = e.store.Get(models.EntityProduct, remoteID)
	require.NoError(t, err)

	// The rejected sale still has a pending mutation, so conflict
	// precedence protected it from any remote version.
	local, err := e.store.Get(models.EntitySale, rejectedID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"total":-1}`, string(local))
}

func TestSnapshotReflectsState(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.store.Save(models.EntityExpense, ident.New(), json.RawMessage(`{"amount":20}`))
	require.NoError(t, err)

	snap, err := e.orch.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, snap.State)
	assert.True(t, snap.Online)
	assert.Equal(t, 1, snap.PendingCount)
	assert.False(t, snap.InitialSyncDone)
	assert.True(t, snap.LastPullAt.IsZero())

	_, err = e.orch.RunCycle(context.Background())
	require.NoError(t, err)

	snap, err = e.orch.Snapshot()
	require.NoError(t, err)
	assert.Zero(t, snap.PendingCount)
	assert.True(t, snap.InitialSyncDone)
	assert.False(t, snap.LastPushAt.IsZero())
	assert.False(t, snap.LastPullAt.IsZero())
	assert.Empty(t, snap.LastError)
}

func TestForceRefreshRefusesWithPendingMutations(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.store.Save(models.EntitySale, ident.New(), json.RawMessage(`{"total":55}`))
	require.NoError(t, err)

	_, err = e.orch.ForceRefresh(context.Background(), false)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrRefreshBlocked))

	// Nothing was discarded.
	n, err := e.queue.PendingCount()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestForceRefreshReseedsFromAuthority(t *testing.T) {
	e := newTestEngine(t)

	// Unsynced local work plus a diverged mirror.
	staleID := ident.New()
	_, err := e.store.Save(models.EntityProduct, staleID, json.RawMessage(`{"stock":1}`))
	require.NoError(t, err)
	remoteID := ident.New()
	e.authority.seed(models.EntityProduct, remoteID, `{"stock":44}`)

	stats, err := e.orch.ForceRefresh(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Applied)

	// The unsynced mutation was deliberately forfeited.
	n, err := e.queue.PendingCount()
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = e.store.Get(models.EntityProduct, staleID)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrNotFound))

	payload, err := e.store.Get(models.EntityProduct, remoteID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"stock":44}`, string(payload))
}

func TestEventSinkReceivesLifecycle(t *testing.T) {
	e := newTestEngine(t)
	sink := &recordingSink{}
	e.orch.SetEventSink(sink)

	_, err := e.store.Save(models.EntityExpense, ident.New(), json.RawMessage(`{"amount":10}`))
	require.NoError(t, err)
	_, err = e.orch.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"started", "completed"}, sink.recorded())

	// A failing cycle reports failure.
	badID := ident.New()
	_, err = e.store.Save(models.EntitySale, badID, json.RawMessage(`{"total":-2}`))
	require.NoError(t, err)
	e.authority.rejections[badID] = "total must be positive"

	_, err = e.orch.RunCycle(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"started", "completed", "started", "failed"}, sink.recorded())
}

func TestRetryAfterBackoffEventuallySucceeds(t *testing.T) {
	e := newTestEngine(t)

	id := ident.New()
	_, err := e.store.Save(models.EntityExpense, id, json.RawMessage(`{"amount":75}`))
	require.NoError(t, err)
	e.authority.rejections[id] = "category missing"

	_, err = e.orch.RunCycle(context.Background())
	require.Error(t, err)

	// Operator fixes the remote-side objection; the item retries after
	// its backoff window and clears.
	delete(e.authority.rejections, id)
	items, err := e.queue.NeedsAttention()
	require.NoError(t, err)
	assert.Empty(t, items, "one failure is far from the cap")

	// Force the backoff window open by rewinding next_retry_at.
	failed, err := e.queue.Stats()
	require.NoError(t, err)
	require.Equal(t, 1, failed[models.QueueStatusFailed])
	rewindBackoff(t, e)

	_, err = e.orch.RunCycle(context.Background())
	require.NoError(t, err)

	n, err := e.queue.PendingCount()
	require.NoError(t, err)
	assert.Zero(t, n)
	_, ok := e.authority.get(models.EntityExpense, id)
	assert.True(t, ok)
}

func rewindBackoff(t *testing.T, e *testEngine) {
	t.Helper()
	items, err := e.repo.SelectExhausted(0)
	require.NoError(t, err)
	for _, item := range items {
		require.NoError(t, e.repo.FailMutation(item.QueueID, item.LastError, 0))
	}
}

func TestPendingCountScenario(t *testing.T) {
	e := newTestEngine(t)

	for i := 0; i < 3; i++ {
		_, err := e.store.Save(models.EntitySale, ident.New(),
			json.RawMessage(fmt.Sprintf(`{"total":%d}`, (i+1)*10)))
		require.NoError(t, err)
	}

	n, err := e.orch.PendingCount()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = e.orch.RunCycle(context.Background())
	require.NoError(t, err)

	n, err = e.orch.PendingCount()
	require.NoError(t, err)
	assert.Zero(t, n)
}
