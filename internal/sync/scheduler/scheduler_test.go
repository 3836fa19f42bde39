package scheduler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nduati/dukapos/backend/internal/db"
	"github.com/nduati/dukapos/backend/internal/models"
	"github.com/nduati/dukapos/backend/internal/store"
	syncpkg "github.com/nduati/dukapos/backend/internal/sync"
	"github.com/nduati/dukapos/backend/internal/sync/queue"
)

// stubAuthority acknowledges every push, returns empty pulls, and counts
// health probes.
type stubAuthority struct {
	server     *httptest.Server
	pings      atomic.Int64
	pushCalls  atomic.Int64
	healthy    atomic.Bool
	serverTime string
}

func newStubAuthority(t *testing.T) *stubAuthority {
	t.Helper()
	a := &stubAuthority{serverTime: time.Now().UTC().Format(time.RFC3339Nano)}
	a.healthy.Store(true)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		a.pings.Add(1)
		if !a.healthy.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/v1/sync/push", func(w http.ResponseWriter, r *http.Request) {
		a.pushCalls.Add(1)
		var req syncpkg.PushRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := syncpkg.PushResponse{Applied: make(map[models.EntityType][]string)}
		for entityType, batch := range req.Batches {
			for _, item := range batch {
				resp.Applied[entityType] = append(resp.Applied[entityType], item.EntityID)
			}
		}
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/api/v1/sync/pull", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(syncpkg.PullResponse{ServerTime: a.serverTime})
	})

	a.server = httptest.NewServer(mux)
	t.Cleanup(a.server.Close)
	return a
}

func newTestScheduler(t *testing.T, authority *stubAuthority, opts Options) (*Scheduler, *syncpkg.Orchestrator, *store.Store) {
	t.Helper()
	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.NewMigrator(database.DB, db.Migrations()).Up())

	repo := db.NewRepository(database.DB)
	t.Cleanup(func() { repo.Close() })
	q := queue.New(repo, queue.DefaultOptions())
	s := store.New(repo, q)
	client := syncpkg.NewRemoteClient(authority.server.URL, "device-test", "test-token", 2*time.Second)
	orch := syncpkg.NewOrchestrator(q, s, repo, client, 100)

	return New(orch, client, opts), orch, s
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.Equal(t, 5*time.Minute, opts.SyncInterval)
	assert.Equal(t, 30*time.Second, opts.ProbeInterval)
	assert.Equal(t, 5*time.Minute, opts.CycleTimeout)
}

func TestNewFillsZeroOptions(t *testing.T) {
	authority := newStubAuthority(t)
	s, _, _ := newTestScheduler(t, authority, Options{})
	assert.Equal(t, DefaultOptions().SyncInterval, s.opts.SyncInterval)
	assert.Equal(t, DefaultOptions().ProbeInterval, s.opts.ProbeInterval)
	assert.Equal(t, DefaultOptions().CycleTimeout, s.opts.CycleTimeout)
}

func TestStartStopLifecycle(t *testing.T) {
	authority := newStubAuthority(t)
	s, _, _ := newTestScheduler(t, authority, Options{
		SyncInterval:  time.Hour,
		ProbeInterval: time.Hour,
	})

	assert.False(t, s.Running())
	s.Start(context.Background())
	assert.True(t, s.Running())

	// Start again is a no-op.
	s.Start(context.Background())
	assert.True(t, s.Running())

	s.Stop()
	assert.False(t, s.Running())

	// Stop again, and stop-without-start, must not panic.
	s.Stop()
}

func TestPeriodicCyclePushesQueuedMutations(t *testing.T) {
	authority := newStubAuthority(t)
	s, orch, st := newTestScheduler(t, authority, Options{
		SyncInterval:  30 * time.Millisecond,
		ProbeInterval: time.Hour,
	})

	_, err := st.Save(models.EntityExpense, "b2e3a6f0-4c1d-4e9a-8f7b-1a2b3c4d5e6f", json.RawMessage(`{"amount":50}`))
	require.NoError(t, err)

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool {
		n, err := orch.PendingCount()
		return err == nil && n == 0
	}, 3*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, authority.pushCalls.Load(), int64(1))
}

func TestOfflineFallsBackToProbing(t *testing.T) {
	authority := newStubAuthority(t)
	authority.healthy.Store(false)
	s, orch, _ := newTestScheduler(t, authority, Options{
		SyncInterval:  time.Hour,
		ProbeInterval: 20 * time.Millisecond,
	})
	orch.SetOnline(false)

	s.Start(context.Background())
	defer s.Stop()

	// Probes happen but the device stays offline against an unhealthy
	// authority.
	require.Eventually(t, func() bool {
		return authority.pings.Load() >= 2
	}, 3*time.Second, 10*time.Millisecond)
	assert.False(t, orch.Online())
}

func TestProbeRecoveryResumesSyncImmediately(t *testing.T) {
	authority := newStubAuthority(t)
	authority.healthy.Store(false)
	s, orch, st := newTestScheduler(t, authority, Options{
		SyncInterval:  time.Hour, // recovery must not wait for the sync tick
		ProbeInterval: 20 * time.Millisecond,
	})
	orch.SetOnline(false)

	_, err := st.Save(models.EntitySale, "c3f4b7a1-5d2e-4f0b-9a8c-2b3c4d5e6f70", json.RawMessage(`{"total":120}`))
	require.NoError(t, err)

	s.Start(context.Background())
	defer s.Stop()

	authority.healthy.Store(true)

	require.Eventually(t, func() bool {
		n, err := orch.PendingCount()
		return err == nil && n == 0 && orch.Online()
	}, 3*time.Second, 10*time.Millisecond)
}

func TestContextCancellationStopsLoop(t *testing.T) {
	authority := newStubAuthority(t)
	s, _, _ := newTestScheduler(t, authority, Options{
		SyncInterval:  10 * time.Millisecond,
		ProbeInterval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after context cancellation")
	}
	s.Stop()
}
