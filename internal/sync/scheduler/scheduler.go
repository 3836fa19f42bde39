// Package scheduler drives periodic sync cycles and reconnection probing.
package scheduler

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/nduati/dukapos/backend/internal/errors"
	"github.com/nduati/dukapos/backend/internal/logging"
	syncpkg "github.com/nduati/dukapos/backend/internal/sync"
)

// Options holds scheduler timing configuration.
type Options struct {
	SyncInterval  time.Duration // how often to run a cycle while online
	ProbeInterval time.Duration // how often to probe the authority while offline
	CycleTimeout  time.Duration // per-cycle deadline
}

// DefaultOptions returns the standard timing configuration.
func DefaultOptions() Options {
	return Options{
		SyncInterval:  5 * time.Minute,
		ProbeInterval: 30 * time.Second,
		CycleTimeout:  5 * time.Minute,
	}
}

// Scheduler runs sync cycles on a timer while the device is online and falls
// back to lightweight health probes while it is offline. The orchestrator's
// own guard handles overlap, so the scheduler never tracks in-flight state.
type Scheduler struct {
	orch   *syncpkg.Orchestrator
	client *syncpkg.RemoteClient
	opts   Options

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a scheduler over the given orchestrator and remote client.
func New(orch *syncpkg.Orchestrator, client *syncpkg.RemoteClient, opts Options) *Scheduler {
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = DefaultOptions().SyncInterval
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = DefaultOptions().ProbeInterval
	}
	if opts.CycleTimeout <= 0 {
		opts.CycleTimeout = DefaultOptions().CycleTimeout
	}
	return &Scheduler{
		orch:   orch,
		client: client,
		opts:   opts,
	}
}

// Start launches the background loop. Calling Start on a running scheduler
// is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)

	logging.Info("sync scheduler started", map[string]interface{}{
		"sync_interval":  s.opts.SyncInterval.String(),
		"probe_interval": s.opts.ProbeInterval.String(),
	})
}

// Stop shuts the loop down and waits for it to exit. Safe to call more than
// once and without a prior Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	logging.Info("sync scheduler stopped", nil)
}

// Running reports whether the background loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	syncTicker := time.NewTicker(s.opts.SyncInterval)
	defer syncTicker.Stop()
	probeTicker := time.NewTicker(s.opts.ProbeInterval)
	defer probeTicker.Stop()

	s.mu.Lock()
	stopCh := s.stopCh
	s.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-syncTicker.C:
			if s.orch.Online() {
				s.runCycle(ctx)
			}
		case <-probeTicker.C:
			if !s.orch.Online() {
				s.probe(ctx)
			}
		}
	}
}

// runCycle executes one sync cycle with a deadline. Guard rejections are
// expected and logged at debug level only.
func (s *Scheduler) runCycle(ctx context.Context) {
	cycleCtx, cancel := context.WithTimeout(ctx, s.opts.CycleTimeout)
	defer cancel()

	result, err := s.orch.RunCycle(cycleCtx)
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrSyncInProgress) || apperrors.HasCode(err, apperrors.ErrOffline) {
			logging.Debug("scheduled cycle skipped", map[string]interface{}{"reason": err.Error()})
			return
		}
		logging.Error("scheduled sync cycle failed", err, nil)
		return
	}

	logging.Info("scheduled sync cycle completed", map[string]interface{}{
		"pushed":      result.Push.Applied,
		"pulled":      result.Pull.Applied,
		"duration_ms": result.Duration.Milliseconds(),
	})
}

// probe checks whether the authority is reachable again. On success the
// online flag flips back and a cycle runs immediately so queued mutations
// do not wait for the next sync tick.
func (s *Scheduler) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, s.opts.ProbeInterval)
	defer cancel()

	if err := s.client.Ping(probeCtx); err != nil {
		logging.Debug("connectivity probe failed", map[string]interface{}{"error": err.Error()})
		return
	}

	logging.Info("authority reachable again, resuming sync", nil)
	s.orch.SetOnline(true)
	s.runCycle(ctx)
}
