/*
scheduler.go - Periodic archival maintenance

PURPOSE:
  Keeps the hot partition small without a user action. Each pass:
  1. TransferToArchive: stale routine history moves hot -> archive
  2. CleanOlderThan:    history older than the retention window is pruned

DESIGN:
  - Runs a background goroutine with configurable interval
  - First pass runs immediately on Start
  - Prune runs whether or not transfer succeeded; both errors are joined on
    the run and the next tick retries from scratch (both steps are idempotent)
  - The last run is kept in memory for GET /api/maintenance/last

CONFIGURATION:
  - Interval:  How often to run (default: 1 hour)
  - Retention: History age kept by the pruner (default: 365 days)
  - Enabled:   Whether the scheduler is active (default: true)

USAGE:
  scheduler := NewMaintenanceScheduler(eng, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunMaintenance endpoint (manual pass)
  - engine/transfer.go, engine/retention.go
*/
package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/routine-engine/engine"
)

// Run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// MaintenanceRun records one scheduler pass.
type MaintenanceRun struct {
	StartedAt   time.Time
	CompletedAt time.Time
	Status      string
	Transfer    *engine.TransferReport
	Prune       *engine.PruneReport
	Error       error
}

// MaintenanceScheduler runs transfer + prune on an interval.
type MaintenanceScheduler struct {
	Engine    *engine.Engine
	Interval  time.Duration
	Retention time.Duration
	Enabled   bool

	log *slog.Logger

	ticker  *time.Ticker
	stop    chan struct{}
	stopped bool
	wg      sync.WaitGroup
	mu      sync.Mutex

	lastMu sync.Mutex
	last   *MaintenanceRun
}

// NewMaintenanceScheduler creates a new scheduler.
func NewMaintenanceScheduler(eng *engine.Engine, logger *slog.Logger) *MaintenanceScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &MaintenanceScheduler{
		Engine:    eng,
		Interval:  1 * time.Hour,
		Retention: 365 * 24 * time.Hour,
		Enabled:   true,
		log:       logger.With("component", "scheduler"),
		stop:      make(chan struct{}),
	}
}

// Start begins the scheduler.
func (ms *MaintenanceScheduler) Start() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if !ms.Enabled {
		ms.log.Info("disabled, not starting")
		return
	}
	if ms.ticker != nil || ms.stopped {
		return
	}

	ms.ticker = time.NewTicker(ms.Interval)
	ms.wg.Add(1)

	go ms.run()

	ms.log.Info("started", "interval", ms.Interval, "retention", ms.Retention)
}

// Stop stops the scheduler and waits for an in-flight pass. Safe to call twice.
func (ms *MaintenanceScheduler) Stop() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.ticker == nil || ms.stopped {
		return
	}
	ms.stopped = true
	ms.ticker.Stop()
	close(ms.stop)
	ms.wg.Wait()
	ms.log.Info("stopped")
}

func (ms *MaintenanceScheduler) run() {
	defer ms.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-ms.stop
		cancel()
	}()

	ms.RunNow(ctx)

	for {
		select {
		case <-ms.ticker.C:
			ms.RunNow(ctx)
		case <-ms.stop:
			return
		}
	}
}

// RunNow performs one pass immediately and records it as the last run.
func (ms *MaintenanceScheduler) RunNow(ctx context.Context) (MaintenanceRun, error) {
	run := MaintenanceRun{
		StartedAt: ms.Engine.Now(),
		Status:    RunStatusRunning,
	}

	transfer, transferErr := ms.Engine.TransferToArchive(ctx)
	if transferErr == nil {
		run.Transfer = &transfer
	} else {
		ms.log.Error("transfer failed", "error", transferErr)
	}

	prune, pruneErr := ms.Engine.CleanOlderThan(ctx, ms.Retention)
	if pruneErr == nil {
		run.Prune = &prune
	} else {
		ms.log.Error("prune failed", "error", pruneErr)
	}

	err := errors.Join(transferErr, pruneErr)
	run.CompletedAt = ms.Engine.Now()
	if err != nil {
		run.Status = RunStatusFailed
		run.Error = err
	} else {
		run.Status = RunStatusCompleted
		ms.log.Info("maintenance pass completed",
			"copied", transfer.Copied,
			"skippedFresh", transfer.SkippedFresh,
			"pruned", prune.Deleted)
	}

	ms.lastMu.Lock()
	ms.last = &run
	ms.lastMu.Unlock()

	return run, err
}

// LastRun returns the most recent pass, if any.
func (ms *MaintenanceScheduler) LastRun() (MaintenanceRun, bool) {
	ms.lastMu.Lock()
	defer ms.lastMu.Unlock()
	if ms.last == nil {
		return MaintenanceRun{}, false
	}
	return *ms.last, true
}

// NextRunTime returns when the next scheduled pass is due.
func (ms *MaintenanceScheduler) NextRunTime() time.Time {
	ms.lastMu.Lock()
	defer ms.lastMu.Unlock()
	if ms.last == nil {
		return ms.Engine.Now().Add(ms.Interval)
	}
	return ms.last.StartedAt.Add(ms.Interval)
}
