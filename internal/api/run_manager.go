// Package api provides the HTTP surface of the spotsig daemon: run
// submission, lifecycle control and result queries.
package api

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spotsig/spotsig/internal/logger"
	"github.com/spotsig/spotsig/internal/runstore"
)

// RunManagerConfig contains configuration for the run manager.
type RunManagerConfig struct {
	MaxConcurrent int    // max concurrent pipeline runs (default 1)
	SQLitePath    string // path to the SQLite database
	RetentionDays int    // days to keep finished runs (default 7)
	CleanupPeriod time.Duration
}

// RunManager queues and executes pipeline runs with SQLite persistence.
// Queued runs survive a daemon restart; running ones are marked failed on
// recovery.
type RunManager struct {
	cfg      RunManagerConfig
	store    *runstore.Store
	queue    chan string // run IDs
	running  map[string]context.CancelFunc
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	// Executor is called to perform the actual pipeline run.
	Executor func(ctx context.Context, store *runstore.Store, runID string) error
}

// NewRunManager creates a run manager backed by SQLite.
func NewRunManager(cfg RunManagerConfig) (*RunManager, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 1 * time.Hour
	}

	store, err := runstore.NewStore(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}

	rm := &RunManager{
		cfg:     cfg,
		store:   store,
		queue:   make(chan string, 100),
		running: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
	}
	return rm, nil
}

// Store returns the underlying store for direct access.
func (rm *RunManager) Store() *runstore.Store {
	return rm.store
}

// Start recovers state from the previous shutdown, then starts the worker
// goroutines and the cleanup ticker.
func (rm *RunManager) Start() {
	// Runs interrupted mid-flight cannot be resumed.
	if err := rm.store.MarkRunningAsFailed("daemon restarted"); err != nil {
		logger.Error("failed to mark running runs as failed", zap.Error(err))
	}

	queued, err := rm.store.ListQueuedRuns()
	if err != nil {
		logger.Error("failed to list queued runs", zap.Error(err))
	} else {
		for _, run := range queued {
			select {
			case rm.queue <- run.ID:
				logger.Info("re-queued run", zap.String("run_id", run.ID))
			default:
				logger.Warn("queue full, cannot re-queue run", zap.String("run_id", run.ID))
			}
		}
	}

	for i := 0; i < rm.cfg.MaxConcurrent; i++ {
		rm.wg.Add(1)
		go rm.worker()
	}

	go rm.cleaner()
}

// Stop stops all workers gracefully.
func (rm *RunManager) Stop() {
	rm.stopOnce.Do(func() {
		close(rm.stopCh)
		close(rm.queue)
		rm.wg.Wait()
		rm.store.Close()
	})
}

func (rm *RunManager) worker() {
	defer rm.wg.Done()
	for runID := range rm.queue {
		rm.execute(runID)
	}
}

func (rm *RunManager) execute(runID string) {
	ctx, cancel := context.WithCancel(context.Background())

	rm.mu.Lock()
	rm.running[runID] = cancel
	rm.mu.Unlock()

	defer func() {
		rm.mu.Lock()
		delete(rm.running, runID)
		rm.mu.Unlock()
	}()

	if err := rm.store.UpdateRunStarted(runID); err != nil {
		logger.Error("failed to mark run as started", zap.String("run_id", runID), zap.Error(err))
		return
	}

	var execErr error
	if rm.Executor != nil {
		execErr = rm.Executor(ctx, rm.store, runID)
	}

	if ctx.Err() == context.Canceled {
		rm.store.UpdateRunStatus(runID, runstore.RunStatusCancelled, "cancelled by user")
	} else if execErr != nil {
		rm.store.UpdateRunStatus(runID, runstore.RunStatusFailed, execErr.Error())
	} else {
		rm.store.UpdateRunStatus(runID, runstore.RunStatusCompleted, "")
	}
}

func (rm *RunManager) cleaner() {
	ticker := time.NewTicker(rm.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-rm.stopCh:
			return
		case <-ticker.C:
			rm.cleanup()
		}
	}
}

func (rm *RunManager) cleanup() {
	deleted, err := rm.store.DeleteExpiredRuns(rm.cfg.RetentionDays)
	if err != nil {
		logger.Error("run cleanup error", zap.Error(err))
	} else if deleted > 0 {
		logger.Info("cleaned up expired runs", zap.Int64("deleted", deleted))
	}
}

// Submit creates a new run and enqueues it for execution.
func (rm *RunManager) Submit(params runstore.RunParams) (*runstore.Run, error) {
	run := &runstore.Run{
		ID:        uuid.NewString(),
		Status:    runstore.RunStatusQueued,
		Params:    params,
		CreatedAt: time.Now(),
	}

	if err := rm.store.CreateRun(run); err != nil {
		return nil, err
	}

	select {
	case rm.queue <- run.ID:
	default:
		rm.store.UpdateRunStatus(run.ID, runstore.RunStatusFailed, "run queue is full; try again later")
	}

	return run, nil
}

// Get returns a run by ID, or nil when unknown.
func (rm *RunManager) Get(id string) *runstore.Run {
	run, err := rm.store.GetRun(id)
	if err != nil {
		logger.Error("error getting run", zap.String("run_id", id), zap.Error(err))
		return nil
	}
	return run
}

// Cancel attempts to cancel a queued or running run.
func (rm *RunManager) Cancel(id string) bool {
	rm.mu.Lock()
	cancel, ok := rm.running[id]
	rm.mu.Unlock()

	if ok && cancel != nil {
		cancel()
		return true
	}

	run, err := rm.store.GetRun(id)
	if err != nil || run == nil {
		return false
	}
	if run.Status == runstore.RunStatusQueued {
		rm.store.UpdateRunStatus(id, runstore.RunStatusCancelled, "cancelled before start")
		return true
	}
	return false
}

// Delete removes a run and all its results.
func (rm *RunManager) Delete(id string) error {
	return rm.store.DeleteRun(id)
}
