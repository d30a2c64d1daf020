// Package runmanager owns run and stage state: it persists run rows, one
// stage row per (run, stage), and the per-opportunity path trace, and it arms
// a per-run timeout watchdog that cancels the run context and marks the run
// failed when a run exceeds its budget.
package runmanager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/grantflow-data/grantflow/platform/internal/domain"
)

// TimeoutError is the error message recorded when the watchdog fires.
const TimeoutError = "timeout"

// Store is the persistence contract for runs and stages.
// Implemented by the postgres RunStore in production and fakes in tests.
type Store interface {
	CreateRun(ctx context.Context, run *domain.Run) error
	UpdateRunStatus(ctx context.Context, runID uuid.UUID, status domain.RunStatus, errMsg *string) error
	CompleteRun(ctx context.Context, run *domain.Run) error
	UpsertStage(ctx context.Context, rec *domain.StageRecord) error
	SaveOpportunityPaths(ctx context.Context, runID uuid.UUID, paths []domain.OpportunityPath) error
}

// Manager creates and tracks runs.
type Manager struct {
	store Store

	mu     sync.Mutex
	active map[uuid.UUID]*Handle
}

// New creates a Manager over the given store.
func New(store Store) *Manager {
	return &Manager{store: store, active: map[uuid.UUID]*Handle{}}
}

// Handle tracks one in-flight run. All mutating methods are idempotent:
// the latest write wins, and terminal transitions stick.
type Handle struct {
	RunID    uuid.UUID
	SourceID uuid.UUID

	manager *Manager
	cancel  context.CancelFunc
	timer   *time.Timer

	mu       sync.Mutex
	started time.Time
	timedOut bool
	done     bool
}

// StartRun creates a pending run row, transitions it to processing, and arms
// the watchdog. The returned context is cancelled when the watchdog fires or
// the parent context is cancelled; stages must honor it.
func (m *Manager) StartRun(ctx context.Context, sourceID uuid.UUID, pipelineVersion string, timeout time.Duration) (*Handle, context.Context, error) {
	run := &domain.Run{
		SourceID:        sourceID,
		PipelineVersion: pipelineVersion,
		Status:          domain.RunStatusPending,
	}
	if err := m.store.CreateRun(ctx, run); err != nil {
		return nil, nil, fmt.Errorf("create run: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		RunID:    run.ID,
		SourceID: sourceID,
		manager:  m,
		cancel:   cancel,
		started: time.Now(),
	}

	if err := m.store.UpdateRunStatus(ctx, run.ID, domain.RunStatusProcessing, nil); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("mark run processing: %w", err)
	}

	// Watchdog: fire once, mark the run failed with reason timeout, and
	// cancel the run context. Running stage goroutines are not torn down
	// here — cancellation propagates cooperatively.
	h.timer = time.AfterFunc(timeout, h.fireWatchdog)

	m.mu.Lock()
	m.active[run.ID] = h
	m.mu.Unlock()

	return h, runCtx, nil
}

// fireWatchdog marks the run failed with reason timeout. Best-effort: the
// status write uses a fresh short-lived context since the run context is
// being cancelled.
func (h *Handle) fireWatchdog() {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return
	}
	h.timedOut = true
	h.done = true
	h.mu.Unlock()

	slog.Error("run watchdog fired", "run_id", h.RunID, "source_id", h.SourceID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	msg := TimeoutError
	if err := h.manager.store.UpdateRunStatus(ctx, h.RunID, domain.RunStatusFailed, &msg); err != nil {
		slog.Error("failed to record run timeout", "run_id", h.RunID, "error", err)
	}

	h.manager.forget(h.RunID)
	h.cancel()
}

// TimedOut reports whether the watchdog fired for this run.
func (h *Handle) TimedOut() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.timedOut
}

// UpdateStage upserts the stage row for this run. Safe for concurrent use;
// one row per (run, stage) with latest-write-wins semantics.
func (h *Handle) UpdateStage(ctx context.Context, stage string, status domain.StageStatus, rec StageUpdate) {
	stageRec := &domain.StageRecord{
		RunID:           h.RunID,
		Stage:           stage,
		Status:          status,
		InputCount:      rec.InputCount,
		OutputCount:     rec.OutputCount,
		ExecutionTimeMS: rec.ExecutionTimeMS,
		TokensUsed:      rec.TokensUsed,
		APICalls:        rec.APICalls,
		StageResults:    rec.Results,
	}
	if rec.Error != "" {
		stageRec.ErrorMessage = &rec.Error
	}
	if err := h.manager.store.UpsertStage(ctx, stageRec); err != nil {
		// Stage bookkeeping must never fail the pipeline.
		slog.Error("failed to upsert stage record",
			"run_id", h.RunID, "stage", stage, "status", status, "error", err)
	}
}

// StageUpdate carries the mutable fields of a stage transition.
type StageUpdate struct {
	InputCount      int
	OutputCount     int
	ExecutionTimeMS int64
	TokensUsed      int64
	APICalls        int64
	Error           string
	Results         map[string]any
}

// Complete marks the run completed, persists counters and paths, and clears
// the watchdog. No-op if the run already reached a terminal state.
func (h *Handle) Complete(ctx context.Context, run *domain.Run, paths []domain.OpportunityPath) error {
	if !h.finish() {
		return nil
	}
	run.ID = h.RunID
	run.SourceID = h.SourceID
	run.Status = domain.RunStatusCompleted

	if err := h.manager.store.SaveOpportunityPaths(ctx, h.RunID, paths); err != nil {
		slog.Error("failed to save opportunity paths", "run_id", h.RunID, "error", err)
	}
	if err := h.manager.store.CompleteRun(ctx, run); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// Fail marks the run failed with the given message and clears the watchdog.
// No-op if the run already reached a terminal state.
func (h *Handle) Fail(ctx context.Context, errMsg string) {
	if !h.finish() {
		return
	}
	if err := h.manager.store.UpdateRunStatus(ctx, h.RunID, domain.RunStatusFailed, &errMsg); err != nil {
		slog.Error("failed to record run error", "run_id", h.RunID, "error", err)
	}
}

// MarkCancelled best-effort marks in-flight stages cancelled when the parent
// context is torn down mid-run.
func (h *Handle) MarkCancelled(stages []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, stage := range stages {
		h.UpdateStage(ctx, stage, domain.StageStatusCancelled, StageUpdate{})
	}
}

// finish transitions the handle to done exactly once, stopping the watchdog.
func (h *Handle) finish() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return false
	}
	h.done = true
	if h.timer != nil {
		h.timer.Stop()
	}
	h.manager.forget(h.RunID)
	h.cancel()
	return true
}

// Elapsed returns the wall-clock duration since the run started.
func (h *Handle) Elapsed() time.Duration {
	return time.Since(h.started)
}

func (m *Manager) forget(runID uuid.UUID) {
	m.mu.Lock()
	delete(m.active, runID)
	m.mu.Unlock()
}

// ActiveRuns returns the number of in-flight runs (for health reporting).
func (m *Manager) ActiveRuns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}
