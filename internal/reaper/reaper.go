// Package reaper enforces retention: it prunes old pipeline runs, fails runs
// stuck in a non-terminal state (crashed process, lost watchdog), and deletes
// archived raw responses past their window. It runs as a background daemon on
// the leader replica.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/grantflow-data/grantflow/platform/internal/domain"
)

// Config tunes the retention tasks.
type Config struct {
	// Interval between reaper ticks.
	Interval time.Duration
	// RunsMaxAgeDays prunes terminal runs older than this. 0 disables.
	RunsMaxAgeDays int
	// StuckRunTimeout fails pending/processing runs older than this.
	// This is the failsafe behind the in-process watchdog.
	StuckRunTimeout time.Duration
	// RawResponseMaxAge is the Postgres interval string for raw response
	// retention, e.g. "90 days". Empty disables.
	RawResponseMaxAge string
}

// DefaultConfig returns the production retention defaults.
func DefaultConfig() Config {
	return Config{
		Interval:          time.Hour,
		RunsMaxAgeDays:    90,
		StuckRunTimeout:   2 * time.Hour,
		RawResponseMaxAge: "90 days",
	}
}

// RunPruner is the run-store slice the reaper needs.
type RunPruner interface {
	DeleteRunsOlderThan(ctx context.Context, olderThan time.Time) (int, error)
	ListStuckRuns(ctx context.Context, olderThan time.Time) ([]domain.Run, error)
	UpdateRunStatus(ctx context.Context, runID uuid.UUID, status domain.RunStatus, errMsg *string) error
}

// ResponsePruner deletes archived raw responses past retention.
type ResponsePruner interface {
	DeleteOlderThan(ctx context.Context, interval string) (int, error)
}

// Status summarizes one reaper tick.
type Status struct {
	RunsPruned      int       `json:"runs_pruned"`
	RunsFailed      int       `json:"runs_failed"`
	ResponsesPruned int       `json:"responses_pruned"`
	LastRunAt       time.Time `json:"last_run_at"`
}

// Reaper is the background retention daemon.
type Reaper struct {
	cfg       Config
	runs      RunPruner
	responses ResponsePruner
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a Reaper with the given store dependencies.
func New(cfg Config, runs RunPruner, responses ResponsePruner) *Reaper {
	if cfg.Interval < time.Minute {
		cfg.Interval = time.Hour
	}
	return &Reaper{cfg: cfg, runs: runs, responses: responses}
}

// Start begins the background reaper goroutine.
func (r *Reaper) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.tick(ctx)
			}
		}
	}()
}

// Stop cancels the background goroutine and waits for it to finish.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.done != nil {
		<-r.done
	}
}

// RunNow triggers a manual reaper pass and returns the resulting stats.
func (r *Reaper) RunNow(ctx context.Context) *Status {
	return r.tick(ctx)
}

// tick executes all retention tasks. Each task is isolated — a failure in one
// does not prevent the others from running.
func (r *Reaper) tick(ctx context.Context) *Status {
	now := time.Now()
	status := &Status{LastRunAt: now}

	r.safeRun("pruneRuns", func() {
		status.RunsPruned = r.pruneRuns(ctx, now)
	})
	r.safeRun("failStuckRuns", func() {
		status.RunsFailed = r.failStuckRuns(ctx, now)
	})
	r.safeRun("pruneRawResponses", func() {
		status.ResponsesPruned = r.pruneRawResponses(ctx)
	})

	slog.Info("reaper: tick complete",
		"runs_pruned", status.RunsPruned,
		"runs_failed", status.RunsFailed,
		"responses_pruned", status.ResponsesPruned,
	)
	return status
}

// pruneRuns deletes terminal runs past the max age.
func (r *Reaper) pruneRuns(ctx context.Context, now time.Time) int {
	if r.runs == nil || r.cfg.RunsMaxAgeDays <= 0 {
		return 0
	}
	cutoff := now.Add(-time.Duration(r.cfg.RunsMaxAgeDays) * 24 * time.Hour)
	count, err := r.runs.DeleteRunsOlderThan(ctx, cutoff)
	if err != nil {
		slog.Error("reaper: failed to delete old runs", "error", err)
		return 0
	}
	return count
}

// failStuckRuns marks pending/processing runs as failed once they exceed the
// stuck timeout. These escaped their in-process watchdog, typically because
// the process died mid-run.
func (r *Reaper) failStuckRuns(ctx context.Context, now time.Time) int {
	if r.runs == nil || r.cfg.StuckRunTimeout <= 0 {
		return 0
	}

	cutoff := now.Add(-r.cfg.StuckRunTimeout)
	stuck, err := r.runs.ListStuckRuns(ctx, cutoff)
	if err != nil {
		slog.Error("reaper: failed to list stuck runs", "error", err)
		return 0
	}

	count := 0
	for _, run := range stuck {
		errMsg := fmt.Sprintf("run stuck in %s for over %s", run.Status, r.cfg.StuckRunTimeout)
		if err := r.runs.UpdateRunStatus(ctx, run.ID, domain.RunStatusFailed, &errMsg); err != nil {
			slog.Warn("reaper: failed to fail stuck run", "run_id", run.ID, "error", err)
			continue
		}
		slog.Warn("reaper: failed stuck run", "run_id", run.ID, "source_id", run.SourceID, "was", run.Status)
		count++
	}
	return count
}

// pruneRawResponses deletes archived raw responses past retention.
func (r *Reaper) pruneRawResponses(ctx context.Context) int {
	if r.responses == nil || r.cfg.RawResponseMaxAge == "" {
		return 0
	}
	count, err := r.responses.DeleteOlderThan(ctx, r.cfg.RawResponseMaxAge)
	if err != nil {
		slog.Error("reaper: failed to prune raw responses", "error", err)
		return 0
	}
	return count
}

// safeRun executes fn with panic recovery to isolate task failures.
func (r *Reaper) safeRun(name string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("reaper: task panicked", "task", name, "panic", rec)
		}
	}()
	fn()
}
