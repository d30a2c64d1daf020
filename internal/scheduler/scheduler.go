// Package scheduler fires pipeline runs from per-source cron schedules.
// It runs as a background goroutine inside grantflowd, re-reading the
// configured schedules on every tick so edits take effect without a restart.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/grantflow-data/grantflow/platform/internal/pipeline"
	"github.com/grantflow-data/grantflow/platform/internal/postgres"
)

// SourceLister returns the active sources that carry a cron schedule.
type SourceLister interface {
	ScheduledSources(ctx context.Context) ([]postgres.ScheduledSource, error)
}

// Runner starts a pipeline run for one source. Implemented by the pipeline
// service; the advisory lock inside makes double-fires harmless.
type Runner interface {
	Run(ctx context.Context, sourceID uuid.UUID, force bool) (*pipeline.RunResult, error)
}

// Scheduler checks source schedules and fires runs when they're due.
type Scheduler struct {
	sources  SourceLister
	runner   Runner
	interval time.Duration
	parser   cron.Parser
	now      func() time.Time
	cancel   context.CancelFunc
	done     chan struct{}

	mu      sync.Mutex
	nextDue map[uuid.UUID]nextFire
}

// nextFire remembers when a source fires next, invalidated when its cron
// expression changes.
type nextFire struct {
	expr string
	at   time.Time
}

// New creates a Scheduler with the given check interval.
func New(sources SourceLister, runner Runner, interval time.Duration) *Scheduler {
	return &Scheduler{
		sources:  sources,
		runner:   runner,
		interval: interval,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		now:      time.Now,
		nextDue:  map[uuid.UUID]nextFire{},
	}
}

// Start begins the background scheduler goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

// Stop cancels the background goroutine and waits for it to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

// tick evaluates every scheduled source and fires the due ones.
func (s *Scheduler) tick(ctx context.Context) {
	scheduled, err := s.sources.ScheduledSources(ctx)
	if err != nil {
		slog.Error("scheduler: failed to list scheduled sources", "error", err)
		return
	}

	now := s.now()
	seen := map[uuid.UUID]struct{}{}

	for _, src := range scheduled {
		seen[src.SourceID] = struct{}{}

		cronSched, err := s.parser.Parse(src.Schedule)
		if err != nil {
			slog.Warn("scheduler: invalid cron expression",
				"source", src.Name, "cron", src.Schedule, "error", err)
			continue
		}

		s.mu.Lock()
		next, ok := s.nextDue[src.SourceID]
		if !ok || next.expr != src.Schedule {
			// First sighting, or the expression changed: compute the next
			// fire time and wait for it rather than firing immediately.
			s.nextDue[src.SourceID] = nextFire{expr: src.Schedule, at: cronSched.Next(now)}
			s.mu.Unlock()
			continue
		}
		due := !next.at.After(now)
		if due {
			// Advance from now: one catch-up fire, then back onto the grid.
			s.nextDue[src.SourceID] = nextFire{expr: src.Schedule, at: cronSched.Next(now)}
		}
		s.mu.Unlock()

		if !due {
			continue
		}

		s.fire(ctx, src)
	}

	// Drop state for sources that lost their schedule.
	s.mu.Lock()
	for id := range s.nextDue {
		if _, ok := seen[id]; !ok {
			delete(s.nextDue, id)
		}
	}
	s.mu.Unlock()
}

// fire starts a run in the background so one slow source cannot stall the
// scheduler loop. A run already in flight for the source is not an error.
func (s *Scheduler) fire(ctx context.Context, src postgres.ScheduledSource) {
	slog.Info("scheduler: firing run", "source", src.Name, "cron", src.Schedule)
	go func() {
		if _, err := s.runner.Run(ctx, src.SourceID, false); err != nil {
			if errors.Is(err, pipeline.ErrConcurrentRunInProgress) {
				slog.Debug("scheduler: run already in progress", "source", src.Name)
				return
			}
			slog.Error("scheduler: run failed", "source", src.Name, "error", err)
		}
	}()
}
