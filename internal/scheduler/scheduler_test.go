package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantflow-data/grantflow/platform/internal/pipeline"
	"github.com/grantflow-data/grantflow/platform/internal/postgres"
	"github.com/grantflow-data/grantflow/platform/internal/scheduler"
)

type fakeLister struct {
	mu      sync.Mutex
	sources []postgres.ScheduledSource
	err     error
}

func (f *fakeLister) ScheduledSources(context.Context) ([]postgres.ScheduledSource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sources, f.err
}

func (f *fakeLister) set(sources []postgres.ScheduledSource) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sources = sources
}

type fakeRunner struct {
	mu    sync.Mutex
	runs  []uuid.UUID
	err   error
}

func (f *fakeRunner) Run(_ context.Context, sourceID uuid.UUID, _ bool) (*pipeline.RunResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, sourceID)
	return &pipeline.RunResult{SourceID: sourceID}, f.err
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

func newClock(start time.Time) (func() time.Time, func(time.Duration)) {
	var mu sync.Mutex
	now := start
	return func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		}, func(d time.Duration) {
			mu.Lock()
			defer mu.Unlock()
			now = now.Add(d)
		}
}

func hourly(id uuid.UUID) postgres.ScheduledSource {
	return postgres.ScheduledSource{SourceID: id, Name: "grants-api", Schedule: "0 * * * *"}
}

func TestScheduler_FirstSightingDoesNotFire(t *testing.T) {
	id := uuid.New()
	lister := &fakeLister{sources: []postgres.ScheduledSource{hourly(id)}}
	runner := &fakeRunner{}
	s := scheduler.New(lister, runner, time.Minute)

	now, _ := newClock(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	s.SetNow(now)

	s.Tick(context.Background())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, runner.count())
}

func TestScheduler_FiresWhenDue(t *testing.T) {
	id := uuid.New()
	lister := &fakeLister{sources: []postgres.ScheduledSource{hourly(id)}}
	runner := &fakeRunner{}
	s := scheduler.New(lister, runner, time.Minute)

	now, advance := newClock(time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC))
	s.SetNow(now)

	s.Tick(context.Background()) // first sighting: schedules 11:00
	advance(31 * time.Minute)    // 11:01, past the fire time
	s.Tick(context.Background())

	require.Eventually(t, func() bool { return runner.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Next fire advanced onto the grid: an immediate re-tick does not double-fire.
	s.Tick(context.Background())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, runner.count())
}

func TestScheduler_ScheduleChangeResets(t *testing.T) {
	id := uuid.New()
	lister := &fakeLister{sources: []postgres.ScheduledSource{hourly(id)}}
	runner := &fakeRunner{}
	s := scheduler.New(lister, runner, time.Minute)

	now, advance := newClock(time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC))
	s.SetNow(now)

	s.Tick(context.Background())
	// The expression changes before the old fire time arrives.
	lister.set([]postgres.ScheduledSource{{SourceID: id, Name: "grants-api", Schedule: "30 2 * * *"}})
	advance(31 * time.Minute)
	s.Tick(context.Background())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, runner.count())
}

func TestScheduler_InvalidCronSkipped(t *testing.T) {
	lister := &fakeLister{sources: []postgres.ScheduledSource{
		{SourceID: uuid.New(), Name: "broken", Schedule: "not a cron"},
	}}
	runner := &fakeRunner{}
	s := scheduler.New(lister, runner, time.Minute)

	now, advance := newClock(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	s.SetNow(now)

	s.Tick(context.Background())
	advance(2 * time.Hour)
	s.Tick(context.Background())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, runner.count())
}

func TestScheduler_ConcurrentRunTolerated(t *testing.T) {
	id := uuid.New()
	lister := &fakeLister{sources: []postgres.ScheduledSource{hourly(id)}}
	runner := &fakeRunner{err: pipeline.ErrConcurrentRunInProgress}
	s := scheduler.New(lister, runner, time.Minute)

	now, advance := newClock(time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC))
	s.SetNow(now)

	s.Tick(context.Background())
	advance(31 * time.Minute)
	s.Tick(context.Background())

	require.Eventually(t, func() bool { return runner.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestScheduler_ListErrorTolerated(t *testing.T) {
	lister := &fakeLister{err: errors.New("db gone")}
	runner := &fakeRunner{}
	s := scheduler.New(lister, runner, time.Minute)

	s.Tick(context.Background())
	assert.Equal(t, 0, runner.count())
}

func TestScheduler_StartStop(t *testing.T) {
	lister := &fakeLister{}
	s := scheduler.New(lister, &fakeRunner{}, 10*time.Millisecond)

	s.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	s.Stop() // must not hang or panic
}
