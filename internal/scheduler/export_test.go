package scheduler

import (
	"context"
	"time"
)

// SetNow overrides the scheduler clock.
func (s *Scheduler) SetNow(f func() time.Time) { s.now = f }

// Tick runs one evaluation pass synchronously.
func (s *Scheduler) Tick(ctx context.Context) { s.tick(ctx) }
