package runtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/hooklinehq/hookline/internal/run"
)

// Sweeper periodically resumes paused runs whose resume_at has passed.
// The paused→in_progress transition is the lock: two sweep workers
// racing for the same run see exactly one ClaimPaused winner.
type Sweeper struct {
	runs     *run.Repository
	executor *Executor
	interval time.Duration
	batch    int
}

// NewSweeper creates a Sweeper polling at interval, claiming at most
// batch runs per tick.
func NewSweeper(runs *run.Repository, executor *Executor, interval time.Duration, batch int) *Sweeper {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{runs: runs, executor: executor, interval: interval, batch: batch}
}

// Run blocks until ctx is cancelled, sweeping once per interval.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep claims and resumes all due runs once, then re-submits pending
// runs whose original submit was lost to a full queue or a crash.
// Exposed separately so tests can drive the sweep without a ticker.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := time.Now()
	due, err := s.runs.ListDue(ctx, now, s.batch)
	if err != nil {
		slog.Error("listing due runs failed", "err", err)
		return
	}
	for i := range due {
		r := &due[i]
		claimed, err := s.runs.ClaimPaused(ctx, r.ID, now)
		if err != nil {
			slog.Error("claiming paused run failed", "run_id", r.ID, "err", err)
			continue
		}
		if !claimed {
			continue // another sweeper won
		}
		s.executor.Resume(ctx, r)
	}

	// Pending runs older than one sweep interval should have executed by
	// now; re-submitting is safe because ClaimPending dedups workers.
	stale, err := s.runs.ListStalePending(ctx, now.Add(-s.interval), s.batch)
	if err != nil {
		slog.Error("listing stale pending runs failed", "err", err)
		return
	}
	for i := range stale {
		s.executor.Submit(stale[i].ID)
	}
}
