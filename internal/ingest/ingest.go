// Package ingest is the single entry point for events. Both the HTTP
// API and the schedule ticker feed events through the same pipeline:
// durable write with dedup, unit matching, then run submission.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hooklinehq/hookline/internal/event"
	"github.com/hooklinehq/hookline/internal/eventstore"
	"github.com/hooklinehq/hookline/internal/matcher"
	"github.com/hooklinehq/hookline/internal/metrics"
	"github.com/hooklinehq/hookline/internal/run"
	"github.com/hooklinehq/hookline/internal/runtime"
)

// Pipeline wires the event store, the matcher and the executor.
type Pipeline struct {
	events   *eventstore.Store
	matcher  *matcher.Matcher
	executor *runtime.Executor
}

// New creates a Pipeline.
func New(events *eventstore.Store, m *matcher.Matcher, executor *runtime.Executor) *Pipeline {
	return &Pipeline{events: events, matcher: m, executor: executor}
}

// Ingest persists ev, and if it was not a duplicate, matches it against
// the stored units and submits the created runs. accepted reports
// whether the event was new; a duplicate returns (false, nil, nil) and
// has no side effects.
func (p *Pipeline) Ingest(ctx context.Context, ev *event.Event) (accepted bool, runs []run.Run, err error) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	ev.ReceivedAt = time.Now().UTC()

	accepted, err = p.events.Write(ctx, ev)
	if err != nil {
		// The durable write failed, so the event must not be processed:
		// without the dedup record a retry could double-fire.
		metrics.EventsDropped.Inc()
		return false, nil, fmt.Errorf("ingest: storing event: %w", err)
	}
	if !accepted {
		metrics.EventsDeduplicated.Inc()
		return false, nil, nil
	}
	metrics.EventsIngested.Inc()

	runs, err = p.matcher.Match(ctx, ev)
	if err != nil {
		return true, runs, fmt.Errorf("ingest: matching event %s: %w", ev.ID, err)
	}

	for i := range runs {
		if !p.executor.Submit(runs[i].ID) {
			// Queue full. The run stays pending; a sweep or restart
			// picks it up later.
			slog.Warn("executor queue full, run left pending", "run_id", runs[i].ID)
		}
	}
	return true, runs, nil
}
