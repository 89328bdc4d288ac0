// Package schedule turns cron triggers into events. Once per minute the
// ticker walks the active scheduled units and, for each cron spec due in
// that minute, emits a synthetic event through the normal ingest path.
// The event's dedupe key is derived from the unit and the minute, so a
// restart or a second instance cannot double-fire a schedule.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hooklinehq/hookline/internal/event"
	"github.com/hooklinehq/hookline/internal/ingest"
	"github.com/hooklinehq/hookline/internal/unit"
)

// Ticker evaluates schedule triggers once per minute.
type Ticker struct {
	units    *unit.Repository
	pipeline *ingest.Pipeline
}

// NewTicker creates a Ticker.
func NewTicker(units *unit.Repository, pipeline *ingest.Pipeline) *Ticker {
	return &Ticker{units: units, pipeline: pipeline}
}

// Run blocks until ctx is cancelled, ticking at each minute boundary.
func (t *Ticker) Run(ctx context.Context) {
	for {
		now := time.Now()
		next := now.Truncate(time.Minute).Add(time.Minute)
		select {
		case <-time.After(next.Sub(now)):
			t.Tick(ctx, next)
		case <-ctx.Done():
			return
		}
	}
}

// Tick fires every schedule trigger due at the given minute. Exposed
// separately so tests can drive ticks without waiting for wall-clock
// minutes.
func (t *Ticker) Tick(ctx context.Context, minute time.Time) {
	minute = minute.UTC().Truncate(time.Minute)

	units, err := t.units.ListActiveScheduled(ctx)
	if err != nil {
		slog.Error("listing scheduled units failed", "err", err)
		return
	}

	for i := range units {
		u := &units[i]
		if !dueAt(u.Trigger, minute) {
			continue
		}
		ev := &event.Event{
			Source:     unit.ScheduleEventSource,
			Type:       unit.ScheduleEventType,
			OccurredAt: minute,
			OwnerID:    u.OwnerID,
			Payload: map[string]interface{}{
				"unit_id":  u.ID,
				"fired_at": minute.Format(time.RFC3339),
			},
			DedupeKey: fmt.Sprintf("schedule:%s:%s", u.ID, minute.Format("200601021504")),
		}
		accepted, _, err := t.pipeline.Ingest(ctx, ev)
		if err != nil {
			slog.Error("ingesting schedule event failed", "unit_id", u.ID, "err", err)
			continue
		}
		if accepted {
			slog.Info("schedule fired", "unit_id", u.ID, "minute", minute)
		}
	}
}

// dueAt reports whether any schedule leaf of the trigger fires exactly
// at the given minute.
func dueAt(t unit.Trigger, minute time.Time) bool {
	for _, st := range t.ScheduleTriggers() {
		next, err := unit.NextScheduleFire(st.Cron, minute.Add(-time.Second))
		if err != nil {
			continue // invalid specs are rejected at validation time
		}
		if next.Equal(minute) {
			return true
		}
	}
	return false
}
