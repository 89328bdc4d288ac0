// Package matcher finds the units an event triggers and creates one
// pending run per passing unit. Units are matched independently; no
// ordering is guaranteed between the resulting runs.
package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hooklinehq/hookline/internal/condition"
	"github.com/hooklinehq/hookline/internal/event"
	"github.com/hooklinehq/hookline/internal/external"
	"github.com/hooklinehq/hookline/internal/metrics"
	"github.com/hooklinehq/hookline/internal/run"
	"github.com/hooklinehq/hookline/internal/unit"
)

// Matcher evaluates stored units against incoming events.
type Matcher struct {
	units      *unit.Repository
	runs       *run.Repository
	classifier external.Classifier
}

// New creates a Matcher.
func New(units *unit.Repository, runs *run.Repository, classifier external.Classifier) *Matcher {
	return &Matcher{units: units, runs: runs, classifier: classifier}
}

// Match returns the runs created for ev, one per unit whose trigger and
// conditions all pass. A store failure aborts the whole event; a failure
// confined to one unit only skips that unit.
func (m *Matcher) Match(ctx context.Context, ev *event.Event) ([]run.Run, error) {
	start := time.Now()
	defer func() {
		metrics.MatchDuration.Observe(float64(time.Since(start).Milliseconds()))
	}()

	// Indexed lookup: only active units with an event-trigger leaf on
	// (source, type) are candidates; paused and disabled units are
	// filtered by the index query itself.
	candidates, err := m.units.ListActiveByEventKey(ctx, ev.Source, ev.Type)
	if err != nil {
		return nil, fmt.Errorf("matcher: candidate lookup: %w", err)
	}

	var created []run.Run
	for i := range candidates {
		u := &candidates[i]
		ok, err := m.unitMatches(ctx, u, ev)
		if err != nil {
			slog.Warn("unit evaluation failed, skipping",
				"unit_id", u.ID, "event_id", ev.ID, "err", err)
			continue
		}
		if !ok {
			continue
		}

		r := run.Run{
			ID:      uuid.New().String(),
			UnitID:  u.ID,
			EventID: ev.ID,
			OwnerID: u.OwnerID,
			Status:  run.StatusPending,
			Context: seedContext(ev),
		}
		if err := m.runs.Create(ctx, &r); err != nil {
			return created, fmt.Errorf("matcher: creating run for unit %s: %w", u.ID, err)
		}
		if err := m.units.RecordRun(ctx, u.ID, time.Now()); err != nil {
			slog.Warn("recording run on unit failed", "unit_id", u.ID, "err", err)
		}
		metrics.UnitsMatched.WithLabelValues(u.ID).Inc()
		created = append(created, r)
	}
	return created, nil
}

func (m *Matcher) unitMatches(ctx context.Context, u *unit.Unit, ev *event.Event) (bool, error) {
	ok, err := triggerMatches(u.Trigger, u.ID, ev)
	if err != nil {
		return false, fmt.Errorf("trigger: %w", err)
	}
	if !ok {
		return false, nil
	}

	// Conditions run in order; the first failure short-circuits.
	resolver := eventResolver(ev)
	for i, c := range u.Conditions {
		switch c.Type {
		case unit.ConditionEval:
			expr, err := condition.Parse(c.Expression)
			if err != nil {
				return false, fmt.Errorf("conditions[%d]: %w", i, err)
			}
			pass, err := expr.Eval(resolver)
			if err != nil || !pass {
				return false, nil
			}
		case unit.ConditionSemantic:
			input := payloadText(ev)
			pass, err := m.classifier.Classify(ctx, c.Prompt, input, c.Expect)
			if err != nil {
				// Fail closed: a broken classifier must never fire automations.
				metrics.ClassifierFailures.Inc()
				slog.Warn("classifier unavailable, condition treated as not met",
					"unit_id", u.ID, "event_id", ev.ID, "err", err)
				return false, nil
			}
			if !pass {
				return false, nil
			}
		default:
			return false, fmt.Errorf("conditions[%d]: unknown type %q", i, c.Type)
		}
	}
	return true, nil
}

// triggerMatches dispatches on the trigger variant. Schedule triggers
// never match inbound events directly; they fire only on the ticker's
// synthetic events addressed to their own unit.
func triggerMatches(t unit.Trigger, unitID string, ev *event.Event) (bool, error) {
	switch t.Type {
	case unit.TriggerEvent:
		if t.Source != ev.Source || t.EventType != ev.Type {
			return false, nil
		}
		if t.Filter == "" {
			return true, nil
		}
		expr, err := condition.Parse(t.Filter)
		if err != nil {
			return false, fmt.Errorf("filter: %w", err)
		}
		pass, err := expr.Eval(eventResolver(ev))
		if err != nil {
			// A filter referencing a field this payload lacks is a
			// non-match, not an error.
			return false, nil
		}
		return pass, nil

	case unit.TriggerSchedule:
		if ev.Source != unit.ScheduleEventSource || ev.Type != unit.ScheduleEventType {
			return false, nil
		}
		target, _ := ev.Payload["unit_id"].(string)
		return target == unitID, nil

	case unit.TriggerCompound:
		anyMatched := false
		eventSubs, matchedEvent := 0, 0
		for _, sub := range t.Triggers {
			ok, err := triggerMatches(sub, unitID, ev)
			if err != nil {
				return false, err
			}
			if ok {
				anyMatched = true
			}
			if sub.Type == unit.TriggerEvent {
				eventSubs++
				if ok {
					matchedEvent++
				}
			}
		}
		if t.Mode == unit.CompoundAll {
			// A single event cannot satisfy a schedule sub-trigger at
			// the same time, so all-mode considers event subs only.
			return eventSubs > 0 && matchedEvent == eventSubs, nil
		}
		return anyMatched, nil
	}
	return false, fmt.Errorf("unknown trigger type %q", t.Type)
}

// eventResolver exposes the event to filter and condition expressions as
// payload.* plus a small fixed event.* namespace.
func eventResolver(ev *event.Event) condition.MapResolver {
	return condition.MapResolver{
		"payload": ev.Payload,
		"event": map[string]interface{}{
			"id":       ev.ID,
			"source":   ev.Source,
			"type":     ev.Type,
			"owner_id": ev.OwnerID,
		},
	}
}

// seedContext is the initial run context: the event under "event" so
// later actions can reference {{event.payload.*}}.
func seedContext(ev *event.Event) map[string]interface{} {
	return map[string]interface{}{
		"event": map[string]interface{}{
			"id":       ev.ID,
			"source":   ev.Source,
			"type":     ev.Type,
			"owner_id": ev.OwnerID,
			"payload":  ev.Payload,
		},
	}
}

// payloadText flattens the payload for the semantic classifier's input.
func payloadText(ev *event.Event) string {
	if body, ok := ev.Payload["body"].(string); ok {
		return body
	}
	return fmt.Sprintf("%v", ev.Payload)
}
