// Package runtime drives a matched unit's action chain through a
// resumable state machine. Every step transition is persisted before the
// next step runs, so a crash mid-chain leaves the run claimable at
// current_step rather than corrupted.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hooklinehq/hookline/internal/condition"
	"github.com/hooklinehq/hookline/internal/external"
	"github.com/hooklinehq/hookline/internal/fetch"
	"github.com/hooklinehq/hookline/internal/fetchdedup"
	"github.com/hooklinehq/hookline/internal/metrics"
	"github.com/hooklinehq/hookline/internal/run"
	"github.com/hooklinehq/hookline/internal/template"
	"github.com/hooklinehq/hookline/internal/unit"
)

// errStopped signals a check action's deliberate early exit. It never
// escapes the executor.
var errStopped = errors.New("runtime: run stopped by check action")

// Config holds the executor's concurrency settings.
type Config struct {
	Workers    int
	QueueDepth int
}

// Executor owns the run worker pool and the step loop.
type Executor struct {
	runs      *run.Repository
	units     *unit.Repository
	fetcher   *fetch.Fetcher
	generator external.Generator
	tools     external.ToolExecutor
	notifier  external.Notifier
	pool      *workerPool[string]
}

// New creates an Executor and starts its worker pool. The pool stops
// when ctx is cancelled; call Shutdown to drain it.
func New(ctx context.Context, runs *run.Repository, units *unit.Repository,
	fetcher *fetch.Fetcher, generator external.Generator,
	tools external.ToolExecutor, notifier external.Notifier, conf Config) *Executor {

	e := &Executor{
		runs:      runs,
		units:     units,
		fetcher:   fetcher,
		generator: generator,
		tools:     tools,
		notifier:  notifier,
	}
	e.pool = newWorkerPool(ctx, conf.Workers, conf.QueueDepth, func(ctx context.Context, runID string) {
		e.executePending(ctx, runID)
	})
	return e
}

// Submit enqueues a pending run for execution. Returns false if the
// queue is full; the run stays pending and a later submit can pick it up.
func (e *Executor) Submit(runID string) bool {
	return e.pool.Submit(runID)
}

// QueueUtilization returns queue used / capacity (0-1).
func (e *Executor) QueueUtilization() float64 {
	if e.pool.QueueCap() == 0 {
		return 0
	}
	return float64(e.pool.QueueLen()) / float64(e.pool.QueueCap())
}

// Shutdown drains the pool gracefully.
func (e *Executor) Shutdown() {
	e.pool.Drain()
}

// executePending claims a pending run and drives it. Losing the claim is
// not an error: another worker got there first.
func (e *Executor) executePending(ctx context.Context, runID string) {
	claimed, err := e.runs.ClaimPending(ctx, runID, time.Now())
	if err != nil {
		slog.Error("claiming pending run failed", "run_id", runID, "err", err)
		return
	}
	if !claimed {
		return
	}
	e.drive(ctx, runID)
}

// Resume finishes a claimed run's wait step and re-enters the loop at
// the next step. The caller (the sweep) must have won ClaimPaused first.
func (e *Executor) Resume(ctx context.Context, r *run.Run) {
	now := time.Now()
	if err := e.runs.FinishStep(ctx, r.ID, r.CurrentStep, run.StepSuccess, "", "", now); err != nil && !errors.Is(err, run.ErrNotFound) {
		slog.Error("finishing wait step failed", "run_id", r.ID, "err", err)
	}
	if err := e.runs.SaveProgress(ctx, r.ID, r.CurrentStep+1, r.Context); err != nil {
		slog.Error("advancing resumed run failed", "run_id", r.ID, "err", err)
		return
	}
	metrics.RunsResumed.Inc()
	e.drive(ctx, r.ID)
}

// drive executes a run already in in_progress from its current step
// until it completes, fails or pauses.
func (e *Executor) drive(ctx context.Context, runID string) {
	r, err := e.runs.GetByID(ctx, runID)
	if err != nil {
		slog.Error("loading run failed", "run_id", runID, "err", err)
		return
	}
	u, err := e.units.GetByID(ctx, r.UnitID)
	if err != nil {
		e.fail(ctx, r, fmt.Sprintf("loading unit %s: %s", r.UnitID, err))
		return
	}

	for i := r.CurrentStep; i < len(u.Actions); i++ {
		action := u.Actions[i]
		paused, err := e.step(ctx, r, u, i, action)
		if err != nil {
			if errors.Is(err, errStopped) {
				e.complete(ctx, r, run.StatusSuccess, "")
				return
			}
			e.fail(ctx, r, err.Error())
			return
		}
		if paused {
			metrics.RunsPaused.Inc()
			return
		}
		if err := e.runs.SaveProgress(ctx, r.ID, i+1, r.Context); err != nil {
			slog.Error("persisting step progress failed", "run_id", r.ID, "err", err)
			return
		}
		r.CurrentStep = i + 1
	}
	e.complete(ctx, r, run.StatusSuccess, "")
}

// step executes one action. It records the RunStep, returning
// paused=true for a wait action, errStopped for a deliberate check stop,
// and any other error for a step failure that fails the run.
func (e *Executor) step(ctx context.Context, r *run.Run, u *unit.Unit, index int, action unit.Action) (paused bool, err error) {
	now := time.Now()
	stepStatus := run.StepInProgress
	if action.Type == unit.ActionWait {
		stepStatus = run.StepWaiting
	}
	if err := e.runs.InsertStep(ctx, &run.Step{
		RunID:      r.ID,
		StepIndex:  index,
		ActionType: string(action.Type),
		Status:     stepStatus,
		StartedAt:  now,
	}); err != nil && !errors.Is(err, run.ErrStepExists) {
		return false, fmt.Errorf("recording step %d: %s", index, err)
	}

	result, paused, execErr := e.dispatch(ctx, r, u, index, action)
	if execErr != nil {
		if errors.Is(execErr, errStopped) {
			// Deliberate early exit: the step itself succeeded.
			e.finishStep(ctx, r.ID, index, run.StepSuccess, result, "")
			metrics.StepsExecuted.WithLabelValues(string(action.Type), "success").Inc()
			return false, execErr
		}
		// The failing collaborator's message is preserved verbatim.
		e.finishStep(ctx, r.ID, index, run.StepFailed, "", execErr.Error())
		metrics.StepsExecuted.WithLabelValues(string(action.Type), "failed").Inc()
		return false, execErr
	}
	if paused {
		// The wait step stays in waiting status until the sweep
		// resumes the run and marks it complete.
		return true, nil
	}
	e.finishStep(ctx, r.ID, index, run.StepSuccess, result, "")
	metrics.StepsExecuted.WithLabelValues(string(action.Type), "success").Inc()
	return false, nil
}

// dispatch switches on the action variant. Template placeholders in the
// action's string config resolve against the run context first; an
// unresolvable reference is a hard failure for the step.
func (e *Executor) dispatch(ctx context.Context, r *run.Run, u *unit.Unit, index int, action unit.Action) (result string, paused bool, err error) {
	switch action.Type {
	case unit.ActionTool:
		return e.execTool(ctx, r, u, action)

	case unit.ActionLLM:
		instruction, err := template.ResolveString(action.Instruction, r.Context)
		if err != nil {
			return "", false, err
		}
		input, err := template.ResolveString(action.Input, r.Context)
		if err != nil {
			return "", false, err
		}
		text, err := e.generator.Generate(ctx, instruction, input)
		if err != nil {
			return "", false, err
		}
		if action.As != "" {
			r.Context[action.As] = text
		}
		return text, false, nil

	case unit.ActionNotify:
		message, err := template.ResolveString(action.Message, r.Context)
		if err != nil {
			return "", false, err
		}
		if err := e.notifier.Notify(ctx, r.OwnerID, action.Channel, message); err != nil {
			return "", false, err
		}
		return "", false, nil

	case unit.ActionWait:
		d, err := action.WaitDuration()
		if err != nil {
			return "", false, err
		}
		resumeAt := time.Now().Add(d)
		if err := e.runs.Pause(ctx, r.ID, index, r.Context, resumeAt); err != nil {
			return "", false, err
		}
		return "", true, nil

	case unit.ActionCheck:
		expr, err := condition.Parse(action.Expression)
		if err != nil {
			return "", false, err
		}
		pass, evalErr := expr.Eval(condition.MapResolver(r.Context))
		if evalErr != nil {
			// An unresolvable check field means the condition does not
			// hold, same as an unresolvable semantic condition.
			pass = false
		}
		if !pass && action.OnFalse == unit.OutcomeStop {
			return "stopped", false, errStopped
		}
		return fmt.Sprintf("%t", pass), false, nil
	}
	return "", false, fmt.Errorf("unknown action type %q", action.Type)
}

func (e *Executor) execTool(ctx context.Context, r *run.Run, u *unit.Unit, action unit.Action) (string, bool, error) {
	args, err := template.ResolveMap(action.Args, r.Context)
	if err != nil {
		return "", false, err
	}

	var value interface{}
	if action.Fetch {
		res, err := e.fetcher.Fetch(ctx, scopeKey(r), r.OwnerID, action.EntityType, fetchdedup.Request{
			Tool:     action.Tool,
			Provider: action.Provider,
			Args:     args,
		})
		if err != nil {
			return "", false, err
		}
		value = fetchResultValue(res)
	} else {
		value, err = e.tools.Execute(ctx, action.Tool, args, r.OwnerID)
		if err != nil {
			return "", false, err
		}
	}

	if action.As != "" {
		r.Context[action.As] = value
	}
	return stringifyResult(value), false, nil
}

func (e *Executor) finishStep(ctx context.Context, runID string, index int, status run.StepStatus, result, stepErr string) {
	if err := e.runs.FinishStep(ctx, runID, index, status, result, stepErr, time.Now()); err != nil {
		slog.Error("finishing step failed", "run_id", runID, "step", index, "err", err)
	}
}

func (e *Executor) complete(ctx context.Context, r *run.Run, status run.Status, runErr string) {
	if err := e.runs.Complete(ctx, r.ID, status, runErr, time.Now()); err != nil {
		slog.Error("completing run failed", "run_id", r.ID, "err", err)
		return
	}
	metrics.RunsCompleted.WithLabelValues(string(status)).Inc()
	slog.Info("run completed", "run_id", r.ID, "unit_id", r.UnitID, "status", status)
}

func (e *Executor) fail(ctx context.Context, r *run.Run, message string) {
	if err := e.runs.Complete(ctx, r.ID, run.StatusFailed, message, time.Now()); err != nil {
		slog.Error("failing run failed", "run_id", r.ID, "err", err)
		return
	}
	metrics.RunsCompleted.WithLabelValues(string(run.StatusFailed)).Inc()
	slog.Warn("run failed", "run_id", r.ID, "unit_id", r.UnitID, "err", message)
}

// scopeKey partitions cache and dedup namespaces per owner.
func scopeKey(r *run.Run) string {
	return r.OwnerID
}

// fetchResultValue shapes a fetch result for the run context: entity ids
// plus the cleaned bodies, ready for a downstream llm action.
func fetchResultValue(res *fetch.Result) map[string]interface{} {
	bodies := make([]interface{}, 0, len(res.Entities))
	for _, e := range res.Entities {
		bodies = append(bodies, map[string]interface{}{
			"id":   e.EntityID,
			"type": e.Type,
			"body": e.CleanBody,
		})
	}
	ids := make([]interface{}, 0, len(res.EntityIDs))
	for _, id := range res.EntityIDs {
		ids = append(ids, id)
	}
	return map[string]interface{}{
		"entity_ids": ids,
		"entities":   bodies,
		"from_cache": res.FromCache,
	}
}

func stringifyResult(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
