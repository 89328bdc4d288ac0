package runtime

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hooklinehq/hookline/internal/entitycache"
	"github.com/hooklinehq/hookline/internal/fetch"
	"github.com/hooklinehq/hookline/internal/fetchdedup"
	"github.com/hooklinehq/hookline/internal/run"
	"github.com/hooklinehq/hookline/internal/store"
	"github.com/hooklinehq/hookline/internal/unit"
)

type fakeGenerator struct {
	text            string
	err             error
	lastInstruction string
	lastInput       string
}

func (f *fakeGenerator) Generate(ctx context.Context, instruction, input string) (string, error) {
	f.lastInstruction = instruction
	f.lastInput = input
	return f.text, f.err
}

type fakeTools struct {
	result interface{}
	err    error
	calls  int
}

func (f *fakeTools) Execute(ctx context.Context, toolName string, args map[string]interface{}, ownerID string) (interface{}, error) {
	f.calls++
	return f.result, f.err
}

type fakeNotifier struct {
	messages []string
	err      error
}

func (f *fakeNotifier) Notify(ctx context.Context, ownerID, channel, message string) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, message)
	return nil
}

type fixture struct {
	executor *Executor
	units    *unit.Repository
	runs     *run.Repository
	tools    *fakeTools
	gen      *fakeGenerator
	notify   *fakeNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(store.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}

	f := &fixture{
		units:  unit.NewRepository(db.DB),
		runs:   run.NewRepository(db.DB),
		tools:  &fakeTools{},
		gen:    &fakeGenerator{text: "generated"},
		notify: &fakeNotifier{},
	}
	fetcher := fetch.New(
		fetchdedup.New(db.DB, time.Hour),
		entitycache.New(db.DB, 24*time.Hour),
		f.tools,
	)
	// The pool is exercised separately; tests drive executePending and
	// Resume directly for determinism.
	f.executor = &Executor{
		runs:      f.runs,
		units:     f.units,
		fetcher:   fetcher,
		generator: f.gen,
		tools:     f.tools,
		notifier:  f.notify,
	}
	return f
}

// seed stores a unit with the given actions and one pending run for it,
// returning the run ID.
func (f *fixture) seed(t *testing.T, actions []unit.Action) string {
	t.Helper()
	ctx := context.Background()
	u := &unit.Unit{
		ID:      "u-1",
		OwnerID: "owner-1",
		Name:    "test unit",
		Status:  unit.StatusActive,
		Trigger: unit.Trigger{Type: unit.TriggerEvent, Source: "mail", EventType: "received"},
		Actions: actions,
	}
	if err := f.units.Create(ctx, u); err != nil {
		t.Fatalf("create unit: %v", err)
	}
	r := &run.Run{
		ID:      "r-1",
		UnitID:  u.ID,
		EventID: "ev-1",
		OwnerID: "owner-1",
		Status:  run.StatusPending,
		Context: map[string]interface{}{
			"event": map[string]interface{}{
				"payload": map[string]interface{}{"from": "boss@corp.test"},
			},
		},
	}
	if err := f.runs.Create(ctx, r); err != nil {
		t.Fatalf("create run: %v", err)
	}
	return r.ID
}

func (f *fixture) mustRun(t *testing.T, id string) *run.Run {
	t.Helper()
	r, err := f.runs.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	return r
}

func (f *fixture) mustSteps(t *testing.T, id string) []run.Step {
	t.Helper()
	steps, err := f.runs.ListSteps(context.Background(), id)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	return steps
}

func TestExecute_ChainAccumulatesContext(t *testing.T) {
	f := newFixture(t)
	f.tools.result = map[string]interface{}{"count": float64(3)}
	f.gen.text = "two bullet points"

	id := f.seed(t, []unit.Action{
		{Type: unit.ActionTool, Tool: "tickets.list_open", As: "tickets"},
		{Type: unit.ActionLLM, As: "summary",
			Instruction: "Summarize for {{event.payload.from}}",
			Input:       "{{tickets}}"},
		{Type: unit.ActionNotify, Channel: "slack", Message: "done: {{summary}}"},
	})
	f.executor.executePending(context.Background(), id)

	r := f.mustRun(t, id)
	if r.Status != run.StatusSuccess {
		t.Fatalf("status = %s (%s), want success", r.Status, r.Error)
	}
	steps := f.mustSteps(t, id)
	if len(steps) != 3 {
		t.Fatalf("steps = %d, want 3", len(steps))
	}
	for i, s := range steps {
		if s.Status != run.StepSuccess {
			t.Errorf("step %d status = %s", i, s.Status)
		}
	}
	if f.gen.lastInstruction != "Summarize for boss@corp.test" {
		t.Errorf("instruction = %q", f.gen.lastInstruction)
	}
	if len(f.notify.messages) != 1 || f.notify.messages[0] != "done: two bullet points" {
		t.Errorf("notifications = %v", f.notify.messages)
	}
}

func TestExecute_SecondStepFailureStopsChain(t *testing.T) {
	f := newFixture(t)
	f.tools.err = errors.New("crm: rate limited")

	id := f.seed(t, []unit.Action{
		{Type: unit.ActionNotify, Channel: "slack", Message: "starting"},
		{Type: unit.ActionTool, Tool: "crm.get"},
		{Type: unit.ActionNotify, Channel: "slack", Message: "never sent"},
	})
	f.executor.executePending(context.Background(), id)

	r := f.mustRun(t, id)
	if r.Status != run.StatusFailed {
		t.Fatalf("status = %s, want failed", r.Status)
	}
	if !strings.Contains(r.Error, "crm: rate limited") {
		t.Errorf("run error lost the collaborator message: %q", r.Error)
	}

	steps := f.mustSteps(t, id)
	if len(steps) != 2 {
		t.Fatalf("steps = %d, want 2 (third action must never execute)", len(steps))
	}
	if steps[0].Status != run.StepSuccess {
		t.Errorf("step 0 = %s", steps[0].Status)
	}
	if steps[1].Status != run.StepFailed || !strings.Contains(steps[1].Error, "crm: rate limited") {
		t.Errorf("step 1 = %+v", steps[1])
	}
	if len(f.notify.messages) != 1 {
		t.Errorf("notifications = %v, want only the first", f.notify.messages)
	}
}

func TestExecute_UnresolvablePlaceholderFailsStep(t *testing.T) {
	f := newFixture(t)

	id := f.seed(t, []unit.Action{
		{Type: unit.ActionNotify, Channel: "slack", Message: "value: {{no.such.result}}"},
	})
	f.executor.executePending(context.Background(), id)

	r := f.mustRun(t, id)
	if r.Status != run.StatusFailed {
		t.Fatalf("status = %s, want failed", r.Status)
	}
	if !strings.Contains(r.Error, "no.such.result") {
		t.Errorf("error does not name the placeholder: %q", r.Error)
	}
	if len(f.notify.messages) != 0 {
		t.Error("notify executed with unresolved template")
	}
}

func TestExecute_WaitPausesAndSweepResumes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id := f.seed(t, []unit.Action{
		{Type: unit.ActionNotify, Channel: "slack", Message: "before"},
		{Type: unit.ActionWait, Duration: "30m"},
		{Type: unit.ActionNotify, Channel: "slack", Message: "after"},
	})
	f.executor.executePending(ctx, id)

	r := f.mustRun(t, id)
	if r.Status != run.StatusPaused {
		t.Fatalf("status = %s, want paused", r.Status)
	}
	if r.CurrentStep != 1 {
		t.Errorf("current_step = %d, want 1 (the wait step)", r.CurrentStep)
	}
	if r.ResumeAt == nil {
		t.Fatal("resume_at not set")
	}
	until := time.Until(*r.ResumeAt)
	if until < 29*time.Minute || until > 31*time.Minute {
		t.Errorf("resume_at %v not ~30m out", until)
	}
	steps := f.mustSteps(t, id)
	if len(steps) != 2 {
		t.Fatalf("steps = %d, want 2 (later actions untouched while paused)", len(steps))
	}
	if steps[1].Status != run.StepWaiting {
		t.Errorf("wait step status = %s, want waiting", steps[1].Status)
	}
	if len(f.notify.messages) != 1 {
		t.Fatalf("notifications while paused = %v", f.notify.messages)
	}

	// The sweep claims the due run and resumes at the next step.
	claimed, err := f.runs.ClaimPaused(ctx, id, r.ResumeAt.Add(time.Minute))
	if err != nil || !claimed {
		t.Fatalf("claim paused: claimed=%v err=%v", claimed, err)
	}
	f.executor.Resume(ctx, f.mustRun(t, id))

	r = f.mustRun(t, id)
	if r.Status != run.StatusSuccess {
		t.Fatalf("status after resume = %s (%s), want success", r.Status, r.Error)
	}
	steps = f.mustSteps(t, id)
	if len(steps) != 3 {
		t.Fatalf("steps after resume = %d, want 3", len(steps))
	}
	if steps[1].Status != run.StepSuccess {
		t.Errorf("wait step after resume = %s, want success", steps[1].Status)
	}
	if len(f.notify.messages) != 2 || f.notify.messages[1] != "after" {
		t.Errorf("notifications = %v", f.notify.messages)
	}
}

func TestExecute_CheckStopIsSuccessNotFailure(t *testing.T) {
	f := newFixture(t)

	id := f.seed(t, []unit.Action{
		{Type: unit.ActionCheck, Expression: `event.payload.from == "nobody"`, OnFalse: unit.OutcomeStop},
		{Type: unit.ActionNotify, Channel: "slack", Message: "never sent"},
	})
	f.executor.executePending(context.Background(), id)

	r := f.mustRun(t, id)
	if r.Status != run.StatusSuccess {
		t.Fatalf("status = %s, want success (deliberate stop is not a failure)", r.Status)
	}
	steps := f.mustSteps(t, id)
	if len(steps) != 1 {
		t.Fatalf("steps = %d, want 1", len(steps))
	}
	if steps[0].Status != run.StepSuccess || steps[0].Result != "stopped" {
		t.Errorf("check step = %+v", steps[0])
	}
	if len(f.notify.messages) != 0 {
		t.Error("actions after a stop check still executed")
	}
}

func TestExecute_CheckContinueProceeds(t *testing.T) {
	f := newFixture(t)

	id := f.seed(t, []unit.Action{
		{Type: unit.ActionCheck, Expression: `event.payload.from == "nobody"`, OnFalse: unit.OutcomeContinue},
		{Type: unit.ActionNotify, Channel: "slack", Message: "sent anyway"},
	})
	f.executor.executePending(context.Background(), id)

	r := f.mustRun(t, id)
	if r.Status != run.StatusSuccess {
		t.Fatalf("status = %s, want success", r.Status)
	}
	if len(f.notify.messages) != 1 {
		t.Errorf("notifications = %v", f.notify.messages)
	}
	steps := f.mustSteps(t, id)
	if steps[0].Result != "false" {
		t.Errorf("check result = %q, want recorded false", steps[0].Result)
	}
}

func TestExecute_CheckOnMissingFieldTreatedAsFalse(t *testing.T) {
	f := newFixture(t)

	id := f.seed(t, []unit.Action{
		{Type: unit.ActionCheck, Expression: `missing.field > 10`, OnFalse: unit.OutcomeStop},
		{Type: unit.ActionNotify, Channel: "slack", Message: "never sent"},
	})
	f.executor.executePending(context.Background(), id)

	r := f.mustRun(t, id)
	if r.Status != run.StatusSuccess {
		t.Fatalf("status = %s, want success", r.Status)
	}
	if len(f.notify.messages) != 0 {
		t.Error("unresolvable check did not stop the run")
	}
}

func TestExecute_FetchToolShapesContext(t *testing.T) {
	f := newFixture(t)
	f.tools.result = []interface{}{
		map[string]interface{}{"id": "msg-1", "body": "<b>hello</b>"},
	}

	id := f.seed(t, []unit.Action{
		{Type: unit.ActionTool, Tool: "mail.search", Provider: "mail",
			Fetch: true, EntityType: "email", As: "mail",
			Args: map[string]interface{}{"sender": "{{event.payload.from}}"}},
	})
	f.executor.executePending(context.Background(), id)

	r := f.mustRun(t, id)
	if r.Status != run.StatusSuccess {
		t.Fatalf("status = %s (%s), want success", r.Status, r.Error)
	}
	mail, ok := r.Context["mail"].(map[string]interface{})
	if !ok {
		t.Fatalf("context missing fetch result: %+v", r.Context)
	}
	ids, ok := mail["entity_ids"].([]interface{})
	if !ok || len(ids) != 1 || ids[0] != "msg-1" {
		t.Errorf("entity_ids = %v", mail["entity_ids"])
	}
	entities, ok := mail["entities"].([]interface{})
	if !ok || len(entities) != 1 {
		t.Fatalf("entities = %v", mail["entities"])
	}
	first := entities[0].(map[string]interface{})
	if first["body"] != "hello" {
		t.Errorf("cached body = %v, want cleaned text", first["body"])
	}
}

func TestExecutePending_LostClaimIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id := f.seed(t, []unit.Action{
		{Type: unit.ActionNotify, Channel: "slack", Message: "once"},
	})
	if _, err := f.runs.ClaimPending(ctx, id, time.Now()); err != nil {
		t.Fatalf("pre-claim: %v", err)
	}

	// A second worker arriving after the claim must do nothing.
	f.executor.executePending(ctx, id)
	if len(f.mustSteps(t, id)) != 0 {
		t.Error("worker executed a run it did not claim")
	}
	if len(f.notify.messages) != 0 {
		t.Errorf("notifications = %v", f.notify.messages)
	}
}

func TestSweep_ResumesDueRunsOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id := f.seed(t, []unit.Action{
		{Type: unit.ActionWait, Duration: "1ms"},
		{Type: unit.ActionNotify, Channel: "slack", Message: "resumed"},
	})
	f.executor.executePending(ctx, id)
	if f.mustRun(t, id).Status != run.StatusPaused {
		t.Fatal("run did not pause")
	}

	time.Sleep(5 * time.Millisecond) // let resume_at pass
	sweeper := NewSweeper(f.runs, f.executor, time.Second, 10)
	sweeper.Sweep(ctx)

	r := f.mustRun(t, id)
	if r.Status != run.StatusSuccess {
		t.Fatalf("status after sweep = %s (%s), want success", r.Status, r.Error)
	}
	if len(f.notify.messages) != 1 || f.notify.messages[0] != "resumed" {
		t.Errorf("notifications = %v", f.notify.messages)
	}
}
