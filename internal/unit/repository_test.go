package unit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hooklinehq/hookline/internal/store"
)

func testRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := store.Open(store.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}
	return NewRepository(db.DB)
}

func mailUnit(id string, status Status) *Unit {
	return &Unit{
		ID:      id,
		OwnerID: "owner-1",
		Name:    "unit " + id,
		Status:  status,
		Trigger: Trigger{Type: TriggerEvent, Source: "mail", EventType: "received"},
		Actions: []Action{{Type: ActionNotify, Channel: "slack", Message: "ping"}},
	}
}

func TestRepository_CreateGetRoundTrip(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	in := mailUnit("u-1", StatusActive)
	in.Conditions = []Condition{{Type: ConditionEval, Expression: "payload.amount > 10"}}
	if err := repo.Create(ctx, in); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := repo.GetByID(ctx, "u-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != in.Name || got.Status != StatusActive {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.Trigger.Source != "mail" || got.Trigger.EventType != "received" {
		t.Errorf("trigger lost: %+v", got.Trigger)
	}
	if len(got.Conditions) != 1 || got.Conditions[0].Expression != "payload.amount > 10" {
		t.Errorf("conditions lost: %+v", got.Conditions)
	}
	if len(got.Actions) != 1 || got.Actions[0].Type != ActionNotify {
		t.Errorf("actions lost: %+v", got.Actions)
	}
}

func TestRepository_CreateDuplicateID(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	if err := repo.Create(ctx, mailUnit("u-1", StatusActive)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.Create(ctx, mailUnit("u-1", StatusActive)); !errors.Is(err, ErrExists) {
		t.Fatalf("err = %v, want ErrExists", err)
	}
}

func TestRepository_GetMissing(t *testing.T) {
	repo := testRepo(t)
	if _, err := repo.GetByID(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRepository_ListActiveByEventKey(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	active := mailUnit("u-active", StatusActive)
	paused := mailUnit("u-paused", StatusPaused)
	disabled := mailUnit("u-disabled", StatusDisabled)
	other := mailUnit("u-other", StatusActive)
	other.Trigger = Trigger{Type: TriggerEvent, Source: "crm", EventType: "updated"}

	for _, u := range []*Unit{active, paused, disabled, other} {
		if err := repo.Create(ctx, u); err != nil {
			t.Fatalf("create %s: %v", u.ID, err)
		}
	}

	got, err := repo.ListActiveByEventKey(ctx, "mail", "received")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != "u-active" {
		t.Fatalf("candidates = %+v, want only u-active", got)
	}
}

func TestRepository_CompoundTriggerIndexedPerLeaf(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	u := mailUnit("u-compound", StatusActive)
	u.Trigger = Trigger{Type: TriggerCompound, Mode: CompoundAny, Triggers: []Trigger{
		{Type: TriggerEvent, Source: "mail", EventType: "received"},
		{Type: TriggerEvent, Source: "crm", EventType: "updated"},
	}}
	if err := repo.Create(ctx, u); err != nil {
		t.Fatalf("create: %v", err)
	}

	for _, key := range [][2]string{{"mail", "received"}, {"crm", "updated"}} {
		got, err := repo.ListActiveByEventKey(ctx, key[0], key[1])
		if err != nil {
			t.Fatalf("list %v: %v", key, err)
		}
		if len(got) != 1 || got[0].ID != "u-compound" {
			t.Errorf("key %v: candidates = %+v", key, got)
		}
	}
}

func TestRepository_ScheduleTriggerIndexedUnderSchedulerKey(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	u := mailUnit("u-sched", StatusActive)
	u.Trigger = Trigger{Type: TriggerSchedule, Cron: "0 7 * * *"}
	if err := repo.Create(ctx, u); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := repo.ListActiveByEventKey(ctx, ScheduleEventSource, ScheduleEventType)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != "u-sched" {
		t.Fatalf("candidates = %+v, want u-sched", got)
	}

	scheduled, err := repo.ListActiveScheduled(ctx)
	if err != nil {
		t.Fatalf("list scheduled: %v", err)
	}
	if len(scheduled) != 1 || scheduled[0].ID != "u-sched" {
		t.Fatalf("scheduled = %+v", scheduled)
	}
}

func TestRepository_UpdateRebuildsTriggerIndex(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	u := mailUnit("u-1", StatusActive)
	if err := repo.Create(ctx, u); err != nil {
		t.Fatalf("create: %v", err)
	}
	u.Trigger = Trigger{Type: TriggerEvent, Source: "crm", EventType: "updated"}
	if err := repo.Update(ctx, u); err != nil {
		t.Fatalf("update: %v", err)
	}

	old, err := repo.ListActiveByEventKey(ctx, "mail", "received")
	if err != nil {
		t.Fatalf("list old key: %v", err)
	}
	if len(old) != 0 {
		t.Errorf("stale index row survived update: %+v", old)
	}
	now, err := repo.ListActiveByEventKey(ctx, "crm", "updated")
	if err != nil {
		t.Fatalf("list new key: %v", err)
	}
	if len(now) != 1 {
		t.Errorf("new index row missing: %+v", now)
	}
}

func TestRepository_SetStatus(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	if err := repo.Create(ctx, mailUnit("u-1", StatusActive)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.SetStatus(ctx, "u-1", StatusPaused); err != nil {
		t.Fatalf("set status: %v", err)
	}
	got, err := repo.GetByID(ctx, "u-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPaused {
		t.Errorf("status = %s, want paused", got.Status)
	}
	if err := repo.SetStatus(ctx, "missing", StatusActive); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRepository_RecordRun(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	if err := repo.Create(ctx, mailUnit("u-1", StatusActive)); err != nil {
		t.Fatalf("create: %v", err)
	}
	at := time.Now().UTC().Truncate(time.Second)
	if err := repo.RecordRun(ctx, "u-1", at); err != nil {
		t.Fatalf("record run: %v", err)
	}
	got, err := repo.GetByID(ctx, "u-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RunCount != 1 {
		t.Errorf("run count = %d, want 1", got.RunCount)
	}
	if got.LastRunAt == nil || !got.LastRunAt.Equal(at) {
		t.Errorf("last run at = %v, want %v", got.LastRunAt, at)
	}
}

func TestRepository_Upsert(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	u := mailUnit("u-1", StatusActive)
	if err := repo.Upsert(ctx, u); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	u.Name = "renamed"
	if err := repo.Upsert(ctx, u); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	got, err := repo.GetByID(ctx, "u-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "renamed" {
		t.Errorf("name = %q, want renamed", got.Name)
	}
}

func TestRepository_Delete(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	if err := repo.Create(ctx, mailUnit("u-1", StatusActive)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.Delete(ctx, "u-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repo.GetByID(ctx, "u-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unit survived delete, err = %v", err)
	}
	if err := repo.Delete(ctx, "u-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}
