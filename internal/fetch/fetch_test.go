package fetch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hooklinehq/hookline/internal/entitycache"
	"github.com/hooklinehq/hookline/internal/fetchdedup"
	"github.com/hooklinehq/hookline/internal/store"
)

type fakeTools struct {
	calls  int
	result interface{}
	err    error
}

func (f *fakeTools) Execute(ctx context.Context, toolName string, args map[string]interface{}, ownerID string) (interface{}, error) {
	f.calls++
	return f.result, f.err
}

func testFetcher(t *testing.T, tools *fakeTools) *Fetcher {
	t.Helper()
	db, err := store.Open(store.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}
	dedup := fetchdedup.New(db.DB, time.Hour)
	cache := entitycache.New(db.DB, 24*time.Hour)
	return New(dedup, cache, tools)
}

func mailReq() fetchdedup.Request {
	return fetchdedup.Request{
		Tool:     "mail.search",
		Provider: "mail",
		Args:     map[string]interface{}{"sender": "alice@corp.test", "limit": 2},
	}
}

func TestFetch_SecondIdenticalCallServedFromCache(t *testing.T) {
	tools := &fakeTools{result: []interface{}{
		map[string]interface{}{"id": "msg-1", "body": "<p>first</p>"},
		map[string]interface{}{"id": "msg-2", "body": "second"},
	}}
	f := testFetcher(t, tools)
	ctx := context.Background()

	first, err := f.Fetch(ctx, "owner-1", "owner-1", "email", mailReq())
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if first.FromCache {
		t.Error("first fetch reported as cached")
	}
	if len(first.EntityIDs) != 2 {
		t.Fatalf("entity ids = %v", first.EntityIDs)
	}
	if first.Entities[0].CleanBody != "first" {
		t.Errorf("body not cleaned: %q", first.Entities[0].CleanBody)
	}

	second, err := f.Fetch(ctx, "owner-1", "owner-1", "email", mailReq())
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if !second.FromCache {
		t.Error("identical fetch inside the window hit the tool")
	}
	if tools.calls != 1 {
		t.Errorf("tool calls = %d, want 1", tools.calls)
	}
	if len(second.Entities) != 2 {
		t.Errorf("cached entities = %d, want 2", len(second.Entities))
	}
}

func TestFetch_DifferentArgsFetchAgain(t *testing.T) {
	tools := &fakeTools{result: []interface{}{
		map[string]interface{}{"id": "msg-1", "body": "x"},
	}}
	f := testFetcher(t, tools)
	ctx := context.Background()

	if _, err := f.Fetch(ctx, "owner-1", "owner-1", "email", mailReq()); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	other := mailReq()
	other.Args["sender"] = "bob@corp.test"
	if _, err := f.Fetch(ctx, "owner-1", "owner-1", "email", other); err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if tools.calls != 2 {
		t.Errorf("tool calls = %d, want 2", tools.calls)
	}
}

func TestFetch_SingleRecordResult(t *testing.T) {
	tools := &fakeTools{result: map[string]interface{}{
		"id": "row-1", "body": "a crm row",
		"metadata": map[string]interface{}{"stage": "won"},
	}}
	f := testFetcher(t, tools)

	res, err := f.Fetch(context.Background(), "owner-1", "owner-1", "crm_row", fetchdedup.Request{
		Tool: "crm.get", Provider: "crm",
		Args: map[string]interface{}{"entity_type": "deal"},
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(res.Entities) != 1 || res.Entities[0].EntityID != "row-1" {
		t.Fatalf("entities = %+v", res.Entities)
	}
	if res.Entities[0].Metadata["stage"] != "won" {
		t.Errorf("metadata lost: %+v", res.Entities[0].Metadata)
	}
}

func TestFetch_ToolErrorPropagates(t *testing.T) {
	toolErr := errors.New("mail provider: 503")
	tools := &fakeTools{err: toolErr}
	f := testFetcher(t, tools)

	_, err := f.Fetch(context.Background(), "owner-1", "owner-1", "email", mailReq())
	if err == nil {
		t.Fatal("expected error from failing tool")
	}
	if !errors.Is(err, toolErr) {
		t.Errorf("tool error not preserved: %v", err)
	}
	// A failed fetch must not record a fingerprint.
	res, err := f.Fetch(context.Background(), "owner-1", "owner-1", "email", mailReq())
	if err == nil {
		t.Fatalf("second fetch should retry the tool, got cached %+v", res)
	}
	if tools.calls != 2 {
		t.Errorf("tool calls = %d, want 2", tools.calls)
	}
}
