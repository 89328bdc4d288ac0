package entitycache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/hooklinehq/hookline/internal/store"
)

func testCache(t *testing.T, ttl time.Duration) *Cache {
	t.Helper()
	db, err := store.Open(store.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}
	return New(db.DB, ttl)
}

func TestCache_RoundTrip(t *testing.T) {
	c := testCache(t, 24*time.Hour)
	ctx := context.Background()

	in := Entity{
		ID:       "msg-1",
		Type:     "email",
		Provider: "mail",
		RawBody:  "<p>Hello &amp; welcome</p>",
		Metadata: map[string]interface{}{"subject": "hi"},
	}
	stored, err := c.Cache(ctx, "owner-1", in)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	if stored.CleanBody != "Hello & welcome" {
		t.Errorf("CleanBody = %q", stored.CleanBody)
	}

	got, err := c.Get(ctx, "owner-1", "msg-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CleanBody != stored.CleanBody || got.BodyHash != stored.BodyHash {
		t.Errorf("round trip mismatch: %+v vs %+v", got, stored)
	}
	if got.Type != "email" || got.Provider != "mail" {
		t.Errorf("labels lost: %+v", got)
	}
	if got.Metadata["subject"] != "hi" {
		t.Errorf("metadata lost: %+v", got.Metadata)
	}
}

func TestCache_ScopeIsolation(t *testing.T) {
	c := testCache(t, time.Hour)
	ctx := context.Background()

	if _, err := c.Cache(ctx, "owner-1", Entity{ID: "msg-1", Type: "email", RawBody: "x"}); err != nil {
		t.Fatalf("cache: %v", err)
	}
	if _, err := c.Get(ctx, "owner-2", "msg-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("entity leaked across scopes, err = %v", err)
	}
}

func TestCache_ReCacheOverwrites(t *testing.T) {
	c := testCache(t, time.Hour)
	ctx := context.Background()

	if _, err := c.Cache(ctx, "owner-1", Entity{ID: "msg-1", Type: "email", RawBody: "old body"}); err != nil {
		t.Fatalf("first cache: %v", err)
	}
	if _, err := c.Cache(ctx, "owner-1", Entity{ID: "msg-1", Type: "email", RawBody: "new body"}); err != nil {
		t.Fatalf("second cache: %v", err)
	}
	got, err := c.Get(ctx, "owner-1", "msg-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CleanBody != "new body" {
		t.Errorf("CleanBody = %q, want latest write", got.CleanBody)
	}
}

func TestCache_ExpiredIsMiss(t *testing.T) {
	c := testCache(t, -time.Second) // born expired
	ctx := context.Background()

	if _, err := c.Cache(ctx, "owner-1", Entity{ID: "msg-1", Type: "email", RawBody: "x"}); err != nil {
		t.Fatalf("cache: %v", err)
	}
	if _, err := c.Get(ctx, "owner-1", "msg-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired entity served, err = %v", err)
	}
}

func TestCache_TruncatesOversizedBody(t *testing.T) {
	c := testCache(t, time.Hour)
	ctx := context.Background()

	raw := strings.Repeat("b", MaxBodyBytes*2)
	if _, err := c.Cache(ctx, "owner-1", Entity{ID: "msg-1", Type: "email", RawBody: raw}); err != nil {
		t.Fatalf("cache: %v", err)
	}
	got, err := c.Get(ctx, "owner-1", "msg-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.WasTruncated {
		t.Error("WasTruncated not set")
	}
	if len(got.CleanBody) != MaxBodyBytes {
		t.Errorf("len(CleanBody) = %d, want %d", len(got.CleanBody), MaxBodyBytes)
	}
	if got.OriginalLength != MaxBodyBytes*2 {
		t.Errorf("OriginalLength = %d, want %d", got.OriginalLength, MaxBodyBytes*2)
	}
}

func TestGetMany_SkipsMissing(t *testing.T) {
	c := testCache(t, time.Hour)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if _, err := c.Cache(ctx, "owner-1", Entity{ID: id, Type: "email", RawBody: id}); err != nil {
			t.Fatalf("cache %s: %v", id, err)
		}
	}
	got, err := c.GetMany(ctx, "owner-1", []string{"a", "gone", "b"})
	if err != nil {
		t.Fatalf("getmany: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
}

func TestGetRecent_OrderAndLimit(t *testing.T) {
	c := testCache(t, time.Hour)
	ctx := context.Background()

	// Distinct cached_at values via direct writes at second granularity
	// would be slow; instead rely on insertion order with equal timestamps
	// being acceptable and assert on membership and limit.
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("msg-%d", i)
		if _, err := c.Cache(ctx, "owner-1", Entity{ID: id, Type: "email", RawBody: id}); err != nil {
			t.Fatalf("cache %s: %v", id, err)
		}
	}
	if _, err := c.Cache(ctx, "owner-1", Entity{ID: "row-1", Type: "crm_row", RawBody: "x"}); err != nil {
		t.Fatalf("cache crm row: %v", err)
	}

	got, err := c.GetRecent(ctx, "owner-1", "email", 3)
	if err != nil {
		t.Fatalf("getrecent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for _, ce := range got {
		if ce.Type != "email" {
			t.Errorf("wrong type in result: %s", ce.Type)
		}
	}
}
