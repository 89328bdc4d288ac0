// Package fetch is the cached fetch path: fetch dedup in front, entity
// cache behind, the external tool executor only when both miss.
package fetch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hooklinehq/hookline/internal/entitycache"
	"github.com/hooklinehq/hookline/internal/external"
	"github.com/hooklinehq/hookline/internal/fetchdedup"
	"github.com/hooklinehq/hookline/internal/metrics"
)

// Result is what a fetch produces for the run context: the cached
// entities and whether they came from the dedup window.
type Result struct {
	EntityIDs []string                   `json:"entity_ids"`
	Entities  []entitycache.CachedEntity `json:"entities"`
	FromCache bool                       `json:"from_cache"`
}

// Fetcher composes dedup, cache and the tool executor.
type Fetcher struct {
	dedup *fetchdedup.Store
	cache *entitycache.Cache
	tools external.ToolExecutor
}

// New creates a Fetcher.
func New(dedup *fetchdedup.Store, cache *entitycache.Cache, tools external.ToolExecutor) *Fetcher {
	return &Fetcher{dedup: dedup, cache: cache, tools: tools}
}

// Fetch serves req from the dedup window when possible; otherwise it
// executes the tool, cleans and caches every returned entity, and records
// the fingerprint. entityType labels the cached records (e.g. "email").
func (f *Fetcher) Fetch(ctx context.Context, scopeKey, ownerID, entityType string, req fetchdedup.Request) (*Result, error) {
	ids, err := f.dedup.CheckForDuplicate(ctx, scopeKey, req)
	if err != nil {
		return nil, err
	}
	if ids != nil {
		metrics.FetchDedupHits.Inc()
		entities, err := f.cache.GetMany(ctx, scopeKey, ids)
		if err != nil {
			return nil, err
		}
		return &Result{EntityIDs: ids, Entities: entities, FromCache: true}, nil
	}
	metrics.FetchDedupMisses.Inc()

	raw, err := f.tools.Execute(ctx, req.Tool, req.Args, ownerID)
	if err != nil {
		return nil, fmt.Errorf("fetch: executing %s: %w", req.Tool, err)
	}

	entities := coerceEntities(raw, entityType, req.Provider)
	cached := make([]entitycache.CachedEntity, 0, len(entities))
	entityIDs := make([]string, 0, len(entities))
	for _, e := range entities {
		ce, err := f.cache.Cache(ctx, scopeKey, e)
		if err != nil {
			return nil, err
		}
		cached = append(cached, *ce)
		entityIDs = append(entityIDs, ce.EntityID)
	}

	if err := f.dedup.RecordFetch(ctx, scopeKey, req, entityIDs); err != nil {
		// The fetch itself succeeded; a lost fingerprint only costs one
		// redundant fetch later.
		slog.Warn("fetch: recording fingerprint failed", "tool", req.Tool, "err", err)
	}
	return &Result{EntityIDs: entityIDs, Entities: cached, FromCache: false}, nil
}

// coerceEntities maps a tool executor result onto cacheable entities.
// Tools on the fetch path return either one record or a list of records,
// each a map with id/body and optional metadata.
func coerceEntities(raw interface{}, entityType, provider string) []entitycache.Entity {
	switch v := raw.(type) {
	case []interface{}:
		var out []entitycache.Entity
		for _, item := range v {
			if m, ok := item.(map[string]interface{}); ok {
				out = append(out, entityFromMap(m, entityType, provider))
			}
		}
		return out
	case map[string]interface{}:
		return []entitycache.Entity{entityFromMap(v, entityType, provider)}
	}
	return nil
}

func entityFromMap(m map[string]interface{}, entityType, provider string) entitycache.Entity {
	e := entitycache.Entity{Type: entityType, Provider: provider}
	if id, ok := m["id"].(string); ok {
		e.ID = id
	}
	if body, ok := m["body"].(string); ok {
		e.RawBody = body
	}
	if meta, ok := m["metadata"].(map[string]interface{}); ok {
		e.Metadata = meta
	}
	return e
}
