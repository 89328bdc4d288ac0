// Package entitycache stores cleaned, size-capped bodies of fetched
// records (emails, CRM rows) keyed by scope and entity ID, with a TTL.
// Re-caching the same entity overwrites the previous row; eviction is by
// TTL expiry only.
package entitycache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when no unexpired entity matches.
var ErrNotFound = errors.New("entitycache: not found")

// Entity is the input to Cache: a fetched record before cleaning.
type Entity struct {
	ID       string
	Type     string // "email", "crm_row", etc.
	Provider string
	RawBody  string
	Metadata map[string]interface{}
}

// CachedEntity is a stored, cleaned record.
type CachedEntity struct {
	ScopeKey       string                 `json:"scope_key"`
	EntityID       string                 `json:"entity_id"`
	Type           string                 `json:"type"`
	Provider       string                 `json:"provider"`
	CleanBody      string                 `json:"clean_body"`
	BodyHash       string                 `json:"body_hash"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	WasTruncated   bool                   `json:"was_truncated"`
	OriginalLength int                    `json:"original_length"`
	CachedAt       time.Time              `json:"cached_at"`
}

// Cache is the SQLite-backed entity cache.
type Cache struct {
	db  *sql.DB
	ttl time.Duration
}

// New creates a Cache with the given TTL. 24 hours is a sensible default.
func New(db *sql.DB, ttl time.Duration) *Cache {
	return &Cache{db: db, ttl: ttl}
}

// TTL returns the configured entity TTL; fetch dedup validates its own
// TTL against this at startup.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Cache cleans e's body and upserts it under (scopeKey, e.ID).
// Last writer wins; re-caching an entity is idempotent.
func (c *Cache) Cache(ctx context.Context, scopeKey string, e Entity) (*CachedEntity, error) {
	body, truncated, origLen := CleanBody(e.RawBody)
	metadata, err := json.Marshal(orEmpty(e.Metadata))
	if err != nil {
		return nil, fmt.Errorf("entitycache: marshalling metadata: %w", err)
	}
	now := time.Now().UTC()

	ce := &CachedEntity{
		ScopeKey:       scopeKey,
		EntityID:       e.ID,
		Type:           e.Type,
		Provider:       e.Provider,
		CleanBody:      body,
		BodyHash:       HashBody(body),
		Metadata:       e.Metadata,
		WasTruncated:   truncated,
		OriginalLength: origLen,
		CachedAt:       now,
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO cached_entities (scope_key, entity_id, entity_type, provider,
			clean_body, body_hash, metadata, was_truncated, original_length,
			cached_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope_key, entity_id) DO UPDATE SET
			entity_type = excluded.entity_type,
			provider = excluded.provider,
			clean_body = excluded.clean_body,
			body_hash = excluded.body_hash,
			metadata = excluded.metadata,
			was_truncated = excluded.was_truncated,
			original_length = excluded.original_length,
			cached_at = excluded.cached_at,
			expires_at = excluded.expires_at`,
		scopeKey, e.ID, e.Type, e.Provider, body, ce.BodyHash, string(metadata),
		boolToInt(truncated), origLen,
		now.Format(time.RFC3339), now.Add(c.ttl).Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("entitycache: caching entity: %w", err)
	}
	return ce, nil
}

// Get returns one unexpired cached entity, or ErrNotFound.
func (c *Cache) Get(ctx context.Context, scopeKey, entityID string) (*CachedEntity, error) {
	row := c.db.QueryRowContext(ctx, entityQuery+`
		WHERE scope_key = ? AND entity_id = ? AND expires_at > ?`,
		scopeKey, entityID, time.Now().UTC().Format(time.RFC3339))
	ce, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("entitycache: querying entity: %w", err)
	}
	return ce, nil
}

// GetMany returns the unexpired subset of ids, in no particular order.
// Missing entities are simply absent from the result.
func (c *Cache) GetMany(ctx context.Context, scopeKey string, ids []string) ([]CachedEntity, error) {
	out := make([]CachedEntity, 0, len(ids))
	for _, id := range ids {
		ce, err := c.Get(ctx, scopeKey, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *ce)
	}
	return out, nil
}

// GetRecent answers "most recent N of this type for this scope", used to
// backfill context for follow-up requests without re-fetching.
func (c *Cache) GetRecent(ctx context.Context, scopeKey, entityType string, limit int) ([]CachedEntity, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := c.db.QueryContext(ctx, entityQuery+`
		WHERE scope_key = ? AND entity_type = ? AND expires_at > ?
		ORDER BY cached_at DESC LIMIT ?`,
		scopeKey, entityType, time.Now().UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, fmt.Errorf("entitycache: querying recent: %w", err)
	}
	defer rows.Close()

	var out []CachedEntity
	for rows.Next() {
		ce, scanErr := scanEntity(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("entitycache: scanning entity: %w", scanErr)
		}
		out = append(out, *ce)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("entitycache: iterating entities: %w", err)
	}
	return out, nil
}

const entityQuery = `
	SELECT scope_key, entity_id, entity_type, provider, clean_body, body_hash,
		metadata, was_truncated, original_length, cached_at
	FROM cached_entities`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(scanner rowScanner) (*CachedEntity, error) {
	var ce CachedEntity
	var metadata, cachedAt string
	var truncated int
	err := scanner.Scan(&ce.ScopeKey, &ce.EntityID, &ce.Type, &ce.Provider,
		&ce.CleanBody, &ce.BodyHash, &metadata, &truncated,
		&ce.OriginalLength, &cachedAt)
	if err != nil {
		return nil, err
	}
	ce.WasTruncated = truncated != 0
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &ce.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshalling metadata: %w", err)
		}
	}
	if t, parseErr := time.Parse(time.RFC3339, cachedAt); parseErr == nil {
		ce.CachedAt = t
	}
	return &ce, nil
}

func orEmpty(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
