package fetchdedup

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Store records completed fetches by fingerprint hash. The fingerprint
// TTL must never exceed the entity cache TTL: while a fingerprint row is
// alive, the entities it points at must still be cached. Config
// validation enforces this as a standing invariant.
type Store struct {
	db  *sql.DB
	ttl time.Duration
}

// New creates a Store with the given TTL. One hour is a sensible default.
func New(db *sql.DB, ttl time.Duration) *Store {
	return &Store{db: db, ttl: ttl}
}

// TTL returns the configured fingerprint TTL.
func (s *Store) TTL() time.Duration { return s.ttl }

// CheckForDuplicate returns the entity IDs recorded for an identical
// unexpired request, or nil if the caller must perform a real fetch.
func (s *Store) CheckForDuplicate(ctx context.Context, scopeKey string, req Request) ([]string, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT entity_ids FROM fetch_fingerprints
		WHERE scope_key = ? AND request_hash = ? AND expires_at > ?`,
		scopeKey, Hash(req), time.Now().UTC().Format(time.RFC3339))

	var idsJSON string
	if err := row.Scan(&idsJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // miss: absent or expired
		}
		return nil, fmt.Errorf("fetchdedup: querying fingerprint: %w", err)
	}
	var ids []string
	if err := json.Unmarshal([]byte(idsJSON), &ids); err != nil {
		return nil, fmt.Errorf("fetchdedup: unmarshalling entity ids: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// RecordFetch stores the fingerprint of a completed fetch and the entity
// IDs it produced. Concurrent fetches with the same fingerprint are
// harmless: last writer wins and both recorded the same logical result.
func (s *Store) RecordFetch(ctx context.Context, scopeKey string, req Request, entityIDs []string) error {
	if entityIDs == nil {
		entityIDs = []string{}
	}
	idsJSON, err := json.Marshal(entityIDs)
	if err != nil {
		return fmt.Errorf("fetchdedup: marshalling entity ids: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO fetch_fingerprints (scope_key, request_hash, entity_ids, recorded_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(scope_key, request_hash) DO UPDATE SET
			entity_ids = excluded.entity_ids,
			recorded_at = excluded.recorded_at,
			expires_at = excluded.expires_at`,
		scopeKey, Hash(req), string(idsJSON),
		now.Format(time.RFC3339), now.Add(s.ttl).Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("fetchdedup: recording fetch: %w", err)
	}
	return nil
}
