// Package eventstore is the single choke point that prevents one upstream
// notification from triggering two runs. Writes are atomic set-if-absent
// on the event's dedupe key, with a TTL so keys do not accumulate forever.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hooklinehq/hookline/internal/event"
)

// ErrNotFound is returned when an event ID does not exist.
var ErrNotFound = errors.New("eventstore: not found")

// Store persists inbound events keyed by dedupe key.
type Store struct {
	db  *sql.DB
	ttl time.Duration
}

// New creates a Store. ttl is how long a dedupe key suppresses repeats;
// seven days is a sensible default.
func New(db *sql.DB, ttl time.Duration) *Store {
	return &Store{db: db, ttl: ttl}
}

// Write persists ev and returns true, or returns false without side
// effects if an unexpired event with the same dedupe key already exists.
//
// A store failure is returned as an error, never as "written": callers
// must treat an error as "do not process"; duplicate side effects are
// worse than a missed event.
func (s *Store) Write(ctx context.Context, ev *event.Event) (bool, error) {
	if ev.DedupeKey == "" {
		return false, fmt.Errorf("eventstore: event %s has no dedupe key", ev.ID)
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return false, fmt.Errorf("eventstore: marshalling payload: %w", err)
	}

	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("eventstore: beginning tx: %w", err)
	}
	defer tx.Rollback()

	// An expired row with the same key no longer suppresses anything;
	// clear it so the insert below can take its place.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM events WHERE dedupe_key = ? AND expires_at <= ?`,
		ev.DedupeKey, now.Format(time.RFC3339)); err != nil {
		return false, fmt.Errorf("eventstore: clearing expired key: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (id, dedupe_key, source, event_type, owner_id,
			payload, occurred_at, received_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.DedupeKey, ev.Source, ev.Type, ev.OwnerID, string(payload),
		ev.OccurredAt.UTC().Format(time.RFC3339),
		now.Format(time.RFC3339),
		now.Add(s.ttl).Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return false, nil // duplicate: expected no-op
		}
		return false, fmt.Errorf("eventstore: inserting event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("eventstore: committing: %w", err)
	}
	return true, nil
}

// GetByID retrieves a stored event.
func (s *Store) GetByID(ctx context.Context, id string) (*event.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, dedupe_key, source, event_type, owner_id, payload,
			occurred_at, received_at
		FROM events WHERE id = ?`, id)

	var ev event.Event
	var payload, occurredAt, receivedAt string
	err := row.Scan(&ev.ID, &ev.DedupeKey, &ev.Source, &ev.Type, &ev.OwnerID,
		&payload, &occurredAt, &receivedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("eventstore: querying event: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
		return nil, fmt.Errorf("eventstore: unmarshalling payload: %w", err)
	}
	if t, parseErr := time.Parse(time.RFC3339, occurredAt); parseErr == nil {
		ev.OccurredAt = t
	}
	if t, parseErr := time.Parse(time.RFC3339, receivedAt); parseErr == nil {
		ev.ReceivedAt = t
	}
	return &ev, nil
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
