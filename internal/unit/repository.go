package unit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const unitColumns = `id, owner_id, name, trigger, conditions, actions, status,
	run_count, last_run_at, created_at, updated_at`

// Repository persists units in SQLite. Alongside each unit it maintains
// the unit_triggers index rows (one per event-trigger leaf) that back the
// matcher's candidate lookup.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a SQLite-backed unit repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a unit and its trigger index rows in one transaction.
func (r *Repository) Create(ctx context.Context, u *Unit) error {
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now

	trigger, conditions, actions, err := marshalShape(u)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO units (id, owner_id, name, trigger, conditions, actions, status,
			run_count, last_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.OwnerID, u.Name, trigger, conditions, actions, string(u.Status),
		u.RunCount, nullableTime(u.LastRunAt),
		u.CreatedAt.Format(time.RFC3339), u.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrExists
		}
		return fmt.Errorf("inserting unit: %w", err)
	}

	if err := insertTriggerIndex(ctx, tx, u); err != nil {
		return err
	}
	return tx.Commit()
}

// Update replaces a unit's compiled shape and rebuilds its trigger index.
func (r *Repository) Update(ctx context.Context, u *Unit) error {
	u.UpdatedAt = time.Now().UTC()

	trigger, conditions, actions, err := marshalShape(u)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE units SET owner_id = ?, name = ?, trigger = ?, conditions = ?,
			actions = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		u.OwnerID, u.Name, trigger, conditions, actions, string(u.Status),
		u.UpdatedAt.Format(time.RFC3339), u.ID,
	)
	if err != nil {
		return fmt.Errorf("updating unit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM unit_triggers WHERE unit_id = ?`, u.ID); err != nil {
		return fmt.Errorf("clearing trigger index: %w", err)
	}
	if err := insertTriggerIndex(ctx, tx, u); err != nil {
		return err
	}
	return tx.Commit()
}

// Upsert creates the unit or, if the ID is already present, updates it.
// Used by the seed loader.
func (r *Repository) Upsert(ctx context.Context, u *Unit) error {
	err := r.Create(ctx, u)
	if errors.Is(err, ErrExists) {
		return r.Update(ctx, u)
	}
	return err
}

// GetByID retrieves a unit.
func (r *Repository) GetByID(ctx context.Context, id string) (*Unit, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+unitColumns+` FROM units WHERE id = ?`, id)
	u, err := scanUnit(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying unit: %w", err)
	}
	return u, nil
}

// List returns all units ordered by name.
func (r *Repository) List(ctx context.Context) ([]Unit, error) {
	return r.query(ctx, `SELECT `+unitColumns+` FROM units ORDER BY name, id`)
}

// ListByOwner returns an owner's units ordered by name.
func (r *Repository) ListByOwner(ctx context.Context, ownerID string) ([]Unit, error) {
	return r.query(ctx,
		`SELECT `+unitColumns+` FROM units WHERE owner_id = ? ORDER BY name, id`, ownerID)
}

// ListActiveByEventKey is the matcher's indexed candidate lookup: active
// units with an event-trigger leaf on (source, eventType).
func (r *Repository) ListActiveByEventKey(ctx context.Context, source, eventType string) ([]Unit, error) {
	return r.query(ctx, `
		SELECT `+unitColumns+` FROM units
		WHERE status = 'active'
		  AND id IN (SELECT unit_id FROM unit_triggers WHERE source = ? AND event_type = ?)
		ORDER BY id`,
		source, eventType)
}

// ListActiveScheduled returns active units whose trigger contains a cron
// schedule, for the schedule ticker.
func (r *Repository) ListActiveScheduled(ctx context.Context) ([]Unit, error) {
	units, err := r.query(ctx,
		`SELECT `+unitColumns+` FROM units WHERE status = 'active' ORDER BY id`)
	if err != nil {
		return nil, err
	}
	var out []Unit
	for _, u := range units {
		if hasScheduleTrigger(u.Trigger) {
			out = append(out, u)
		}
	}
	return out, nil
}

// SetStatus transitions a unit between active/paused/disabled. This only
// affects future matches; in-flight runs are untouched.
func (r *Repository) SetStatus(ctx context.Context, id string, status Status) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE units SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("updating unit status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordRun bumps run_count and last_run_at after the matcher creates a run.
func (r *Repository) RecordRun(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE units SET run_count = run_count + 1, last_run_at = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("recording run: %w", err)
	}
	return nil
}

// Delete removes a unit; trigger index rows cascade.
func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM units WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting unit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) query(ctx context.Context, query string, args ...any) ([]Unit, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying units: %w", err)
	}
	defer rows.Close()

	var units []Unit
	for rows.Next() {
		u, scanErr := scanUnit(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning unit: %w", scanErr)
		}
		units = append(units, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating units: %w", err)
	}
	return units, nil
}

func insertTriggerIndex(ctx context.Context, tx *sql.Tx, u *Unit) error {
	for _, et := range u.Trigger.EventTriggers() {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO unit_triggers (unit_id, source, event_type)
			VALUES (?, ?, ?)`,
			u.ID, et.Source, et.EventType)
		if err != nil {
			return fmt.Errorf("indexing trigger: %w", err)
		}
	}
	// Schedule triggers match the ticker's synthetic events, so they are
	// indexed under the scheduler key.
	if hasScheduleTrigger(u.Trigger) {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO unit_triggers (unit_id, source, event_type)
			VALUES (?, ?, ?)`,
			u.ID, ScheduleEventSource, ScheduleEventType)
		if err != nil {
			return fmt.Errorf("indexing schedule trigger: %w", err)
		}
	}
	return nil
}

func marshalShape(u *Unit) (trigger, conditions, actions string, err error) {
	tb, err := json.Marshal(u.Trigger)
	if err != nil {
		return "", "", "", fmt.Errorf("marshalling trigger: %w", err)
	}
	cb, err := json.Marshal(u.Conditions)
	if err != nil {
		return "", "", "", fmt.Errorf("marshalling conditions: %w", err)
	}
	ab, err := json.Marshal(u.Actions)
	if err != nil {
		return "", "", "", fmt.Errorf("marshalling actions: %w", err)
	}
	return string(tb), string(cb), string(ab), nil
}

func hasScheduleTrigger(t Trigger) bool {
	if t.Type == TriggerSchedule {
		return true
	}
	if t.Type == TriggerCompound {
		for _, sub := range t.Triggers {
			if hasScheduleTrigger(sub) {
				return true
			}
		}
	}
	return false
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanUnit(scanner rowScanner) (*Unit, error) {
	var u Unit
	var trigger, conditions, actions, status, createdAt, updatedAt string
	var lastRunAt sql.NullString

	err := scanner.Scan(&u.ID, &u.OwnerID, &u.Name, &trigger, &conditions,
		&actions, &status, &u.RunCount, &lastRunAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(trigger), &u.Trigger); err != nil {
		return nil, fmt.Errorf("unmarshalling trigger: %w", err)
	}
	if err := json.Unmarshal([]byte(conditions), &u.Conditions); err != nil {
		return nil, fmt.Errorf("unmarshalling conditions: %w", err)
	}
	if err := json.Unmarshal([]byte(actions), &u.Actions); err != nil {
		return nil, fmt.Errorf("unmarshalling actions: %w", err)
	}

	u.Status = Status(status)
	if t, parseErr := time.Parse(time.RFC3339, createdAt); parseErr == nil {
		u.CreatedAt = t
	}
	if t, parseErr := time.Parse(time.RFC3339, updatedAt); parseErr == nil {
		u.UpdatedAt = t
	}
	if lastRunAt.Valid {
		if t, parseErr := time.Parse(time.RFC3339, lastRunAt.String); parseErr == nil {
			u.LastRunAt = &t
		}
	}
	return &u, nil
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
