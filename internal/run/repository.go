package run

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a run ID does not exist.
	ErrNotFound = errors.New("run: not found")

	// ErrStepExists is returned on a duplicate (run_id, step_index) insert.
	ErrStepExists = errors.New("run: step already recorded")
)

const runColumns = `id, unit_id, event_id, owner_id, status, current_step,
	context, error, resume_at, started_at, completed_at, created_at`

// Repository persists runs and their step audit trail.
//
// The status-transition methods are single conditional UPDATEs: the WHERE
// clause on the current status is the lock, so two workers racing for the
// same run see exactly one winner.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a SQLite-backed run repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a new run in pending status.
func (r *Repository) Create(ctx context.Context, rn *Run) error {
	if rn.CreatedAt.IsZero() {
		rn.CreatedAt = time.Now().UTC()
	}
	if rn.Status == "" {
		rn.Status = StatusPending
	}
	contextJSON, err := marshalContext(rn.Context)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO runs (id, unit_id, event_id, owner_id, status, current_step,
			context, error, resume_at, started_at, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rn.ID, rn.UnitID, rn.EventID, rn.OwnerID, string(rn.Status), rn.CurrentStep,
		contextJSON, nullableString(rn.Error), nullableTime(rn.ResumeAt),
		nullableTime(rn.StartedAt), nullableTime(rn.CompletedAt),
		rn.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// GetByID retrieves a run.
func (r *Repository) GetByID(ctx context.Context, id string) (*Run, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	rn, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying run: %w", err)
	}
	return rn, nil
}

// ListByUnit returns a unit's most recent runs.
func (r *Repository) ListByUnit(ctx context.Context, unitID string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 200 {
		limit = 200
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs WHERE unit_id = ?
		ORDER BY created_at DESC LIMIT ?`, unitID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		rn, scanErr := scanRun(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning run: %w", scanErr)
		}
		runs = append(runs, *rn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}
	return runs, nil
}

// ClaimPending atomically transitions pending → in_progress. Returns
// false if the run is no longer pending (another worker won).
func (r *Repository) ClaimPending(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, started_at = COALESCE(started_at, ?)
		WHERE id = ? AND status = ?`,
		string(StatusInProgress), now.UTC().Format(time.RFC3339), id, string(StatusPending))
	if err != nil {
		return false, fmt.Errorf("claiming pending run: %w", err)
	}
	return oneRowAffected(res)
}

// ClaimPaused atomically transitions paused → in_progress for a run whose
// resume_at is due. First writer wins; the loser's update matches nothing.
func (r *Repository) ClaimPaused(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, resume_at = NULL
		WHERE id = ? AND status = ? AND resume_at <= ?`,
		string(StatusInProgress), id, string(StatusPaused), now.UTC().Format(time.RFC3339))
	if err != nil {
		return false, fmt.Errorf("claiming paused run: %w", err)
	}
	return oneRowAffected(res)
}

// ListDue returns paused runs with resume_at at or before now, oldest
// first. Callers must still win ClaimPaused before executing.
func (r *Repository) ListDue(ctx context.Context, now time.Time, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE status = ? AND resume_at <= ?
		ORDER BY resume_at LIMIT ?`,
		string(StatusPaused), now.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, fmt.Errorf("querying due runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		rn, scanErr := scanRun(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning run: %w", scanErr)
		}
		runs = append(runs, *rn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating due runs: %w", err)
	}
	return runs, nil
}

// ListStalePending returns pending runs created at or before cutoff,
// oldest first. These are runs whose submit was lost to a full queue or
// a crash; the sweep re-submits them.
func (r *Repository) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE status = ? AND created_at <= ?
		ORDER BY created_at LIMIT ?`,
		string(StatusPending), cutoff.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, fmt.Errorf("querying stale pending runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		rn, scanErr := scanRun(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning run: %w", scanErr)
		}
		runs = append(runs, *rn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating stale pending runs: %w", err)
	}
	return runs, nil
}

// SaveProgress persists current_step and context after a completed step,
// before the next step executes. A crash mid-chain therefore leaves the
// run resumable at current_step.
func (r *Repository) SaveProgress(ctx context.Context, id string, currentStep int, runContext map[string]interface{}) error {
	contextJSON, err := marshalContext(runContext)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE runs SET current_step = ?, context = ? WHERE id = ?`,
		currentStep, contextJSON, id)
	if err != nil {
		return fmt.Errorf("saving run progress: %w", err)
	}
	ok, err := oneRowAffected(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// Pause transitions in_progress → paused with a resume time, persisting
// step position and context. The executor returns its worker after this.
func (r *Repository) Pause(ctx context.Context, id string, currentStep int, runContext map[string]interface{}, resumeAt time.Time) error {
	contextJSON, err := marshalContext(runContext)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, current_step = ?, context = ?, resume_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusPaused), currentStep, contextJSON,
		resumeAt.UTC().Format(time.RFC3339), id, string(StatusInProgress))
	if err != nil {
		return fmt.Errorf("pausing run: %w", err)
	}
	ok, err := oneRowAffected(res)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("pausing run %s: not in progress", id)
	}
	return nil
}

// Complete moves a run to a terminal status.
func (r *Repository) Complete(ctx context.Context, id string, status Status, runErr string, now time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("completing run %s: %q is not terminal", id, status)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
		string(status), nullableString(runErr), now.UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("completing run: %w", err)
	}
	ok, err := oneRowAffected(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// InsertStep appends a step record. (run_id, step_index) is unique, so a
// crashed-and-resumed executor cannot double-record a step.
func (r *Repository) InsertStep(ctx context.Context, s *Step) error {
	configJSON, err := marshalContext(s.ActionConfig)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO run_steps (run_id, step_index, action_type, action_config,
			status, result, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.RunID, s.StepIndex, s.ActionType, configJSON, string(s.Status),
		nullableString(s.Result), nullableString(s.Error),
		s.StartedAt.UTC().Format(time.RFC3339), nullableTime(s.CompletedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrStepExists
		}
		return fmt.Errorf("inserting run step: %w", err)
	}
	return nil
}

// FinishStep records a step's terminal status, result and completion time.
func (r *Repository) FinishStep(ctx context.Context, runID string, stepIndex int, status StepStatus, result, stepErr string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE run_steps SET status = ?, result = ?, error = ?, completed_at = ?
		WHERE run_id = ? AND step_index = ?`,
		string(status), nullableString(result), nullableString(stepErr),
		now.UTC().Format(time.RFC3339), runID, stepIndex)
	if err != nil {
		return fmt.Errorf("finishing run step: %w", err)
	}
	ok, err := oneRowAffected(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// ListSteps returns a run's steps in execution order.
func (r *Repository) ListSteps(ctx context.Context, runID string) ([]Step, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT run_id, step_index, action_type, action_config, status,
			result, error, started_at, completed_at
		FROM run_steps WHERE run_id = ? ORDER BY step_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying run steps: %w", err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var s Step
		var configJSON, startedAt string
		var result, stepErr, completedAt sql.NullString
		if err := rows.Scan(&s.RunID, &s.StepIndex, &s.ActionType, &configJSON,
			(*string)(&s.Status), &result, &stepErr, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scanning run step: %w", err)
		}
		if configJSON != "" && configJSON != "{}" {
			if err := json.Unmarshal([]byte(configJSON), &s.ActionConfig); err != nil {
				return nil, fmt.Errorf("unmarshalling action config: %w", err)
			}
		}
		s.Result = result.String
		s.Error = stepErr.String
		if t, parseErr := time.Parse(time.RFC3339, startedAt); parseErr == nil {
			s.StartedAt = t
		}
		if completedAt.Valid {
			if t, parseErr := time.Parse(time.RFC3339, completedAt.String); parseErr == nil {
				s.CompletedAt = &t
			}
		}
		steps = append(steps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating run steps: %w", err)
	}
	return steps, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(scanner rowScanner) (*Run, error) {
	var rn Run
	var status, contextJSON, createdAt string
	var runErr, resumeAt, startedAt, completedAt sql.NullString

	err := scanner.Scan(&rn.ID, &rn.UnitID, &rn.EventID, &rn.OwnerID, &status,
		&rn.CurrentStep, &contextJSON, &runErr, &resumeAt, &startedAt,
		&completedAt, &createdAt)
	if err != nil {
		return nil, err
	}

	rn.Status = Status(status)
	if contextJSON != "" {
		if err := json.Unmarshal([]byte(contextJSON), &rn.Context); err != nil {
			return nil, fmt.Errorf("unmarshalling context: %w", err)
		}
	}
	if rn.Context == nil {
		rn.Context = map[string]interface{}{}
	}
	rn.Error = runErr.String
	rn.ResumeAt = parseNullableTime(resumeAt)
	rn.StartedAt = parseNullableTime(startedAt)
	rn.CompletedAt = parseNullableTime(completedAt)
	if t, parseErr := time.Parse(time.RFC3339, createdAt); parseErr == nil {
		rn.CreatedAt = t
	}
	return &rn, nil
}

func marshalContext(m map[string]interface{}) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshalling context: %w", err)
	}
	return string(b), nil
}

func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func oneRowAffected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return n == 1, nil
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
