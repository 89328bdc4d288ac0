// Package run holds the execution records of matched units: one Run per
// (unit, event) match and an append-only RunStep per executed action.
package run

import "time"

// Status is the run state machine: pending → in_progress → success|failed,
// with paused reachable only from in_progress (wait actions) and left only
// through the resumption sweep's conditional claim.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
	StatusPaused     Status = "paused"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Run is one execution of a unit against one event. Context accumulates
// named results from completed actions for template substitution in later
// actions.
type Run struct {
	ID          string                 `json:"id"`
	UnitID      string                 `json:"unit_id"`
	EventID     string                 `json:"event_id"`
	OwnerID     string                 `json:"owner_id"`
	Status      Status                 `json:"status"`
	CurrentStep int                    `json:"current_step"`
	Context     map[string]interface{} `json:"context"`
	Error       string                 `json:"error,omitempty"`
	ResumeAt    *time.Time             `json:"resume_at,omitempty"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// StepStatus is the terminal state of one executed action.
type StepStatus string

const (
	StepInProgress StepStatus = "in_progress"
	StepWaiting    StepStatus = "waiting"
	StepSuccess    StepStatus = "success"
	StepFailed     StepStatus = "failed"
)

// Step is the audit record of one executed action within a run.
// Unique on (RunID, StepIndex); never updated after reaching a terminal
// status.
type Step struct {
	RunID        string                 `json:"run_id"`
	StepIndex    int                    `json:"step_index"`
	ActionType   string                 `json:"action_type"`
	ActionConfig map[string]interface{} `json:"action_config,omitempty"`
	Status       StepStatus             `json:"status"`
	Result       string                 `json:"result,omitempty"`
	Error        string                 `json:"error,omitempty"`
	StartedAt    time.Time              `json:"started_at"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
}
