package unit

import "time"

// Status gates whether a unit is considered by the matcher.
// Only active units ever produce runs; paused and disabled units are
// filtered out before candidate lookup.
type Status string

const (
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusDisabled Status = "disabled"
)

// TriggerType discriminates the trigger variants.
type TriggerType string

const (
	TriggerEvent    TriggerType = "event"
	TriggerSchedule TriggerType = "schedule"
	TriggerCompound TriggerType = "compound"
)

// CompoundMode selects how a compound trigger combines its sub-triggers.
type CompoundMode string

const (
	CompoundAny CompoundMode = "any"
	CompoundAll CompoundMode = "all"
)

// Trigger is a tagged union discriminated by Type. Exactly the fields of
// the selected variant are meaningful; dispatch sites switch on Type
// exhaustively.
type Trigger struct {
	Type TriggerType `json:"type" yaml:"type"`

	// event
	Source    string `json:"source,omitempty" yaml:"source,omitempty"`
	EventType string `json:"event_type,omitempty" yaml:"event_type,omitempty"`
	Filter    string `json:"filter,omitempty" yaml:"filter,omitempty"` // restricted expression over payload

	// schedule
	Cron string `json:"cron,omitempty" yaml:"cron,omitempty"`

	// compound
	Mode     CompoundMode `json:"mode,omitempty" yaml:"mode,omitempty"`
	Triggers []Trigger    `json:"triggers,omitempty" yaml:"triggers,omitempty"`
}

// ConditionType discriminates the condition variants.
type ConditionType string

const (
	ConditionEval     ConditionType = "eval"
	ConditionSemantic ConditionType = "semantic"
)

// Condition is evaluated after the trigger matched. All conditions of a
// unit must pass, in order; the first failure short-circuits.
type Condition struct {
	Type ConditionType `json:"type" yaml:"type"`

	// eval
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`

	// semantic, delegated to the external classifier as a boolean oracle
	Prompt string `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Expect string `json:"expect,omitempty" yaml:"expect,omitempty"`
}

// ActionType discriminates the action variants.
type ActionType string

const (
	ActionTool   ActionType = "tool"
	ActionLLM    ActionType = "llm"
	ActionNotify ActionType = "notify"
	ActionWait   ActionType = "wait"
	ActionCheck  ActionType = "check"
)

// CheckOutcome is the configured behaviour of a check action whose
// expression evaluates to false.
type CheckOutcome string

const (
	OutcomeContinue CheckOutcome = "continue"
	OutcomeStop     CheckOutcome = "stop"
)

// Action is one step of a unit's action chain. String config fields may
// contain {{name.path}} placeholders resolved against the run context.
type Action struct {
	Type ActionType `json:"type" yaml:"type"`
	As   string     `json:"as,omitempty" yaml:"as,omitempty"` // context key for tool/llm results

	// tool
	Tool       string                 `json:"tool,omitempty" yaml:"tool,omitempty"`
	Provider   string                 `json:"provider,omitempty" yaml:"provider,omitempty"`
	Args       map[string]interface{} `json:"args,omitempty" yaml:"args,omitempty"`
	Fetch      bool                   `json:"fetch,omitempty" yaml:"fetch,omitempty"` // route through the cached fetch path
	EntityType string                 `json:"entity_type,omitempty" yaml:"entity_type,omitempty"`

	// llm
	Instruction string `json:"instruction,omitempty" yaml:"instruction,omitempty"`
	Input       string `json:"input,omitempty" yaml:"input,omitempty"`

	// notify
	Channel string `json:"channel,omitempty" yaml:"channel,omitempty"`
	Message string `json:"message,omitempty" yaml:"message,omitempty"`

	// wait
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"` // Go duration string

	// check
	Expression string       `json:"expression,omitempty" yaml:"expression,omitempty"`
	OnFalse    CheckOutcome `json:"on_false,omitempty" yaml:"on_false,omitempty"`
}

// Unit is a stored automation: when the trigger fires and all conditions
// hold, the actions execute strictly in order as one run.
type Unit struct {
	ID         string      `json:"id" yaml:"id"`
	OwnerID    string      `json:"owner_id" yaml:"owner_id"`
	Name       string      `json:"name" yaml:"name"`
	Trigger    Trigger     `json:"trigger" yaml:"trigger"`
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Actions    []Action    `json:"actions" yaml:"actions"`
	Status     Status      `json:"status" yaml:"status"`
	RunCount   int64       `json:"run_count" yaml:"-"`
	LastRunAt  *time.Time  `json:"last_run_at,omitempty" yaml:"-"`
	CreatedAt  time.Time   `json:"created_at" yaml:"-"`
	UpdatedAt  time.Time   `json:"updated_at" yaml:"-"`
}

// Synthetic events emitted by the schedule ticker carry this source and
// type; schedule triggers are indexed and matched on them.
const (
	ScheduleEventSource = "scheduler"
	ScheduleEventType   = "tick"
)

// EventTriggers returns the event-trigger leaves of t: itself for an event
// trigger, the event sub-triggers for a compound one, nothing for schedule.
// The matcher indexes candidates on these leaves.
func (t Trigger) EventTriggers() []Trigger {
	switch t.Type {
	case TriggerEvent:
		return []Trigger{t}
	case TriggerCompound:
		var out []Trigger
		for _, sub := range t.Triggers {
			out = append(out, sub.EventTriggers()...)
		}
		return out
	case TriggerSchedule:
		return nil
	}
	return nil
}

// ScheduleTriggers returns the schedule-trigger leaves of t, for the
// schedule ticker.
func (t Trigger) ScheduleTriggers() []Trigger {
	switch t.Type {
	case TriggerSchedule:
		return []Trigger{t}
	case TriggerCompound:
		var out []Trigger
		for _, sub := range t.Triggers {
			out = append(out, sub.ScheduleTriggers()...)
		}
		return out
	}
	return nil
}

// WaitDuration parses the wait action's duration.
func (a Action) WaitDuration() (time.Duration, error) {
	return time.ParseDuration(a.Duration)
}
