package unit

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hooklinehq/hookline/internal/condition"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate checks a unit for structural problems: missing fields, unknown
// variant types, expressions that do not parse, invalid cron specs and
// non-positive wait durations. All problems are collected and reported
// together.
func Validate(u *Unit) error {
	var errs []string

	if u.ID == "" {
		errs = append(errs, "id is required")
	}
	if u.OwnerID == "" {
		errs = append(errs, "owner_id is required")
	}
	if u.Name == "" {
		errs = append(errs, "name is required")
	}
	switch u.Status {
	case StatusActive, StatusPaused, StatusDisabled:
	case "":
		errs = append(errs, "status is required")
	default:
		errs = append(errs, fmt.Sprintf("unknown status %q", u.Status))
	}

	validateTrigger(u.Trigger, "trigger", &errs)

	for i, c := range u.Conditions {
		loc := fmt.Sprintf("conditions[%d]", i)
		switch c.Type {
		case ConditionEval:
			if c.Expression == "" {
				errs = append(errs, loc+": expression is required")
			} else if _, err := condition.Parse(c.Expression); err != nil {
				errs = append(errs, fmt.Sprintf("%s: expression: %s", loc, err))
			}
		case ConditionSemantic:
			if c.Prompt == "" {
				errs = append(errs, loc+": prompt is required")
			}
			if c.Expect == "" {
				errs = append(errs, loc+": expect is required")
			}
		default:
			errs = append(errs, fmt.Sprintf("%s: unknown condition type %q", loc, c.Type))
		}
	}

	if len(u.Actions) == 0 {
		errs = append(errs, "at least one action is required")
	}
	for i, a := range u.Actions {
		validateAction(a, fmt.Sprintf("actions[%d]", i), &errs)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}
	return nil
}

func validateTrigger(t Trigger, loc string, errs *[]string) {
	switch t.Type {
	case TriggerEvent:
		if t.Source == "" {
			*errs = append(*errs, loc+": source is required")
		}
		if t.EventType == "" {
			*errs = append(*errs, loc+": event_type is required")
		}
		if t.Filter != "" {
			if _, err := condition.Parse(t.Filter); err != nil {
				*errs = append(*errs, fmt.Sprintf("%s: filter: %s", loc, err))
			}
		}
	case TriggerSchedule:
		if t.Cron == "" {
			*errs = append(*errs, loc+": cron is required")
		} else if _, err := cronParser.Parse(t.Cron); err != nil {
			*errs = append(*errs, fmt.Sprintf("%s: cron: %s", loc, err))
		}
	case TriggerCompound:
		if t.Mode != CompoundAny && t.Mode != CompoundAll {
			*errs = append(*errs, fmt.Sprintf("%s: mode must be %q or %q", loc, CompoundAny, CompoundAll))
		}
		if len(t.Triggers) == 0 {
			*errs = append(*errs, loc+": at least one sub-trigger is required")
		}
		for i, sub := range t.Triggers {
			if sub.Type == TriggerCompound {
				*errs = append(*errs, fmt.Sprintf("%s.triggers[%d]: compound triggers cannot nest", loc, i))
				continue
			}
			validateTrigger(sub, fmt.Sprintf("%s.triggers[%d]", loc, i), errs)
		}
	default:
		*errs = append(*errs, fmt.Sprintf("%s: unknown trigger type %q", loc, t.Type))
	}
}

func validateAction(a Action, loc string, errs *[]string) {
	switch a.Type {
	case ActionTool:
		if a.Tool == "" {
			*errs = append(*errs, loc+": tool is required")
		}
		if a.Fetch && a.EntityType == "" {
			*errs = append(*errs, loc+": entity_type is required for fetch actions")
		}
	case ActionLLM:
		if a.Instruction == "" {
			*errs = append(*errs, loc+": instruction is required")
		}
	case ActionNotify:
		if a.Message == "" {
			*errs = append(*errs, loc+": message is required")
		}
	case ActionWait:
		d, err := a.WaitDuration()
		if err != nil {
			*errs = append(*errs, fmt.Sprintf("%s: duration: %s", loc, err))
		} else if d <= 0 {
			*errs = append(*errs, loc+": duration must be positive")
		}
		if a.As != "" {
			*errs = append(*errs, loc+": wait actions cannot declare a result name")
		}
	case ActionCheck:
		if a.Expression == "" {
			*errs = append(*errs, loc+": expression is required")
		} else if _, err := condition.Parse(a.Expression); err != nil {
			*errs = append(*errs, fmt.Sprintf("%s: expression: %s", loc, err))
		}
		switch a.OnFalse {
		case OutcomeContinue, OutcomeStop:
		default:
			*errs = append(*errs, fmt.Sprintf("%s: on_false must be %q or %q", loc, OutcomeContinue, OutcomeStop))
		}
	default:
		*errs = append(*errs, fmt.Sprintf("%s: unknown action type %q", loc, a.Type))
	}
}

// NextScheduleFire returns the next fire time after t for a schedule
// trigger's cron spec.
func NextScheduleFire(spec string, t time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing cron %q: %w", spec, err)
	}
	return sched.Next(t), nil
}
