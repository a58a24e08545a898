// Package rules decides which stored rules an incoming event fires.
package rules

import (
	"fmt"
	"strings"
	"time"

	"cityflow/internal/domain"
)

// RuleError records a rule that could not be evaluated. The rule is treated as non-matching.
type RuleError struct {
	RuleID string
	Err    error
}

func (e RuleError) Error() string {
	return fmt.Sprintf("rule %s: %v", e.RuleID, e.Err)
}

func (e RuleError) Unwrap() error {
	return e.Err
}

// Result is the outcome of evaluating one event. Matched and Suppressed keep the input order.
type Result struct {
	Matched    []domain.Rule
	Suppressed []domain.Rule
	Errors     []RuleError
}

// Evaluate returns the enabled rules whose trigger applies to event. Rules that apply but are
// still inside their cooldown window at now are returned in Suppressed instead of Matched.
func Evaluate(event domain.Event, rules []domain.Rule, now time.Time) Result {
	var res Result
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		ok, err := Applies(r.Trigger, event)
		if err != nil {
			res.Errors = append(res.Errors, RuleError{RuleID: r.ID, Err: err})
			continue
		}
		if !ok {
			continue
		}
		if r.InCooldown(now) {
			res.Suppressed = append(res.Suppressed, r)
			continue
		}
		res.Matched = append(res.Matched, r)
	}
	return res
}

// Applies reports whether a single trigger matches the event, ignoring enabled state and cooldown.
func Applies(t domain.Trigger, event domain.Event) (bool, error) {
	switch tr := t.(type) {
	case domain.AlertTrigger:
		if !event.IsAlert() {
			return false, nil
		}
		return sameOrAny(tr.Category, event.Category) && sameOrAny(tr.Severity, event.Severity), nil
	case domain.ThresholdTrigger:
		cond, err := ParseCondition(tr.Condition)
		if err != nil {
			return false, err
		}
		if !sameOrAny(tr.Category, event.Category) || !sameOrAny(tr.Metric, event.Metric) {
			return false, nil
		}
		if !cond.AppliesTo(event.Metric) || event.MetricValue == nil {
			return false, nil
		}
		return cond.Compare(*event.MetricValue), nil
	case domain.ScheduleTrigger:
		sched, err := ParseSchedule(tr)
		if err != nil {
			return false, err
		}
		if !event.IsTick() || event.Timestamp.IsZero() {
			return false, nil
		}
		return InWindow(sched, Window(tr), event.Timestamp), nil
	case domain.EventTrigger:
		if tr.Name != "" && !strings.EqualFold(tr.Name, event.Name) {
			return false, nil
		}
		return sameOrAny(tr.Category, event.Category), nil
	case nil:
		return false, domain.ValidationError{Field: "trigger", Reason: "rule has no trigger"}
	}
	return false, domain.ValidationError{Field: "trigger.type", Reason: fmt.Sprintf("unsupported trigger %T", t)}
}

// Validate checks that a rule is well formed before it is stored.
func Validate(r domain.Rule) error {
	if strings.TrimSpace(r.Name) == "" {
		return domain.ValidationError{Field: "name", Reason: "required"}
	}
	if r.CooldownMinutes < 0 {
		return domain.ValidationError{Field: "cooldown_minutes", Reason: "must be >= 0"}
	}
	if r.Enabled && len(r.Actions) == 0 {
		return domain.ValidationError{Field: "actions", Reason: "an enabled rule needs at least one action"}
	}
	switch tr := r.Trigger.(type) {
	case domain.ThresholdTrigger:
		if _, err := ParseCondition(tr.Condition); err != nil {
			return err
		}
	case domain.ScheduleTrigger:
		if _, err := ParseSchedule(tr); err != nil {
			return err
		}
	case domain.EventTrigger:
		if tr.Name == "" && tr.Category == "" {
			return domain.ValidationError{Field: "trigger.condition", Reason: "event trigger needs a name or category"}
		}
	case domain.AlertTrigger:
	case nil:
		return domain.ValidationError{Field: "trigger", Reason: "required"}
	}
	return nil
}

func sameOrAny(want, got string) bool {
	return want == "" || strings.EqualFold(want, got)
}
