package domain

import (
	"fmt"
	"strings"
)

const (
	TriggerAlert     = "alert"
	TriggerThreshold = "threshold"
	TriggerSchedule  = "schedule"
	TriggerEvent     = "event"
)

// Trigger is the closed set of rule trigger kinds. Only types in this package implement it.
type Trigger interface {
	Kind() string
	isTrigger()
}

// AlertTrigger matches alert events on category and, when set, severity.
type AlertTrigger struct {
	Category string
	Severity string
}

// ThresholdTrigger compares an event's metric value against Condition, e.g. "> 80" or "temperature >= 42.5".
type ThresholdTrigger struct {
	Category  string
	Metric    string
	Condition string
}

// ScheduleTrigger matches a recurring window of WindowMinutes that opens at Time ("HH:MM") on Days.
// Cron, when set, replaces Time and Days with a standard 5-field expression.
type ScheduleTrigger struct {
	Time          string
	Days          []string
	WindowMinutes int
	Cron          string
}

// EventTrigger matches named domain events.
type EventTrigger struct {
	Name     string
	Category string
}

func (AlertTrigger) Kind() string     { return TriggerAlert }
func (ThresholdTrigger) Kind() string { return TriggerThreshold }
func (ScheduleTrigger) Kind() string  { return TriggerSchedule }
func (EventTrigger) Kind() string     { return TriggerEvent }

func (AlertTrigger) isTrigger()     {}
func (ThresholdTrigger) isTrigger() {}
func (ScheduleTrigger) isTrigger()  {}
func (EventTrigger) isTrigger()     {}

// TriggerSpec is the tagged wire form of a Trigger.
type TriggerSpec struct {
	Type          string   `json:"type" yaml:"type" enum:"alert,threshold,schedule,event"`
	Condition     string   `json:"condition,omitempty" yaml:"condition,omitempty"`
	Category      string   `json:"category,omitempty" yaml:"category,omitempty"`
	Severity      string   `json:"severity,omitempty" yaml:"severity,omitempty"`
	Metric        string   `json:"metric,omitempty" yaml:"metric,omitempty"`
	Time          string   `json:"time,omitempty" yaml:"time,omitempty"`
	Days          []string `json:"days,omitempty" yaml:"days,omitempty"`
	WindowMinutes int      `json:"window_minutes,omitempty" yaml:"window_minutes,omitempty"`
	Cron          string   `json:"cron,omitempty" yaml:"cron,omitempty"`
}

// Trigger converts the wire form into its typed variant.
func (s TriggerSpec) Trigger() (Trigger, error) {
	switch strings.ToLower(strings.TrimSpace(s.Type)) {
	case TriggerAlert:
		return AlertTrigger{Category: s.Category, Severity: s.Severity}, nil
	case TriggerThreshold:
		return ThresholdTrigger{Category: s.Category, Metric: s.Metric, Condition: s.Condition}, nil
	case TriggerSchedule:
		return ScheduleTrigger{Time: s.Time, Days: s.Days, WindowMinutes: s.WindowMinutes, Cron: s.Cron}, nil
	case TriggerEvent:
		name := s.Condition
		if name == "" {
			name = s.Category
		}
		return EventTrigger{Name: name, Category: s.Category}, nil
	}
	return nil, ValidationError{Field: "trigger.type", Reason: fmt.Sprintf("unknown trigger type %q", s.Type)}
}

// SpecFromTrigger converts a typed trigger back into its wire form.
func SpecFromTrigger(t Trigger) TriggerSpec {
	switch v := t.(type) {
	case AlertTrigger:
		return TriggerSpec{Type: TriggerAlert, Category: v.Category, Severity: v.Severity}
	case ThresholdTrigger:
		return TriggerSpec{Type: TriggerThreshold, Category: v.Category, Metric: v.Metric, Condition: v.Condition}
	case ScheduleTrigger:
		return TriggerSpec{Type: TriggerSchedule, Time: v.Time, Days: v.Days, WindowMinutes: v.WindowMinutes, Cron: v.Cron}
	case EventTrigger:
		return TriggerSpec{Type: TriggerEvent, Condition: v.Name, Category: v.Category}
	}
	return TriggerSpec{}
}
