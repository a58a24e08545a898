package domain

import "fmt"

type PriorityThreshold string

const (
	ThresholdCritical PriorityThreshold = "critical"
	ThresholdHigh     PriorityThreshold = "high"
	ThresholdMedium   PriorityThreshold = "medium"
	ThresholdAll      PriorityThreshold = "all"
)

// Admits reports whether a prediction of urgency u passes the threshold.
// critical ⊂ high+critical ⊂ medium+high+critical ⊂ all.
func (t PriorityThreshold) Admits(u Urgency) bool {
	switch t {
	case ThresholdCritical:
		return u.Rank() <= UrgencyCritical.Rank()
	case ThresholdHigh:
		return u.Rank() <= UrgencyHigh.Rank()
	case ThresholdMedium:
		return u.Rank() <= UrgencyMedium.Rank()
	case ThresholdAll, "":
		return true
	}
	return false
}

// AutomationSettings are the scheduler options recognised by the orchestrator.
type AutomationSettings struct {
	AutoCreateTasks       bool              `json:"auto_create_tasks" yaml:"auto_create_tasks"`
	AutoAssignTechnicians bool              `json:"auto_assign_technicians" yaml:"auto_assign_technicians"`
	AutoReserveParts      bool              `json:"auto_reserve_parts" yaml:"auto_reserve_parts"`
	NotifyOnCreation      bool              `json:"notify_on_creation" yaml:"notify_on_creation"`
	PriorityThreshold     PriorityThreshold `json:"priority_threshold" yaml:"priority_threshold" enum:"critical,high,medium,all"`
	ScheduleBufferDays    int               `json:"schedule_buffer_days" yaml:"schedule_buffer_days"`
}

func DefaultAutomationSettings() AutomationSettings {
	return AutomationSettings{
		AutoCreateTasks:       true,
		AutoAssignTechnicians: true,
		AutoReserveParts:      true,
		NotifyOnCreation:      true,
		PriorityThreshold:     ThresholdHigh,
		ScheduleBufferDays:    1,
	}
}

func (s AutomationSettings) Validate() error {
	switch s.PriorityThreshold {
	case ThresholdCritical, ThresholdHigh, ThresholdMedium, ThresholdAll:
	default:
		return ValidationError{Field: "priority_threshold", Reason: fmt.Sprintf("unknown threshold %q", s.PriorityThreshold)}
	}
	if s.ScheduleBufferDays < 0 {
		return ValidationError{Field: "schedule_buffer_days", Reason: "must be >= 0"}
	}
	return nil
}
