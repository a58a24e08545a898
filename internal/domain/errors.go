package domain

import "fmt"

// ValidationError reports a malformed rule, action or request. It is operator-facing.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return "invalid: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ResourceUnavailableError reports a missing technician or insufficient stock. Callers degrade
// instead of aborting.
type ResourceUnavailableError struct {
	Resource string
	Detail   string
}

func (e ResourceUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %s", e.Resource, e.Detail)
}

// ConflictError reports a lost race or a duplicate (double materialization, over-reservation,
// stale workflow step). It must be retried or surfaced.
type ConflictError struct {
	Entity string
	ID     string
	Reason string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s %s: %s", e.Entity, e.ID, e.Reason)
}

// TerminalStateError reports an attempt to move a workflow out of a terminal step.
type TerminalStateError struct {
	PermitID string
	Step     PermitStep
	Action   string
}

func (e TerminalStateError) Error() string {
	return fmt.Sprintf("permit %s is %s; %s not allowed", e.PermitID, e.Step, e.Action)
}
