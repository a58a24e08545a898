// Package workflow advances staged permit approvals.
package workflow

import (
	"fmt"
	"strings"
	"time"

	"cityflow/internal/domain"
)

const (
	ActionApprove = "approve"
	ActionReject  = "reject"
	ActionCancel  = "cancel"
)

// HappyPath is the ordered approval route.
var HappyPath = []domain.PermitStep{
	domain.StepSubmitted,
	domain.StepReview,
	domain.StepApproved,
	domain.StepIssued,
}

// IsTerminal reports whether no further action is accepted in step.
func IsTerminal(step domain.PermitStep) bool {
	switch step {
	case domain.StepIssued, domain.StepRejected, domain.StepCancelled:
		return true
	}
	return false
}

// NewPermit opens a permit at submitted with its first history record.
func NewPermit(id, number, subject, priority, actor string, now time.Time) (domain.PermitWorkflow, error) {
	if strings.TrimSpace(number) == "" {
		return domain.PermitWorkflow{}, domain.ValidationError{Field: "permit_number", Reason: "required"}
	}
	return domain.PermitWorkflow{
		ID:           id,
		PermitNumber: number,
		Subject:      subject,
		Priority:     priority,
		CurrentStep:  domain.StepSubmitted,
		History:      []domain.HistoryEntry{{Step: domain.StepSubmitted, Timestamp: now, Actor: actor}},
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// Next returns the step an action leads to from current.
func Next(current domain.PermitStep, action string) (domain.PermitStep, error) {
	switch action {
	case ActionReject:
		return domain.StepRejected, nil
	case ActionCancel:
		return domain.StepCancelled, nil
	case ActionApprove:
		for i, s := range HappyPath {
			if s == current && i+1 < len(HappyPath) {
				return HappyPath[i+1], nil
			}
		}
		return "", fmt.Errorf("step %q is not on the approval path", current)
	}
	return "", domain.ValidationError{Field: "action", Reason: fmt.Sprintf("unknown action %q", action)}
}

// Advance applies action and returns the updated permit with exactly one new history record.
// The input permit is left untouched.
func Advance(p domain.PermitWorkflow, action, actor, notes string, now time.Time) (domain.PermitWorkflow, error) {
	action = strings.ToLower(strings.TrimSpace(action))
	if IsTerminal(p.CurrentStep) {
		return p, domain.TerminalStateError{PermitID: p.ID, Step: p.CurrentStep, Action: action}
	}
	next, err := Next(p.CurrentStep, action)
	if err != nil {
		return p, err
	}
	history := make([]domain.HistoryEntry, len(p.History), len(p.History)+1)
	copy(history, p.History)
	history = append(history, domain.HistoryEntry{Step: next, Timestamp: now, Actor: actor, Notes: notes})

	out := p
	out.CurrentStep = next
	out.History = history
	out.UpdatedAt = now
	return out, nil
}
