package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"cityflow/internal/domain"
	"cityflow/internal/events"
	"cityflow/internal/repo"
	"cityflow/internal/workflow"
)

type PermitInput struct {
	Number   string
	Subject  string
	Priority string
}

func (e Engine) CreatePermit(ctx context.Context, in PermitInput, actorID string) (domain.PermitWorkflow, error) {
	p, err := workflow.NewPermit(uuid.NewString(), strings.TrimSpace(in.Number), in.Subject, in.Priority, actorOrSystem(actorID), e.now())
	if err != nil {
		return p, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertPermit(ctx, tx, p); err != nil {
		return p, err
	}
	if err := e.events().Append(ctx, tx, events.PermitCreated, "permit", p.ID, actorID, events.EventPayload{
		"permit_number": p.PermitNumber,
		"subject":       p.Subject,
	}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	return p, nil
}

// AdvancePermit applies action to the permit. After commit the new step is fed back into
// HandleEvent as "permit.<step>" so event rules can react to permit progress.
func (e Engine) AdvancePermit(ctx context.Context, id, action, notes, actorID string) (domain.PermitWorkflow, error) {
	cur, err := e.Repo.GetPermit(ctx, id)
	if err != nil {
		return cur, err
	}
	next, err := workflow.Advance(cur, action, actorOrSystem(actorID), notes, e.now())
	if err != nil {
		return cur, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return cur, err
	}
	defer tx.Rollback()
	if err := e.Repo.MovePermit(ctx, tx, id, cur.CurrentStep, next.CurrentStep, next.UpdatedAt); err != nil {
		return cur, err
	}
	if err := e.Repo.AppendPermitHistory(ctx, tx, id, next.History[len(next.History)-1]); err != nil {
		return cur, err
	}
	if err := e.events().Append(ctx, tx, events.PermitAdvanced, "permit", id, actorID, events.EventPayload{
		"action": action,
		"from":   cur.CurrentStep,
		"to":     next.CurrentStep,
		"notes":  notes,
	}); err != nil {
		return cur, err
	}
	if err := tx.Commit(); err != nil {
		return cur, err
	}
	e.Metrics.PermitTransition(action, string(next.CurrentStep))

	ev := domain.Event{
		Kind:      domain.EventNamed,
		Category:  "permits",
		Name:      "permit." + string(next.CurrentStep),
		Timestamp: next.UpdatedAt,
	}
	if _, err := e.HandleEvent(ctx, ev, actorID); err != nil {
		e.logger().Warn("permit event not evaluated", "permit_id", id, "error", err)
	}
	return next, nil
}

func (e Engine) GetPermit(ctx context.Context, id string) (domain.PermitWorkflow, error) {
	return e.Repo.GetPermit(ctx, id)
}

func (e Engine) ListPermits(ctx context.Context, f repo.PermitFilters) ([]domain.PermitWorkflow, error) {
	return e.Repo.ListPermits(ctx, f)
}

func actorOrSystem(actorID string) string {
	if actorID == "" {
		return "system"
	}
	return actorID
}
