package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"cityflow/internal/domain"
	"cityflow/internal/events"
	"cityflow/internal/repo"
	"cityflow/internal/rules"
)

// RuleInput is the editable part of a rule.
type RuleInput struct {
	ID              string
	Name            string
	Description     string
	Enabled         bool
	Trigger         domain.TriggerSpec
	Actions         []domain.ActionSpec
	CooldownMinutes int
}

func (in RuleInput) apply(r *domain.Rule) error {
	trig, err := in.Trigger.Trigger()
	if err != nil {
		return err
	}
	acts, err := domain.ActionsFromSpecs(in.Actions)
	if err != nil {
		return err
	}
	r.Name = strings.TrimSpace(in.Name)
	r.Description = in.Description
	r.Enabled = in.Enabled
	r.Trigger = trig
	r.Actions = acts
	r.CooldownMinutes = in.CooldownMinutes
	return rules.Validate(*r)
}

func rulePayload(r domain.Rule) events.EventPayload {
	return events.EventPayload{
		"name":             r.Name,
		"enabled":          r.Enabled,
		"trigger":          r.Trigger.Kind(),
		"actions":          len(r.Actions),
		"cooldown_minutes": r.CooldownMinutes,
	}
}

func (e Engine) CreateRule(ctx context.Context, in RuleInput, actorID string) (domain.Rule, error) {
	now := e.now()
	r := domain.Rule{ID: in.ID, CreatedAt: now, UpdatedAt: now}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if err := in.apply(&r); err != nil {
		return domain.Rule{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Rule{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRule(ctx, tx, r); err != nil {
		return domain.Rule{}, err
	}
	if err := e.events().Append(ctx, tx, events.RuleCreated, "rule", r.ID, actorID, rulePayload(r)); err != nil {
		return domain.Rule{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Rule{}, err
	}
	return r, nil
}

// UpdateRule replaces a rule definition. Execution count and last firing are preserved.
func (e Engine) UpdateRule(ctx context.Context, id string, in RuleInput, actorID string) (domain.Rule, error) {
	r, err := e.Repo.GetRule(ctx, id)
	if err != nil {
		return domain.Rule{}, err
	}
	if err := in.apply(&r); err != nil {
		return domain.Rule{}, err
	}
	r.UpdatedAt = e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Rule{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateRule(ctx, tx, r); err != nil {
		return domain.Rule{}, err
	}
	if err := e.events().Append(ctx, tx, events.RuleUpdated, "rule", r.ID, actorID, rulePayload(r)); err != nil {
		return domain.Rule{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Rule{}, err
	}
	return r, nil
}

func (e Engine) SetRuleEnabled(ctx context.Context, id string, enabled bool, actorID string) (domain.Rule, error) {
	r, err := e.Repo.GetRule(ctx, id)
	if err != nil {
		return domain.Rule{}, err
	}
	r.Enabled = enabled
	if err := rules.Validate(r); err != nil {
		return domain.Rule{}, err
	}
	r.UpdatedAt = e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Rule{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetRuleEnabled(ctx, tx, id, enabled, r.UpdatedAt); err != nil {
		return domain.Rule{}, err
	}
	if err := e.events().Append(ctx, tx, events.RuleUpdated, "rule", id, actorID, events.EventPayload{"enabled": enabled}); err != nil {
		return domain.Rule{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Rule{}, err
	}
	return r, nil
}

func (e Engine) DeleteRule(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteRule(ctx, tx, id); err != nil {
		return err
	}
	if err := e.events().Append(ctx, tx, events.RuleDeleted, "rule", id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) ListRules(ctx context.Context, enabledOnly bool) ([]domain.Rule, error) {
	return e.Repo.ListRules(ctx, repo.RuleFilters{EnabledOnly: enabledOnly})
}

func (e Engine) GetRule(ctx context.Context, id string) (domain.Rule, error) {
	return e.Repo.GetRule(ctx, id)
}
