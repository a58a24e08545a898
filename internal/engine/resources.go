package engine

import (
	"context"
	"strings"

	"cityflow/internal/domain"
	"cityflow/internal/events"
)

func (e Engine) UpsertTechnician(ctx context.Context, t domain.Technician, actorID string) (domain.Technician, error) {
	t.ID = strings.TrimSpace(t.ID)
	if t.ID == "" {
		return t, domain.ValidationError{Field: "technician.id", Reason: "required"}
	}
	if t.Tasks < 0 {
		return t, domain.ValidationError{Field: "technician.tasks", Reason: "must be >= 0"}
	}
	if t.Rating < 0 || t.Rating > 5 {
		return t, domain.ValidationError{Field: "technician.rating", Reason: "must be between 0 and 5"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertTechnician(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.events().Append(ctx, tx, events.ResourceUpdated, "technician", t.ID, actorID, events.EventPayload{
		"specialty": t.Specialty,
		"available": t.Available,
		"tasks":     t.Tasks,
	}); err != nil {
		return t, err
	}
	return t, tx.Commit()
}

// UpsertPart sets the on-hand quantity of a SKU. The quantity may not drop below what is
// already reserved.
func (e Engine) UpsertPart(ctx context.Context, p domain.PartStock, actorID string) (domain.PartStock, error) {
	p.SKU = strings.TrimSpace(p.SKU)
	if p.SKU == "" {
		return p, domain.ValidationError{Field: "part.sku", Reason: "required"}
	}
	if p.Quantity < 0 {
		return p, domain.ValidationError{Field: "part.quantity", Reason: "must be >= 0"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertPart(ctx, tx, p); err != nil {
		return p, err
	}
	if err := e.events().Append(ctx, tx, events.ResourceUpdated, "part", p.SKU, actorID, events.EventPayload{
		"quantity": p.Quantity,
	}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	return e.Repo.GetPart(ctx, p.SKU)
}

func (e Engine) ListTechnicians(ctx context.Context) ([]domain.Technician, error) {
	return e.Repo.ListTechnicians(ctx)
}

func (e Engine) ListParts(ctx context.Context) ([]domain.PartStock, error) {
	return e.Repo.ListParts(ctx)
}
