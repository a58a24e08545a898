package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"cityflow/internal/domain"
)

func (r Repo) UpsertTechnician(ctx context.Context, tx *sql.Tx, t domain.Technician) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO technicians(id,name,specialty,available,tasks,rating) VALUES (?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, specialty=excluded.specialty, available=excluded.available, tasks=excluded.tasks, rating=excluded.rating`,
		t.ID, t.Name, t.Specialty, boolInt(t.Available), t.Tasks, t.Rating)
	return err
}

func (r Repo) ListTechnicians(ctx context.Context) ([]domain.Technician, error) {
	return listTechnicians(ctx, r.DB)
}

func (r Repo) ListTechniciansTx(ctx context.Context, tx *sql.Tx) ([]domain.Technician, error) {
	return listTechnicians(ctx, tx)
}

// listTechnicians returns technicians in registration order; the matcher's tie-break is stable on it.
func listTechnicians(ctx context.Context, q queryer) ([]domain.Technician, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,name,specialty,available,tasks,rating FROM technicians ORDER BY rowid ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Technician
	for rows.Next() {
		var (
			t         domain.Technician
			available int
		)
		if err := rows.Scan(&t.ID, &t.Name, &t.Specialty, &available, &t.Tasks, &t.Rating); err != nil {
			return nil, err
		}
		t.Available = available == 1
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) GetTechnician(ctx context.Context, id string) (domain.Technician, error) {
	var (
		t         domain.Technician
		available int
	)
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,specialty,available,tasks,rating FROM technicians WHERE id=?`, id).
		Scan(&t.ID, &t.Name, &t.Specialty, &available, &t.Tasks, &t.Rating)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	t.Available = available == 1
	return t, err
}

// AdjustTechnicianLoad changes a technician's open task count, never below zero.
func (r Repo) AdjustTechnicianLoad(ctx context.Context, tx *sql.Tx, id string, delta int) error {
	res, err := tx.ExecContext(ctx, `UPDATE technicians SET tasks=MAX(0, tasks+?) WHERE id=?`, delta, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertPart sets the on-hand quantity of a SKU. Existing reservations are kept.
func (r Repo) UpsertPart(ctx context.Context, tx *sql.Tx, p domain.PartStock) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO parts(sku,name,quantity,reserved) VALUES (?,?,?,0)
		ON CONFLICT(sku) DO UPDATE SET name=COALESCE(excluded.name, parts.name), quantity=excluded.quantity`,
		p.SKU, nullable(p.Name), p.Quantity)
	if err != nil && strings.Contains(err.Error(), "CHECK constraint failed") {
		return domain.ConflictError{Entity: "part", ID: p.SKU, Reason: "quantity below reserved stock"}
	}
	if err != nil {
		return fmt.Errorf("upsert part %s: %w", p.SKU, err)
	}
	return nil
}

func (r Repo) ListParts(ctx context.Context) ([]domain.PartStock, error) {
	return listParts(ctx, r.DB)
}

func (r Repo) GetPart(ctx context.Context, sku string) (domain.PartStock, error) {
	var p domain.PartStock
	err := r.DB.QueryRowContext(ctx, `SELECT sku,COALESCE(name,''),quantity,reserved FROM parts WHERE sku=?`, sku).
		Scan(&p.SKU, &p.Name, &p.Quantity, &p.Reserved)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListPartsTx(ctx context.Context, tx *sql.Tx) ([]domain.PartStock, error) {
	return listParts(ctx, tx)
}

func listParts(ctx context.Context, q queryer) ([]domain.PartStock, error) {
	rows, err := q.QueryContext(ctx, `SELECT sku,COALESCE(name,''),quantity,reserved FROM parts ORDER BY sku ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PartStock
	for rows.Next() {
		var p domain.PartStock
		if err := rows.Scan(&p.SKU, &p.Name, &p.Quantity, &p.Reserved); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ReserveParts atomically reserves every requirement or none of them (the caller rolls back tx).
// A SKU without enough unreserved stock yields a ConflictError.
func (r Repo) ReserveParts(ctx context.Context, tx *sql.Tx, reqs []domain.PartRequirement) error {
	for _, req := range reqs {
		res, err := tx.ExecContext(ctx, `UPDATE parts SET reserved=reserved+? WHERE sku=? AND quantity-reserved>=?`, req.Quantity, req.SKU, req.Quantity)
		if err != nil {
			return fmt.Errorf("reserve %s: %w", req.SKU, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return domain.ConflictError{Entity: "part", ID: req.SKU, Reason: fmt.Sprintf("cannot reserve %d", req.Quantity)}
		}
	}
	return nil
}

// ConsumeParts removes previously reserved parts from stock.
func (r Repo) ConsumeParts(ctx context.Context, tx *sql.Tx, reqs []domain.PartRequirement) error {
	for _, req := range reqs {
		res, err := tx.ExecContext(ctx, `UPDATE parts SET quantity=quantity-?, reserved=reserved-? WHERE sku=? AND reserved>=?`, req.Quantity, req.Quantity, req.SKU, req.Quantity)
		if err != nil {
			return fmt.Errorf("consume %s: %w", req.SKU, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ConflictError{Entity: "part", ID: req.SKU, Reason: "reservation missing"}
		}
	}
	return nil
}

// ReleaseParts returns reserved parts to available stock.
func (r Repo) ReleaseParts(ctx context.Context, tx *sql.Tx, reqs []domain.PartRequirement) error {
	for _, req := range reqs {
		if _, err := tx.ExecContext(ctx, `UPDATE parts SET reserved=MAX(0, reserved-?) WHERE sku=?`, req.Quantity, req.SKU); err != nil {
			return fmt.Errorf("release %s: %w", req.SKU, err)
		}
	}
	return nil
}
