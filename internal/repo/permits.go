package repo

import (
	"context"
	"database/sql"
	"time"

	"cityflow/internal/domain"
)

type PermitFilters struct {
	Step  string
	Limit int
}

func (r Repo) InsertPermit(ctx context.Context, tx *sql.Tx, p domain.PermitWorkflow) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO permits(id,permit_number,subject,current_step,priority,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.PermitNumber, p.Subject, string(p.CurrentStep), nullable(p.Priority), formatTS(p.CreatedAt), formatTS(p.UpdatedAt))
	if isUniqueViolation(err) {
		return domain.ConflictError{Entity: "permit", ID: p.PermitNumber, Reason: "permit number already registered"}
	}
	if err != nil {
		return err
	}
	for _, h := range p.History {
		if err := r.AppendPermitHistory(ctx, tx, p.ID, h); err != nil {
			return err
		}
	}
	return nil
}

// MovePermit changes the step only if the permit is still at from. A permit moved by
// someone else in between yields a ConflictError.
func (r Repo) MovePermit(ctx context.Context, tx *sql.Tx, id string, from, to domain.PermitStep, at time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE permits SET current_step=?, updated_at=? WHERE id=? AND current_step=?`, string(to), formatTS(at), id, string(from))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := getPermitRow(ctx, tx, id); err != nil {
			return err
		}
		return domain.ConflictError{Entity: "permit", ID: id, Reason: "step changed concurrently"}
	}
	return nil
}

// AppendPermitHistory adds one history record. History rows are never updated or deleted.
func (r Repo) AppendPermitHistory(ctx context.Context, tx *sql.Tx, permitID string, h domain.HistoryEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO permit_history(permit_id,step,ts,actor,notes) VALUES (?,?,?,?,?)`,
		permitID, string(h.Step), formatTS(h.Timestamp), h.Actor, nullable(h.Notes))
	return err
}

func getPermitRow(ctx context.Context, q queryer, id string) (domain.PermitWorkflow, error) {
	var (
		p                domain.PermitWorkflow
		priority         sql.NullString
		created, updated string
	)
	err := q.QueryRowContext(ctx, `SELECT id,permit_number,subject,current_step,priority,created_at,updated_at FROM permits WHERE id=?`, id).
		Scan(&p.ID, &p.PermitNumber, &p.Subject, &p.CurrentStep, &priority, &created, &updated)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Priority = priority.String
	if p.CreatedAt, err = parseTS(created); err != nil {
		return p, err
	}
	if p.UpdatedAt, err = parseTS(updated); err != nil {
		return p, err
	}
	return p, nil
}

func permitHistory(ctx context.Context, q queryer, id string) ([]domain.HistoryEntry, error) {
	rows, err := q.QueryContext(ctx, `SELECT step,ts,actor,COALESCE(notes,'') FROM permit_history WHERE permit_id=? ORDER BY id ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	history := []domain.HistoryEntry{}
	for rows.Next() {
		var h domain.HistoryEntry
		var ts string
		if err := rows.Scan(&h.Step, &ts, &h.Actor, &h.Notes); err != nil {
			return nil, err
		}
		if h.Timestamp, err = parseTS(ts); err != nil {
			return nil, err
		}
		history = append(history, h)
	}
	return history, rows.Err()
}

func (r Repo) GetPermit(ctx context.Context, id string) (domain.PermitWorkflow, error) {
	p, err := getPermitRow(ctx, r.DB, id)
	if err != nil {
		return p, err
	}
	p.History, err = permitHistory(ctx, r.DB, id)
	return p, err
}

func (r Repo) ListPermits(ctx context.Context, f PermitFilters) ([]domain.PermitWorkflow, error) {
	query := `SELECT id FROM permits`
	var args []any
	if f.Step != "" {
		query += ` WHERE current_step=?`
		args = append(args, f.Step)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	res := make([]domain.PermitWorkflow, 0, len(ids))
	for _, id := range ids {
		p, err := r.GetPermit(ctx, id)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}
