package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"cityflow/internal/domain"
)

const taskColumns = `id,prediction_id,device_name,maintenance_type,priority,status,technician_json,scheduled_date,parts_reserved_json,parts_available,parts_check_json,estimated_cost,created_automatically,created_at,completed_at`

type TaskFilters struct {
	Status          string
	TechnicianID    string
	CursorCreatedAt string
	CursorID        string
	Limit           int
}

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		t                       domain.Task
		techJSON, completed     sql.NullString
		reservedJSON, checkJSON string
		scheduled, created      string
		partsAvailable, auto    int
	)
	err := row.Scan(&t.ID, &t.PredictionID, &t.DeviceName, &t.MaintenanceType, &t.Priority, &t.Status, &techJSON, &scheduled,
		&reservedJSON, &partsAvailable, &checkJSON, &t.EstimatedCost, &auto, &created, &completed)
	if err != nil {
		if err == sql.ErrNoRows {
			return t, ErrNotFound
		}
		return t, err
	}
	t.PartsAvailable = partsAvailable == 1
	t.CreatedAutomatically = auto == 1
	if techJSON.Valid && techJSON.String != "" {
		var tech domain.Technician
		if err := json.Unmarshal([]byte(techJSON.String), &tech); err != nil {
			return t, fmt.Errorf("task %s technician: %w", t.ID, err)
		}
		t.Technician = &tech
	}
	if err := json.Unmarshal([]byte(reservedJSON), &t.PartsReserved); err != nil {
		return t, fmt.Errorf("task %s parts: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(checkJSON), &t.PartsCheck); err != nil {
		return t, fmt.Errorf("task %s parts check: %w", t.ID, err)
	}
	if t.ScheduledDate, err = parseTS(scheduled); err != nil {
		return t, err
	}
	if t.CreatedAt, err = parseTS(created); err != nil {
		return t, err
	}
	if t.CompletedAt, err = parseNullTS(completed); err != nil {
		return t, err
	}
	return t, nil
}

// InsertTask stores a materialized task. A second task for the same prediction is a ConflictError.
func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	var techID, techJSON any
	if t.Technician != nil {
		data, err := json.Marshal(t.Technician)
		if err != nil {
			return err
		}
		techID, techJSON = t.Technician.ID, string(data)
	}
	reserved := t.PartsReserved
	if reserved == nil {
		reserved = []domain.PartRequirement{}
	}
	reservedJSON, err := json.Marshal(reserved)
	if err != nil {
		return err
	}
	check := t.PartsCheck
	if check == nil {
		check = []domain.PartAvailability{}
	}
	checkJSON, err := json.Marshal(check)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(id,prediction_id,device_name,maintenance_type,priority,status,technician_id,technician_json,scheduled_date,
		parts_reserved_json,parts_available,parts_check_json,estimated_cost,created_automatically,created_at,completed_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.PredictionID, t.DeviceName, t.MaintenanceType, string(t.Priority), t.Status, techID, techJSON, formatTS(t.ScheduledDate),
		string(reservedJSON), boolInt(t.PartsAvailable), string(checkJSON), t.EstimatedCost, boolInt(t.CreatedAutomatically),
		formatTS(t.CreatedAt), nullableTS(t.CompletedAt))
	if isUniqueViolation(err) {
		return domain.ConflictError{Entity: "prediction", ID: t.PredictionID, Reason: "already materialized"}
	}
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

func (r Repo) GetTaskByPrediction(ctx context.Context, predictionID string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE prediction_id=?`, predictionID))
}

// ListTasks returns tasks newest first with cursor pagination on (created_at, id).
func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.TechnicianID != "" {
		clauses = append(clauses, "technician_id=?")
		args = append(args, f.TechnicianID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// CursorFor returns the pagination cursor that continues after t.
func CursorFor(t domain.Task) (string, string) {
	return formatTS(t.CreatedAt), t.ID
}

// CompleteTask moves an open task to completed. It fails with ConflictError if the task is already completed.
func (r Repo) CompleteTask(ctx context.Context, tx *sql.Tx, id string, at time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, completed_at=? WHERE id=? AND status<>?`, domain.TaskCompleted, formatTS(at), id, domain.TaskCompleted)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetTaskTx(ctx, tx, id); err != nil {
			return err
		}
		return domain.ConflictError{Entity: "task", ID: id, Reason: "already completed"}
	}
	return nil
}

func (r Repo) DeleteTask(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountTasksByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}
